// Package result retrieves the outputs of finished jobs tracked by a queue.
package result

import (
	"fmt"
	"os"

	"batchq/internal/apperrors"
	"batchq/internal/queue"
)

// Result holds everything a finished job left behind.
type Result struct {
	JobID      string
	ArrayIndex int // queue.NoArrayIndex for plain jobs
	State      queue.State
	ExitCode   *int
	Stdout     []byte
	Stderr     []byte
	StdoutPath string
	StderrPath string
}

// Fetcher reads job outputs. It never triggers a reconciliation pass itself;
// callers decide when to poll, the fetcher only reports what is known.
type Fetcher struct {
	queue *queue.Queue
}

// NewFetcher creates a fetcher over the given queue.
func NewFetcher(q *queue.Queue) *Fetcher {
	return &Fetcher{queue: q}
}

// Fetch returns the outputs of a finished plain job. It fails with
// apperrors.ErrNotFinished while the job is non-terminal and with
// apperrors.ErrOutputMissing when a declared output file cannot be read.
// For array jobs use FetchChildren.
func (f *Fetcher) Fetch(id string) (*Result, error) {
	info, err := f.queue.Info(id)
	if err != nil {
		return nil, err
	}
	if len(info.Children) > 0 {
		return nil, apperrors.Validation("id", "job "+id+" is an array job, fetch its children")
	}
	return f.build(info)
}

// FetchChild returns the outputs of one task of a finished array job.
func (f *Fetcher) FetchChild(id string, index int) (*Result, error) {
	info, err := f.queue.Info(id)
	if err != nil {
		return nil, err
	}
	child, ok := info.Children[index]
	if !ok {
		return nil, apperrors.NotFound("array task", taskName(id, index))
	}
	return f.build(child)
}

// FetchChildren returns the outputs of every task of a finished array job,
// keyed by index. It fails as soon as any child is unfinished or unreadable.
func (f *Fetcher) FetchChildren(id string) (map[int]*Result, error) {
	info, err := f.queue.Info(id)
	if err != nil {
		return nil, err
	}
	if len(info.Children) == 0 {
		return nil, apperrors.Validation("id", "job "+id+" is not an array job")
	}
	// The parent's derived state gates the whole array: one running child
	// means the array is not finished.
	if !info.State.Terminal() {
		return nil, apperrors.NotFinished(id, string(info.State))
	}

	results := make(map[int]*Result, len(info.Children))
	for idx, child := range info.Children {
		r, err := f.build(child)
		if err != nil {
			return nil, err
		}
		results[idx] = r
	}
	return results, nil
}

func (f *Fetcher) build(info queue.JobInfo) (*Result, error) {
	if !info.State.Terminal() {
		return nil, apperrors.NotFinished(taskName(info.ID, info.ArrayIndex), string(info.State))
	}

	r := &Result{
		JobID:      info.ID,
		ArrayIndex: info.ArrayIndex,
		State:      info.State,
		ExitCode:   info.ExitCode,
		StdoutPath: info.StdoutPath,
		StderrPath: info.StderrPath,
	}
	if info.ParentID != "" {
		r.JobID = info.ParentID
	}

	if info.StdoutPath == "" {
		return nil, apperrors.OutputMissing(r.JobID, "", nil)
	}
	stdout, err := os.ReadFile(info.StdoutPath)
	if err != nil {
		return nil, apperrors.OutputMissing(r.JobID, info.StdoutPath, err)
	}
	r.Stdout = stdout

	if info.StderrPath != "" {
		stderr, err := os.ReadFile(info.StderrPath)
		if err != nil {
			return nil, apperrors.OutputMissing(r.JobID, info.StderrPath, err)
		}
		r.Stderr = stderr
	}
	return r, nil
}

func taskName(id string, index int) string {
	if index == queue.NoArrayIndex {
		return id
	}
	return fmt.Sprintf("%s[%d]", id, index)
}
