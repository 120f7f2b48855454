// Package queue implements the backend-agnostic job queue: a normalized job
// model, the reconciliation engine that keeps it consistent with
// backend-reported state, and blocking wait/get accessors.
package queue

import (
	"context"
	"time"
)

// State is the normalized job state shared by all backends.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// NoArrayIndex marks a snapshot entry that is not an array task.
const NoArrayIndex = -1

// Spec is the submission-time description of one unit of work.
type Spec struct {
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir    string            `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cores      int               `json:"cores,omitempty" yaml:"cores,omitempty"`
	MemoryMB   int               `json:"memoryMB,omitempty" yaml:"memoryMB,omitempty"`
	TimeLimit  time.Duration     `json:"timeLimit,omitempty" yaml:"timeLimit,omitempty"`
	StdoutPath string            `json:"stdoutPath,omitempty" yaml:"stdoutPath,omitempty"`
	StderrPath string            `json:"stderrPath,omitempty" yaml:"stderrPath,omitempty"`

	// ArraySize > 0 submits the spec as an array job with indices
	// 0..ArraySize-1. Zero means a plain single job.
	ArraySize int `json:"arraySize,omitempty" yaml:"arraySize,omitempty"`
}

// RemoteJob is one entry of a backend's raw queue snapshot.
type RemoteJob struct {
	ID         string // backend-assigned job ID (parent ID for array tasks)
	RawState   string // backend-specific state string, not yet normalized
	ArrayIndex int    // NoArrayIndex unless this entry is one array task
	ExitCode   *int   // set only when the backend reports one
	StdoutPath string // declared output location, if the backend knows it
	StderrPath string
}

// Adapter is the capability contract a batch backend must satisfy. Adding a
// backend means providing one value implementing this interface; the queue
// itself never changes.
type Adapter interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Submit hands a spec to the backend and returns the backend-assigned
	// job ID. Failures classify as apperrors.ErrSubmission and include the
	// raw backend diagnostic.
	Submit(ctx context.Context, spec *Spec) (string, error)

	// Snapshot returns every job the backend currently reports for this
	// user, one entry per array task. Failures classify as
	// apperrors.ErrAdapterQuery and are treated as transient.
	Snapshot(ctx context.Context) ([]RemoteJob, error)

	// NormalizeState maps a backend-specific raw state onto the shared
	// State set. Pure function.
	NormalizeState(raw string) State
}

// Outcome is the per-job result of a Get call. Done is false for jobs that
// were still non-terminal when the call returned.
type Outcome struct {
	State      State `json:"state"`
	Done       bool  `json:"done"`
	ExitCode   *int  `json:"exitCode,omitempty"`
	StdoutPath string `json:"stdoutPath,omitempty"`
	StderrPath string `json:"stderrPath,omitempty"`
}

// JobInfo is a point-in-time copy of a tracked record, safe to hold across
// reconciliation passes.
type JobInfo struct {
	ID          string
	ParentID    string // set on array children
	ArrayIndex  int    // NoArrayIndex for plain jobs and array parents
	Spec        Spec
	State       State
	ExitCode    *int
	StdoutPath  string
	StderrPath  string
	LastSeen    time.Time
	Disappeared bool
	Children    map[int]JobInfo // populated on array parents
}
