package pool

import "batchq/internal/queue"

// Wire types shared by the pool server and the local backend adapter.

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Spec queue.Spec `json:"spec"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	ID      string `json:"id"`
	Indices []int  `json:"indices,omitempty"`
	Status  string `json:"status"`
}

// JobStatus is one task in a snapshot or job response.
type JobStatus struct {
	ID         string `json:"id"`
	ArrayIndex int    `json:"arrayIndex"`
	State      string `json:"state"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	StdoutPath string `json:"stdoutPath,omitempty"`
	StderrPath string `json:"stderrPath,omitempty"`
}

// SnapshotResponse is the body of GET /v1/jobs.
type SnapshotResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

func statusFromEntry(e Entry) JobStatus {
	return JobStatus{
		ID:         e.ID,
		ArrayIndex: e.ArrayIndex,
		State:      e.State,
		ExitCode:   e.ExitCode,
		StdoutPath: e.StdoutPath,
		StderrPath: e.StderrPath,
	}
}
