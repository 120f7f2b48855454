// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrInternal   = errors.New("internal error")

	// ErrDuplicateJob is a programmer error: re-registering an ID the queue
	// already tracks.
	ErrDuplicateJob = errors.New("job already tracked")

	// ErrSubmission means the backend rejected a job spec. The job was never
	// tracked; the raw backend diagnostic is preserved in the message.
	ErrSubmission = errors.New("submission rejected")

	// ErrAdapterQuery is a transient failure querying a backend for its job
	// snapshot. It is absorbed by the queue's refresh loop and retried on the
	// next poll interval, never surfaced as a hard failure.
	ErrAdapterQuery = errors.New("adapter query failed")

	// ErrNotFinished means a job's outputs were requested before it reached a
	// terminal state.
	ErrNotFinished = errors.New("job not finished")

	// ErrOutputMissing means a job finished but its declared output location
	// is unreadable. Distinguishes "ran but output lost" from "never ran".
	ErrOutputMissing = errors.New("job output missing")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	JobID    string // Job the error refers to, if any
	Backend  string // Backend adapter name (e.g., "slurm", "local")
	Op       string // Operation that failed (e.g., "slurm.squeue")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  fmt.Sprintf("%s: %s", field, message),
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		JobID:    id,
	}
}

// DuplicateJob creates an error for registering an already-tracked job ID.
func DuplicateJob(jobID string) error {
	return &Error{
		Sentinel: ErrDuplicateJob,
		Message:  fmt.Sprintf("job %s already tracked", jobID),
		JobID:    jobID,
	}
}

// Submission creates a submission rejection error carrying the raw backend
// diagnostic output.
func Submission(backend, diagnostic string, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Message:  fmt.Sprintf("%s rejected submission: %s", backend, diagnostic),
		Backend:  backend,
		Cause:    cause,
	}
}

// AdapterQuery creates a transient snapshot-query error for a backend.
func AdapterQuery(backend string, cause error) error {
	return &Error{
		Sentinel: ErrAdapterQuery,
		Message:  fmt.Sprintf("%s queue query failed: %v", backend, cause),
		Backend:  backend,
		Cause:    cause,
	}
}

// NotFinished creates an error for fetching results of a non-terminal job.
func NotFinished(jobID, state string) error {
	return &Error{
		Sentinel: ErrNotFinished,
		Message:  fmt.Sprintf("job %s is %s, outputs not available yet", jobID, state),
		JobID:    jobID,
	}
}

// OutputMissing creates an error for a finished job whose outputs are unreadable.
func OutputMissing(jobID, path string, cause error) error {
	return &Error{
		Sentinel: ErrOutputMissing,
		Message:  fmt.Sprintf("job %s finished but output %s is unreadable: %v", jobID, path, cause),
		JobID:    jobID,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
