package queue

import "time"

// record is the queue's internal representation of one tracked job. Plain
// jobs and array parents live in the queue's top-level map; array children
// live in their parent's children map, keyed by array index, and carry the
// parent's ID rather than a pointer back to it.
//
// All fields below the spec are mutated only under the queue's write lock,
// and only by reconciliation.
type record struct {
	id         string
	spec       Spec
	parentID   string
	arrayIndex int

	state       State
	exitCode    *int
	stdoutPath  string
	stderrPath  string
	lastSeen    time.Time
	misses      int // consecutive snapshot passes that did not mention this job
	disappeared bool

	children map[int]*record // non-nil only on array parents
}

func newRecord(id string, spec Spec) *record {
	return &record{
		id:         id,
		spec:       spec,
		arrayIndex: NoArrayIndex,
		state:      StatePending,
		stdoutPath: spec.StdoutPath,
		stderrPath: spec.StderrPath,
	}
}

func newChildRecord(parentID string, index int, spec Spec) *record {
	c := newRecord(parentID, spec)
	c.parentID = parentID
	c.arrayIndex = index
	return c
}

// isArray reports whether this record is an array parent.
func (r *record) isArray() bool {
	return r.children != nil
}

// adopt applies one backend snapshot entry to this record.
func (r *record) adopt(state State, rj RemoteJob, now time.Time) {
	r.state = state
	r.misses = 0
	r.disappeared = false
	r.lastSeen = now
	if rj.ExitCode != nil {
		code := *rj.ExitCode
		r.exitCode = &code
	}
	if rj.StdoutPath != "" {
		r.stdoutPath = rj.StdoutPath
	}
	if rj.StderrPath != "" {
		r.stderrPath = rj.StderrPath
	}
}

// miss records that a snapshot pass did not mention this job. A record
// already in a terminal state stays there; everything else degrades to
// Unknown, and only a run of missLimit consecutive misses is taken as
// completion (most backends stop listing a job once it finishes).
func (r *record) miss(missLimit int) {
	if r.state.Terminal() {
		return
	}
	r.misses++
	if r.misses >= missLimit {
		r.state = StateCompleted
		r.disappeared = true
		return
	}
	r.state = StateUnknown
}

// aggregateState derives an array parent's state from its children:
// the most active child state wins, a lone failure only shows once nothing
// is pending or running, and Completed requires every child to be Completed.
func (r *record) aggregateState() State {
	var running, pending, unknown, failed bool
	for _, c := range r.children {
		switch c.state {
		case StateRunning:
			running = true
		case StatePending:
			pending = true
		case StateUnknown:
			unknown = true
		case StateFailed:
			failed = true
		}
	}
	switch {
	case running:
		return StateRunning
	case pending:
		return StatePending
	case unknown:
		return StateUnknown
	case failed:
		return StateFailed
	default:
		return StateCompleted
	}
}

// aggregateExitCode sums children exit codes once every child has one.
func (r *record) aggregateExitCode() *int {
	sum := 0
	for _, c := range r.children {
		if c.exitCode == nil {
			return nil
		}
		sum += *c.exitCode
	}
	return &sum
}

// recompute refreshes an array parent's derived fields from its children.
func (r *record) recompute(now time.Time) {
	r.state = r.aggregateState()
	r.exitCode = r.aggregateExitCode()
	r.lastSeen = now
}

// outcome builds the caller-facing view of this record.
func (r *record) outcome() Outcome {
	o := Outcome{
		State:      r.state,
		Done:       r.state.Terminal(),
		StdoutPath: r.stdoutPath,
		StderrPath: r.stderrPath,
	}
	if r.exitCode != nil {
		code := *r.exitCode
		o.ExitCode = &code
	}
	return o
}

// info builds a point-in-time copy of this record, children included.
func (r *record) info() JobInfo {
	ji := JobInfo{
		ID:          r.id,
		ParentID:    r.parentID,
		ArrayIndex:  r.arrayIndex,
		Spec:        r.spec,
		State:       r.state,
		StdoutPath:  r.stdoutPath,
		StderrPath:  r.stderrPath,
		LastSeen:    r.lastSeen,
		Disappeared: r.disappeared,
	}
	if r.exitCode != nil {
		code := *r.exitCode
		ji.ExitCode = &code
	}
	if r.children != nil {
		ji.Children = make(map[int]JobInfo, len(r.children))
		for idx, c := range r.children {
			ji.Children[idx] = c.info()
		}
	}
	return ji
}
