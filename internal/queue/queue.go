package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"batchq/internal/apperrors"
)

// Config tunes the queue. Zero values use defaults.
type Config struct {
	// MissLimit is how many consecutive snapshot passes may omit a job
	// before it is inferred Completed. Until the limit is reached the job
	// reads as Unknown, never dropped.
	MissLimit int

	// MinQueryInterval throttles backend snapshot queries so that
	// overlapping Get/Wait callers share one polling cadence instead of
	// hammering the backend.
	MinQueryInterval time.Duration

	// PollInterval is the default sleep between reconciliation passes for
	// Get/Wait callers that pass a non-positive interval.
	PollInterval time.Duration

	Logger  *slog.Logger
	Metrics MetricsRecorder
}

// MetricsRecorder is an optional interface for recording queue metrics.
type MetricsRecorder interface {
	RecordRefresh(ctx context.Context, backend string, durationSeconds float64, failed bool)
	RecordJobSubmitted(ctx context.Context, backend string)
	RecordJobsTracked(ctx context.Context, count int64)
}

const (
	defaultMissLimit        = 12
	defaultMinQueryInterval = 2 * time.Second
	defaultPollInterval     = time.Second
)

func (c Config) withDefaults() Config {
	if c.MissLimit <= 0 {
		c.MissLimit = defaultMissLimit
	}
	if c.MinQueryInterval <= 0 {
		c.MinQueryInterval = defaultMinQueryInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Queue is the reconciliation engine. It owns the authoritative mapping of
// tracked jobs, keyed by backend job ID, and keeps it consistent with the
// backend through serialized reconciliation passes.
//
// Every ID ever registered stays in the mapping until Discard is called;
// reconciliation updates states but never removes records.
type Queue struct {
	adapter Adapter
	config  Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.RWMutex // guards jobs and all record mutation
	jobs map[string]*record

	refreshMu     sync.Mutex // at most one reconciliation pass in flight
	queryFailures atomic.Int64
}

// New creates a queue over the given backend adapter.
func New(adapter Adapter, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		adapter: adapter,
		config:  cfg,
		logger:  cfg.Logger.With("component", "queue", "backend", adapter.Name()),
		limiter: rate.NewLimiter(rate.Every(cfg.MinQueryInterval), 1),
		jobs:    make(map[string]*record),
	}
}

// Register starts tracking a freshly submitted job as Pending.
func (q *Queue) Register(id string, spec Spec) (JobInfo, error) {
	if id == "" {
		return JobInfo{}, apperrors.Validation("id", "job ID is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[id]; exists {
		return JobInfo{}, apperrors.DuplicateJob(id)
	}
	rec := newRecord(id, spec)
	q.jobs[id] = rec
	q.recordTracked()
	return rec.info(), nil
}

// RegisterArray starts tracking an array submission: one parent entry plus
// one child per index. The parent never runs anything itself; its state is
// derived from its children.
func (q *Queue) RegisterArray(parentID string, spec Spec, indices []int) (JobInfo, error) {
	if parentID == "" {
		return JobInfo{}, apperrors.Validation("id", "job ID is required")
	}
	if len(indices) == 0 {
		return JobInfo{}, apperrors.Validation("indices", "array job needs at least one child index")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[parentID]; exists {
		return JobInfo{}, apperrors.DuplicateJob(parentID)
	}
	parent := newRecord(parentID, spec)
	parent.children = make(map[int]*record, len(indices))
	for _, idx := range indices {
		parent.children[idx] = newChildRecord(parentID, idx, spec)
	}
	q.jobs[parentID] = parent
	q.recordTracked()
	return parent.info(), nil
}

// Submit hands the spec to the backend and registers the resulting ID.
// Submission failures surface to the caller; nothing is tracked for them.
func (q *Queue) Submit(ctx context.Context, spec Spec) (JobInfo, error) {
	if spec.ArraySize > 0 {
		return q.SubmitArray(ctx, spec, spec.ArraySize)
	}
	id, err := q.adapter.Submit(ctx, &spec)
	if err != nil {
		return JobInfo{}, err
	}
	q.recordSubmitted(ctx)
	return q.Register(id, spec)
}

// SubmitArray submits the spec as an array job with indices 0..count-1.
func (q *Queue) SubmitArray(ctx context.Context, spec Spec, count int) (JobInfo, error) {
	if count <= 0 {
		return JobInfo{}, apperrors.Validation("count", "array size must be positive")
	}
	spec.ArraySize = count
	id, err := q.adapter.Submit(ctx, &spec)
	if err != nil {
		return JobInfo{}, err
	}
	q.recordSubmitted(ctx)
	indices := make([]int, count)
	for i := range indices {
		indices[i] = i
	}
	return q.RegisterArray(id, spec, indices)
}

// Refresh performs one reconciliation pass against the backend snapshot.
//
// A snapshot failure mutates nothing and returns an error classified as
// apperrors.ErrAdapterQuery; pollers log it and retry on the next interval.
// This is the property everything else leans on: a transient query failure
// can never make a tracked job vanish or look finished.
//
// Passes are serialized, and the backend is queried at most once per
// MinQueryInterval; a caller that arrives inside the window returns
// immediately, having observed the state the previous pass adopted.
func (q *Queue) Refresh(ctx context.Context) error {
	q.refreshMu.Lock()
	defer q.refreshMu.Unlock()

	if !q.limiter.Allow() {
		return nil
	}

	start := time.Now()
	remote, err := q.adapter.Snapshot(ctx)
	if err != nil {
		q.queryFailures.Add(1)
		q.recordRefresh(ctx, time.Since(start), true)
		return apperrors.AdapterQuery(q.adapter.Name(), err)
	}
	q.recordRefresh(ctx, time.Since(start), false)

	// Index the snapshot by ID, array entries by (ID, index).
	plain := make(map[string]RemoteJob)
	arrays := make(map[string]map[int]RemoteJob)
	for _, rj := range remote {
		if rj.ArrayIndex == NoArrayIndex {
			plain[rj.ID] = rj
			continue
		}
		tasks, ok := arrays[rj.ID]
		if !ok {
			tasks = make(map[int]RemoteJob)
			arrays[rj.ID] = tasks
		}
		tasks[rj.ArrayIndex] = rj
	}

	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, rec := range q.jobs {
		if rec.isArray() {
			q.reconcileArray(rec, arrays[id], plain, now)
			continue
		}
		if rj, ok := plain[id]; ok {
			rec.adopt(q.adapter.NormalizeState(rj.RawState), rj, now)
		} else {
			rec.miss(q.config.MissLimit)
		}
	}
	return nil
}

// reconcileArray reconciles each child independently by (parentID, index),
// then recomputes the parent's derived state. A backend that collapses a
// fully pending array into a single parent row is handled by falling back to
// the plain entry for every child.
func (q *Queue) reconcileArray(parent *record, tasks map[int]RemoteJob, plain map[string]RemoteJob, now time.Time) {
	parentRow, hasParentRow := plain[parent.id]
	for idx, child := range parent.children {
		if rj, ok := tasks[idx]; ok {
			child.adopt(q.adapter.NormalizeState(rj.RawState), rj, now)
		} else if hasParentRow {
			child.adopt(q.adapter.NormalizeState(parentRow.RawState), parentRow, now)
		} else {
			child.miss(q.config.MissLimit)
		}
	}
	parent.recompute(now)
}

// Get blocks until every listed job reaches a terminal state, maxWait
// elapses, or ctx is cancelled, polling the backend on the given interval.
// It returns the best-known outcome per job in every case: timeout and
// cancellation yield partial results with Done=false entries, never an
// error, and the jobs stay tracked for future calls. The only hard failure
// is asking about an ID that was never registered.
func (q *Queue) Get(ctx context.Context, ids []string, interval, maxWait time.Duration) (map[string]Outcome, error) {
	if interval <= 0 {
		interval = q.config.PollInterval
	}
	if err := q.ensureTracked(ids); err != nil {
		return nil, err
	}
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := q.Refresh(ctx); err != nil {
			q.logger.Warn("Reconciliation failed, retrying next interval", "error", err)
		}
		outcomes, allDone := q.collect(ids)
		if allDone {
			return outcomes, nil
		}
		select {
		case <-ctx.Done():
			return outcomes, nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every listed job is terminal, with no timeout. It
// returns nil once all jobs are done, or ctx.Err() if cancelled first.
func (q *Queue) Wait(ctx context.Context, ids []string, interval time.Duration) error {
	outcomes, err := q.Get(ctx, ids, interval, 0)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if !o.Done {
			return ctx.Err()
		}
	}
	return nil
}

// Status returns the current state of a tracked job.
func (q *Queue) Status(id string) (State, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rec, ok := q.jobs[id]
	if !ok {
		return "", apperrors.NotFound("job", id)
	}
	return rec.state, nil
}

// Info returns a point-in-time copy of a tracked job, children included.
func (q *Queue) Info(id string) (JobInfo, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rec, ok := q.jobs[id]
	if !ok {
		return JobInfo{}, apperrors.NotFound("job", id)
	}
	return rec.info(), nil
}

// List returns the IDs of all tracked jobs.
func (q *Queue) List() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked jobs.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.jobs)
}

// JobsInState returns copies of all tracked jobs whose state matches one of
// the given states. Array parents match on their aggregate state.
func (q *Queue) JobsInState(states ...State) []JobInfo {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []JobInfo
	for _, rec := range q.jobs {
		for _, s := range states {
			if rec.state == s {
				out = append(out, rec.info())
				break
			}
		}
	}
	return out
}

// ActiveCount counts pending and running work, array children individually.
func (q *Queue) ActiveCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, rec := range q.jobs {
		if rec.isArray() {
			for _, c := range rec.children {
				if c.state == StatePending || c.state == StateRunning {
					n++
				}
			}
			continue
		}
		if rec.state == StatePending || rec.state == StateRunning {
			n++
		}
	}
	return n
}

// WaitToSubmit blocks until fewer than maxActive jobs are pending or
// running, refreshing on the queue's poll interval. Used as a soft admission
// valve against cluster queue limits.
func (q *Queue) WaitToSubmit(ctx context.Context, maxActive int) error {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.Refresh(ctx); err != nil {
			q.logger.Warn("Reconciliation failed, retrying next interval", "error", err)
		}
		if q.ActiveCount() < maxActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Discard stops tracking a job. Pruning is strictly caller-initiated; the
// queue never does this on its own.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	delete(q.jobs, id)
	q.recordTracked()
	return nil
}

// QueryFailures returns how many snapshot queries have failed since startup.
func (q *Queue) QueryFailures() int64 {
	return q.queryFailures.Load()
}

// ensureTracked fails fast on IDs that were never registered.
func (q *Queue) ensureTracked(ids []string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, id := range ids {
		if _, ok := q.jobs[id]; !ok {
			return apperrors.NotFound("job", id)
		}
	}
	return nil
}

// collect builds outcomes for the given IDs and reports whether all are
// terminal. Reads one consistent view under the read lock, so concurrent
// callers observing the same snapshot agree on every job's state.
func (q *Queue) collect(ids []string) (map[string]Outcome, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	outcomes := make(map[string]Outcome, len(ids))
	allDone := true
	for _, id := range ids {
		rec, ok := q.jobs[id]
		if !ok {
			// Discarded mid-wait by another caller; report unknown.
			outcomes[id] = Outcome{State: StateUnknown}
			allDone = false
			continue
		}
		o := rec.outcome()
		outcomes[id] = o
		if !o.Done {
			allDone = false
		}
	}
	return outcomes, allDone
}

func (q *Queue) recordTracked() {
	if q.config.Metrics != nil {
		q.config.Metrics.RecordJobsTracked(context.Background(), int64(len(q.jobs)))
	}
}

func (q *Queue) recordSubmitted(ctx context.Context) {
	if q.config.Metrics != nil {
		q.config.Metrics.RecordJobSubmitted(ctx, q.adapter.Name())
	}
}

func (q *Queue) recordRefresh(ctx context.Context, d time.Duration, failed bool) {
	if q.config.Metrics != nil {
		q.config.Metrics.RecordRefresh(ctx, q.adapter.Name(), d.Seconds(), failed)
	}
}
