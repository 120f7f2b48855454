package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"batchq/internal/apperrors"
	"batchq/internal/observability"
	"batchq/internal/queue"
)

// Config configures the worker pool.
type Config struct {
	// Workers is the number of concurrent job slots. Defaults to NumCPU.
	Workers int

	// QueueSize bounds how many tasks may wait for a worker before Submit
	// blocks. Defaults to 4096.
	QueueSize int

	// SpoolDir receives stdout/stderr files for jobs that don't name their
	// own. Defaults to <data dir>/spool next to the ledger.
	SpoolDir string

	// LedgerPath is the sqlite ledger file.
	LedgerPath string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(filepath.Dir(c.LedgerPath), "spool")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type task struct {
	id    string
	index int
	spec  queue.Spec
}

// Pool executes submitted jobs on a fixed set of workers. Every accepted job
// is recorded in the ledger before it is queued, so a crash between accept
// and execute loses nothing: interrupted and still-pending tasks are requeued
// on the next start.
type Pool struct {
	config  Config
	ledger  *Ledger
	logger  *slog.Logger
	metrics *observability.Metrics

	tasks chan task

	mu      sync.Mutex
	running map[string]context.CancelFunc // "id:index" -> cancel

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	stopCh  chan struct{} // closed by Close to halt intake without killing tasks
	closed  atomic.Bool
	depth   atomic.Int64
}

// New opens the ledger, requeues interrupted work, and starts the workers.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	ledger, err := OpenLedger(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	p := &Pool{
		config:  cfg,
		ledger:  ledger,
		logger:  cfg.Logger.With("component", "pool"),
		metrics: cfg.Metrics,
		tasks:   make(chan task, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		baseCtx: baseCtx,
		stop:    stop,
		stopCh:  make(chan struct{}),
	}

	if err := p.recover(baseCtx); err != nil {
		stop()
		_ = ledger.Close()
		return nil, err
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		"workers", cfg.Workers,
		"queueSize", cfg.QueueSize,
		"ledger", cfg.LedgerPath,
	)
	return p, nil
}

// recover requeues tasks interrupted by a previous crash plus anything that
// was accepted but never ran.
func (p *Pool) recover(ctx context.Context) error {
	reset, err := p.ledger.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reset interrupted jobs: %w", err)
	}
	pending, err := p.ledger.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	if len(pending) > p.config.QueueSize {
		return fmt.Errorf("ledger holds %d pending tasks, queue size is %d", len(pending), p.config.QueueSize)
	}
	for _, e := range pending {
		p.enqueue(task{id: e.ID, index: e.ArrayIndex, spec: e.Spec})
	}
	if reset > 0 || len(pending) > 0 {
		p.logger.Info("recovered ledger state", "interrupted", reset, "requeued", len(pending))
	}
	return nil
}

// Submit accepts a job spec, persists it, and queues it for execution.
// Array specs (ArraySize > 0) become one task per index under a single job
// ID. Returns the assigned ID and the array indices (nil for plain jobs).
func (p *Pool) Submit(ctx context.Context, spec *queue.Spec) (string, []int, error) {
	if p.closed.Load() {
		return "", nil, apperrors.Submission("local", "pool is shutting down", nil)
	}
	if spec == nil || spec.Command == "" {
		return "", nil, apperrors.Validation("command", "command is required")
	}
	if spec.ArraySize < 0 {
		return "", nil, apperrors.Validation("arraySize", "arraySize must not be negative")
	}

	id, err := p.ledger.NextID(ctx)
	if err != nil {
		return "", nil, apperrors.Submission("local", "allocate job id", err)
	}

	indices := []int{queue.NoArrayIndex}
	var reported []int
	if spec.ArraySize > 0 {
		indices = make([]int, spec.ArraySize)
		for i := range indices {
			indices[i] = i
		}
		reported = indices
	}

	for _, idx := range indices {
		entry := Entry{
			ID:         id,
			ArrayIndex: idx,
			Spec:       *spec,
			StdoutPath: p.outputPath(id, idx, spec.StdoutPath, "out"),
			StderrPath: p.outputPath(id, idx, spec.StderrPath, "err"),
		}
		if err := p.ledger.Insert(ctx, entry); err != nil {
			return "", nil, apperrors.Submission("local", "record job", err)
		}
	}

	for _, idx := range indices {
		p.enqueue(task{id: id, index: idx, spec: *spec})
	}

	p.logger.Info("job accepted", "jobId", id, "arraySize", spec.ArraySize, "name", spec.Name)
	return id, reported, nil
}

// enqueue blocks when the queue is full: jobs wait for capacity instead of
// being rejected.
func (p *Pool) enqueue(t task) {
	p.depth.Add(1)
	p.reportDepth()
	select {
	case p.tasks <- t:
	case <-p.stopCh:
		p.depth.Add(-1)
	}
}

// Snapshot reports every task in the ledger. It is truthful across restarts:
// jobs finished before a crash keep their recorded state and exit code.
func (p *Pool) Snapshot(ctx context.Context) ([]Entry, error) {
	return p.ledger.Snapshot(ctx)
}

// Job reports all tasks of a single job ID.
func (p *Pool) Job(ctx context.Context, id string) ([]Entry, error) {
	entries, err := p.ledger.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.NotFound("job", id)
	}
	return entries, nil
}

// Cancel stops a job: queued tasks are marked cancelled and never run,
// running tasks are killed.
func (p *Pool) Cancel(ctx context.Context, id string) error {
	cancelled, err := p.ledger.CancelPending(ctx, id)
	if err != nil {
		return apperrors.Internal("cancel job", err)
	}

	var killed int
	p.mu.Lock()
	for key, cancel := range p.running {
		if taskJobID(key) == id {
			cancel()
			killed++
		}
	}
	p.mu.Unlock()

	if cancelled == 0 && killed == 0 {
		if _, err := p.ledger.Job(ctx, id); err != nil {
			return apperrors.NotFound("job", id)
		}
		// Already terminal; cancelling a finished job is a no-op.
		return nil
	}
	p.logger.Info("job cancelled", "jobId", id, "queued", cancelled, "running", killed)
	return nil
}

// Ready reports whether the pool can accept work.
func (p *Pool) Ready(ctx context.Context) error {
	if p.closed.Load() {
		return errors.New("pool is shutting down")
	}
	return p.ledger.Ping(ctx)
}

// ActiveCount returns how many tasks are currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// QueueDepth returns how many tasks are waiting for a worker.
func (p *Pool) QueueDepth() int64 {
	return p.depth.Load()
}

// Close stops accepting work, waits up to the context deadline for running
// tasks to finish, then kills the rest. Queued tasks stay pending in the
// ledger and run on the next start.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("worker pool draining", "active", p.ActiveCount(), "queued", p.depth.Load())
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("drain deadline reached, killing running tasks", "active", p.ActiveCount())
		p.mu.Lock()
		for _, cancel := range p.running {
			cancel()
		}
		p.mu.Unlock()
		<-done
	}
	p.stop()
	return p.ledger.Close()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		// Check the stop signal first so a draining pool never picks up a
		// queued task even when both channels are ready.
		select {
		case <-p.stopCh:
			return
		default:
		}
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			p.depth.Add(-1)
			p.reportDepth()
			p.run(logger, t)
		}
	}
}

func (p *Pool) run(logger *slog.Logger, t task) {
	// Ledger writes must land even when the task itself is killed during
	// shutdown, otherwise a cancelled job stays "running" across restarts.
	ctx := context.WithoutCancel(p.baseCtx)
	logger = logger.With("jobId", t.id)
	if t.index != queue.NoArrayIndex {
		logger = logger.With("arrayIndex", t.index)
	}

	ok, err := p.ledger.MarkRunning(ctx, t.id, t.index)
	if err != nil {
		logger.Error("failed to mark job running", "error", err)
		return
	}
	if !ok {
		// Cancelled (or otherwise advanced) while queued.
		logger.Info("skipping task no longer pending")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	if t.spec.TimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.spec.TimeLimit)
	}
	key := taskKey(t.id, t.index)
	p.mu.Lock()
	p.running[key] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, key)
		p.mu.Unlock()
	}()

	if p.metrics != nil {
		p.metrics.RecordPoolJobStarted(ctx)
	}
	start := time.Now()
	logger.Info("job started", "command", t.spec.Command)

	state, exitCode, runErr := p.execute(runCtx, t)

	duration := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordPoolJobFinished(ctx, duration.Seconds(), state != ledgerCompleted)
	}

	if err := p.ledger.MarkFinished(ctx, t.id, t.index, state, exitCode); err != nil {
		logger.Error("failed to record job result", "error", err)
	}

	attrs := []any{"state", state, "duration", duration}
	if exitCode != nil {
		attrs = append(attrs, "exitCode", *exitCode)
	}
	if runErr != nil {
		attrs = append(attrs, "error", runErr)
	}
	logger.Info("job finished", attrs...)
}

// execute runs the task's command and classifies the outcome.
func (p *Pool) execute(ctx context.Context, t task) (string, *int, error) {
	var cmd *exec.Cmd
	if len(t.spec.Args) > 0 {
		cmd = exec.CommandContext(ctx, t.spec.Command, t.spec.Args...)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", t.spec.Command)
	}
	cmd.Dir = t.spec.WorkDir

	env := os.Environ()
	for k, v := range t.spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "BATCHQ_JOB_ID="+t.id)
	if t.index != queue.NoArrayIndex {
		env = append(env, fmt.Sprintf("BATCHQ_ARRAY_INDEX=%d", t.index))
	}
	cmd.Env = env

	stdout, err := os.Create(p.outputPath(t.id, t.index, t.spec.StdoutPath, "out"))
	if err != nil {
		return ledgerFailed, nil, fmt.Errorf("create stdout file: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(p.outputPath(t.id, t.index, t.spec.StderrPath, "err"))
	if err != nil {
		return ledgerFailed, nil, fmt.Errorf("create stderr file: %w", err)
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	if ctx.Err() != nil {
		// Killed by Cancel or the time limit.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ledgerFailed, nil, fmt.Errorf("time limit exceeded: %w", ctx.Err())
		}
		return ledgerCancelled, nil, ctx.Err()
	}

	if runErr == nil {
		code := 0
		return ledgerCompleted, &code, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		return ledgerFailed, &code, nil
	}
	// Start failure: command not found, permission denied.
	return ledgerFailed, nil, runErr
}

// outputPath resolves where a task's stream lands: the spec's declared path
// if set, otherwise a spool file keyed by job ID and array index.
func (p *Pool) outputPath(id string, index int, declared, suffix string) string {
	if declared != "" {
		return declared
	}
	if index == queue.NoArrayIndex {
		return filepath.Join(p.config.SpoolDir, fmt.Sprintf("job-%s.%s", id, suffix))
	}
	return filepath.Join(p.config.SpoolDir, fmt.Sprintf("job-%s.%d.%s", id, index, suffix))
}

func (p *Pool) reportDepth() {
	if p.metrics != nil {
		p.metrics.RecordPoolQueueDepth(p.baseCtx, p.depth.Load())
	}
}

func taskKey(id string, index int) string {
	return fmt.Sprintf("%s:%d", id, index)
}

func taskJobID(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
