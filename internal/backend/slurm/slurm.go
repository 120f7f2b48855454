// Package slurm implements the queue.Adapter for Slurm clusters, shelling
// out to sbatch, squeue, and sacct.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"time"

	"batchq/internal/apperrors"
	"batchq/internal/backend/cli"
	"batchq/internal/queue"
)

const backendName = "slurm"

var jobIDRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// arrayRangeRe matches compressed pending array IDs like 123_[0-9] or
// 123_[0-9%4].
var arrayRangeRe = regexp.MustCompile(`^(\d+)_\[(\d+)-(\d+)(?:%\d+)?\]$`)

// Config configures the Slurm adapter.
type Config struct {
	// Partition is passed as --partition when set.
	Partition string

	// User restricts squeue/sacct queries. Defaults to the current user.
	User string

	// Runner overrides command execution, for tests.
	Runner cli.Runner

	Logger *slog.Logger
}

// Adapter submits and tracks jobs through the Slurm command-line tools.
type Adapter struct {
	partition string
	user      string
	runner    cli.Runner
	hasSacct  bool
	logger    *slog.Logger
}

// New creates a Slurm adapter. It fails if sbatch is not on PATH.
func New(cfg Config) (*Adapter, error) {
	runner := cfg.Runner
	if runner == nil {
		runner = cli.ExecRunner{}
	}
	if _, err := runner.LookPath("sbatch"); err != nil {
		return nil, fmt.Errorf("sbatch not found: %w", err)
	}
	_, sacctErr := runner.LookPath("sacct")

	username := cfg.User
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolve current user: %w", err)
		}
		username = u.Username
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		partition: cfg.Partition,
		user:      username,
		runner:    runner,
		hasSacct:  sacctErr == nil,
		logger:    logger.With("component", "slurm-adapter"),
	}, nil
}

// Name implements queue.Adapter.
func (a *Adapter) Name() string { return backendName }

// Submit implements queue.Adapter via sbatch --wrap.
func (a *Adapter) Submit(ctx context.Context, spec *queue.Spec) (string, error) {
	if spec.Command == "" {
		return "", apperrors.Validation("command", "command is required")
	}

	args := []string{"--parsable"}
	if spec.Name != "" {
		args = append(args, "--job-name="+spec.Name)
	}
	if a.partition != "" {
		args = append(args, "--partition="+a.partition)
	}
	if spec.Cores > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", spec.Cores))
	}
	if spec.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--mem=%d", spec.MemoryMB))
	}
	if spec.TimeLimit > 0 {
		args = append(args, "--time="+formatTimeLimit(spec.TimeLimit))
	}
	if spec.WorkDir != "" {
		args = append(args, "--chdir="+spec.WorkDir)
	}
	if spec.StdoutPath != "" {
		args = append(args, "--output="+spec.StdoutPath)
	}
	if spec.StderrPath != "" {
		args = append(args, "--error="+spec.StderrPath)
	}
	if spec.ArraySize > 0 {
		args = append(args, fmt.Sprintf("--array=0-%d", spec.ArraySize-1))
	}
	for k, v := range spec.Env {
		args = append(args, fmt.Sprintf("--export=ALL,%s=%s", k, v))
	}

	command := spec.Command
	if len(spec.Args) > 0 {
		command += " " + strings.Join(spec.Args, " ")
	}
	args = append(args, "--wrap", command)

	output, err := a.runner.Run(ctx, "sbatch", args...)
	if err != nil {
		return "", apperrors.Submission(backendName, strings.TrimSpace(string(output)), err)
	}

	// --parsable prints "jobid" or "jobid;cluster"; older versions print
	// the sentence form.
	out := strings.TrimSpace(string(output))
	if id, ok := parseParsableID(out); ok {
		return id, nil
	}
	if m := jobIDRe.FindStringSubmatch(out); len(m) == 2 {
		return m[1], nil
	}
	return "", apperrors.Submission(backendName, "could not parse job id from: "+out, nil)
}

func parseParsableID(out string) (string, bool) {
	line := out
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if _, err := strconv.Atoi(line); err != nil {
		return "", false
	}
	return line, true
}

// Snapshot implements queue.Adapter. Active jobs come from squeue; terminal
// jobs with exit codes come from sacct when it is available. sacct rows win
// for IDs both report, since they carry the exit code.
func (a *Adapter) Snapshot(ctx context.Context) ([]queue.RemoteJob, error) {
	byKey := map[string]queue.RemoteJob{}

	output, err := a.runner.Run(ctx, "squeue", "-h", "-u", a.user, "-o", "%i|%t")
	if err != nil {
		return nil, apperrors.AdapterQuery(backendName, fmt.Errorf("squeue: %s: %w", strings.TrimSpace(string(output)), err))
	}
	for _, job := range parseSqueue(string(output)) {
		byKey[remoteKey(job)] = job
	}

	if a.hasSacct {
		output, err := a.runner.Run(ctx, "sacct",
			"-u", a.user, "-n", "-P", "-o", "JobID,State,ExitCode",
			"-S", "now-7days",
		)
		if err != nil {
			return nil, apperrors.AdapterQuery(backendName, fmt.Errorf("sacct: %s: %w", strings.TrimSpace(string(output)), err))
		}
		for _, job := range parseSacct(string(output)) {
			byKey[remoteKey(job)] = job
		}
	}

	jobs := make([]queue.RemoteJob, 0, len(byKey))
	for _, job := range byKey {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func remoteKey(j queue.RemoteJob) string {
	return fmt.Sprintf("%s_%d", j.ID, j.ArrayIndex)
}

// parseSqueue parses "%i|%t" lines. Array tasks appear as 123_4; pending
// arrays may appear compressed as 123_[0-9].
func parseSqueue(output string) []queue.RemoteJob {
	var jobs []queue.RemoteJob
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			continue
		}
		rawID, state := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		for _, entry := range expandJobID(rawID) {
			jobs = append(jobs, queue.RemoteJob{
				ID:         entry.id,
				ArrayIndex: entry.index,
				RawState:   state,
			})
		}
	}
	return jobs
}

// parseSacct parses "JobID|State|ExitCode" lines, skipping step rows like
// 123.batch. sacct states can carry suffixes ("CANCELLED by 1000").
func parseSacct(output string) []queue.RemoteJob {
	var jobs []queue.RemoteJob
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		rawID := strings.TrimSpace(parts[0])
		if strings.Contains(rawID, ".") {
			continue
		}
		state := strings.TrimSpace(parts[1])
		if idx := strings.IndexByte(state, ' '); idx > 0 {
			state = state[:idx]
		}
		var exitCode *int
		if codeStr, _, found := strings.Cut(strings.TrimSpace(parts[2]), ":"); found || codeStr != "" {
			if code, err := strconv.Atoi(codeStr); err == nil {
				exitCode = &code
			}
		}
		for _, entry := range expandJobID(rawID) {
			jobs = append(jobs, queue.RemoteJob{
				ID:         entry.id,
				ArrayIndex: entry.index,
				RawState:   state,
				ExitCode:   exitCode,
			})
		}
	}
	return jobs
}

type idEntry struct {
	id    string
	index int
}

// expandJobID turns a raw squeue/sacct job ID into one entry per task:
// "123" is a plain job, "123_4" one array task, "123_[0-3]" four pending
// tasks.
func expandJobID(raw string) []idEntry {
	if m := arrayRangeRe.FindStringSubmatch(raw); len(m) == 4 {
		lo, err1 := strconv.Atoi(m[2])
		hi, err2 := strconv.Atoi(m[3])
		if err1 != nil || err2 != nil || hi < lo {
			return nil
		}
		entries := make([]idEntry, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			entries = append(entries, idEntry{id: m[1], index: i})
		}
		return entries
	}
	if id, idxStr, found := strings.Cut(raw, "_"); found {
		if idx, err := strconv.Atoi(idxStr); err == nil {
			return []idEntry{{id: id, index: idx}}
		}
		return nil
	}
	return []idEntry{{id: raw, index: queue.NoArrayIndex}}
}

// NormalizeState implements queue.Adapter. Handles both squeue short codes
// and sacct long names.
func (a *Adapter) NormalizeState(raw string) queue.State {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PD", "CF", "RQ", "RH", "RS", "RD", "PENDING", "REQUEUED", "RESIZING":
		return queue.StatePending
	case "R", "CG", "SO", "RUNNING", "COMPLETING":
		return queue.StateRunning
	case "CD", "COMPLETED":
		return queue.StateCompleted
	case "F", "TO", "OOM", "NF", "CA", "BF", "DL",
		"FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "CANCELLED", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		return queue.StateFailed
	default:
		return queue.StateUnknown
	}
}

// formatTimeLimit renders a duration in Slurm's D-HH:MM:SS form.
func formatTimeLimit(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	rem := total % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
