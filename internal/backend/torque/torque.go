// Package torque implements the queue.Adapter for Torque/PBS clusters,
// shelling out to qsub and qstat.
package torque

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

const backendName = "torque"

// arrayTaskRe matches array task IDs like 123[4].server or 123[4].
var arrayTaskRe = regexp.MustCompile(`^(\d+)\[(\d*)\](.*)$`)

// Config configures the Torque adapter.
type Config struct {
	// Queue is passed as -q when set.
	Queue string

	// User restricts qstat queries. Defaults to the current user.
	User string

	// Runner overrides command execution, for tests.
	Runner cli.Runner

	Logger *slog.Logger
}

// Adapter submits and tracks jobs through the Torque command-line tools.
type Adapter struct {
	queueName string
	user      string
	runner    cli.Runner
	logger    *slog.Logger
}

// New creates a Torque adapter. It fails if qsub is not on PATH.
func New(cfg Config) (*Adapter, error) {
	runner := cfg.Runner
	if runner == nil {
		runner = cli.ExecRunner{}
	}
	if _, err := runner.LookPath("qsub"); err != nil {
		return nil, fmt.Errorf("qsub not found: %w", err)
	}

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
		queueName: cfg.Queue,
		user:      username,
		runner:    runner,
		logger:    logger.With("component", "torque-adapter"),
	}, nil
}

// Name implements queue.Adapter.
func (a *Adapter) Name() string { return backendName }

// Submit implements queue.Adapter. The command is piped to qsub on stdin via
// a shell wrapper since qsub wants a script. Array submissions use -t; the
// returned ID has the array brackets stripped so all tasks of a job share
// one ID.
func (a *Adapter) Submit(ctx context.Context, spec *queue.Spec) (string, error) {
	if spec.Command == "" {
		return "", apperrors.Validation("command", "command is required")
	}

	command := spec.Command
	if len(spec.Args) > 0 {
		command += " " + strings.Join(spec.Args, " ")
	}

	args := []string{}
	if spec.Name != "" {
		args = append(args, "-N", spec.Name)
	}
	if a.queueName != "" {
		args = append(args, "-q", a.queueName)
	}
	if spec.Cores > 0 {
		args = append(args, "-l", fmt.Sprintf("nodes=1:ppn=%d", spec.Cores))
	}
	if spec.MemoryMB > 0 {
		args = append(args, "-l", fmt.Sprintf("mem=%dmb", spec.MemoryMB))
	}
	if spec.TimeLimit > 0 {
		args = append(args, "-l", "walltime="+formatWalltime(spec.TimeLimit))
	}
	if spec.WorkDir != "" {
		args = append(args, "-d", spec.WorkDir)
	}
	if spec.StdoutPath != "" {
		args = append(args, "-o", spec.StdoutPath)
	}
	if spec.StderrPath != "" {
		args = append(args, "-e", spec.StderrPath)
	}
	if spec.ArraySize > 0 {
		args = append(args, "-t", fmt.Sprintf("0-%d", spec.ArraySize-1))
	}
	if len(spec.Env) > 0 {
		pairs := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			pairs = append(pairs, k+"="+v)
		}
		args = append(args, "-v", strings.Join(pairs, ","))
	}
	// qsub reads the job script from stdin; echo the command through a
	// shell so we don't need a script file on disk.
	wrapped := fmt.Sprintf("echo %s | qsub %s", shellQuote(command), strings.Join(args, " "))

	output, err := a.runner.Run(ctx, "/bin/sh", "-c", wrapped)
	if err != nil {
		return "", apperrors.Submission(backendName, strings.TrimSpace(string(output)), err)
	}

	id := strings.TrimSpace(string(output))
	if id == "" {
		return "", apperrors.Submission(backendName, "qsub returned no job id", nil)
	}
	if base, _, ok := splitArrayID(id); ok {
		id = base
	}
	return id, nil
}

// Snapshot implements queue.Adapter via `qstat -t`, which lists one row per
// array task.
func (a *Adapter) Snapshot(ctx context.Context) ([]queue.RemoteJob, error) {
	output, err := a.runner.Run(ctx, "qstat", "-t", "-u", a.user)
	if err != nil {
		return nil, apperrors.AdapterQuery(backendName, fmt.Errorf("qstat: %s: %w", strings.TrimSpace(string(output)), err))
	}
	return parseQstat(string(output)), nil
}

// parseQstat parses default qstat table output:
//
//	Job ID    Name    User    Time Use  S  Queue
//	--------- ------- ------- --------- -- -----
//	123.host  myjob   alice   00:01:02  R  batch
//
// Header and separator lines are skipped by requiring the first field to
// start with a digit.
func parseQstat(output string) []queue.RemoteJob {
	var jobs []queue.RemoteJob
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		rawID := fields[0]
		if rawID[0] < '0' || rawID[0] > '9' {
			continue
		}
		state := fields[len(fields)-2]

		id := rawID
		index := queue.NoArrayIndex
		if base, idx, ok := splitArrayID(rawID); ok {
			id = base
			index = idx
		}
		jobs = append(jobs, queue.RemoteJob{
			ID:         id,
			ArrayIndex: index,
			RawState:   state,
		})
	}
	return jobs
}

// splitArrayID splits "123[4].server" into ("123.server", 4, true). The
// empty-bracket parent row "123[].server" maps to index NoArrayIndex.
func splitArrayID(raw string) (string, int, bool) {
	m := arrayTaskRe.FindStringSubmatch(raw)
	if m == nil {
		return raw, queue.NoArrayIndex, false
	}
	base := m[1] + m[3]
	if m[2] == "" {
		return base, queue.NoArrayIndex, true
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return base, queue.NoArrayIndex, true
	}
	return base, idx, true
}

// NormalizeState implements queue.Adapter for Torque's single-letter states.
// C means finished; Torque doesn't say whether it succeeded, so C maps to
// completed and the exit code (when a backend reports one) decides failure.
func (a *Adapter) NormalizeState(raw string) queue.State {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Q", "H", "W", "T":
		return queue.StatePending
	case "R", "E":
		return queue.StateRunning
	case "C":
		return queue.StateCompleted
	case "F":
		return queue.StateFailed
	default:
		return queue.StateUnknown
	}
}

func formatWalltime(d time.Duration) string {
	total := int64(d.Seconds())
	hours := total / 3600
	rem := total % 3600
	return fmt.Sprintf("%02d:%02d:%02d", hours, rem/60, rem%60)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
