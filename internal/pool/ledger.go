// Package pool implements the local worker pool: a small HTTP service that
// stands in for a cluster batch system. Submissions land in a persistent
// sqlite ledger, a fixed pool of workers executes them, and the snapshot
// endpoint answers from the ledger so it stays truthful across restarts.
package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"batchq/internal/queue"
)

// Ledger job states. The local adapter's NormalizeState maps these onto the
// shared queue states.
const (
	ledgerPending   = "pending"
	ledgerRunning   = "running"
	ledgerCompleted = "completed"
	ledgerFailed    = "failed"
	ledgerCancelled = "cancelled"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS submissions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id          INTEGER NOT NULL,
	array_index INTEGER NOT NULL DEFAULT -1,
	state       TEXT    NOT NULL,
	spec        TEXT    NOT NULL,
	exit_code   INTEGER,
	stdout_path TEXT,
	stderr_path TEXT,
	created_at  TEXT    NOT NULL,
	updated_at  TEXT    NOT NULL,
	PRIMARY KEY (id, array_index)
);
CREATE INDEX IF NOT EXISTS jobs_state ON jobs(state);
`

// Entry is one ledger row: a single job or one array task.
type Entry struct {
	ID         string
	ArrayIndex int
	State      string
	Spec       queue.Spec
	ExitCode   *int
	StdoutPath string
	StderrPath string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ledger is the pool's durable record of every job it has accepted.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the sqlite ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Ping verifies the ledger is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// NextID allocates a fresh job ID. IDs are small decimal strings, unique for
// the lifetime of the ledger file.
func (l *Ledger) NextID(ctx context.Context) (string, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO submissions(created_at) VALUES(?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", id), nil
}

// Insert records a freshly accepted job or array task as pending.
func (l *Ledger) Insert(ctx context.Context, e Entry) error {
	specJSON, err := json.Marshal(e.Spec)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO jobs(id, array_index, state, spec, stdout_path, stderr_path, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.ArrayIndex, ledgerPending, string(specJSON), e.StdoutPath, e.StderrPath, now, now,
	)
	return err
}

// MarkRunning transitions a pending task to running. Returns false if the
// task is no longer pending (e.g., cancelled while queued).
func (l *Ledger) MarkRunning(ctx context.Context, id string, index int) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, updated_at=? WHERE id=? AND array_index=? AND state=?`,
		ledgerRunning, time.Now().UTC().Format(time.RFC3339Nano), id, index, ledgerPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkFinished records a task's terminal state and exit code.
func (l *Ledger) MarkFinished(ctx context.Context, id string, index int, state string, exitCode *int) error {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, exit_code=?, updated_at=? WHERE id=? AND array_index=?`,
		state, code, time.Now().UTC().Format(time.RFC3339Nano), id, index,
	)
	return err
}

// CancelPending marks all still-pending tasks of a job cancelled. Returns
// how many tasks it affected.
func (l *Ledger) CancelPending(ctx context.Context, id string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, updated_at=? WHERE id=? AND state=?`,
		ledgerCancelled, time.Now().UTC().Format(time.RFC3339Nano), id, ledgerPending,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetInterrupted re-queues tasks that were running when the pool died.
// Called once on startup, before workers start.
func (l *Ledger) ResetInterrupted(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, updated_at=? WHERE state=?`,
		ledgerPending, time.Now().UTC().Format(time.RFC3339Nano), ledgerRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// State returns the current state of one task.
func (l *Ledger) State(ctx context.Context, id string, index int) (string, error) {
	var state string
	err := l.db.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE id=? AND array_index=?`, id, index,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s[%d] not in ledger", id, index)
	}
	return state, err
}

// Pending returns every pending task in submission order, for requeueing
// after a restart.
func (l *Ledger) Pending(ctx context.Context) ([]Entry, error) {
	return l.query(ctx,
		`SELECT id, array_index, state, spec, exit_code, stdout_path, stderr_path, created_at, updated_at
		 FROM jobs WHERE state=? ORDER BY id, array_index`, ledgerPending)
}

// Snapshot returns every task the ledger knows about.
func (l *Ledger) Snapshot(ctx context.Context) ([]Entry, error) {
	return l.query(ctx,
		`SELECT id, array_index, state, spec, exit_code, stdout_path, stderr_path, created_at, updated_at
		 FROM jobs ORDER BY id, array_index`)
}

// Job returns all tasks of one job ID.
func (l *Ledger) Job(ctx context.Context, id string) ([]Entry, error) {
	return l.query(ctx,
		`SELECT id, array_index, state, spec, exit_code, stdout_path, stderr_path, created_at, updated_at
		 FROM jobs WHERE id=? ORDER BY array_index`, id)
}

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			specJSON  string
			exitCode  sql.NullInt64
			stdout    sql.NullString
			stderr    sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.ArrayIndex, &e.State, &specJSON, &exitCode, &stdout, &stderr, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(specJSON), &e.Spec); err != nil {
			return nil, fmt.Errorf("ledger spec for job %s: %w", e.ID, err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		e.StdoutPath = stdout.String
		e.StderrPath = stderr.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
