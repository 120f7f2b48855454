// Package local implements the queue.Adapter for the local worker pool
// service, speaking its JSON API over HTTP.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"batchq/internal/apperrors"
	"batchq/internal/pool"
	"batchq/internal/queue"
	"batchq/pkg/backoff"
	"batchq/pkg/circuitbreaker"
)

const backendName = "local"

// submitAttempts is how many times Submit retries a transient failure before
// giving up.
const submitAttempts = 3

// Config configures the local adapter.
type Config struct {
	// URL is the pool service base URL, e.g. http://127.0.0.1:8080.
	URL string

	// APIKey is sent as a Bearer token when set.
	APIKey string

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Adapter talks to a running pool service. Snapshot calls go through a
// circuit breaker so a dead pool doesn't stall every reconciliation pass on
// a full connect timeout.
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a local adapter for the pool service at cfg.URL.
func New(cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{Threshold: 3, Cooldown: 10 * time.Second}),
		logger:  logger.With("component", "local-adapter"),
	}
}

// Name implements queue.Adapter.
func (a *Adapter) Name() string { return backendName }

// Submit implements queue.Adapter. Transient failures (network errors, 5xx)
// are retried with exponential backoff; 4xx responses fail immediately.
func (a *Adapter) Submit(ctx context.Context, spec *queue.Spec) (string, error) {
	body, err := json.Marshal(pool.SubmitRequest{Spec: *spec})
	if err != nil {
		return "", apperrors.Submission(backendName, "encode spec", err)
	}

	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		if attempt > 1 {
			delay := backoff.Exponential(attempt-1, nil)
			a.logger.Warn("retrying submission", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", apperrors.Submission(backendName, "submission cancelled", ctx.Err())
			}
		}

		id, retryable, err := a.submitOnce(ctx, body)
		if err == nil {
			return id, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (a *Adapter) submitOnce(ctx context.Context, body []byte) (id string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", false, apperrors.Submission(backendName, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", true, apperrors.Submission(backendName, "pool unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, apperrors.Submission(backendName, readErrorBody(resp), nil)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", false, apperrors.Submission(backendName, readErrorBody(resp), nil)
	}

	var submitted pool.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", false, apperrors.Submission(backendName, "decode response", err)
	}
	if submitted.ID == "" {
		return "", false, apperrors.Submission(backendName, "pool returned no job id", nil)
	}
	return submitted.ID, false, nil
}

// Snapshot implements queue.Adapter.
func (a *Adapter) Snapshot(ctx context.Context) ([]queue.RemoteJob, error) {
	if !a.breaker.Allow() {
		return nil, apperrors.AdapterQuery(backendName, fmt.Errorf("circuit breaker open after %d failures", a.breaker.Failures()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/jobs", nil)
	if err != nil {
		return nil, apperrors.AdapterQuery(backendName, err)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.RecordFailure()
		return nil, apperrors.AdapterQuery(backendName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.breaker.RecordFailure()
		return nil, apperrors.AdapterQuery(backendName, fmt.Errorf("pool returned %d: %s", resp.StatusCode, readErrorBody(resp)))
	}

	var snapshot pool.SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		a.breaker.RecordFailure()
		return nil, apperrors.AdapterQuery(backendName, err)
	}
	a.breaker.RecordSuccess()

	jobs := make([]queue.RemoteJob, 0, len(snapshot.Jobs))
	for _, j := range snapshot.Jobs {
		jobs = append(jobs, queue.RemoteJob{
			ID:         j.ID,
			RawState:   j.State,
			ArrayIndex: j.ArrayIndex,
			ExitCode:   j.ExitCode,
			StdoutPath: j.StdoutPath,
			StderrPath: j.StderrPath,
		})
	}
	return jobs, nil
}

// Cancel asks the pool to stop a job. Not part of queue.Adapter; callers
// that hold the concrete type may use it.
func (a *Adapter) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return apperrors.Internal("cancel job", err)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return apperrors.AdapterQuery(backendName, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return apperrors.NotFound("job", jobID)
	default:
		return apperrors.Internal("cancel job", fmt.Errorf("pool returned %d: %s", resp.StatusCode, readErrorBody(resp)))
	}
}

// NormalizeState implements queue.Adapter, mapping ledger states onto the
// shared state set. Cancelled jobs count as failed.
func (a *Adapter) NormalizeState(raw string) queue.State {
	switch raw {
	case "pending":
		return queue.StatePending
	case "running":
		return queue.StateRunning
	case "completed":
		return queue.StateCompleted
	case "failed", "cancelled":
		return queue.StateFailed
	default:
		return queue.StateUnknown
	}
}

func (a *Adapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &wire) == nil && wire.Error != "" {
		return wire.Error
	}
	return strings.TrimSpace(string(data))
}
