package local

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"batchq/internal/apperrors"
	"batchq/internal/health"
	"batchq/internal/pool"
	"batchq/internal/queue"
	"batchq/internal/testutil"
)

func newPoolServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	p, err := pool.New(pool.Config{
		Workers:    2,
		LedgerPath: filepath.Join(dir, "ledger.db"),
		SpoolDir:   filepath.Join(dir, "spool"),
	})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})

	server := httptest.NewServer(pool.NewRouter(pool.RouterConfig{
		Pool:          p,
		HealthChecker: health.NewChecker(p),
		APIKey:        apiKey,
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAdapterSubmitAndSnapshot(t *testing.T) {
	t.Parallel()
	server := newPoolServer(t, "")
	adapter := New(Config{URL: server.URL})

	id, err := adapter.Submit(context.Background(), &queue.Spec{Command: "echo done"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a job ID")
	}

	testutil.MustWaitFor(t, func() bool {
		jobs, err := adapter.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.ID == id && adapter.NormalizeState(j.RawState) == queue.StateCompleted {
				return j.ExitCode != nil && *j.ExitCode == 0
			}
		}
		return false
	})
}

func TestAdapterArraySubmit(t *testing.T) {
	t.Parallel()
	server := newPoolServer(t, "")
	adapter := New(Config{URL: server.URL})

	id, err := adapter.Submit(context.Background(), &queue.Spec{Command: "true", ArraySize: 3})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		jobs, err := adapter.Snapshot(context.Background())
		if err != nil {
			return false
		}
		done := 0
		for _, j := range jobs {
			if j.ID == id && adapter.NormalizeState(j.RawState).Terminal() {
				done++
			}
		}
		return done == 3
	})
}

func TestAdapterAuth(t *testing.T) {
	t.Parallel()
	server := newPoolServer(t, "pool-secret")

	unauthorized := New(Config{URL: server.URL})
	_, err := unauthorized.Submit(context.Background(), &queue.Spec{Command: "true"})
	if !errors.Is(err, apperrors.ErrSubmission) {
		t.Errorf("Expected submission error without key, got %v", err)
	}

	authorized := New(Config{URL: server.URL, APIKey: "pool-secret"})
	if _, err := authorized.Submit(context.Background(), &queue.Spec{Command: "true"}); err != nil {
		t.Errorf("Expected submit to succeed with key, got %v", err)
	}
}

func TestAdapterSubmitRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"temporarily overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"42","status":"accepted"}`))
	}))
	defer backend.Close()

	adapter := New(Config{URL: backend.URL})
	id, err := adapter.Submit(context.Background(), &queue.Spec{Command: "true"})
	if err != nil {
		t.Fatalf("Expected retries to succeed, got %v", err)
	}
	if id != "42" {
		t.Errorf("Expected job 42, got %s", id)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestAdapterSubmitDoesNotRetryClientError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"command is required"}`, http.StatusBadRequest)
	}))
	defer backend.Close()

	adapter := New(Config{URL: backend.URL})
	_, err := adapter.Submit(context.Background(), &queue.Spec{Command: "true"})
	if !errors.Is(err, apperrors.ErrSubmission) {
		t.Fatalf("Expected submission error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt for a 4xx, got %d", calls.Load())
	}
}

func TestAdapterSnapshotFailureClassification(t *testing.T) {
	t.Parallel()
	// Nothing listens here; connection errors must classify as transient
	// adapter-query failures, not submissions.
	adapter := New(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})

	_, err := adapter.Snapshot(context.Background())
	if !errors.Is(err, apperrors.ErrAdapterQuery) {
		t.Fatalf("Expected adapter query error, got %v", err)
	}
}

func TestAdapterCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	adapter := New(Config{URL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})

	// Threshold is 3 consecutive failures.
	for i := 0; i < 3; i++ {
		if _, err := adapter.Snapshot(context.Background()); err == nil {
			t.Fatal("Expected snapshot to fail")
		}
	}

	start := time.Now()
	_, err := adapter.Snapshot(context.Background())
	if !errors.Is(err, apperrors.ErrAdapterQuery) {
		t.Fatalf("Expected adapter query error, got %v", err)
	}
	// The open breaker fails fast without dialing.
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Expected fast failure from open breaker, took %v", elapsed)
	}
}

func TestNormalizeState(t *testing.T) {
	t.Parallel()
	adapter := New(Config{URL: "http://localhost"})

	cases := map[string]queue.State{
		"pending":   queue.StatePending,
		"running":   queue.StateRunning,
		"completed": queue.StateCompleted,
		"failed":    queue.StateFailed,
		"cancelled": queue.StateFailed,
		"bogus":     queue.StateUnknown,
	}
	for raw, want := range cases {
		if got := adapter.NormalizeState(raw); got != want {
			t.Errorf("NormalizeState(%q) = %s, want %s", raw, got, want)
		}
	}
}
