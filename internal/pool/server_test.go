package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"batchq/internal/health"
	"batchq/internal/queue"
	"batchq/internal/testutil"
)

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *Pool) {
	t.Helper()
	dir := t.TempDir()
	p, err := New(Config{
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

	router := NewRouter(RouterConfig{
		Pool:          p,
		HealthChecker: health.NewChecker(p),
		APIKey:        apiKey,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, p
}

func submitJob(t *testing.T, server *httptest.Server, spec queue.Spec) SubmitResponse {
	t.Helper()
	body, _ := json.Marshal(SubmitRequest{Spec: spec})
	resp, err := http.Post(server.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Submit request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var submitted SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return submitted
}

func TestServerSubmitAndList(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")

	submitted := submitJob(t, server, queue.Spec{Command: "echo hi"})
	if submitted.ID == "" || submitted.Status != "accepted" {
		t.Fatalf("Unexpected submit response: %+v", submitted)
	}

	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(server.URL + "/v1/jobs")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snapshot SnapshotResponse
		if json.NewDecoder(resp.Body).Decode(&snapshot) != nil {
			return false
		}
		for _, j := range snapshot.Jobs {
			if j.ID == submitted.ID && j.State == ledgerCompleted {
				return j.ExitCode != nil && *j.ExitCode == 0
			}
		}
		return false
	})
}

func TestServerSubmitArrayReportsIndices(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")

	submitted := submitJob(t, server, queue.Spec{Command: "true", ArraySize: 3})
	if len(submitted.Indices) != 3 {
		t.Errorf("Expected 3 indices, got %v", submitted.Indices)
	}
}

func TestServerValidationError(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")

	body, _ := json.Marshal(SubmitRequest{Spec: queue.Spec{}})
	resp, err := http.Post(server.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestServerGetJobNotFound(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")

	resp, err := http.Get(server.URL + "/v1/jobs/9999")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestServerCancel(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")

	submitted := submitJob(t, server, queue.Spec{Command: "sleep 10"})

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/v1/jobs/"+submitted.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Cancel request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
}

func TestServerAuth(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "secret-key")

	// No token: rejected.
	resp, err := http.Get(server.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	// Wrong token: rejected.
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", resp.StatusCode)
	}

	// Correct token: accepted.
	req, _ = http.NewRequest(http.MethodGet, server.URL+"/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with correct token, got %d", resp.StatusCode)
	}

	// Health endpoints stay open.
	resp, err = http.Get(server.URL + "/livez")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for livez, got %d", resp.StatusCode)
	}
}

func TestServerReadyz(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, "")

	resp, err := http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", health.Status)
	}
}
