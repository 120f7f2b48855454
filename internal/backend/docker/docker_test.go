package docker

import (
	"errors"
	"testing"

	"batchq/internal/apperrors"
	"batchq/internal/queue"
)

func TestNewRequiresImage(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestNormalizeStateTable(t *testing.T) {
	t.Parallel()
	adapter, err := New(Config{Image: "busybox"})
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}

	cases := map[string]queue.State{
		"created":      queue.StatePending,
		"running":      queue.StateRunning,
		"paused":       queue.StateRunning,
		"restarting":   queue.StateRunning,
		"removing":     queue.StateRunning,
		"exited-ok":    queue.StateCompleted,
		"exited":       queue.StateCompleted,
		"exited-error": queue.StateFailed,
		"dead":         queue.StateFailed,
		"":             queue.StateUnknown,
		"something":    queue.StateUnknown,
	}
	for raw, want := range cases {
		if got := adapter.NormalizeState(raw); got != want {
			t.Errorf("NormalizeState(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNewJobID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := newJobID()
		if err != nil {
			t.Fatalf("newJobID failed: %v", err)
		}
		if len(id) != 12 {
			t.Fatalf("Expected 12 hex chars, got %q", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate job ID %q", id)
		}
		seen[id] = true
	}
}
