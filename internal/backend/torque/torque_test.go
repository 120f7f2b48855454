package torque

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"batchq/internal/apperrors"
	"batchq/internal/queue"
)

type fakeRunner struct {
	outputs  map[string]string
	errs     map[string]error
	lastArgs map[string][]string
	missing  map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs:  make(map[string]string),
		errs:     make(map[string]error),
		lastArgs: make(map[string][]string),
		missing:  make(map[string]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.lastArgs[name] = args
	return []byte(f.outputs[name]), f.errs[name]
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", fmt.Errorf("%s: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}

func newTestAdapter(t *testing.T, runner *fakeRunner) *Adapter {
	t.Helper()
	adapter, err := New(Config{User: "alice", Runner: runner})
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	return adapter
}

func TestNewRequiresQsub(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.missing["qsub"] = true

	if _, err := New(Config{User: "alice", Runner: runner}); err == nil {
		t.Fatal("Expected error when qsub is missing")
	}
}

func TestSubmitReturnsTrimmedID(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.outputs["/bin/sh"] = "1234.pbsserver\n"
	adapter := newTestAdapter(t, runner)

	id, err := adapter.Submit(context.Background(), &queue.Spec{Command: "true"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "1234.pbsserver" {
		t.Errorf("Expected 1234.pbsserver, got %s", id)
	}
}

func TestSubmitArrayStripsBrackets(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.outputs["/bin/sh"] = "1234[].pbsserver\n"
	adapter := newTestAdapter(t, runner)

	id, err := adapter.Submit(context.Background(), &queue.Spec{Command: "true", ArraySize: 4})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "1234.pbsserver" {
		t.Errorf("Expected brackets stripped, got %s", id)
	}

	wrapped := strings.Join(runner.lastArgs["/bin/sh"], " ")
	if !strings.Contains(wrapped, "-t 0-3") {
		t.Errorf("Expected -t 0-3 in qsub invocation, got %q", wrapped)
	}
}

func TestSubmitBuildsResourceFlags(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.outputs["/bin/sh"] = "1.s\n"
	adapter, err := New(Config{User: "alice", Queue: "batch", Runner: runner})
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}

	_, err = adapter.Submit(context.Background(), &queue.Spec{
		Name:      "demo",
		Command:   "run.sh",
		Cores:     8,
		MemoryMB:  4096,
		TimeLimit: 2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	wrapped := strings.Join(runner.lastArgs["/bin/sh"], " ")
	for _, want := range []string{
		"-N demo",
		"-q batch",
		"nodes=1:ppn=8",
		"mem=4096mb",
		"walltime=02:00:00",
	} {
		if !strings.Contains(wrapped, want) {
			t.Errorf("Expected qsub invocation to contain %q, got %q", want, wrapped)
		}
	}
}

func TestSubmitFailureCarriesDiagnostic(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.outputs["/bin/sh"] = "qsub: Unknown queue MSG=cannot locate queue\n"
	runner.errs["/bin/sh"] = errors.New("exit status 1")
	adapter := newTestAdapter(t, runner)

	_, err := adapter.Submit(context.Background(), &queue.Spec{Command: "true"})
	if !errors.Is(err, apperrors.ErrSubmission) {
		t.Fatalf("Expected submission error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unknown queue") {
		t.Errorf("Expected raw diagnostic in error, got %v", err)
	}
}

func TestSnapshotParsesQstatTable(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.outputs["qstat"] = `
Job ID          Name     User   Time Use S Queue
--------------- -------- ------ -------- - -----
100.s           plain    alice  00:01:02 R batch
101[0].s        arr-0    alice  00:00:10 R batch
101[1].s        arr-1    alice        0  Q batch
102.s           done     alice  00:05:00 C batch
`
	adapter := newTestAdapter(t, runner)

	jobs, err := adapter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	byKey := make(map[string]queue.RemoteJob)
	for _, j := range jobs {
		byKey[fmt.Sprintf("%s_%d", j.ID, j.ArrayIndex)] = j
	}
	if len(byKey) != 4 {
		t.Fatalf("Expected 4 entries, got %d: %v", len(byKey), byKey)
	}
	if byKey["100.s_-1"].RawState != "R" {
		t.Errorf("Expected plain job running, got %+v", byKey["100.s_-1"])
	}
	if byKey["101.s_0"].RawState != "R" || byKey["101.s_1"].RawState != "Q" {
		t.Errorf("Expected array tasks split by index, got %v", byKey)
	}
	if byKey["102.s_-1"].RawState != "C" {
		t.Errorf("Expected finished job present, got %+v", byKey["102.s_-1"])
	}
}

func TestSnapshotFailureClassification(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.outputs["qstat"] = "Connection refused\n"
	runner.errs["qstat"] = errors.New("exit status 1")
	adapter := newTestAdapter(t, runner)

	_, err := adapter.Snapshot(context.Background())
	if !errors.Is(err, apperrors.ErrAdapterQuery) {
		t.Fatalf("Expected adapter query error, got %v", err)
	}
}

func TestSplitArrayID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw      string
		wantID   string
		wantIdx  int
		wantIsAr bool
	}{
		{"123.server", "123.server", queue.NoArrayIndex, false},
		{"123[4].server", "123.server", 4, true},
		{"123[].server", "123.server", queue.NoArrayIndex, true},
		{"123[0]", "123", 0, true},
	}
	for _, tc := range cases {
		id, idx, isArr := splitArrayID(tc.raw)
		if id != tc.wantID || idx != tc.wantIdx || isArr != tc.wantIsAr {
			t.Errorf("splitArrayID(%q) = (%s, %d, %v), want (%s, %d, %v)",
				tc.raw, id, idx, isArr, tc.wantID, tc.wantIdx, tc.wantIsAr)
		}
	}
}

func TestNormalizeStateTable(t *testing.T) {
	t.Parallel()
	adapter := newTestAdapter(t, newFakeRunner())

	cases := map[string]queue.State{
		"Q": queue.StatePending,
		"H": queue.StatePending,
		"W": queue.StatePending,
		"R": queue.StateRunning,
		"E": queue.StateRunning,
		"C": queue.StateCompleted,
		"X": queue.StateUnknown,
	}
	for raw, want := range cases {
		if got := adapter.NormalizeState(raw); got != want {
			t.Errorf("NormalizeState(%q) = %s, want %s", raw, got, want)
		}
	}
}
