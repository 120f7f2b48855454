package backoff

import (
	"testing"
	"time"
)

func TestExponentialDefaults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{10, 10 * time.Second}, // capped
		{100, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := Exponential(tc.attempt, nil); got != tc.want {
			t.Errorf("Exponential(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialCustomConfig(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond}

	if got := Exponential(1, cfg); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", got)
	}
	if got := Exponential(2, cfg); got != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got %v", got)
	}
	if got := Exponential(3, cfg); got != 300*time.Millisecond {
		t.Errorf("Expected cap at 300ms, got %v", got)
	}
}
