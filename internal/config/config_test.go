package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadQueueConfigDefaults(t *testing.T) {
	cfg := LoadQueueConfig()

	if cfg.Backend != "local" {
		t.Errorf("Expected local backend, got %s", cfg.Backend)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("Expected 1s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MinQueryInterval != 2*time.Second {
		t.Errorf("Expected 2s min query interval, got %v", cfg.MinQueryInterval)
	}
	if cfg.MissLimit != 12 {
		t.Errorf("Expected miss limit 12, got %d", cfg.MissLimit)
	}
	if cfg.Local.URL != "http://127.0.0.1:8080" {
		t.Errorf("Unexpected pool URL %s", cfg.Local.URL)
	}
}

func TestLoadQueueConfigFromEnv(t *testing.T) {
	t.Setenv("BATCHQ_BACKEND", "slurm")
	t.Setenv("BATCHQ_POLL_INTERVAL", "250ms")
	t.Setenv("BATCHQ_MISS_LIMIT", "5")
	t.Setenv("BATCHQ_SLURM_PARTITION", "gpu")

	cfg := LoadQueueConfig()
	if cfg.Backend != "slurm" {
		t.Errorf("Expected slurm backend, got %s", cfg.Backend)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MissLimit != 5 {
		t.Errorf("Expected miss limit 5, got %d", cfg.MissLimit)
	}
	if cfg.Slurm.Partition != "gpu" {
		t.Errorf("Expected gpu partition, got %s", cfg.Slurm.Partition)
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("BATCHQ_MISS_LIMIT", "not-a-number")
	t.Setenv("BATCHQ_POLL_INTERVAL", "soon")

	cfg := LoadQueueConfig()
	if cfg.MissLimit != 12 {
		t.Errorf("Expected default miss limit on bad value, got %d", cfg.MissLimit)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("Expected default poll interval on bad value, got %v", cfg.PollInterval)
	}
}

func TestLoadQueueFileOverlay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "batchq.yaml")
	content := `backend: torque
missLimit: 6
torque:
  queue: batch
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg := &QueueConfig{Backend: "local", MissLimit: 12, MaxJobs: 100}
	if err := LoadQueueFile(path, cfg); err != nil {
		t.Fatalf("LoadQueueFile failed: %v", err)
	}
	if cfg.Backend != "torque" {
		t.Errorf("Expected torque from file, got %s", cfg.Backend)
	}
	if cfg.MissLimit != 6 {
		t.Errorf("Expected miss limit 6 from file, got %d", cfg.MissLimit)
	}
	if cfg.Torque.Queue != "batch" {
		t.Errorf("Expected torque queue batch, got %s", cfg.Torque.Queue)
	}
	// Fields the file doesn't mention keep their prior values.
	if cfg.MaxJobs != 100 {
		t.Errorf("Expected untouched maxJobs 100, got %d", cfg.MaxJobs)
	}
}

func TestLoadQueueFileMissingIsNotAnError(t *testing.T) {
	t.Parallel()
	cfg := &QueueConfig{Backend: "local"}
	if err := LoadQueueFile(filepath.Join(t.TempDir(), "absent.yaml"), cfg); err != nil {
		t.Fatalf("Expected missing file to be ignored, got %v", err)
	}
	if cfg.Backend != "local" {
		t.Errorf("Expected config untouched, got %s", cfg.Backend)
	}
}

func TestLoadQueueFileRejectsBadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("backend: [unclosed"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := LoadQueueFile(path, &QueueConfig{}); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}

	if got := GetSecretFile(path); got != "s3cret" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty for empty path, got %q", got)
	}
	if got := GetSecretFile(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("Expected empty for missing file, got %q", got)
	}
}
