// Package config provides configuration loading from environment variables
// and an optional YAML file.
package config

import (
	"time"
)

// QueueConfig holds client-side configuration: which backend to talk to and
// how aggressively to reconcile against it.
type QueueConfig struct {
	// Backend selects the adapter: "slurm", "torque", "docker" or "local".
	Backend string `yaml:"backend"`

	// PollInterval is the default sleep between reconciliation passes while
	// blocked in a wait.
	PollInterval time.Duration `yaml:"pollInterval"`

	// MinQueryInterval throttles raw backend queries; overlapping waiters
	// share one cadence.
	MinQueryInterval time.Duration `yaml:"minQueryInterval"`

	// MissLimit is how many consecutive snapshots may omit a job before it
	// is inferred complete.
	MissLimit int `yaml:"missLimit"`

	// MaxJobs is the soft cap on concurrently active jobs used by
	// WaitToSubmit. Zero disables the valve.
	MaxJobs int `yaml:"maxJobs"`

	Slurm  SlurmConfig  `yaml:"slurm"`
	Torque TorqueConfig `yaml:"torque"`
	Docker DockerConfig `yaml:"docker"`
	Local  LocalConfig  `yaml:"local"`
}

// SlurmConfig holds slurm adapter settings.
type SlurmConfig struct {
	Partition string `yaml:"partition"`
}

// TorqueConfig holds torque adapter settings.
type TorqueConfig struct {
	Queue string `yaml:"queue"`
}

// DockerConfig holds docker adapter settings.
type DockerConfig struct {
	// Image is the container image jobs run in.
	Image string `yaml:"image"`
}

// LocalConfig holds local worker-pool adapter settings.
type LocalConfig struct {
	// URL is the base URL of the pool service.
	URL string `yaml:"url"`
	// APIKeyFile points at a file holding the pool API key, if auth is on.
	APIKeyFile string `yaml:"apiKeyFile"`
}

// LoadQueueConfig loads queue configuration from environment variables.
func LoadQueueConfig() *QueueConfig {
	return &QueueConfig{
		Backend:          GetEnv("BATCHQ_BACKEND", "local"),
		PollInterval:     GetDurationEnv("BATCHQ_POLL_INTERVAL", time.Second),
		MinQueryInterval: GetDurationEnv("BATCHQ_MIN_QUERY_INTERVAL", 2*time.Second),
		MissLimit:        GetIntEnv("BATCHQ_MISS_LIMIT", 12),
		MaxJobs:          GetIntEnv("BATCHQ_MAX_JOBS", 0),
		Slurm: SlurmConfig{
			Partition: GetEnv("BATCHQ_SLURM_PARTITION", ""),
		},
		Torque: TorqueConfig{
			Queue: GetEnv("BATCHQ_TORQUE_QUEUE", ""),
		},
		Docker: DockerConfig{
			Image: GetEnv("BATCHQ_DOCKER_IMAGE", "alpine:latest"),
		},
		Local: LocalConfig{
			URL:        GetEnv("BATCHQ_POOL_URL", "http://127.0.0.1:8080"),
			APIKeyFile: GetEnv("BATCHQ_POOL_API_KEY_FILE", ""),
		},
	}
}
