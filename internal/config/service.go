package config

import "time"

// ServiceConfig holds pool service settings.
type ServiceConfig struct {
	// Port is the API server port.
	Port string

	// MetricsPort is the Prometheus metrics server port.
	MetricsPort string

	// DataDir holds the ledger database and the spool directory.
	DataDir string

	// Workers is the number of concurrent job slots.
	Workers int

	// QueueSize bounds how many tasks may wait for a free worker.
	QueueSize int

	// APIKey enables Bearer auth on the job endpoints when non-empty.
	APIKey string

	// ShutdownDrainWait is how long to stay unready before closing servers,
	// letting load balancers drain traffic.
	ShutdownDrainWait time.Duration
}

// LoadServiceConfig loads pool service configuration from environment
// variables. The API key can come from BATCHQ_POOL_API_KEY directly or from
// a secret file named by BATCHQ_POOL_API_KEY_FILE.
func LoadServiceConfig() *ServiceConfig {
	apiKey := GetEnv("BATCHQ_POOL_API_KEY", "")
	if apiKey == "" {
		apiKey = GetSecretFile(GetEnv("BATCHQ_POOL_API_KEY_FILE", ""))
	}
	return &ServiceConfig{
		Port:              GetEnv("BATCHQ_POOL_PORT", "8080"),
		MetricsPort:       GetEnv("BATCHQ_POOL_METRICS_PORT", "9090"),
		DataDir:           GetEnv("BATCHQ_POOL_DATA_DIR", "/var/lib/batchq"),
		Workers:           GetIntEnv("BATCHQ_POOL_WORKERS", 0),
		QueueSize:         GetIntEnv("BATCHQ_POOL_QUEUE_SIZE", 0),
		APIKey:            apiKey,
		ShutdownDrainWait: GetDurationEnv("BATCHQ_POOL_SHUTDOWN_DRAIN_WAIT", 0),
	}
}
