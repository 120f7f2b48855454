package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup helpers for the BATCHQ_* environment variables. An unset or empty
// variable yields the fallback, and unparseable values do too: a typo in
// BATCHQ_POLL_INTERVAL should not stop the service from starting.

// GetEnv returns the variable's value, or fallback when unset or empty.
func GetEnv(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

// GetIntEnv parses the variable as an integer, e.g. BATCHQ_POOL_WORKERS=8.
func GetIntEnv(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// GetDurationEnv parses the variable in time.ParseDuration syntax, e.g.
// BATCHQ_MIN_QUERY_INTERVAL=2s.
func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// GetSecretFile reads a secret such as the pool API key from a file,
// trimming surrounding whitespace. This is how Docker secrets and mounted
// secret volumes deliver values (BATCHQ_POOL_API_KEY_FILE=/run/secrets/key).
// An empty path or unreadable file yields an empty secret.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
