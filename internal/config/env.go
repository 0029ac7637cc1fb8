// Package config handles the persisted configuration document,
// environment-based daemon settings, and their validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven daemon settings
// (not persisted in the configuration document).
type EnvConfig struct {
	// Directories and files
	DataDir    string
	SecretsDir string
	ConfigFile string

	// Cache
	CacheMaxMB           int
	CacheCleanupInterval time.Duration

	// Offline queue
	SyncInterval    time.Duration
	QueueGCSchedule string

	// Shutdown
	ShutdownTimeout time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories and files ---
	cfg.DataDir = envStr("MARZFLEET_DATA_DIR", "/var/lib/marzfleet")
	cfg.SecretsDir = envStr("MARZFLEET_SECRETS_DIR", "")
	cfg.ConfigFile = envStr("MARZFLEET_CONFIG_FILE", "config.yaml")

	// --- Cache ---
	cfg.CacheMaxMB = envInt("MARZFLEET_CACHE_MAX_MB", 100, &errs)
	cfg.CacheCleanupInterval = envDuration("MARZFLEET_CACHE_CLEANUP_INTERVAL", 5*time.Minute, &errs)

	// --- Offline queue ---
	cfg.SyncInterval = envDuration("MARZFLEET_SYNC_INTERVAL", time.Minute, &errs)
	cfg.QueueGCSchedule = envStr("MARZFLEET_QUEUE_GC_SCHEDULE", "0 2 * * *")

	// --- Shutdown ---
	cfg.ShutdownTimeout = envDuration("MARZFLEET_SHUTDOWN_TIMEOUT", 10*time.Second, &errs)

	// --- Validation ---
	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, "MARZFLEET_DATA_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.ConfigFile) == "" {
		errs = append(errs, "MARZFLEET_CONFIG_FILE must not be empty")
	}
	validatePositive("MARZFLEET_CACHE_MAX_MB", cfg.CacheMaxMB, &errs)
	if cfg.CacheCleanupInterval <= 0 {
		errs = append(errs, "MARZFLEET_CACHE_CLEANUP_INTERVAL must be positive")
	}
	if cfg.SyncInterval <= 0 {
		errs = append(errs, "MARZFLEET_SYNC_INTERVAL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.QueueGCSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("MARZFLEET_QUEUE_GC_SCHEDULE: invalid cron expression %q: %v", cfg.QueueGCSchedule, err))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, "MARZFLEET_SHUTDOWN_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
