package config

import (
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars and registers cleanup.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "DataDir", cfg.DataDir, "/var/lib/marzfleet")
	assertEqual(t, "SecretsDir", cfg.SecretsDir, "")
	assertEqual(t, "ConfigFile", cfg.ConfigFile, "config.yaml")
	assertEqual(t, "CacheMaxMB", cfg.CacheMaxMB, 100)
	assertEqual(t, "CacheCleanupInterval", cfg.CacheCleanupInterval, 5*time.Minute)
	assertEqual(t, "SyncInterval", cfg.SyncInterval, time.Minute)
	assertEqual(t, "QueueGCSchedule", cfg.QueueGCSchedule, "0 2 * * *")
	assertEqual(t, "ShutdownTimeout", cfg.ShutdownTimeout, 10*time.Second)
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"MARZFLEET_DATA_DIR":               "/tmp/fleet",
		"MARZFLEET_SECRETS_DIR":            "/tmp/fleet/keys",
		"MARZFLEET_CONFIG_FILE":            "/etc/marzfleet/config.yaml",
		"MARZFLEET_CACHE_MAX_MB":           "250",
		"MARZFLEET_CACHE_CLEANUP_INTERVAL": "90s",
		"MARZFLEET_SYNC_INTERVAL":          "30s",
		"MARZFLEET_QUEUE_GC_SCHEDULE":      "30 3 * * *",
		"MARZFLEET_SHUTDOWN_TIMEOUT":       "5s",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "DataDir", cfg.DataDir, "/tmp/fleet")
	assertEqual(t, "SecretsDir", cfg.SecretsDir, "/tmp/fleet/keys")
	assertEqual(t, "ConfigFile", cfg.ConfigFile, "/etc/marzfleet/config.yaml")
	assertEqual(t, "CacheMaxMB", cfg.CacheMaxMB, 250)
	assertEqual(t, "CacheCleanupInterval", cfg.CacheCleanupInterval, 90*time.Second)
	assertEqual(t, "SyncInterval", cfg.SyncInterval, 30*time.Second)
	assertEqual(t, "QueueGCSchedule", cfg.QueueGCSchedule, "30 3 * * *")
	assertEqual(t, "ShutdownTimeout", cfg.ShutdownTimeout, 5*time.Second)
}

func TestLoadEnvConfig_InvalidCacheMax(t *testing.T) {
	t.Setenv("MARZFLEET_CACHE_MAX_MB", "0")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for non-positive cache size")
	}
	assertContains(t, err.Error(), "MARZFLEET_CACHE_MAX_MB")
}

func TestLoadEnvConfig_InvalidInteger(t *testing.T) {
	t.Setenv("MARZFLEET_CACHE_MAX_MB", "lots")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for non-numeric cache size")
	}
	assertContains(t, err.Error(), "MARZFLEET_CACHE_MAX_MB")
}

func TestLoadEnvConfig_InvalidDuration(t *testing.T) {
	t.Setenv("MARZFLEET_SYNC_INTERVAL", "not-a-duration")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	assertContains(t, err.Error(), "MARZFLEET_SYNC_INTERVAL")
}

func TestLoadEnvConfig_InvalidGCSchedule(t *testing.T) {
	t.Setenv("MARZFLEET_QUEUE_GC_SCHEDULE", "not-a-cron")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for invalid GC schedule")
	}
	assertContains(t, err.Error(), "MARZFLEET_QUEUE_GC_SCHEDULE")
}

func TestLoadEnvConfig_EmptyDataDir(t *testing.T) {
	t.Setenv("MARZFLEET_DATA_DIR", "   ")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for empty data dir")
	}
	assertContains(t, err.Error(), "MARZFLEET_DATA_DIR")
}

// --- test helpers ---

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
