// Command marzfleet runs the fleet control plane as a daemon: it
// assembles the core, starts the monitoring and connectivity loops,
// and logs a periodic fleet rollup until it is signalled to stop.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/marzfleet/marzfleet/internal/buildinfo"
	"github.com/marzfleet/marzfleet/internal/config"
	"github.com/marzfleet/marzfleet/internal/core"
	"github.com/marzfleet/marzfleet/internal/scanloop"
	"github.com/marzfleet/marzfleet/internal/secrets"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Environment settings.
	env, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log.Printf("[main] marzfleet %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	if err := os.MkdirAll(env.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", env.DataDir, err)
	}

	// 2. Key material and configuration document.
	sec, err := secrets.NewManager(env.SecretsDir)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	store := config.NewStore(configPath(env), sec)
	doc, err := store.Load()
	if err != nil {
		return err
	}

	// 3. Core assembly.
	c, err := core.New(core.Config{Document: doc, Env: env, Store: store, Secrets: sec})
	if err != nil {
		return err
	}
	log.Printf("[main] core assembled, data dir %s, panel %s", env.DataDir, doc.Marzban.BaseURL)

	// 4. Background loops plus the heartbeat log.
	c.Start()
	stopHeartbeat := startHeartbeat(c, doc.Monitoring.MetricsInterval.Std())

	waitForShutdown()

	// 5. Teardown, bounded so a stuck drain cannot hang the exit.
	stopHeartbeat()
	return shutdown(c, env.ShutdownTimeout)
}

// configPath resolves the document location. Relative paths live in
// the data directory.
func configPath(env *config.EnvConfig) string {
	if filepath.IsAbs(env.ConfigFile) {
		return env.ConfigFile
	}
	return filepath.Join(env.DataDir, env.ConfigFile)
}

// startHeartbeat logs a fleet, queue, and cache rollup on the metrics
// interval. The returned func stops the loop and waits for it.
func startHeartbeat(c *core.Core, interval time.Duration) func() {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanloop.Run(stopCh, interval, 0, func() { logHeartbeat(c) })
	}()
	return func() {
		close(stopCh)
		<-done
	}
}

func logHeartbeat(c *core.Core) {
	health := c.Monitor.HealthSummary()
	queue := c.Queue.Stats()
	store := c.Cache.Stats()
	log.Printf("[main] fleet %d/%d healthy (%.0f%%), queue %d pending (online=%t), cache hit rate %.0f%%",
		health.Healthy, health.TotalNodes, health.HealthPercentage,
		queue.PendingOperations, queue.IsOnline, store.HitRate)
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	sig := <-quit
	log.Printf("[main] received signal %s, shutting down", sig)
}

func shutdown(c *core.Core, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- c.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Printf("[main] shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
}
