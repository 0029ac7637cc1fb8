// Package core assembles the control plane: token lifecycle, panel
// transport and client, durable cache, offline write queue, fleet
// service, and the monitoring, discovery, and bulk engines, owned by a
// single Core value with an explicit New → Start → Close lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marzfleet/marzfleet/internal/bulk"
	"github.com/marzfleet/marzfleet/internal/cache"
	"github.com/marzfleet/marzfleet/internal/config"
	"github.com/marzfleet/marzfleet/internal/discovery"
	"github.com/marzfleet/marzfleet/internal/fleet"
	"github.com/marzfleet/marzfleet/internal/monitor"
	"github.com/marzfleet/marzfleet/internal/offline"
	"github.com/marzfleet/marzfleet/internal/panel"
	"github.com/marzfleet/marzfleet/internal/scanloop"
	"github.com/marzfleet/marzfleet/internal/secrets"
	"github.com/marzfleet/marzfleet/internal/token"
	"github.com/marzfleet/marzfleet/internal/transport"
)

const (
	cacheDirName  = "cache"
	cacheDBName   = "cache.db"
	offlineDBName = "offline.db"

	// The watchdog probes the panel and flips the queue between
	// online and offline. Fleet writes queue while offline.
	connectivityInterval = 30 * time.Second
	connectivityJitter   = 5 * time.Second
	connectivityTimeout  = 10 * time.Second
)

// Config carries the bootstrap inputs for New. Document and Env are
// required; Store and Secrets are kept on the Core for runtime
// configuration updates.
type Config struct {
	Document *config.Config
	Env      *config.EnvConfig
	Store    *config.Store
	Secrets  *secrets.Manager
}

// Core owns every subsystem. Fields are exported for direct use;
// lifecycle is New → Start → Close.
type Core struct {
	Document *config.Config
	Store    *config.Store
	Secrets  *secrets.Manager

	Tokens    *token.Store
	Transport *transport.Manager
	Panel     *panel.Client
	Cache     *cache.Cache
	Queue     *offline.Queue
	Fleet     *fleet.Service
	Monitor   *monitor.Engine
	Discovery *discovery.Engine
	Bulk      *bulk.Orchestrator

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New wires the subsystems in dependency order. On error everything
// built so far is torn down again.
func New(cfg Config) (*Core, error) {
	if cfg.Document == nil {
		return nil, errors.New("core: configuration document is required")
	}
	if cfg.Env == nil {
		return nil, errors.New("core: environment settings are required")
	}
	if !cfg.Document.IsPanelConfigured() {
		return nil, errors.New("core: panel connection is not configured (set marzban.base_url, marzban.username and marzban.password, or the MARZFLEET_MARZBAN_* variables)")
	}
	doc, env := cfg.Document, cfg.Env

	cacheDir := filepath.Join(env.DataDir, cacheDirName)
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	c := &Core{
		Document: doc,
		Store:    cfg.Store,
		Secrets:  cfg.Secrets,
		stopCh:   make(chan struct{}),
	}

	// 1. Token lifecycle and HTTP transport.
	c.Tokens = token.NewStore()
	c.Transport = transport.NewManager(c.Tokens)

	// 2. Panel client, registered as a transport service.
	client, err := panel.NewClient(panel.Config{
		BaseURL:   doc.Marzban.BaseURL,
		Username:  doc.Marzban.Username,
		Password:  doc.Marzban.Password,
		Timeout:   doc.Marzban.RequestTimeout(),
		VerifySSL: doc.Marzban.VerifySSL,
	}, c.Transport)
	if err != nil {
		c.Transport.CloseAll()
		c.Tokens.Close()
		return nil, fmt.Errorf("panel client: %w", err)
	}
	c.Panel = client

	// 3. Durable stores.
	c.Cache = cache.New(cache.Config{
		Path:            filepath.Join(cacheDir, cacheDBName),
		MaxSizeBytes:    int64(env.CacheMaxMB) << 20,
		CleanupInterval: env.CacheCleanupInterval,
	})
	queue, err := offline.New(offline.Config{
		Path:         filepath.Join(cacheDir, offlineDBName),
		SyncInterval: env.SyncInterval,
		GCSchedule:   env.QueueGCSchedule,
	})
	if err != nil {
		c.Cache.Close()
		c.Transport.CloseAll()
		c.Tokens.Close()
		return nil, fmt.Errorf("offline queue: %w", err)
	}
	c.Queue = queue

	// 4. Fleet semantics over client, cache, and queue. Registers
	// itself as the queue's replay handler.
	c.Fleet = fleet.New(c.Panel, c.Cache, c.Queue)

	// 5. Background engines.
	c.Monitor = monitor.NewEngine(monitor.Config{
		Interval: time.Duration(doc.Monitoring.HealthCheckInterval) * time.Second,
	}, c.Fleet, c.Cache)
	c.Discovery = discovery.NewEngine()
	c.Bulk = bulk.New(c.Fleet)

	return c, nil
}

// Start launches the monitoring loop and the connectivity watchdog.
// The cache cleanup and queue sync loops already run from New. Start
// is idempotent.
func (c *Core) Start() {
	c.startOnce.Do(func() {
		c.Monitor.Start()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.checkConnectivity()
			scanloop.Run(c.stopCh, connectivityInterval, connectivityJitter, c.checkConnectivity)
		}()
	})
}

// checkConnectivity probes the panel and updates the queue's online
// state. The transition back online kicks a full drain, so it gets an
// unbounded context.
func (c *Core) checkConnectivity() {
	ctx, cancel := context.WithTimeout(context.Background(), connectivityTimeout)
	online := c.Panel.TestConnection(ctx)
	cancel()
	c.Queue.SetOnline(context.Background(), online)
}

// Online reports the last connectivity verdict.
func (c *Core) Online() bool {
	return c.Queue.Online()
}

// Close stops the loops first, then the queue while transport is still
// up for its final drain, then the sinks and the cache. Safe to call
// more than once.
func (c *Core) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		c.Monitor.Stop()
		c.Discovery.StopDiscovery()
		c.Discovery.Close()

		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}

		c.Tokens.Close()
		c.Transport.CloseAll()

		if err := c.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	})
	return errors.Join(errs...)
}
