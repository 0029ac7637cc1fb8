// Package monitor is the realtime health engine. On a fixed interval
// it lists the fleet, probes each node's service port with a bounded
// TCP connect, grades node health, maintains a bounded per-node sample
// history, caches the snapshots, and fans updates out to subscribers.
package monitor

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/marzfleet/marzfleet/internal/cache"
	"github.com/marzfleet/marzfleet/internal/model"
)

const (
	MinInterval         = 10 * time.Second
	DefaultInterval     = 30 * time.Second
	DefaultHistorySize  = 100
	DefaultProbeTimeout = 5 * time.Second

	nodeMetricsKey   = "monitoring:node_metrics"
	systemMetricsKey = "monitoring:system_metrics"
	metricsCacheTTL  = 60 * time.Second
	metricsCacheTag  = "monitoring"

	// failureBackoff is the pause after a failed tick.
	failureBackoff = 5 * time.Second
)

// NodeLister supplies the fleet snapshot each tick. ListNodes must
// bypass any read cache so grades follow the panel's live view.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
}

// Subscriber receives every fan-out payload. An error is logged and
// isolated from other subscribers and from the tick itself.
type Subscriber func(Update) error

type subscription struct {
	id int
	fn Subscriber
}

// Config configures the engine.
type Config struct {
	// Interval is the tick cadence. Zero means DefaultInterval;
	// values below MinInterval are raised to it.
	Interval time.Duration
	// HistorySize bounds each node's sample ring. Zero means
	// DefaultHistorySize.
	HistorySize int
	// ProbeTimeout bounds each TCP probe. Zero means
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration
}

// Engine is the monitoring loop plus its latest state. All methods
// are safe for concurrent use.
type Engine struct {
	interval     time.Duration
	historySize  int
	probeTimeout time.Duration

	fleet NodeLister
	store *cache.Cache

	metrics *xsync.Map[int, NodeMetrics]
	history *xsync.Map[int, *historyRing]

	// probe measures a TCP connect to address:port. Swapped in tests.
	probe func(ctx context.Context, address string, port int) (time.Duration, error)

	mu      sync.Mutex
	system  SystemMetrics
	subs    []subscription
	nextSub int
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine builds an engine over the given fleet lister. The cache
// is optional; without one snapshots are simply not persisted.
func NewEngine(cfg Config, fleet NodeLister, store *cache.Cache) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	e := &Engine{
		interval:     cfg.Interval,
		historySize:  cfg.HistorySize,
		probeTimeout: cfg.ProbeTimeout,
		fleet:        fleet,
		store:        store,
		metrics:      xsync.NewMap[int, NodeMetrics](),
		history:      xsync.NewMap[int, *historyRing](),
	}
	e.probe = e.dialProbe
	return e
}

// Start launches the loop. Starting a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		log.Printf("[monitor] already running")
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.loop(e.stopCh)
	log.Printf("[monitor] started (interval %s)", e.interval)
}

// Stop cancels the loop and waits for it to exit. The engine can be
// started again afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()
	log.Printf("[monitor] stopped")
}

// ForceUpdate runs one synchronous collection and fans it out with
// type forced_update.
func (e *Engine) ForceUpdate(ctx context.Context) error {
	update, err := e.tick(ctx, "forced_update")
	if err != nil {
		return err
	}
	e.notify(update)
	return nil
}

// Subscribe registers fn for every update and returns its id.
// Subscribers are notified in subscription order.
func (e *Engine) Subscribe(fn Subscriber) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	e.subs = append(e.subs, subscription{id: e.nextSub, fn: fn})
	return e.nextSub
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (e *Engine) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.subs {
		if e.subs[i].id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

func (e *Engine) loop(stop <-chan struct{}) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		start := time.Now()
		update, err := e.tick(ctx, "metrics_update")
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Printf("[monitor] tick failed: %v", err)
			if !sleepOrStop(stop, failureBackoff) {
				return
			}
			continue
		}
		e.notify(update)
		if wait := e.interval - time.Since(start); wait > 0 {
			if !sleepOrStop(stop, wait) {
				return
			}
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// tick collects one full round of metrics and returns the fan-out
// payload.
func (e *Engine) tick(ctx context.Context, updateType string) (Update, error) {
	nodes, err := e.fleet.ListNodes(ctx)
	if err != nil {
		return Update{}, fmt.Errorf("list nodes: %w", err)
	}
	now := time.Now()

	live := make(map[int]bool, len(nodes))
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return Update{}, err
		}
		m := e.collect(ctx, nodes[i], now)
		live[nodes[i].ID] = true
		e.metrics.Store(nodes[i].ID, m)
		e.ringFor(nodes[i].ID).push(m)
	}

	// Deleted nodes fall out of both maps so the rollup tracks the
	// live fleet.
	e.metrics.Range(func(id int, _ NodeMetrics) bool {
		if !live[id] {
			e.metrics.Delete(id)
			e.history.Delete(id)
		}
		return true
	})

	system := e.recompute(now)
	snapshot := e.snapshot()
	e.persistSnapshots(snapshot, system)
	return Update{Type: updateType, NodeMetrics: snapshot, SystemMetrics: system, Timestamp: now}, nil
}

// collect builds one node's snapshot. A node that cannot be probed at
// all is recorded as status error, health critical.
func (e *Engine) collect(ctx context.Context, n model.Node, now time.Time) NodeMetrics {
	m := NodeMetrics{NodeID: n.ID, NodeName: n.Name, Status: n.Status, LastSeen: now}
	if n.Address == "" || n.Port <= 0 {
		log.Printf("[monitor] node %d (%s) has no probeable address", n.ID, n.Name)
		m.Status = model.StatusError
		m.Health = HealthCritical
		return m
	}
	if rt, err := e.probe(ctx, n.Address, n.Port); err == nil {
		ms := float64(rt) / float64(time.Millisecond)
		m.ResponseTimeMs = &ms
	}
	m.Health = deriveHealth(n.Status, m.ResponseTimeMs)
	return m
}

func (e *Engine) dialProbe(ctx context.Context, address string, port int) (time.Duration, error) {
	d := net.Dialer{Timeout: e.probeTimeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

func (e *Engine) ringFor(id int) *historyRing {
	r, _ := e.history.LoadOrCompute(id, func() (*historyRing, bool) {
		return newHistoryRing(e.historySize), false
	})
	return r
}

func (e *Engine) recompute(now time.Time) SystemMetrics {
	var sys SystemMetrics
	e.metrics.Range(func(_ int, m NodeMetrics) bool {
		sys.TotalNodes++
		switch m.Health {
		case HealthHealthy:
			sys.HealthyNodes++
		case HealthWarning:
			sys.WarningNodes++
		case HealthCritical:
			sys.CriticalNodes++
		}
		if m.Status == model.StatusDisconnected || m.Status == model.StatusError {
			sys.OfflineNodes++
		}
		return true
	})
	sys.LastUpdated = now

	e.mu.Lock()
	e.system = sys
	e.mu.Unlock()
	return sys
}

func (e *Engine) snapshot() map[int]NodeMetrics {
	out := make(map[int]NodeMetrics)
	e.metrics.Range(func(id int, m NodeMetrics) bool {
		out[id] = m
		return true
	})
	return out
}

func (e *Engine) persistSnapshots(nodes map[int]NodeMetrics, sys SystemMetrics) {
	if e.store == nil {
		return
	}
	if err := e.store.SetJSON(nodeMetricsKey, nodes, metricsCacheTTL, []string{metricsCacheTag}); err != nil {
		log.Printf("[monitor] cache node metrics: %v", err)
	}
	if err := e.store.SetJSON(systemMetricsKey, sys, metricsCacheTTL, []string{metricsCacheTag}); err != nil {
		log.Printf("[monitor] cache system metrics: %v", err)
	}
}

func (e *Engine) notify(u Update) {
	e.mu.Lock()
	subs := make([]subscription, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		if err := s.fn(u); err != nil {
			log.Printf("[monitor] subscriber %d: %v", s.id, err)
		}
	}
}

// CurrentMetrics returns the latest per-node snapshots and the system
// rollup.
func (e *Engine) CurrentMetrics() (map[int]NodeMetrics, SystemMetrics) {
	e.mu.Lock()
	sys := e.system
	e.mu.Unlock()
	return e.snapshot(), sys
}

// NodeMetricsFor returns the latest snapshot for one node.
func (e *Engine) NodeMetricsFor(id int) (NodeMetrics, bool) {
	return e.metrics.Load(id)
}

// NodeHistory returns up to limit retained samples for a node, oldest
// first. limit <= 0 returns the full ring.
func (e *Engine) NodeHistory(id, limit int) []NodeMetrics {
	if r, ok := e.history.Load(id); ok {
		return r.tail(limit)
	}
	return nil
}

// HealthSummary reports the current system rollup.
func (e *Engine) HealthSummary() HealthSummary {
	e.mu.Lock()
	sys := e.system
	e.mu.Unlock()
	return HealthSummary{
		TotalNodes:       sys.TotalNodes,
		Healthy:          sys.HealthyNodes,
		Warning:          sys.WarningNodes,
		Critical:         sys.CriticalNodes,
		Offline:          sys.OfflineNodes,
		HealthPercentage: sys.HealthPercentage(),
		LastUpdated:      sys.LastUpdated,
	}
}

// Alerts derives the alert list from the latest snapshots: one entry
// per critical or warning node, plus a system alert when the healthy
// share of a non-empty fleet drops below 80 (warning) or 50
// (critical) percent.
func (e *Engine) Alerts() []Alert {
	now := time.Now()
	snap := e.snapshot()

	ids := make([]int, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var alerts []Alert
	for _, id := range ids {
		m := snap[id]
		switch m.Health {
		case HealthCritical:
			alerts = append(alerts, Alert{
				Type:      "critical",
				NodeID:    m.NodeID,
				NodeName:  m.NodeName,
				Message:   fmt.Sprintf("Node %s is in critical state", m.NodeName),
				Status:    m.Status,
				Timestamp: now,
			})
		case HealthWarning:
			alerts = append(alerts, Alert{
				Type:           "warning",
				NodeID:         m.NodeID,
				NodeName:       m.NodeName,
				Message:        fmt.Sprintf("Node %s has performance issues", m.NodeName),
				Status:         m.Status,
				ResponseTimeMs: m.ResponseTimeMs,
				Timestamp:      now,
			})
		}
	}

	e.mu.Lock()
	sys := e.system
	e.mu.Unlock()
	if sys.TotalNodes > 0 {
		switch pct := sys.HealthPercentage(); {
		case pct < 50:
			alerts = append(alerts, Alert{
				Type:         "critical",
				Message:      fmt.Sprintf("System health is critical: %.1f%%", pct),
				HealthyNodes: sys.HealthyNodes,
				TotalNodes:   sys.TotalNodes,
				Timestamp:    now,
			})
		case pct < 80:
			alerts = append(alerts, Alert{
				Type:         "warning",
				Message:      fmt.Sprintf("System health is degraded: %.1f%%", pct),
				HealthyNodes: sys.HealthyNodes,
				TotalNodes:   sys.TotalNodes,
				Timestamp:    now,
			})
		}
	}
	return alerts
}
