package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marzfleet/marzfleet/internal/cache"
	"github.com/marzfleet/marzfleet/internal/model"
)

type fakeFleet struct {
	mu    sync.Mutex
	nodes []model.Node
	err   error
	calls int
}

func (f *fakeFleet) ListNodes(ctx context.Context) ([]model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.Node, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

func (f *fakeFleet) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFleet) set(nodes []model.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
}

// probeTable answers probes from a fixed address:port -> duration map;
// missing entries fail.
func probeTable(rt map[string]time.Duration) func(context.Context, string, int) (time.Duration, error) {
	return func(_ context.Context, address string, port int) (time.Duration, error) {
		d, ok := rt[fmt.Sprintf("%s:%d", address, port)]
		if !ok {
			return 0, errors.New("connection refused")
		}
		return d, nil
	}
}

func ms(v float64) *float64 { return &v }

// TestDeriveHealth verifies the status and latency grading matrix.
func TestDeriveHealth(t *testing.T) {
	cases := []struct {
		status model.NodeStatus
		rt     *float64
		want   HealthStatus
	}{
		{model.StatusConnected, ms(20), HealthHealthy},
		{model.StatusConnected, ms(99.9), HealthHealthy},
		{model.StatusConnected, ms(100), HealthWarning},
		{model.StatusConnected, ms(499), HealthWarning},
		{model.StatusConnected, ms(500), HealthCritical},
		{model.StatusConnected, nil, HealthCritical},
		{model.StatusConnecting, nil, HealthWarning},
		{model.StatusConnecting, ms(20), HealthWarning},
		{model.StatusDisconnected, ms(20), HealthCritical},
		{model.StatusError, nil, HealthCritical},
		{model.StatusDisabled, ms(20), HealthUnknown},
		{model.NodeStatus("rebooting"), nil, HealthWarning},
	}
	for _, tc := range cases {
		if got := deriveHealth(tc.status, tc.rt); got != tc.want {
			t.Errorf("deriveHealth(%s, %v): got %s, want %s", tc.status, tc.rt, got, tc.want)
		}
	}
}

// TestHistoryRingOverwrite verifies the ring keeps only the newest H
// samples and tail returns them oldest first.
func TestHistoryRingOverwrite(t *testing.T) {
	r := newHistoryRing(100)
	for i := 1; i <= 150; i++ {
		r.push(NodeMetrics{NodeID: i})
	}
	if got := r.len(); got != 100 {
		t.Fatalf("len: got %d, want 100", got)
	}
	all := r.tail(0)
	if all[0].NodeID != 51 || all[99].NodeID != 150 {
		t.Fatalf("tail(0): got [%d..%d], want [51..150]", all[0].NodeID, all[99].NodeID)
	}
	last := r.tail(10)
	if len(last) != 10 || last[0].NodeID != 141 || last[9].NodeID != 150 {
		t.Fatalf("tail(10): got %v", last)
	}
}

// TestForceUpdateGradesNodes verifies one collection round: probe
// results turn into response times, grades, and the system rollup.
func TestForceUpdateGradesNodes(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{
		{ID: 1, Name: "fast", Address: "10.0.0.1", Port: 62050, Status: model.StatusConnected},
		{ID: 2, Name: "dead", Address: "10.0.0.2", Port: 62050, Status: model.StatusConnected},
		{ID: 3, Name: "parked", Address: "10.0.0.3", Port: 62050, Status: model.StatusDisabled},
	}}
	e := NewEngine(Config{}, fleet, nil)
	e.probe = probeTable(map[string]time.Duration{
		"10.0.0.1:62050": 20 * time.Millisecond,
		"10.0.0.3:62050": 10 * time.Millisecond,
	})

	var got Update
	e.Subscribe(func(u Update) error {
		got = u
		return nil
	})
	if err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}

	if got.Type != "forced_update" {
		t.Fatalf("update type: got %q, want forced_update", got.Type)
	}
	if h := got.NodeMetrics[1].Health; h != HealthHealthy {
		t.Fatalf("node 1 health: got %s, want healthy", h)
	}
	if m := got.NodeMetrics[2]; m.Health != HealthCritical || m.ResponseTimeMs != nil {
		t.Fatalf("node 2: got %+v, want critical without response time", m)
	}
	if h := got.NodeMetrics[3].Health; h != HealthUnknown {
		t.Fatalf("node 3 health: got %s, want unknown", h)
	}

	sys := got.SystemMetrics
	if sys.TotalNodes != 3 || sys.HealthyNodes != 1 || sys.CriticalNodes != 1 || sys.OfflineNodes != 0 {
		t.Fatalf("system: %+v", sys)
	}
	if pct := sys.HealthPercentage(); pct < 33.2 || pct > 33.4 {
		t.Fatalf("health percentage: got %.2f, want ~33.3", pct)
	}
}

// TestCollectWithoutAddress verifies a node that cannot be probed at
// all is recorded as an error node in critical health.
func TestCollectWithoutAddress(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{
		{ID: 1, Name: "ghost", Status: model.StatusConnected},
	}}
	e := NewEngine(Config{}, fleet, nil)
	if err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}

	m, ok := e.NodeMetricsFor(1)
	if !ok {
		t.Fatal("no metrics for node 1")
	}
	if m.Status != model.StatusError || m.Health != HealthCritical {
		t.Fatalf("got %+v, want status error, health critical", m)
	}
}

// TestTickPrunesDeletedNodes verifies metrics and history for nodes
// gone from the fleet are dropped.
func TestTickPrunesDeletedNodes(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{
		{ID: 1, Name: "a", Address: "10.0.0.1", Port: 62050, Status: model.StatusConnected},
		{ID: 2, Name: "b", Address: "10.0.0.2", Port: 62050, Status: model.StatusConnected},
	}}
	e := NewEngine(Config{}, fleet, nil)
	e.probe = probeTable(nil)
	ctx := context.Background()

	if err := e.ForceUpdate(ctx); err != nil {
		t.Fatalf("first update: %v", err)
	}
	fleet.set(fleet.nodes[:1])
	if err := e.ForceUpdate(ctx); err != nil {
		t.Fatalf("second update: %v", err)
	}

	if _, ok := e.NodeMetricsFor(2); ok {
		t.Fatal("node 2 metrics survived deletion")
	}
	if h := e.NodeHistory(2, 0); h != nil {
		t.Fatalf("node 2 history survived deletion: %v", h)
	}
	if _, sys := e.CurrentMetrics(); sys.TotalNodes != 1 {
		t.Fatalf("total nodes: got %d, want 1", sys.TotalNodes)
	}
}

// TestNodeHistoryOrder verifies samples accumulate per tick and
// NodeHistory returns the newest limit of them oldest first.
func TestNodeHistoryOrder(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{
		{ID: 1, Name: "a", Address: "10.0.0.1", Port: 62050, Status: model.StatusConnected},
	}}
	e := NewEngine(Config{HistorySize: 5}, fleet, nil)

	rt := 10 * time.Millisecond
	var mu sync.Mutex
	e.probe = func(context.Context, string, int) (time.Duration, error) {
		mu.Lock()
		defer mu.Unlock()
		rt += 10 * time.Millisecond
		return rt, nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := e.ForceUpdate(ctx); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	h := e.NodeHistory(1, 2)
	if len(h) != 2 {
		t.Fatalf("history: got %d samples, want 2", len(h))
	}
	if *h[0].ResponseTimeMs != 30 || *h[1].ResponseTimeMs != 40 {
		t.Fatalf("history order: got %.0f, %.0f, want 30, 40", *h[0].ResponseTimeMs, *h[1].ResponseTimeMs)
	}
}

// TestSubscriberIsolationAndOrder verifies subscribers run in
// subscription order and one failing subscriber does not starve the
// rest, and that Unsubscribe removes delivery.
func TestSubscriberIsolationAndOrder(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{}}
	e := NewEngine(Config{}, fleet, nil)

	var mu sync.Mutex
	var order []string
	e.Subscribe(func(Update) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first")
		return errors.New("subscriber exploded")
	})
	second := e.Subscribe(func(Update) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
		return nil
	})

	ctx := context.Background()
	if err := e.ForceUpdate(ctx); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}
	mu.Lock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order: %v", order)
	}
	mu.Unlock()

	e.Unsubscribe(second)
	if err := e.ForceUpdate(ctx); err != nil {
		t.Fatalf("second ForceUpdate: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[2] != "first" {
		t.Fatalf("after unsubscribe: %v", order)
	}
}

// TestForceUpdatePropagatesListError verifies a failed fleet list
// surfaces from ForceUpdate.
func TestForceUpdatePropagatesListError(t *testing.T) {
	fleet := &fakeFleet{err: errors.New("panel down")}
	e := NewEngine(Config{}, fleet, nil)

	if err := e.ForceUpdate(context.Background()); err == nil {
		t.Fatal("expected error from failed node list")
	}
}

// TestStartStopLifecycle verifies the loop ticks immediately on start,
// Start is idempotent, and Stop halts collection.
func TestStartStopLifecycle(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{}}
	e := NewEngine(Config{}, fleet, nil)

	e.Start()
	e.Start()
	deadline := time.Now().Add(2 * time.Second)
	for fleet.listCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fleet.listCalls() == 0 {
		t.Fatal("loop never ticked")
	}
	e.Stop()
	e.Stop()

	calls := fleet.listCalls()
	time.Sleep(50 * time.Millisecond)
	if got := fleet.listCalls(); got != calls {
		t.Fatalf("loop still ticking after Stop: %d -> %d", calls, got)
	}
}

// TestAlerts verifies node-level alerts and the system alert
// threshold.
func TestAlerts(t *testing.T) {
	fleet := &fakeFleet{nodes: []model.Node{
		{ID: 1, Name: "ok", Address: "10.0.0.1", Port: 62050, Status: model.StatusConnected},
		{ID: 2, Name: "slow", Address: "10.0.0.2", Port: 62050, Status: model.StatusConnected},
		{ID: 3, Name: "down", Address: "10.0.0.3", Port: 62050, Status: model.StatusError},
	}}
	e := NewEngine(Config{}, fleet, nil)
	e.probe = probeTable(map[string]time.Duration{
		"10.0.0.1:62050": 20 * time.Millisecond,
		"10.0.0.2:62050": 200 * time.Millisecond,
	})

	if err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}

	alerts := e.Alerts()
	if len(alerts) != 3 {
		t.Fatalf("alerts: got %d, want 3 (%+v)", len(alerts), alerts)
	}
	if alerts[0].Type != "warning" || alerts[0].NodeID != 2 || alerts[0].ResponseTimeMs == nil {
		t.Fatalf("warning alert: %+v", alerts[0])
	}
	if alerts[1].Type != "critical" || alerts[1].NodeID != 3 {
		t.Fatalf("critical alert: %+v", alerts[1])
	}
	// 1 of 3 healthy = 33%, below the 50% critical threshold.
	sys := alerts[2]
	if sys.Type != "critical" || sys.NodeID != 0 || sys.HealthyNodes != 1 || sys.TotalNodes != 3 {
		t.Fatalf("system alert: %+v", sys)
	}
}

// TestAlertsEmptyFleet verifies an empty fleet raises no system
// alert.
func TestAlertsEmptyFleet(t *testing.T) {
	fleet := &fakeFleet{}
	e := NewEngine(Config{}, fleet, nil)
	if err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}
	if alerts := e.Alerts(); len(alerts) != 0 {
		t.Fatalf("alerts on empty fleet: %+v", alerts)
	}
}

// TestSnapshotsCached verifies both snapshots land in the cache under
// the monitoring tag.
func TestSnapshotsCached(t *testing.T) {
	store := cache.New(cache.Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	defer store.Close()

	fleet := &fakeFleet{nodes: []model.Node{
		{ID: 1, Name: "a", Address: "10.0.0.1", Port: 62050, Status: model.StatusConnected},
	}}
	e := NewEngine(Config{}, fleet, store)
	e.probe = probeTable(map[string]time.Duration{"10.0.0.1:62050": 30 * time.Millisecond})

	if err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate: %v", err)
	}

	var nodes map[int]NodeMetrics
	if !store.GetJSON("monitoring:node_metrics", &nodes) {
		t.Fatal("node metrics not cached")
	}
	if nodes[1].Health != HealthHealthy {
		t.Fatalf("cached node 1: %+v", nodes[1])
	}
	var sys SystemMetrics
	if !store.GetJSON("monitoring:system_metrics", &sys) {
		t.Fatal("system metrics not cached")
	}
	if sys.TotalNodes != 1 {
		t.Fatalf("cached system: %+v", sys)
	}
}
