package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marzfleet/marzfleet/internal/model"
)

// fakeFleet implements NodeOps against an in-memory node table.
// Operations against ids in failIDs fail with a fixed error.
type fakeFleet struct {
	mu      sync.Mutex
	nodes   map[int]model.Node
	nextID  int
	failIDs map[int]bool

	created    []model.NodeCreate
	deleted    []int
	reconnects []int
	enables    int
	disables   int
	updates    int

	createHook func()
}

func newFakeFleet(seed ...model.Node) *fakeFleet {
	f := &fakeFleet{
		nodes:   make(map[int]model.Node),
		nextID:  1,
		failIDs: make(map[int]bool),
	}
	for _, n := range seed {
		f.nodes[n.ID] = n
		if n.ID >= f.nextID {
			f.nextID = n.ID + 1
		}
	}
	return f
}

func (f *fakeFleet) GetNode(_ context.Context, id int) (*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d not found", id)
	}
	return &n, nil
}

func (f *fakeFleet) CreateNode(_ context.Context, nc model.NodeCreate) (*model.Node, error) {
	f.mu.Lock()
	hook := f.createHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasPrefix(nc.Name, "bad") {
		return nil, errors.New("panel rejected node")
	}
	n := model.Node{
		ID:               f.nextID,
		Name:             nc.Name,
		Address:          nc.Address,
		Port:             nc.Port,
		APIPort:          nc.APIPort,
		UsageCoefficient: nc.UsageCoefficient,
		Status:           model.StatusConnecting,
	}
	f.nextID++
	f.nodes[n.ID] = n
	f.created = append(f.created, nc)
	return &n, nil
}

func (f *fakeFleet) UpdateNode(_ context.Context, id int, up model.NodeUpdate) (*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return nil, errors.New("panel unavailable")
	}
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d not found", id)
	}
	if up.Name != nil {
		n.Name = *up.Name
	}
	if up.Status != nil {
		n.Status = *up.Status
	}
	f.nodes[id] = n
	f.updates++
	return &n, nil
}

func (f *fakeFleet) DeleteNode(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("panel unavailable")
	}
	if _, ok := f.nodes[id]; !ok {
		return fmt.Errorf("node %d not found", id)
	}
	delete(f.nodes, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeFleet) ReconnectNode(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("panel unavailable")
	}
	f.reconnects = append(f.reconnects, id)
	return nil
}

func (f *fakeFleet) EnableNode(_ context.Context, id int) (*model.Node, error) {
	f.mu.Lock()
	f.enables++
	f.mu.Unlock()
	st := model.StatusConnecting
	return f.UpdateNode(context.Background(), id, model.NodeUpdate{Status: &st})
}

func (f *fakeFleet) DisableNode(_ context.Context, id int) (*model.Node, error) {
	f.mu.Lock()
	f.disables++
	f.mu.Unlock()
	st := model.StatusDisabled
	return f.UpdateNode(context.Background(), id, model.NodeUpdate{Status: &st})
}

// newTestOrchestrator drops the inter-item pauses so runs finish
// immediately.
func newTestOrchestrator(f *fakeFleet) *Orchestrator {
	o := New(f)
	o.itemPause = 0
	o.reconnectPause = 0
	return o
}

// TestBulkCreateWithTemplate verifies template defaults fill unset
// create fields while item values win.
func TestBulkCreateWithTemplate(t *testing.T) {
	f := newFakeFleet()
	o := newTestOrchestrator(f)

	configs := []model.NodeCreate{
		{Name: "edge-a", Address: "10.0.0.1"},
		{Name: "edge-b", Address: "10.0.0.2", Port: 7000},
	}
	res, err := o.BulkCreate(context.Background(), configs, "backup", nil)
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", res.Status, StatusCompleted)
	}
	if res.SuccessfulItems != 2 || res.FailedItems != 0 {
		t.Fatalf("items = %d/%d, want 2/0", res.SuccessfulItems, res.FailedItems)
	}
	if res.SuccessRate() != 100 {
		t.Fatalf("SuccessRate = %v, want 100", res.SuccessRate())
	}
	if res.EndTime == nil {
		t.Fatalf("EndTime not set on a finished run")
	}

	if len(f.created) != 2 {
		t.Fatalf("created %d nodes, want 2", len(f.created))
	}
	a, b := f.created[0], f.created[1]
	if a.Port != 62052 || a.APIPort != 62053 || a.UsageCoefficient != 0.5 || !a.AddAsNewHost {
		t.Fatalf("template not applied: %+v", a)
	}
	if b.Port != 7000 {
		t.Fatalf("item port overridden by template: %+v", b)
	}
	if b.APIPort != 62053 {
		t.Fatalf("unset APIPort = %d, want template 62053", b.APIPort)
	}

	d, ok := res.Details["node_0"]
	if !ok || d.Status != itemSuccess || d.NodeID != 1 || d.Name != "edge-a" {
		t.Fatalf("node_0 detail = %+v", d)
	}
	if configs[0].Port != 0 {
		t.Fatalf("caller slice mutated: %+v", configs[0])
	}
}

// TestBulkCreateMissingFields verifies an item without name or address
// fails on its own while the rest proceed.
func TestBulkCreateMissingFields(t *testing.T) {
	f := newFakeFleet()
	o := newTestOrchestrator(f)

	res, err := o.BulkCreate(context.Background(), []model.NodeCreate{
		{Name: "lonely"},
		{Name: "edge-c", Address: "10.0.0.3", Port: 62050, APIPort: 62051},
	}, "", nil)
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	if res.Status != StatusPartial {
		t.Fatalf("Status = %q, want %q", res.Status, StatusPartial)
	}
	if res.SuccessfulItems != 1 || res.FailedItems != 1 {
		t.Fatalf("items = %d/%d, want 1/1", res.SuccessfulItems, res.FailedItems)
	}
	d := res.Details["node_0"]
	if d.Status != itemFailed || !strings.Contains(d.Error, "missing required fields") {
		t.Fatalf("node_0 detail = %+v", d)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "lonely") {
		t.Fatalf("Errors = %v", res.Errors)
	}
	if len(f.created) != 1 {
		t.Fatalf("created %d nodes, want only the valid one", len(f.created))
	}
}

// TestBulkCreateAllFailed verifies the failed status when nothing
// succeeds.
func TestBulkCreateAllFailed(t *testing.T) {
	f := newFakeFleet()
	o := newTestOrchestrator(f)

	res, err := o.BulkCreate(context.Background(), []model.NodeCreate{
		{Name: "bad-1", Address: "10.0.0.1"},
		{Name: "bad-2", Address: "10.0.0.2"},
	}, "", nil)
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", res.Status, StatusFailed)
	}
	if res.SuccessRate() != 0 {
		t.Fatalf("SuccessRate = %v, want 0", res.SuccessRate())
	}
}

// TestBulkUpdateMixed verifies per-item failures produce a partial
// result with node_<id> detail keys.
func TestBulkUpdateMixed(t *testing.T) {
	f := newFakeFleet(model.Node{ID: 1, Name: "edge-1", Status: model.StatusConnected})
	f.failIDs[99] = true
	o := newTestOrchestrator(f)

	name := "renamed"
	res, err := o.BulkUpdate(context.Background(), []int{1, 99}, model.NodeUpdate{Name: &name}, nil)
	if err != nil {
		t.Fatalf("BulkUpdate: %v", err)
	}

	if res.Status != StatusPartial {
		t.Fatalf("Status = %q, want %q", res.Status, StatusPartial)
	}
	good := res.Details["node_1"]
	if good.Status != itemSuccess || good.Name != "renamed" {
		t.Fatalf("node_1 detail = %+v", good)
	}
	bad := res.Details["node_99"]
	if bad.Status != itemFailed || bad.Error == "" {
		t.Fatalf("node_99 detail = %+v", bad)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "Failed to update node 99") {
		t.Fatalf("Errors = %v", res.Errors)
	}
}

// TestBulkDeleteRecordsName verifies the node's name is captured
// before deletion and unknown ids fail their item.
func TestBulkDeleteRecordsName(t *testing.T) {
	f := newFakeFleet(model.Node{ID: 5, Name: "edge-5", Status: model.StatusConnected})
	o := newTestOrchestrator(f)

	res, err := o.BulkDelete(context.Background(), []int{5, 7}, nil)
	if err != nil {
		t.Fatalf("BulkDelete: %v", err)
	}

	if res.Status != StatusPartial {
		t.Fatalf("Status = %q, want %q", res.Status, StatusPartial)
	}
	d := res.Details["node_5"]
	if d.Status != itemSuccess || d.NodeID != 5 || d.Name != "edge-5" {
		t.Fatalf("node_5 detail = %+v", d)
	}
	if miss := res.Details["node_7"]; miss.Status != itemFailed {
		t.Fatalf("node_7 detail = %+v", miss)
	}
	if len(f.deleted) != 1 || f.deleted[0] != 5 {
		t.Fatalf("deleted = %v, want [5]", f.deleted)
	}
}

// TestBulkReconnectPausesBetweenItems verifies reconnect runs use the
// longer inter-item pause.
func TestBulkReconnectPausesBetweenItems(t *testing.T) {
	f := newFakeFleet(
		model.Node{ID: 2, Name: "edge-2"},
		model.Node{ID: 4, Name: "edge-4"},
	)
	o := New(f)
	o.itemPause = 0
	o.reconnectPause = 20 * time.Millisecond

	start := time.Now()
	res, err := o.BulkReconnect(context.Background(), []int{4, 2}, nil)
	if err != nil {
		t.Fatalf("BulkReconnect: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("run took %v, want at least two 20ms pauses", elapsed)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", res.Status, StatusCompleted)
	}
	if len(f.reconnects) != 2 || f.reconnects[0] != 4 || f.reconnects[1] != 2 {
		t.Fatalf("reconnects = %v, want [4 2]", f.reconnects)
	}
	d := res.Details["node_4"]
	if d.Status != itemSuccess || d.NodeID != 4 || d.Name != "" {
		t.Fatalf("node_4 detail = %+v", d)
	}
}

// TestBulkChangeStatusRouting verifies disabled and connected targets
// go through the disable/enable paths and other statuses through a
// plain update.
func TestBulkChangeStatusRouting(t *testing.T) {
	f := newFakeFleet(model.Node{ID: 1, Name: "edge-1", Status: model.StatusConnected})
	o := newTestOrchestrator(f)

	res, err := o.BulkChangeStatus(context.Background(), []int{1}, model.StatusDisabled, nil)
	if err != nil {
		t.Fatalf("BulkChangeStatus: %v", err)
	}
	if f.disables != 1 {
		t.Fatalf("disables = %d, want 1", f.disables)
	}
	if d := res.Details["node_1"]; d.NewStatus != string(model.StatusDisabled) {
		t.Fatalf("node_1 detail = %+v", d)
	}

	if _, err := o.BulkChangeStatus(context.Background(), []int{1}, model.StatusConnected, nil); err != nil {
		t.Fatalf("BulkChangeStatus: %v", err)
	}
	if f.enables != 1 {
		t.Fatalf("enables = %d, want 1", f.enables)
	}

	updatesBefore := f.updates
	if _, err := o.BulkChangeStatus(context.Background(), []int{1}, model.StatusConnecting, nil); err != nil {
		t.Fatalf("BulkChangeStatus: %v", err)
	}
	if f.enables != 1 || f.disables != 1 || f.updates != updatesBefore+1 {
		t.Fatalf("connecting target did not use a plain update")
	}

	if _, err := o.BulkChangeStatus(context.Background(), []int{1}, model.NodeStatus("rebooting"), nil); err == nil {
		t.Fatalf("invalid status accepted")
	}
}

// TestRunAbortsOnCancel verifies a cancelled context stops the run
// after the current item and marks the result failed.
func TestRunAbortsOnCancel(t *testing.T) {
	f := newFakeFleet()
	o := newTestOrchestrator(f)

	ctx, cancel := context.WithCancel(context.Background())
	f.createHook = cancel

	configs := []model.NodeCreate{
		{Name: "edge-a", Address: "10.0.0.1"},
		{Name: "edge-b", Address: "10.0.0.2"},
		{Name: "edge-c", Address: "10.0.0.3"},
	}
	res, err := o.BulkCreate(ctx, configs, "", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", res.Status, StatusFailed)
	}
	if res.SuccessfulItems != 1 {
		t.Fatalf("SuccessfulItems = %d, want 1 before the abort", res.SuccessfulItems)
	}
	if len(res.Details) != 1 {
		t.Fatalf("Details = %v, want only node_0", res.Details)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "Bulk operation failed") {
		t.Fatalf("Errors = %v", res.Errors)
	}
	if res.EndTime == nil {
		t.Fatalf("EndTime not set on an aborted run")
	}
}

// TestOperationRegistry verifies results are tracked, readable by id
// and dropped once terminal.
func TestOperationRegistry(t *testing.T) {
	f := newFakeFleet(model.Node{ID: 1, Name: "edge-1"})
	o := newTestOrchestrator(f)

	res, err := o.BulkReconnect(context.Background(), []int{1}, nil)
	if err != nil {
		t.Fatalf("BulkReconnect: %v", err)
	}

	got, ok := o.OperationResult(res.OperationID)
	if !ok {
		t.Fatalf("OperationResult(%s) missing", res.OperationID)
	}
	if got.OperationType != "bulk_reconnect" || got.Status != StatusCompleted {
		t.Fatalf("tracked result = %+v", got)
	}
	if _, ok := o.OperationResult("nope"); ok {
		t.Fatalf("unknown operation id found")
	}

	if n := len(o.ActiveOperations()); n != 1 {
		t.Fatalf("ActiveOperations = %d, want 1", n)
	}
	if n := o.ClearCompletedOperations(); n != 1 {
		t.Fatalf("ClearCompletedOperations = %d, want 1", n)
	}
	if n := len(o.ActiveOperations()); n != 0 {
		t.Fatalf("ActiveOperations after clear = %d, want 0", n)
	}
}

// TestTemplateRegistry verifies the built-in templates and custom
// template management.
func TestTemplateRegistry(t *testing.T) {
	o := newTestOrchestrator(newFakeFleet())

	all := o.Templates()
	for _, id := range []string{"standard", "high_performance", "backup", "development"} {
		if _, ok := all[id]; !ok {
			t.Fatalf("built-in template %q missing", id)
		}
	}
	backup := all["backup"]
	if backup.Port != 62052 || backup.APIPort != 62053 || backup.UsageCoefficient != 0.5 {
		t.Fatalf("backup template = %+v", backup)
	}
	if hp := all["high_performance"]; hp.UsageCoefficient != 1.5 {
		t.Fatalf("high_performance coefficient = %v, want 1.5", hp.UsageCoefficient)
	}

	o.CreateTemplate("custom", NodeTemplate{Name: "Custom", Port: 9000, APIPort: 9001, UsageCoefficient: 2})
	if tpl, ok := o.Template("custom"); !ok || tpl.Port != 9000 {
		t.Fatalf("custom template = %+v, %v", tpl, ok)
	}
	if !o.DeleteTemplate("custom") {
		t.Fatalf("DeleteTemplate(custom) = false")
	}
	if o.DeleteTemplate("custom") {
		t.Fatalf("DeleteTemplate(custom) = true after removal")
	}
}

// TestProgressMessages verifies the callback fires per item and once
// at completion.
func TestProgressMessages(t *testing.T) {
	f := newFakeFleet(model.Node{ID: 7, Name: "edge-7"})
	o := newTestOrchestrator(f)

	type call struct {
		current, total int
		message        string
	}
	var calls []call
	progress := func(current, total int, message string) {
		calls = append(calls, call{current, total, message})
	}

	name := "renamed"
	if _, err := o.BulkUpdate(context.Background(), []int{7}, model.NodeUpdate{Name: &name}, progress); err != nil {
		t.Fatalf("BulkUpdate: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("progress calls = %d, want item plus completion", len(calls))
	}
	if calls[0].current != 0 || calls[0].total != 1 || calls[0].message != "Updating node: 7" {
		t.Fatalf("first call = %+v", calls[0])
	}
	if calls[1].current != 1 || !strings.Contains(calls[1].message, "completed") {
		t.Fatalf("last call = %+v", calls[1])
	}
}

// TestSuccessRateEmptyRun verifies the zero-item edge cases.
func TestSuccessRateEmptyRun(t *testing.T) {
	f := newFakeFleet()
	o := newTestOrchestrator(f)

	res, err := o.BulkDelete(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("BulkDelete: %v", err)
	}
	if res.Status != StatusCompleted || res.TotalItems != 0 {
		t.Fatalf("empty run = %+v", res)
	}
	if res.SuccessRate() != 0 {
		t.Fatalf("SuccessRate = %v, want 0 for empty run", res.SuccessRate())
	}
	if res.Duration() < 0 {
		t.Fatalf("Duration = %v, want non-negative", res.Duration())
	}
}
