// Package bulk runs node operations across many nodes at once. Items
// execute serially with a small pause between them so the panel is
// never flooded; every run is tracked in a registry with per-item
// outcomes.
package bulk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marzfleet/marzfleet/internal/model"
)

const (
	itemPause = 100 * time.Millisecond

	// reconnectPause is longer so nodes get a moment to settle before
	// the next one is kicked.
	reconnectPause = 500 * time.Millisecond
)

// NodeOps is the slice of the fleet service a bulk run drives.
type NodeOps interface {
	GetNode(ctx context.Context, id int) (*model.Node, error)
	CreateNode(ctx context.Context, nc model.NodeCreate) (*model.Node, error)
	UpdateNode(ctx context.Context, id int, up model.NodeUpdate) (*model.Node, error)
	DeleteNode(ctx context.Context, id int) error
	ReconnectNode(ctx context.Context, id int) error
	EnableNode(ctx context.Context, id int) (*model.Node, error)
	DisableNode(ctx context.Context, id int) (*model.Node, error)
}

// Progress receives per-item advancement: items finished so far, the
// total, and a stage message.
type Progress func(current, total int, message string)

// Orchestrator executes bulk runs and keeps their results until
// cleared.
type Orchestrator struct {
	fleet NodeOps

	mu         sync.RWMutex
	operations map[string]*BulkOperationResult
	templates  map[string]NodeTemplate

	itemPause      time.Duration
	reconnectPause time.Duration
}

// New returns an orchestrator with the built-in templates loaded.
func New(fleet NodeOps) *Orchestrator {
	o := &Orchestrator{
		fleet:          fleet,
		operations:     make(map[string]*BulkOperationResult),
		templates:      builtinTemplates(),
		itemPause:      itemPause,
		reconnectPause: reconnectPause,
	}
	log.Printf("[bulk] loaded %d default templates", len(o.templates))
	return o
}

// BulkCreate creates the given nodes one at a time. When templateName
// names a known template, its port, API port, usage coefficient and
// host flag fill create fields the item left unset.
func (o *Orchestrator) BulkCreate(ctx context.Context, configs []model.NodeCreate, templateName string, progress Progress) (*BulkOperationResult, error) {
	configs = append([]model.NodeCreate(nil), configs...)
	if templateName != "" {
		if tpl, ok := o.Template(templateName); ok {
			for i := range configs {
				configs[i] = tpl.apply(configs[i])
			}
		}
	}
	total := len(configs)
	return o.run(ctx, "bulk_create", total, o.itemPause, progress, func(i int) (string, ItemDetail, string) {
		cfg := configs[i]
		label := cfg.Name
		if label == "" {
			label = fmt.Sprintf("Node %d", i+1)
		}
		report(progress, i, total, "Creating node: "+label)

		key := fmt.Sprintf("node_%d", i)
		if cfg.Name == "" || cfg.Address == "" {
			detail := ItemDetail{Status: itemFailed, Error: "missing required fields: name, address"}
			return key, detail, fmt.Sprintf("Failed to create node %s: %s", label, detail.Error)
		}
		node, err := o.fleet.CreateNode(ctx, cfg)
		if err != nil {
			return key, ItemDetail{Status: itemFailed, Error: err.Error()}, fmt.Sprintf("Failed to create node %s: %v", label, err)
		}
		return key, ItemDetail{Status: itemSuccess, NodeID: node.ID, Name: node.Name}, ""
	})
}

// BulkUpdate applies the same update to every node in ids.
func (o *Orchestrator) BulkUpdate(ctx context.Context, ids []int, update model.NodeUpdate, progress Progress) (*BulkOperationResult, error) {
	total := len(ids)
	return o.run(ctx, "bulk_update", total, o.itemPause, progress, func(i int) (string, ItemDetail, string) {
		id := ids[i]
		report(progress, i, total, fmt.Sprintf("Updating node: %d", id))

		key := fmt.Sprintf("node_%d", id)
		node, err := o.fleet.UpdateNode(ctx, id, update)
		if err != nil {
			return key, ItemDetail{Status: itemFailed, Error: err.Error()}, fmt.Sprintf("Failed to update node %d: %v", id, err)
		}
		return key, ItemDetail{Status: itemSuccess, NodeID: node.ID, Name: node.Name}, ""
	})
}

// BulkDelete removes every node in ids, recording each node's name
// before it goes.
func (o *Orchestrator) BulkDelete(ctx context.Context, ids []int, progress Progress) (*BulkOperationResult, error) {
	total := len(ids)
	return o.run(ctx, "bulk_delete", total, o.itemPause, progress, func(i int) (string, ItemDetail, string) {
		id := ids[i]
		report(progress, i, total, fmt.Sprintf("Deleting node: %d", id))

		key := fmt.Sprintf("node_%d", id)
		node, err := o.fleet.GetNode(ctx, id)
		if err != nil {
			return key, ItemDetail{Status: itemFailed, Error: err.Error()}, fmt.Sprintf("Failed to delete node %d: %v", id, err)
		}
		if err := o.fleet.DeleteNode(ctx, id); err != nil {
			return key, ItemDetail{Status: itemFailed, Error: err.Error()}, fmt.Sprintf("Failed to delete node %d: %v", id, err)
		}
		return key, ItemDetail{Status: itemSuccess, NodeID: id, Name: node.Name}, ""
	})
}

// BulkReconnect triggers a reconnect for every node in ids, pausing
// longer between items than other runs.
func (o *Orchestrator) BulkReconnect(ctx context.Context, ids []int, progress Progress) (*BulkOperationResult, error) {
	total := len(ids)
	return o.run(ctx, "bulk_reconnect", total, o.reconnectPause, progress, func(i int) (string, ItemDetail, string) {
		id := ids[i]
		report(progress, i, total, fmt.Sprintf("Reconnecting node: %d", id))

		key := fmt.Sprintf("node_%d", id)
		if err := o.fleet.ReconnectNode(ctx, id); err != nil {
			return key, ItemDetail{Status: itemFailed, Error: err.Error()}, fmt.Sprintf("Failed to reconnect node %d: %v", id, err)
		}
		return key, ItemDetail{Status: itemSuccess, NodeID: id}, ""
	})
}

// BulkChangeStatus moves every node in ids to the given status, going
// through the enable/disable paths for the connected and disabled
// targets.
func (o *Orchestrator) BulkChangeStatus(ctx context.Context, ids []int, status model.NodeStatus, progress Progress) (*BulkOperationResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid node status %q", status)
	}
	total := len(ids)
	return o.run(ctx, "bulk_status_change", total, o.itemPause, progress, func(i int) (string, ItemDetail, string) {
		id := ids[i]
		report(progress, i, total, fmt.Sprintf("Changing status of node: %d", id))

		key := fmt.Sprintf("node_%d", id)
		var (
			node *model.Node
			err  error
		)
		switch status {
		case model.StatusDisabled:
			node, err = o.fleet.DisableNode(ctx, id)
		case model.StatusConnected:
			node, err = o.fleet.EnableNode(ctx, id)
		default:
			st := status
			node, err = o.fleet.UpdateNode(ctx, id, model.NodeUpdate{Status: &st})
		}
		if err != nil {
			return key, ItemDetail{Status: itemFailed, Error: err.Error()}, fmt.Sprintf("Failed to change status of node %d: %v", id, err)
		}
		return key, ItemDetail{Status: itemSuccess, NodeID: node.ID, Name: node.Name, NewStatus: string(status)}, ""
	})
}

// OperationResult returns a copy of the tracked run with the given id.
func (o *Orchestrator) OperationResult(id string) (BulkOperationResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.operations[id]
	if !ok {
		return BulkOperationResult{}, false
	}
	return copyResult(op), true
}

// ActiveOperations returns copies of every tracked run keyed by id.
func (o *Orchestrator) ActiveOperations() map[string]BulkOperationResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]BulkOperationResult, len(o.operations))
	for id, op := range o.operations {
		out[id] = copyResult(op)
	}
	return out
}

// ClearCompletedOperations drops finished runs from the registry and
// reports how many were removed.
func (o *Orchestrator) ClearCompletedOperations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, op := range o.operations {
		if op.Status.Terminal() {
			delete(o.operations, id)
			n++
		}
	}
	log.Printf("[bulk] cleared %d completed operations", n)
	return n
}

// CreateTemplate registers a template under the given id, replacing
// any previous one.
func (o *Orchestrator) CreateTemplate(id string, tpl NodeTemplate) {
	o.mu.Lock()
	o.templates[id] = tpl
	o.mu.Unlock()
	log.Printf("[bulk] created template %q", id)
}

// Template looks up a registered template.
func (o *Orchestrator) Template(id string) (NodeTemplate, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tpl, ok := o.templates[id]
	return tpl, ok
}

// Templates returns a copy of the template registry.
func (o *Orchestrator) Templates() map[string]NodeTemplate {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]NodeTemplate, len(o.templates))
	for id, tpl := range o.templates {
		out[id] = tpl
	}
	return out
}

// DeleteTemplate removes a template and reports whether it existed.
func (o *Orchestrator) DeleteTemplate(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.templates[id]; !ok {
		return false
	}
	delete(o.templates, id)
	log.Printf("[bulk] deleted template %q", id)
	return true
}

// run drives one bulk operation: it registers the result, executes
// items serially with the given pause, and settles the final status.
// A cancelled context aborts the run; the result is marked failed and
// the partial outcome is returned alongside the context error.
func (o *Orchestrator) run(ctx context.Context, opType string, total int, pause time.Duration, progress Progress, exec func(i int) (string, ItemDetail, string)) (*BulkOperationResult, error) {
	op := &BulkOperationResult{
		OperationID:   uuid.NewString(),
		OperationType: opType,
		TotalItems:    total,
		Status:        StatusRunning,
		StartTime:     time.Now(),
		Errors:        []string{},
		Details:       make(map[string]ItemDetail),
	}
	o.mu.Lock()
	o.operations[op.OperationID] = op
	o.mu.Unlock()

	log.Printf("[bulk] starting %s %s: %d items", opType, op.OperationID, total)

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			o.finish(op, fmt.Sprintf("Bulk operation failed: %v", err))
			log.Printf("[bulk] %s %s aborted: %v", opType, op.OperationID, err)
			res := copyResult(op)
			return &res, err
		}

		key, detail, errLine := exec(i)

		o.mu.Lock()
		op.Details[key] = detail
		if errLine == "" {
			op.SuccessfulItems++
		} else {
			op.FailedItems++
			op.Errors = append(op.Errors, errLine)
		}
		o.mu.Unlock()
		if errLine != "" {
			log.Printf("[bulk] %s", errLine)
		}

		if pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
	}

	o.finish(op, "")
	log.Printf("[bulk] %s %s finished: %d/%d successful", opType, op.OperationID, op.SuccessfulItems, op.TotalItems)
	report(progress, total, total, fmt.Sprintf("Bulk operation completed: %d/%d successful", op.SuccessfulItems, op.TotalItems))

	res := copyResult(op)
	return &res, nil
}

// finish settles the terminal status. A non-empty abort line forces
// the failed state.
func (o *Orchestrator) finish(op *BulkOperationResult, abort string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case abort != "":
		op.Status = StatusFailed
		op.Errors = append(op.Errors, abort)
	case op.FailedItems == 0:
		op.Status = StatusCompleted
	case op.SuccessfulItems == 0:
		op.Status = StatusFailed
	default:
		op.Status = StatusPartial
	}
	now := time.Now()
	op.EndTime = &now
}

func report(progress Progress, current, total int, message string) {
	if progress != nil {
		progress(current, total, message)
	}
}

// copyResult clones a run so callers never share the live maps.
func copyResult(op *BulkOperationResult) BulkOperationResult {
	cp := *op
	cp.Errors = append([]string(nil), op.Errors...)
	cp.Details = make(map[string]ItemDetail, len(op.Details))
	for k, v := range op.Details {
		cp.Details[k] = v
	}
	if op.EndTime != nil {
		t := *op.EndTime
		cp.EndTime = &t
	}
	return cp
}
