package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/marzfleet/marzfleet/internal/cache"
	"github.com/marzfleet/marzfleet/internal/model"
	"github.com/marzfleet/marzfleet/internal/offline"
	"github.com/marzfleet/marzfleet/internal/panel"
	"github.com/marzfleet/marzfleet/internal/transport"
)

const (
	listCacheKey = "nodes:list"
	listCacheTTL = 30 * time.Second

	// nodesTag groups every cached node read so writes can drop them
	// together.
	nodesTag = "nodes"

	// ResourceType is the offline-queue bucket for node writes.
	ResourceType = "nodes"

	DefaultWaitTimeout   = 60 * time.Second
	DefaultCheckInterval = 5 * time.Second
)

// Service layers fleet semantics over the raw panel client. The cache
// and queue are optional: a nil cache disables read caching, a nil
// queue makes writes fail outright while the panel is unreachable.
type Service struct {
	client *panel.Client
	cache  *cache.Cache
	queue  *offline.Queue
}

// New builds a Service. When a queue is supplied the Service registers
// itself as the replay handler for queued node writes.
func New(client *panel.Client, store *cache.Cache, queue *offline.Queue) *Service {
	s := &Service{client: client, cache: store, queue: queue}
	if queue != nil {
		queue.RegisterSyncHandler(ResourceType, s.replayOperation)
	}
	return s
}

// ListNodes fetches the fleet from the panel, bypassing the cache.
func (s *Service) ListNodes(ctx context.Context) ([]model.Node, error) {
	nodes, err := s.client.ListNodes(ctx)
	if err != nil {
		return nil, s.wrap("fetch nodes", err)
	}
	return nodes, nil
}

// ListNodesCached serves the node list from cache when fresh and
// refreshes it from the panel on a miss.
func (s *Service) ListNodesCached(ctx context.Context) ([]model.Node, error) {
	if s.cache != nil {
		var nodes []model.Node
		if s.cache.GetJSON(listCacheKey, &nodes) {
			return nodes, nil
		}
	}
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(listCacheKey, nodes, listCacheTTL, []string{nodesTag}); err != nil {
			log.Printf("[fleet] cache node list: %v", err)
		}
	}
	return nodes, nil
}

// GetNode fetches one node by id.
func (s *Service) GetNode(ctx context.Context, id int) (*model.Node, error) {
	node, err := s.client.GetNode(ctx, id)
	if err != nil {
		var nf *transport.NotFoundError
		if errors.As(err, &nf) {
			return nil, &NodeNotFoundError{NodeID: id}
		}
		return nil, s.wrap(fmt.Sprintf("fetch node %d", id), err)
	}
	return node, nil
}

// CreateNode registers a new node after checking that neither its name
// nor its address collides with an existing one. While offline the
// create is queued instead and an OperationQueuedError is returned.
func (s *Service) CreateNode(ctx context.Context, nc model.NodeCreate) (*model.Node, error) {
	if err := nc.Validate(); err != nil {
		return nil, &NodeError{Op: "validate node", Err: err}
	}
	if s.offline() {
		return nil, s.enqueue(offline.OpCreate, nc, "")
	}
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Name == nc.Name {
			return nil, &NodeAlreadyExistsError{Detail: fmt.Sprintf("node with name %q already exists", nc.Name)}
		}
		if nodes[i].Address == nc.Address {
			return nil, &NodeAlreadyExistsError{Detail: fmt.Sprintf("node with address %q already exists", nc.Address)}
		}
	}
	node, err := s.client.CreateNode(ctx, nc)
	if err != nil {
		var v *transport.ValidationError
		if errors.As(err, &v) && v.IsConflict() {
			return nil, &NodeAlreadyExistsError{Detail: v.Detail}
		}
		return nil, s.wrap("create node", err)
	}
	s.invalidate()
	log.Printf("[fleet] created node %q (id %d)", node.Name, node.ID)
	return node, nil
}

// UpdateNode applies a partial update to an existing node. While
// offline the update is queued instead.
func (s *Service) UpdateNode(ctx context.Context, id int, up model.NodeUpdate) (*model.Node, error) {
	if err := up.Validate(); err != nil {
		return nil, &NodeError{Op: "validate update", Err: err}
	}
	if s.offline() {
		return nil, s.enqueue(offline.OpUpdate, up, strconv.Itoa(id))
	}
	if _, err := s.GetNode(ctx, id); err != nil {
		return nil, err
	}
	node, err := s.client.UpdateNode(ctx, id, up)
	if err != nil {
		return nil, s.wrap(fmt.Sprintf("update node %d", id), err)
	}
	s.invalidate()
	return node, nil
}

// DeleteNode removes a node. While offline the delete is queued
// instead.
func (s *Service) DeleteNode(ctx context.Context, id int) error {
	if s.offline() {
		return s.enqueue(offline.OpDelete, nil, strconv.Itoa(id))
	}
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.DeleteNode(ctx, id); err != nil {
		return s.wrap(fmt.Sprintf("delete node %d", id), err)
	}
	s.invalidate()
	log.Printf("[fleet] deleted node %d (%s)", id, node.Name)
	return nil
}

// ReconnectNode asks the panel to re-establish the node connection.
func (s *Service) ReconnectNode(ctx context.Context, id int) error {
	if _, err := s.GetNode(ctx, id); err != nil {
		return err
	}
	if err := s.client.ReconnectNode(ctx, id); err != nil {
		return s.wrap(fmt.Sprintf("reconnect node %d", id), err)
	}
	s.invalidate()
	return nil
}

// EnableNode brings a disabled node back by flipping its status to
// connecting.
func (s *Service) EnableNode(ctx context.Context, id int) (*model.Node, error) {
	st := model.StatusConnecting
	return s.UpdateNode(ctx, id, model.NodeUpdate{Status: &st})
}

// DisableNode takes a node out of rotation.
func (s *Service) DisableNode(ctx context.Context, id int) (*model.Node, error) {
	st := model.StatusDisabled
	return s.UpdateNode(ctx, id, model.NodeUpdate{Status: &st})
}

// WaitForConnection polls a node until it reports connected (true), an
// error status (false), or the timeout elapses (false). Poll failures
// are retried until the deadline. Zero timeout and interval fall back
// to the defaults.
func (s *Service) WaitForConnection(ctx context.Context, id int, timeout, checkInterval time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(checkInterval)
	defer tick.Stop()
	for {
		node, err := s.GetNode(ctx, id)
		switch {
		case err != nil:
			log.Printf("[fleet] wait for node %d: %v", id, err)
		case node.Status == model.StatusConnected:
			return true, nil
		case node.Status == model.StatusError:
			log.Printf("[fleet] node %d entered error state while waiting", id)
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			log.Printf("[fleet] node %d not connected after %s", id, timeout)
			return false, nil
		case <-tick.C:
		}
	}
}

// FindByName returns the node with the given name, or nil when no node
// matches.
func (s *Service) FindByName(ctx context.Context, name string) (*model.Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Name == name {
			return &nodes[i], nil
		}
	}
	return nil, nil
}

// FindByAddress returns the node with the given address, or nil when
// no node matches.
func (s *Service) FindByAddress(ctx context.Context, address string) (*model.Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Address == address {
			return &nodes[i], nil
		}
	}
	return nil, nil
}

// StatusSummary counts nodes per status. Statuses the model does not
// know are bucketed under error.
func (s *Service) StatusSummary(ctx context.Context) (map[string]int, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	summary := map[string]int{
		"total":        len(nodes),
		"connected":    0,
		"connecting":   0,
		"disconnected": 0,
		"disabled":     0,
		"error":        0,
	}
	for i := range nodes {
		st := nodes[i].Status
		if !st.Valid() {
			st = model.StatusError
		}
		summary[string(st)]++
	}
	return summary, nil
}

// HealthyNodes returns the connected subset of the fleet.
func (s *Service) HealthyNodes(ctx context.Context) ([]model.Node, error) {
	return s.filterNodes(ctx, func(n model.Node) bool { return n.Status == model.StatusConnected })
}

// UnhealthyNodes returns every node that is not connected.
func (s *Service) UnhealthyNodes(ctx context.Context) ([]model.Node, error) {
	return s.filterNodes(ctx, func(n model.Node) bool { return n.Status != model.StatusConnected })
}

func (s *Service) filterNodes(ctx context.Context, keep func(model.Node) bool) ([]model.Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Node, 0, len(nodes))
	for i := range nodes {
		if keep(nodes[i]) {
			out = append(out, nodes[i])
		}
	}
	return out, nil
}

// NodesUsage fetches per-node traffic totals. Zero times default to
// the trailing 30 days.
func (s *Service) NodesUsage(ctx context.Context, start, end time.Time) ([]model.NodeUsage, error) {
	if start.IsZero() {
		start = time.Now().AddDate(0, 0, -30)
	}
	if end.IsZero() {
		end = time.Now()
	}
	usages, err := s.client.GetNodesUsage(ctx, start, end)
	if err != nil {
		return nil, s.wrap("fetch usage statistics", err)
	}
	return usages, nil
}

// NodeSettings fetches panel-side node settings, including the client
// certificate new nodes need.
func (s *Service) NodeSettings(ctx context.Context) (*model.NodeSettings, error) {
	settings, err := s.client.GetNodeSettings(ctx)
	if err != nil {
		return nil, s.wrap("fetch node settings", err)
	}
	return settings, nil
}

// replayOperation applies one queued node write against the panel.
// A create that now conflicts and a delete whose node is already gone
// both count as applied.
func (s *Service) replayOperation(ctx context.Context, op offline.QueuedOperation) error {
	switch op.OperationType {
	case offline.OpCreate:
		var nc model.NodeCreate
		if err := json.Unmarshal(op.Data, &nc); err != nil {
			return fmt.Errorf("decode queued create: %w", err)
		}
		_, err := s.client.CreateNode(ctx, nc)
		var v *transport.ValidationError
		if errors.As(err, &v) && v.IsConflict() {
			log.Printf("[fleet] queued create %s: node already exists", op.ID)
			return fmt.Errorf("node %q already exists: %w", nc.Name, offline.ErrConflict)
		}
		if err != nil {
			return err
		}
	case offline.OpUpdate:
		id, err := strconv.Atoi(op.ResourceID)
		if err != nil {
			return fmt.Errorf("queued update has bad node id %q", op.ResourceID)
		}
		var up model.NodeUpdate
		if err := json.Unmarshal(op.Data, &up); err != nil {
			return fmt.Errorf("decode queued update: %w", err)
		}
		if _, err := s.client.UpdateNode(ctx, id, up); err != nil {
			return err
		}
	case offline.OpDelete:
		id, err := strconv.Atoi(op.ResourceID)
		if err != nil {
			return fmt.Errorf("queued delete has bad node id %q", op.ResourceID)
		}
		err = s.client.DeleteNode(ctx, id)
		var nf *transport.NotFoundError
		if errors.As(err, &nf) {
			log.Printf("[fleet] queued delete %s: node %d already gone", op.ID, id)
			err = nil
		}
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown queued operation type %q", op.OperationType)
	}
	s.invalidate()
	return nil
}

// enqueue records a write for later replay and reports it as queued.
func (s *Service) enqueue(opType string, data any, resourceID string) error {
	id, err := s.queue.QueueOperation(opType, ResourceType, data, resourceID)
	if err != nil {
		return &NodeError{Op: "queue " + opType, Err: err}
	}
	log.Printf("[fleet] panel offline, queued %s (%s)", opType, id)
	return &OperationQueuedError{OperationID: id}
}

func (s *Service) offline() bool {
	return s.queue != nil && !s.queue.Online()
}

// invalidate drops cached node reads after a successful write.
func (s *Service) invalidate() {
	if s.cache != nil {
		s.cache.Clear(nodesTag)
	}
}

// wrap converts transport failures into the domain taxonomy.
func (s *Service) wrap(op string, err error) error {
	var connErr *transport.ConnectionError
	if errors.As(err, &connErr) || errors.Is(err, transport.ErrBreakerOpen) {
		return &NodeConnectionError{Detail: "panel unreachable", Err: err}
	}
	return &NodeError{Op: op, Err: err}
}
