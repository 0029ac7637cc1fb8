// Package fleet is the domain layer over the panel client: node CRUD
// with duplicate checks, lifecycle helpers, cached reads, and offline
// queueing of writes while the panel is unreachable.
package fleet

import (
	"fmt"
	"strconv"
)

// NodeError wraps a failed fleet operation with its context.
type NodeError struct {
	Op  string
	Err error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// NodeNotFoundError reports a node id the panel does not know.
type NodeNotFoundError struct {
	NodeID int
}

func (e *NodeNotFoundError) Error() string {
	return "node " + strconv.Itoa(e.NodeID) + " not found"
}

// NodeAlreadyExistsError reports a create that collides with an
// existing node's name or address.
type NodeAlreadyExistsError struct {
	Detail string
}

func (e *NodeAlreadyExistsError) Error() string {
	return e.Detail
}

// NodeConnectionError reports that the panel itself is unreachable.
type NodeConnectionError struct {
	Detail string
	Err    error
}

func (e *NodeConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *NodeConnectionError) Unwrap() error { return e.Err }

// ConfigurationError reports missing or unusable panel settings.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return e.Detail
}

// OperationQueuedError reports a write accepted into the offline queue
// instead of being applied: the panel was unreachable. Callers get the
// queue id for later inspection.
type OperationQueuedError struct {
	OperationID string
}

func (e *OperationQueuedError) Error() string {
	return "operation queued for sync: " + e.OperationID
}
