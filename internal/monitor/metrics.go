package monitor

import (
	"time"

	"github.com/marzfleet/marzfleet/internal/model"
)

// HealthStatus grades a node's condition from its panel status and
// probe result.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// NodeMetrics is one probe snapshot of a node. ResponseTimeMs is nil
// when the probe did not complete.
type NodeMetrics struct {
	NodeID         int              `json:"node_id"`
	NodeName       string           `json:"node_name"`
	Status         model.NodeStatus `json:"status"`
	ResponseTimeMs *float64         `json:"response_time_ms,omitempty"`
	LastSeen       time.Time        `json:"last_seen"`
	Health         HealthStatus     `json:"health_status"`
}

// SystemMetrics aggregates the latest per-node grades.
type SystemMetrics struct {
	TotalNodes    int       `json:"total_nodes"`
	HealthyNodes  int       `json:"healthy_nodes"`
	WarningNodes  int       `json:"warning_nodes"`
	CriticalNodes int       `json:"critical_nodes"`
	OfflineNodes  int       `json:"offline_nodes"`
	LastUpdated   time.Time `json:"last_updated"`
}

// HealthPercentage is the healthy share of the fleet, 0 for an empty
// fleet.
func (m SystemMetrics) HealthPercentage() float64 {
	if m.TotalNodes == 0 {
		return 0
	}
	return float64(m.HealthyNodes) / float64(m.TotalNodes) * 100
}

// HealthSummary is the flattened system rollup served to callers.
type HealthSummary struct {
	TotalNodes       int       `json:"total_nodes"`
	Healthy          int       `json:"healthy"`
	Warning          int       `json:"warning"`
	Critical         int       `json:"critical"`
	Offline          int       `json:"offline"`
	HealthPercentage float64   `json:"health_percentage"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Update is one fan-out payload delivered to subscribers.
type Update struct {
	Type          string              `json:"type"`
	NodeMetrics   map[int]NodeMetrics `json:"node_metrics"`
	SystemMetrics SystemMetrics       `json:"system_metrics"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Alert flags a node or the whole system as degraded. Node alerts
// carry the node fields; system alerts carry the fleet counts.
type Alert struct {
	Type           string           `json:"type"`
	NodeID         int              `json:"node_id,omitempty"`
	NodeName       string           `json:"node_name,omitempty"`
	Message        string           `json:"message"`
	Status         model.NodeStatus `json:"status,omitempty"`
	ResponseTimeMs *float64         `json:"response_time_ms,omitempty"`
	HealthyNodes   int              `json:"healthy_nodes,omitempty"`
	TotalNodes     int              `json:"total_nodes,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// deriveHealth maps panel status and measured response time to a
// grade. Connected nodes are graded by latency; the rest by status
// alone.
func deriveHealth(status model.NodeStatus, rtMs *float64) HealthStatus {
	switch status {
	case model.StatusConnected:
		switch {
		case rtMs == nil:
			return HealthCritical
		case *rtMs < 100:
			return HealthHealthy
		case *rtMs < 500:
			return HealthWarning
		default:
			return HealthCritical
		}
	case model.StatusConnecting:
		return HealthWarning
	case model.StatusDisconnected, model.StatusError:
		return HealthCritical
	case model.StatusDisabled:
		return HealthUnknown
	default:
		return HealthWarning
	}
}
