package bulk

import (
	"time"

	"github.com/marzfleet/marzfleet/internal/model"
)

// Status describes where a bulk run stands.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Terminal reports whether the run has finished in some form.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// Per-item outcome markers used in Details.
const (
	itemSuccess = "success"
	itemFailed  = "failed"
)

// ItemDetail records the outcome of one item in a bulk run.
type ItemDetail struct {
	Status    string `json:"status"`
	NodeID    int    `json:"node_id,omitempty"`
	Name      string `json:"name,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkOperationResult accumulates the outcome of one bulk run. Counts
// and details grow while the run is in flight; Status flips to a
// terminal value once it ends.
type BulkOperationResult struct {
	OperationID     string                `json:"operation_id"`
	OperationType   string                `json:"operation_type"`
	TotalItems      int                   `json:"total_items"`
	SuccessfulItems int                   `json:"successful_items"`
	FailedItems     int                   `json:"failed_items"`
	Status          Status                `json:"status"`
	StartTime       time.Time             `json:"start_time"`
	EndTime         *time.Time            `json:"end_time,omitempty"`
	Errors          []string              `json:"errors"`
	Details         map[string]ItemDetail `json:"details"`
}

// SuccessRate is the percentage of items that succeeded.
func (r BulkOperationResult) SuccessRate() float64 {
	if r.TotalItems == 0 {
		return 0
	}
	return float64(r.SuccessfulItems) / float64(r.TotalItems) * 100
}

// Duration reports how long the run took, or how long it has been
// running.
func (r BulkOperationResult) Duration() time.Duration {
	if r.EndTime == nil {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// NodeTemplate is a reusable set of create defaults.
type NodeTemplate struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Port             int      `json:"port"`
	APIPort          int      `json:"api_port"`
	UsageCoefficient float64  `json:"usage_coefficient"`
	AddAsNewHost     bool     `json:"add_as_new_host"`
	Tags             []string `json:"tags"`
}

// apply fills any zero-valued create fields from the template. Fields
// the item sets itself win.
func (t NodeTemplate) apply(c model.NodeCreate) model.NodeCreate {
	if c.Port == 0 {
		c.Port = t.Port
	}
	if c.APIPort == 0 {
		c.APIPort = t.APIPort
	}
	if c.UsageCoefficient == 0 {
		c.UsageCoefficient = t.UsageCoefficient
	}
	if t.AddAsNewHost {
		c.AddAsNewHost = true
	}
	return c
}

func builtinTemplates() map[string]NodeTemplate {
	return map[string]NodeTemplate{
		"standard": {
			Name:             "Standard Node",
			Description:      "Standard configuration for most nodes",
			Port:             model.DefaultNodePort,
			APIPort:          model.DefaultNodeAPIPort,
			UsageCoefficient: 1.0,
			AddAsNewHost:     true,
			Tags:             []string{"standard"},
		},
		"high_performance": {
			Name:             "High Performance Node",
			Description:      "Optimized for high traffic",
			Port:             model.DefaultNodePort,
			APIPort:          model.DefaultNodeAPIPort,
			UsageCoefficient: 1.5,
			AddAsNewHost:     true,
			Tags:             []string{"high-performance", "premium"},
		},
		"backup": {
			Name:             "Backup Node",
			Description:      "Backup node configuration",
			Port:             62052,
			APIPort:          62053,
			UsageCoefficient: 0.5,
			AddAsNewHost:     true,
			Tags:             []string{"backup", "secondary"},
		},
		"development": {
			Name:             "Development Node",
			Description:      "For development and testing",
			Port:             62054,
			APIPort:          62055,
			UsageCoefficient: 0.1,
			AddAsNewHost:     true,
			Tags:             []string{"development", "testing"},
		},
	}
}
