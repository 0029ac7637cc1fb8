// Package model defines the node domain entities, their panel JSON shapes,
// and the field validators shared across the control plane.
package model

import (
	"fmt"
)

// NodeStatus is the panel-reported lifecycle state of a node.
type NodeStatus string

const (
	StatusConnected    NodeStatus = "connected"
	StatusConnecting   NodeStatus = "connecting"
	StatusDisconnected NodeStatus = "disconnected"
	StatusDisabled     NodeStatus = "disabled"
	StatusError        NodeStatus = "error"
)

// Valid reports whether s is one of the five panel status strings.
func (s NodeStatus) Valid() bool {
	switch s {
	case StatusConnected, StatusConnecting, StatusDisconnected, StatusDisabled, StatusError:
		return true
	}
	return false
}

// Default ports a Marzban node listens on.
const (
	DefaultNodePort    = 62050
	DefaultNodeAPIPort = 62051
)

// Node is a panel-owned node record.
type Node struct {
	ID               int        `json:"id"`
	Name             string     `json:"name"`
	Address          string     `json:"address"`
	Port             int        `json:"port"`
	APIPort          int        `json:"api_port"`
	UsageCoefficient float64    `json:"usage_coefficient"`
	Status           NodeStatus `json:"status"`
	XrayVersion      string     `json:"xray_version,omitempty"`
	Message          string     `json:"message,omitempty"`
}

// IsHealthy reports whether the node is in the connected state.
func (n Node) IsHealthy() bool {
	return n.Status == StatusConnected
}

// NodeCreate is the payload for creating a node.
type NodeCreate struct {
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	Port             int     `json:"port"`
	APIPort          int     `json:"api_port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
	AddAsNewHost     bool    `json:"add_as_new_host"`
}

// NewNodeCreate returns a NodeCreate with the default port, API port,
// usage coefficient 1.0, and add-as-new-host enabled.
func NewNodeCreate(name, address string) NodeCreate {
	return NodeCreate{
		Name:             name,
		Address:          address,
		Port:             DefaultNodePort,
		APIPort:          DefaultNodeAPIPort,
		UsageCoefficient: 1.0,
		AddAsNewHost:     true,
	}
}

// Validate checks every field of the creation payload.
func (c NodeCreate) Validate() error {
	if !ValidateNodeName(c.Name) {
		return fmt.Errorf("invalid node name %q", c.Name)
	}
	if !IsValidIP(c.Address) {
		return fmt.Errorf("invalid IP address %q", c.Address)
	}
	if !IsValidPort(c.Port) {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !IsValidPort(c.APIPort) {
		return fmt.Errorf("invalid API port %d", c.APIPort)
	}
	if c.UsageCoefficient <= 0 {
		return fmt.Errorf("usage coefficient must be positive, got %v", c.UsageCoefficient)
	}
	return nil
}

// NodeUpdate is a partial update payload; nil fields are left untouched
// by the panel and are omitted from the JSON body.
type NodeUpdate struct {
	Name             *string     `json:"name,omitempty"`
	Address          *string     `json:"address,omitempty"`
	Port             *int        `json:"port,omitempty"`
	APIPort          *int        `json:"api_port,omitempty"`
	UsageCoefficient *float64    `json:"usage_coefficient,omitempty"`
	Status           *NodeStatus `json:"status,omitempty"`
}

// Validate checks only the fields present in the update.
func (u NodeUpdate) Validate() error {
	if u.Name != nil && !ValidateNodeName(*u.Name) {
		return fmt.Errorf("invalid node name %q", *u.Name)
	}
	if u.Address != nil && !IsValidIP(*u.Address) {
		return fmt.Errorf("invalid IP address %q", *u.Address)
	}
	if u.Port != nil && !IsValidPort(*u.Port) {
		return fmt.Errorf("invalid port %d", *u.Port)
	}
	if u.APIPort != nil && !IsValidPort(*u.APIPort) {
		return fmt.Errorf("invalid API port %d", *u.APIPort)
	}
	if u.UsageCoefficient != nil && *u.UsageCoefficient <= 0 {
		return fmt.Errorf("usage coefficient must be positive, got %v", *u.UsageCoefficient)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("invalid node status %q", *u.Status)
	}
	return nil
}

// Empty reports whether the update carries no fields.
func (u NodeUpdate) Empty() bool {
	return u.Name == nil && u.Address == nil && u.Port == nil &&
		u.APIPort == nil && u.UsageCoefficient == nil && u.Status == nil
}

// NodeUsage is the per-node traffic report from the panel.
type NodeUsage struct {
	NodeID   int    `json:"node_id"`
	NodeName string `json:"node_name"`
	Uplink   int64  `json:"uplink"`
	Downlink int64  `json:"downlink"`
}

// Total returns uplink plus downlink.
func (u NodeUsage) Total() int64 {
	return u.Uplink + u.Downlink
}

// FormattedUplink returns the uplink as a human-readable byte string.
func (u NodeUsage) FormattedUplink() string { return FormatBytes(u.Uplink) }

// FormattedDownlink returns the downlink as a human-readable byte string.
func (u NodeUsage) FormattedDownlink() string { return FormatBytes(u.Downlink) }

// FormattedTotal returns the total usage as a human-readable byte string.
func (u NodeUsage) FormattedTotal() string { return FormatBytes(u.Total()) }

// NodeSettings carries the panel-wide node settings, including the TLS
// certificate new nodes must be provisioned with.
type NodeSettings struct {
	MinNodeVersion string `json:"min_node_version"`
	Certificate    string `json:"certificate"`
}
