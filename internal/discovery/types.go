package discovery

import (
	"time"
)

// Method selects a probing technique for a scan.
type Method string

const (
	MethodPing      Method = "ping"
	MethodPortScan  Method = "port_scan"
	MethodBanner    Method = "banner"
	MethodBandwidth Method = "bandwidth"
)

// Scan tuning defaults.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxConcurrent = 50

	// MaxTimeout caps the per-host ping budget.
	MaxTimeout = 10 * time.Second
)

// DefaultTargetPorts are probed when a scan does not name its own set.
// The node service ports come first so a hit shows up early.
var DefaultTargetPorts = []int{62050, 62051, 22, 80, 443, 8080, 8443}

// Config tunes one scan. The zero value is usable; missing fields are
// filled with defaults.
type Config struct {
	// Methods selects the probing techniques. Empty means ping and
	// port scan.
	Methods []Method

	// TargetPorts is the TCP port set probed per host.
	TargetPorts []int

	// Timeout bounds each individual probe (ping run, port connect).
	Timeout time.Duration

	// MaxConcurrent is the batch size: how many hosts are scanned at
	// once.
	MaxConcurrent int

	// IncludeLocalhost keeps loopback addresses in the host list.
	IncludeLocalhost bool

	// DeepScan turns on banner grabbing and web header inspection for
	// every open port, same as listing the banner method.
	DeepScan bool
}

// DefaultConfig returns the stock scan settings.
func DefaultConfig() Config {
	return Config{
		Methods:       []Method{MethodPing, MethodPortScan},
		TargetPorts:   append([]int(nil), DefaultTargetPorts...),
		Timeout:       DefaultTimeout,
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

func (c Config) normalized() Config {
	if len(c.Methods) == 0 {
		c.Methods = []Method{MethodPing, MethodPortScan}
	}
	if len(c.TargetPorts) == 0 {
		c.TargetPorts = append([]int(nil), DefaultTargetPorts...)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout > MaxTimeout {
		c.Timeout = MaxTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

func (c Config) has(m Method) bool {
	for _, v := range c.Methods {
		if v == m {
			return true
		}
	}
	return false
}

// DiscoveredNode is what a scan learned about one answering host.
type DiscoveredNode struct {
	IPAddress       string    `json:"ip_address"`
	Hostname        string    `json:"hostname,omitempty"`
	OpenPorts       []int     `json:"open_ports"`
	ResponseTimeMs  *float64  `json:"response_time_ms,omitempty"`
	BannerInfo      string    `json:"banner_info,omitempty"`
	BandwidthMbps   *float64  `json:"bandwidth_mbps,omitempty"`
	MarzbanDetected bool      `json:"marzban_node_detected"`
	MarzbanVersion  string    `json:"marzban_version,omitempty"`
	Method          Method    `json:"discovery_method,omitempty"`
	DiscoveredAt    time.Time `json:"discovered_at"`
	Confidence      float64   `json:"confidence_score"`
}

// HasPort reports whether the scan saw the given port open.
func (n DiscoveredNode) HasPort(port int) bool {
	for _, p := range n.OpenPorts {
		if p == port {
			return true
		}
	}
	return false
}

// ValidationReport is the outcome of checking a discovered host for
// node compatibility.
type ValidationReport struct {
	Valid           bool     `json:"valid"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

// marzbanPorts are ports whose presence alone suggests a node
// deployment.
var marzbanPorts = map[int]bool{
	62050: true,
	62051: true,
	8000:  true,
	8080:  true,
	8443:  true,
}

// webPorts get an HTTP GET during deep scans so the Server header can
// be inspected.
var webPorts = map[int]bool{
	80:   true,
	443:  true,
	8000: true,
	8080: true,
	8443: true,
}

// confidenceScore grades how likely a discovered host is a usable
// node, on a 0..100 scale.
func confidenceScore(n *DiscoveredNode) float64 {
	var score float64
	if n.ResponseTimeMs != nil {
		score += 20
	}
	if len(n.OpenPorts) > 0 {
		portScore := float64(len(n.OpenPorts)) * 5
		if portScore > 30 {
			portScore = 30
		}
		score += portScore
	}
	for _, p := range n.OpenPorts {
		if marzbanPorts[p] {
			score += 30
			break
		}
	}
	if n.MarzbanDetected {
		score += 40
	}
	if n.MarzbanVersion != "" {
		score += 10
	}
	if n.Hostname != "" {
		score += 5
	}
	if n.ResponseTimeMs != nil && *n.ResponseTimeMs < 50 {
		score += 5
	}
	if score > 100 {
		score = 100
	}
	return score
}
