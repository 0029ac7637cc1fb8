// Package discovery scans networks for hosts that look like Marzban
// nodes. Scans run in concurrent batches, grade each answering host
// with a confidence score, and can be cancelled mid-run; results
// accumulate in the engine until cleared.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/marzfleet/marzfleet/internal/model"
	"github.com/marzfleet/marzfleet/internal/transport"
)

const (
	pingPackets = 3

	bannerLimit   = 1024
	bannerTimeout = 2 * time.Second

	dnsTimeout          = 2 * time.Second
	gatewayProbeTimeout = 2 * time.Second
	validateTimeout     = 5 * time.Second
	httpProbeTimeout    = 5 * time.Second

	bandwidthWindow = 2 * time.Second
	bandwidthChunk  = 1024
	bandwidthPause  = 100 * time.Millisecond

	// maxScanHosts bounds a single scan to a /16 worth of addresses.
	maxScanHosts = 1 << 16
)

// ErrScanInProgress is returned when a scan is started while another
// one is still running.
var ErrScanInProgress = errors.New("discovery scan already in progress")

var marzbanIndicators = []string{"marzban", "xray", "v2ray", "trojan", "shadowsocks"}

var versionPattern = regexp.MustCompile(`\b(marzban|xray|v2ray|version)[\s/]+v?(\d+\.\d+\.\d+)\b`)

// pingFallbackPorts are tried with plain TCP connects when ICMP/UDP
// sockets are unavailable.
var pingFallbackPorts = []int{model.DefaultNodePort, 80, 443}

var fallbackCIDRs = []string{"192.168.1.0/24", "192.168.0.0/24", "10.0.0.0/24", "172.16.0.0/24"}

// Progress receives scan advancement: hosts processed so far, total
// hosts, and a stage message.
type Progress func(current, total int, message string)

// Engine runs network scans and keeps what they found. One scan runs
// at a time; results from successive scans accumulate until
// ClearDiscovered.
type Engine struct {
	pool *transport.Pool

	scanMu   sync.Mutex
	scanning bool
	scanGen  uint64

	results *xsync.Map[string, DiscoveredNode]

	bwWindow time.Duration

	// Probe seams, replaceable in tests.
	ping     func(ctx context.Context, host string, timeout time.Duration) (time.Duration, bool)
	dial     func(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error)
	lookup   func(ctx context.Context, ip string) string
	web      func(ctx context.Context, ip string, port int) string
	networks func() []netip.Prefix
}

// NewEngine returns a ready discovery engine.
func NewEngine() *Engine {
	e := &Engine{
		pool: transport.NewPool(transport.PoolConfig{
			MaxConnections:  10,
			MaxKeepalive:    5,
			KeepaliveExpiry: 30 * time.Second,
			Timeout:         httpProbeTimeout,
			VerifyTLS:       false,
		}),
		results:  xsync.NewMap[string, DiscoveredNode](),
		bwWindow: bandwidthWindow,
	}
	e.ping = e.probeHost
	e.dial = dialPort
	e.lookup = reverseLookup
	e.web = e.serverHeader
	e.networks = interfaceNetworks
	return e
}

// Close releases the engine's HTTP pool.
func (e *Engine) Close() {
	e.pool.Close()
}

// DiscoverNetworkRange scans every host address in the given CIDR.
func (e *Engine) DiscoverNetworkRange(ctx context.Context, cidr string, cfg Config, progress Progress) ([]DiscoveredNode, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("parse network range %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, errors.New("only IPv4 networks are supported")
	}
	if hostBits := 32 - prefix.Bits(); hostBits > 16 {
		return nil, fmt.Errorf("network %s is too large to scan (limit %d hosts)", prefix.Masked(), maxScanHosts)
	}
	cfg = cfg.normalized()
	hosts := hostsInPrefix(prefix, cfg.IncludeLocalhost)

	gen, ok := e.beginScan()
	if !ok {
		return nil, ErrScanInProgress
	}
	defer e.endScan(gen)

	log.Printf("[discovery] scanning network %s (%d hosts)", prefix.Masked(), len(hosts))
	return e.scanHosts(ctx, gen, hosts, cfg, progress), nil
}

// DiscoverIPRange scans the inclusive address range [startIP, endIP].
func (e *Engine) DiscoverIPRange(ctx context.Context, startIP, endIP string, cfg Config, progress Progress) ([]DiscoveredNode, error) {
	start, err := netip.ParseAddr(strings.TrimSpace(startIP))
	if err != nil {
		return nil, fmt.Errorf("parse start address %q: %w", startIP, err)
	}
	end, err := netip.ParseAddr(strings.TrimSpace(endIP))
	if err != nil {
		return nil, fmt.Errorf("parse end address %q: %w", endIP, err)
	}
	if !start.Is4() || !end.Is4() {
		return nil, errors.New("only IPv4 ranges are supported")
	}
	if end.Less(start) {
		return nil, errors.New("start address must not be after end address")
	}

	cfg = cfg.normalized()
	var hosts []netip.Addr
	for a := start; a.IsValid() && !end.Less(a); a = a.Next() {
		if !cfg.IncludeLocalhost && a.IsLoopback() {
			continue
		}
		hosts = append(hosts, a)
		if len(hosts) > maxScanHosts {
			return nil, fmt.Errorf("address range is too large to scan (limit %d hosts)", maxScanHosts)
		}
	}

	gen, ok := e.beginScan()
	if !ok {
		return nil, ErrScanInProgress
	}
	defer e.endScan(gen)

	log.Printf("[discovery] scanning range %s-%s (%d hosts)", start, end, len(hosts))
	return e.scanHosts(ctx, gen, hosts, cfg, progress), nil
}

// DiscoverLocalNetworks scans the host's own IPv4 networks. When no
// interface networks are found it probes the gateways of the common
// private ranges and scans the first one that answers.
func (e *Engine) DiscoverLocalNetworks(ctx context.Context, cfg Config, progress Progress) ([]DiscoveredNode, error) {
	cfg = cfg.normalized()
	networks := e.networks()
	if len(networks) == 0 {
		networks = e.fallbackNetworks(ctx)
	}
	if len(networks) == 0 {
		log.Printf("[discovery] no local networks to scan")
		return nil, nil
	}

	gen, ok := e.beginScan()
	if !ok {
		return nil, ErrScanInProgress
	}
	defer e.endScan(gen)

	var all []DiscoveredNode
	for _, network := range networks {
		if ctx.Err() != nil || !e.scanActive(gen) {
			break
		}
		hosts := hostsInPrefix(network, cfg.IncludeLocalhost)
		log.Printf("[discovery] scanning local network %s (%d hosts)", network, len(hosts))
		all = append(all, e.scanHosts(ctx, gen, hosts, cfg, progress)...)
	}
	return all, nil
}

// StopDiscovery aborts the running scan. The scan returns whatever it
// found before the next batch boundary.
func (e *Engine) StopDiscovery() {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if e.scanning {
		e.scanning = false
		log.Printf("[discovery] stop requested")
	}
}

// Scanning reports whether a scan is currently running.
func (e *Engine) Scanning() bool {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	return e.scanning
}

// DiscoveredNodes returns everything found so far, ordered by address.
func (e *Engine) DiscoveredNodes() []DiscoveredNode {
	var out []DiscoveredNode
	e.results.Range(func(_ string, n DiscoveredNode) bool {
		out = append(out, n)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i].IPAddress, out[j].IPAddress) })
	return out
}

// MarzbanCandidates returns discovered hosts that either carry a
// detected node service or scored at least 70, best first.
func (e *Engine) MarzbanCandidates() []DiscoveredNode {
	var out []DiscoveredNode
	e.results.Range(func(_ string, n DiscoveredNode) bool {
		if n.MarzbanDetected || n.Confidence >= 70 {
			out = append(out, n)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return addrLess(out[i].IPAddress, out[j].IPAddress)
	})
	return out
}

// ClearDiscovered drops all accumulated results.
func (e *Engine) ClearDiscovered() {
	n := e.results.Size()
	e.results.Clear()
	log.Printf("[discovery] cleared %d discovered hosts", n)
}

// ValidateDiscoveredNode checks a discovered host for node
// compatibility: both service ports open, the main port still
// answering, and acceptable latency.
func (e *Engine) ValidateDiscoveredNode(ctx context.Context, node DiscoveredNode) ValidationReport {
	report := ValidationReport{Confidence: node.Confidence}

	var missing []int
	for _, port := range []int{model.DefaultNodePort, model.DefaultNodeAPIPort} {
		if !node.HasPort(port) {
			missing = append(missing, port)
		}
	}
	if len(missing) > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("Required node ports not open: %v", missing))
		report.Recommendations = append(report.Recommendations, "Ensure the node service is running and its ports are reachable")
	}

	if node.HasPort(model.DefaultNodePort) {
		conn, err := e.dial(ctx, node.IPAddress, model.DefaultNodePort, validateTimeout)
		if err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("Cannot connect to node port %d", model.DefaultNodePort))
			report.Recommendations = append(report.Recommendations, "Check firewall settings and node configuration")
		} else {
			conn.Close()
		}
	}

	if node.ResponseTimeMs != nil && *node.ResponseTimeMs > 1000 {
		report.Issues = append(report.Issues, fmt.Sprintf("High response time: %.1fms", *node.ResponseTimeMs))
		report.Recommendations = append(report.Recommendations, "Check network connectivity and node performance")
	}

	report.Valid = len(report.Issues) == 0 && node.Confidence >= 50
	return report
}

// beginScan claims the scanning flag. The returned generation ties a
// running scan to the flag so a stale scan cannot release a newer one.
func (e *Engine) beginScan() (uint64, bool) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if e.scanning {
		return 0, false
	}
	e.scanning = true
	e.scanGen++
	return e.scanGen, true
}

func (e *Engine) endScan(gen uint64) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if e.scanning && e.scanGen == gen {
		e.scanning = false
	}
}

func (e *Engine) scanActive(gen uint64) bool {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	return e.scanning && e.scanGen == gen
}

// scanHosts works through hosts in batches of cfg.MaxConcurrent,
// storing every answering host in the results map. It returns early
// with the partial set when the scan is stopped or the context ends.
func (e *Engine) scanHosts(ctx context.Context, gen uint64, hosts []netip.Addr, cfg Config, progress Progress) []DiscoveredNode {
	total := len(hosts)
	var found []DiscoveredNode
	processed := 0

	for start := 0; start < total; start += cfg.MaxConcurrent {
		if ctx.Err() != nil || !e.scanActive(gen) {
			break
		}
		end := start + cfg.MaxConcurrent
		if end > total {
			end = total
		}
		if progress != nil {
			progress(processed, total, fmt.Sprintf("Scanning batch %d", start/cfg.MaxConcurrent+1))
		}

		batch := hosts[start:end]
		results := make([]*DiscoveredNode, len(batch))
		var wg sync.WaitGroup
		for i, host := range batch {
			wg.Add(1)
			go func(i int, host netip.Addr) {
				defer wg.Done()
				if !e.scanActive(gen) {
					return
				}
				results[i] = e.scanHost(ctx, host.String(), cfg)
			}(i, host)
		}
		wg.Wait()

		for _, n := range results {
			if n == nil {
				continue
			}
			found = append(found, *n)
			e.results.Store(n.IPAddress, *n)
		}
		processed = end
	}

	if progress != nil {
		progress(processed, total, fmt.Sprintf("Discovery completed. Found %d nodes", len(found)))
	}
	log.Printf("[discovery] scan finished: %d of %d hosts answered", len(found), processed)
	return found
}

// scanHost probes one address. It returns nil when the host shows no
// sign of life under the configured methods.
func (e *Engine) scanHost(ctx context.Context, ip string, cfg Config) *DiscoveredNode {
	node := &DiscoveredNode{IPAddress: ip, DiscoveredAt: time.Now()}

	if cfg.has(MethodPing) {
		rt, alive := e.ping(ctx, ip, cfg.Timeout)
		if !alive {
			return nil
		}
		ms := float64(rt) / float64(time.Millisecond)
		node.ResponseTimeMs = &ms
	}

	if cfg.has(MethodPortScan) {
		node.OpenPorts = e.scanPorts(ctx, ip, cfg.TargetPorts, cfg.Timeout)
	}

	if node.ResponseTimeMs == nil && len(node.OpenPorts) == 0 {
		return nil
	}
	if len(node.OpenPorts) > 0 {
		node.Method = MethodPortScan
	} else {
		node.Method = MethodPing
	}

	if host := e.lookup(ctx, ip); host != "" {
		node.Hostname = host
	}

	if cfg.DeepScan || cfg.has(MethodBanner) {
		e.deepScan(ctx, node, cfg)
	}

	if cfg.has(MethodBandwidth) && len(node.OpenPorts) > 0 {
		if mbps, ok := e.measureBandwidth(ctx, ip, node.OpenPorts[0]); ok {
			node.BandwidthMbps = &mbps
		}
	}

	for _, port := range node.OpenPorts {
		if marzbanPorts[port] {
			node.MarzbanDetected = true
			break
		}
	}

	node.Confidence = confidenceScore(node)
	return node
}

// scanPorts connect-scans the target ports concurrently and returns
// the open ones in ascending order.
func (e *Engine) scanPorts(ctx context.Context, ip string, ports []int, timeout time.Duration) []int {
	var (
		mu   sync.Mutex
		open []int
		wg   sync.WaitGroup
	)
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			conn, err := e.dial(ctx, ip, port, timeout)
			if err != nil {
				return
			}
			conn.Close()
			mu.Lock()
			open = append(open, port)
			mu.Unlock()
		}(port)
	}
	wg.Wait()
	sort.Ints(open)
	return open
}

// deepScan grabs service banners from every open port and checks web
// ports for a telling Server header.
func (e *Engine) deepScan(ctx context.Context, node *DiscoveredNode, cfg Config) {
	for _, port := range node.OpenPorts {
		banner := e.readBanner(ctx, node.IPAddress, port, cfg.Timeout)
		if banner == "" {
			continue
		}
		if node.BannerInfo == "" {
			node.BannerInfo = banner
		}
		if matchesIndicator(banner) {
			node.MarzbanDetected = true
		}
		if node.MarzbanVersion == "" {
			if v := extractVersion(banner); v != "" {
				node.MarzbanVersion = v
			}
		}
	}

	for _, port := range node.OpenPorts {
		if !webPorts[port] {
			continue
		}
		if server := e.web(ctx, node.IPAddress, port); server != "" && matchesIndicator(server) {
			node.MarzbanDetected = true
		}
	}
}

// readBanner connects and reads whatever the service volunteers,
// capped at 1 KiB and two seconds.
func (e *Engine) readBanner(ctx context.Context, ip string, port int, timeout time.Duration) string {
	conn, err := e.dial(ctx, ip, port, timeout)
	if err != nil {
		return ""
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(bannerTimeout))
	buf := make([]byte, bannerLimit)
	n, _ := conn.Read(buf)
	return strings.TrimSpace(string(buf[:n]))
}

// measureBandwidth estimates throughput by cycling short write/read
// exchanges against an open port for a fixed window.
func (e *Engine) measureBandwidth(ctx context.Context, ip string, port int) (float64, bool) {
	payload := make([]byte, bandwidthChunk)
	var total int
	start := time.Now()
	for time.Since(start) < e.bwWindow {
		if ctx.Err() != nil {
			break
		}
		conn, err := e.dial(ctx, ip, port, bannerTimeout)
		if err != nil {
			break
		}
		conn.SetDeadline(time.Now().Add(bannerTimeout))
		if _, err := conn.Write(payload); err != nil {
			conn.Close()
			break
		}
		buf := make([]byte, bandwidthChunk)
		n, _ := conn.Read(buf)
		conn.Close()
		total += n
		time.Sleep(bandwidthPause)
	}
	elapsed := time.Since(start).Seconds()
	if total == 0 || elapsed <= 0 {
		return 0, false
	}
	return float64(total*8) / (elapsed * 1024 * 1024), true
}

// probeHost pings an address with unprivileged UDP packets, falling
// back to TCP connects when ping sockets are unavailable.
func (e *Engine) probeHost(ctx context.Context, host string, timeout time.Duration) (time.Duration, bool) {
	p := probing.New(host)
	p.Count = pingPackets
	p.Timeout = timeout
	p.SetPrivileged(false)
	if err := p.RunWithContext(ctx); err != nil {
		return e.tcpProbe(ctx, host, timeout)
	}
	stats := p.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false
	}
	return stats.AvgRtt, true
}

func (e *Engine) tcpProbe(ctx context.Context, host string, timeout time.Duration) (time.Duration, bool) {
	per := timeout / time.Duration(len(pingFallbackPorts))
	for _, port := range pingFallbackPorts {
		start := time.Now()
		conn, err := e.dial(ctx, host, port, per)
		if err != nil {
			continue
		}
		conn.Close()
		return time.Since(start), true
	}
	return 0, false
}

// serverHeader issues a short GET against a web port and returns the
// Server header, if any.
func (e *Engine) serverHeader(ctx context.Context, ip string, port int) string {
	scheme := "http"
	if port == 443 || port == 8443 {
		scheme = "https"
	}
	rawURL := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(ip, strconv.Itoa(port)))
	resp, err := e.pool.Do(ctx, http.MethodGet, rawURL, nil, nil, nil)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, bannerLimit))
	return resp.Header.Get("Server")
}

// fallbackNetworks probes the gateway address of each common private
// range and returns the first range that answers.
func (e *Engine) fallbackNetworks(ctx context.Context) []netip.Prefix {
	log.Printf("[discovery] no interface networks, probing common private ranges")
	for _, cidr := range fallbackCIDRs {
		prefix := netip.MustParsePrefix(cidr)
		gateway := prefix.Masked().Addr().Next()
		if _, alive := e.ping(ctx, gateway.String(), gatewayProbeTimeout); alive {
			return []netip.Prefix{prefix}
		}
	}
	return nil
}

func matchesIndicator(s string) bool {
	s = strings.ToLower(s)
	for _, ind := range marzbanIndicators {
		if strings.Contains(s, ind) {
			return true
		}
	}
	return false
}

func extractVersion(banner string) string {
	m := versionPattern.FindStringSubmatch(strings.ToLower(banner))
	if m == nil {
		return ""
	}
	return m[2]
}

// hostsInPrefix expands a prefix to its scannable host addresses,
// dropping the IPv4 network and broadcast addresses for prefixes
// shorter than /31.
func hostsInPrefix(p netip.Prefix, includeLoopback bool) []netip.Addr {
	p = p.Masked()
	var out []netip.Addr
	for a := p.Addr(); p.Contains(a); a = a.Next() {
		out = append(out, a)
	}
	if p.Addr().Is4() && p.Bits() < 31 && len(out) >= 2 {
		out = out[1 : len(out)-1]
	}
	if includeLoopback {
		return out
	}
	kept := out[:0]
	for _, a := range out {
		if a.IsLoopback() {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// dialPort opens a TCP connection to host:port within timeout.
func dialPort(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// reverseLookup resolves an address to its first PTR name, best
// effort.
func reverseLookup(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// interfaceNetworks lists the host's distinct non-loopback IPv4
// interface networks.
func interfaceNetworks() []netip.Prefix {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	seen := make(map[netip.Prefix]bool)
	var out []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			ones, bits := ipnet.Mask.Size()
			if bits == 128 {
				ones -= 96
			}
			a, ok := netip.AddrFromSlice(ip4)
			if !ok || ones < 0 || ones > 32 {
				continue
			}
			prefix := netip.PrefixFrom(a, ones).Masked()
			if seen[prefix] {
				continue
			}
			seen[prefix] = true
			out = append(out, prefix)
		}
	}
	return out
}

func addrLess(a, b string) bool {
	ai, aerr := netip.ParseAddr(a)
	bi, berr := netip.ParseAddr(b)
	if aerr != nil || berr != nil {
		return a < b
	}
	return ai.Less(bi)
}
