package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
)

// PoolConfig bounds the HTTP client for one service.
type PoolConfig struct {
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration
	Timeout         time.Duration
	VerifyTLS       bool
}

// DefaultPoolConfig returns the stock pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:  10,
		MaxKeepalive:    5,
		KeepaliveExpiry: 30 * time.Second,
		Timeout:         30 * time.Second,
		VerifyTLS:       true,
	}
}

// Pool is a bounded HTTP client for a single upstream service with
// request accounting. It performs no retries and no breaking; callers
// compose those around it.
type Pool struct {
	client *http.Client

	mu                 sync.Mutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalResponseTime  time.Duration
	lastRequestTime    time.Time
}

// PoolStats is a point-in-time snapshot of a pool's accounting. The
// breaker fields are filled in by the manager.
type PoolStats struct {
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastRequestTime     time.Time     `json:"last_request_time"`
	BreakerState        string        `json:"breaker_state,omitempty"`
	ConsecutiveFailures uint32        `json:"consecutive_failures,omitempty"`
}

// NewPool builds the bounded client. Redirects are followed; TLS
// verification is skipped only when cfg.VerifyTLS is false.
func NewPool(cfg PoolConfig) *Pool {
	tr := &http.Transport{
		MaxIdleConns:        cfg.MaxKeepalive,
		MaxIdleConnsPerHost: cfg.MaxKeepalive,
		MaxConnsPerHost:     cfg.MaxConnections,
		IdleConnTimeout:     cfg.KeepaliveExpiry,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if !cfg.VerifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Pool{
		client: &http.Client{
			Transport: tr,
			Timeout:   cfg.Timeout,
		},
	}
}

// Do issues one HTTP request. Caller headers are validated before the
// request is built; transport-level failures come back as
// *ConnectionError. The caller owns the response body.
func (p *Pool) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, params url.Values) (*http.Response, error) {
	for k, v := range headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return nil, fmt.Errorf("invalid header value for %q", k)
		}
	}

	target, err := buildURL(rawURL, params)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL %q: %w", rawURL, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.totalRequests++
	p.lastRequestTime = start
	if err != nil {
		p.failedRequests++
	} else {
		p.successfulRequests++
		p.totalResponseTime += elapsed
	}
	p.mu.Unlock()

	if err != nil {
		return nil, &ConnectionError{URL: target, Err: err}
	}
	return resp, nil
}

// Stats snapshots the pool accounting.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{
		TotalRequests:      p.totalRequests,
		SuccessfulRequests: p.successfulRequests,
		FailedRequests:     p.failedRequests,
		LastRequestTime:    p.lastRequestTime,
	}
	if p.totalRequests > 0 {
		st.SuccessRate = float64(p.successfulRequests) / float64(p.totalRequests) * 100
	}
	if p.successfulRequests > 0 {
		st.AverageResponseTime = p.totalResponseTime / time.Duration(p.successfulRequests)
	}
	return st
}

// Close drops idle connections.
func (p *Pool) Close() {
	p.client.CloseIdleConnections()
}

func buildURL(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
