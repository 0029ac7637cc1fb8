package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/marzfleet/marzfleet/internal/token"
)

// Authenticator exchanges registered credentials for a fresh bearer
// token. The manager invokes it lazily on the first authenticated
// request, from the token store's refresh loop, and once more after an
// unexpected 401.
type Authenticator func(ctx context.Context) (string, error)

// ServiceConfig bundles the per-service plumbing: pool bounds, retry
// policy, breaker thresholds, and the credential exchange.
type ServiceConfig struct {
	Pool         PoolConfig
	Retry        RetryPolicy
	Breaker      BreakerConfig
	Authenticate Authenticator
}

// DefaultServiceConfig returns stock pool, retry, and breaker settings
// with no authenticator.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Pool:    DefaultPoolConfig(),
		Retry:   DefaultRetryPolicy(),
		Breaker: DefaultBreakerConfig(),
	}
}

type service struct {
	pool    *Pool
	retry   RetryPolicy
	breaker *Breaker
	auth    Authenticator
}

// RequestOptions tunes a single request. The zero value authenticates
// nothing and runs with retry and breaker enabled.
type RequestOptions struct {
	Headers map[string]string
	Body    []byte
	Params  url.Values
	// Authenticated attaches a bearer token, acquiring one first when
	// none is stored.
	Authenticated bool
	// DisableRetry and DisableBreaker opt out of the wrapping layers.
	DisableRetry   bool
	DisableBreaker bool
}

// Manager is the resilient HTTP core: per-service pools wrapped in a
// breaker and a retry policy, with bearer tokens sourced from the
// token store. One 401 on an authenticated call triggers exactly one
// re-authentication and one bare re-issue.
type Manager struct {
	tokens   *token.Store
	services *xsync.Map[string, *service]
}

// NewManager returns a Manager drawing tokens from the given store.
func NewManager(tokens *token.Store) *Manager {
	return &Manager{
		tokens:   tokens,
		services: xsync.NewMap[string, *service](),
	}
}

// RegisterService creates the pool, retry policy, and breaker for an
// upstream service, replacing any previous registration.
func (m *Manager) RegisterService(name string, cfg ServiceConfig) {
	svc := &service{
		pool:    NewPool(cfg.Pool),
		retry:   cfg.Retry,
		breaker: NewBreaker(name, cfg.Breaker),
		auth:    cfg.Authenticate,
	}
	if prev, ok := m.services.LoadAndStore(name, svc); ok {
		prev.pool.Close()
	}
}

// Request issues one HTTP request to a registered service and returns
// the decoded response body. Transport failures and 5xx responses are
// retried and counted by the breaker; 4xx responses map onto the error
// taxonomy without retry.
func (m *Manager) Request(ctx context.Context, name, method, rawURL string, opts RequestOptions) ([]byte, error) {
	svc, ok := m.services.Load(name)
	if !ok {
		return nil, fmt.Errorf("no pool registered for service %q", name)
	}

	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.Authenticated {
		tok, err := m.bearer(ctx, name, svc)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + tok
	}

	res, err := m.issue(ctx, svc, method, rawURL, headers, opts)
	if err != nil {
		return nil, err
	}

	body, err := decode(res)
	if _, denied := err.(*AuthenticationError); denied && opts.Authenticated {
		return m.reissueAfterRefresh(ctx, name, svc, method, rawURL, headers, opts)
	}
	return body, err
}

// issue runs the pool request under the configured breaker and retry
// wrapping. The returned result carries any non-5xx status; transport
// errors and 5xx statuses surface as errors so the wrappers see them.
func (m *Manager) issue(ctx context.Context, svc *service, method, rawURL string, headers map[string]string, opts RequestOptions) (*httpResult, error) {
	attempt := func() (*httpResult, error) {
		return exchange(ctx, svc.pool, method, rawURL, headers, opts.Body, opts.Params)
	}

	run := attempt
	if !opts.DisableBreaker {
		inner := run
		run = func() (*httpResult, error) {
			var res *httpResult
			err := svc.breaker.Execute(func() error {
				var err error
				res, err = inner()
				return err
			})
			return res, err
		}
	}
	if !opts.DisableRetry {
		return DoValue(ctx, svc.retry, run)
	}
	return run()
}

// reissueAfterRefresh handles the one-shot 401 recovery: force a token
// refresh and re-issue the request once, without retry or breaker.
func (m *Manager) reissueAfterRefresh(ctx context.Context, name string, svc *service, method, rawURL string, headers map[string]string, opts RequestOptions) ([]byte, error) {
	if svc.auth == nil {
		return nil, &AuthenticationError{Detail: "token rejected and no credentials registered for " + name}
	}
	log.Printf("[transport] %s returned 401, refreshing token once", name)

	tok, err := m.forceAuthenticate(ctx, name, svc)
	if err != nil {
		return nil, err
	}
	headers["Authorization"] = "Bearer " + tok

	res, err := exchange(ctx, svc.pool, method, rawURL, headers, opts.Body, opts.Params)
	if err != nil {
		return nil, err
	}
	return decode(res)
}

// bearer returns a usable token for the service, authenticating when
// the store has none.
func (m *Manager) bearer(ctx context.Context, name string, svc *service) (string, error) {
	if tok, ok := m.tokens.Get(ctx, name); ok {
		return tok, nil
	}
	if svc.auth == nil {
		return "", &AuthenticationError{Detail: "no credentials registered for " + name}
	}
	return m.forceAuthenticate(ctx, name, svc)
}

// forceAuthenticate runs the credential exchange and stores the result
// with a refresh callback that re-authenticates ahead of expiry.
func (m *Manager) forceAuthenticate(ctx context.Context, name string, svc *service) (string, error) {
	raw, err := svc.auth(ctx)
	if err != nil {
		return "", &AuthenticationError{Detail: err.Error()}
	}
	if err := m.tokens.Store(name, raw, token.RefreshFunc(svc.auth)); err != nil {
		log.Printf("[transport] storing token for %q: %v", name, err)
	}
	return raw, nil
}

// PoolStats snapshots the pool accounting plus breaker state for one
// service.
func (m *Manager) PoolStats(name string) (PoolStats, bool) {
	svc, ok := m.services.Load(name)
	if !ok {
		return PoolStats{}, false
	}
	st := svc.pool.Stats()
	st.BreakerState = svc.breaker.State()
	st.ConsecutiveFailures = svc.breaker.ConsecutiveFailures()
	return st, true
}

// Services lists the registered service names.
func (m *Manager) Services() []string {
	var names []string
	m.services.Range(func(name string, _ *service) bool {
		names = append(names, name)
		return true
	})
	return names
}

// ClosePool shuts down one service's pool and drops its registration.
func (m *Manager) ClosePool(name string) {
	if svc, ok := m.services.LoadAndDelete(name); ok {
		svc.pool.Close()
	}
}

// CloseAll shuts down every registered pool.
func (m *Manager) CloseAll() {
	m.services.Range(func(name string, svc *service) bool {
		svc.pool.Close()
		m.services.Delete(name)
		return true
	})
}

// httpResult is a completed exchange that reached the server and came
// back below 500.
type httpResult struct {
	status int
	body   []byte
}

// exchange issues one request through the pool and drains the body.
// 5xx statuses become *APIError so the retry and breaker layers treat
// them like transport failures.
func exchange(ctx context.Context, p *Pool, method, rawURL string, headers map[string]string, body []byte, params url.Values) (*httpResult, error) {
	resp, err := p.Do(ctx, method, rawURL, headers, body, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{URL: rawURL, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: extractDetail(b), Body: b}
	}
	return &httpResult{status: resp.StatusCode, body: b}, nil
}

// decode maps a completed exchange onto the client error taxonomy.
func decode(res *httpResult) ([]byte, error) {
	if res.status >= 200 && res.status < 300 {
		return res.body, nil
	}
	detail := extractDetail(res.body)
	switch res.status {
	case 401:
		return nil, &AuthenticationError{Detail: detail}
	case 403:
		return nil, &AuthorizationError{Detail: detail}
	case 404:
		return nil, &NotFoundError{Detail: detail}
	case 409:
		if detail == "" {
			detail = "entity already exists"
		}
		return nil, &ValidationError{StatusCode: res.status, Detail: detail}
	case 422:
		if detail == "" {
			detail = "validation error"
		}
		return nil, &ValidationError{StatusCode: res.status, Detail: detail}
	default:
		return nil, &APIError{StatusCode: res.status, Detail: detail, Body: res.body}
	}
}

// extractDetail pulls the panel's detail field out of an error body.
// String details pass through; the 422 list form renders each item as
// "path -> to -> field: message" joined by "; ".
func extractDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch d := payload.Detail.(type) {
	case string:
		return d
	case []any:
		var parts []string
		for _, item := range d {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var loc []string
			if rawLoc, ok := m["loc"].([]any); ok {
				for _, seg := range rawLoc {
					loc = append(loc, fmt.Sprint(seg))
				}
			}
			msg, _ := m["msg"].(string)
			if msg == "" {
				msg = "invalid value"
			}
			parts = append(parts, strings.Join(loc, " -> ")+": "+msg)
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
