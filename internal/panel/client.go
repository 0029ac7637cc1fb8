// Package panel is the typed client for the Marzban panel HTTP API.
// It registers itself as a service on the transport manager and leaves
// pooling, retries, breaking, and token refresh to it.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marzfleet/marzfleet/internal/model"
	"github.com/marzfleet/marzfleet/internal/transport"
)

// ServiceName is the transport-manager registration for the panel.
const ServiceName = "marzban"

// Config holds the panel connection settings.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	VerifySSL bool
}

// Client issues typed node operations against one panel.
type Client struct {
	baseURL  string
	username string
	password string
	mgr      *transport.Manager
}

// NewClient registers the panel as a transport service and returns the
// typed client. The credential exchange runs lazily on the first
// authenticated request.
func NewClient(cfg Config, mgr *transport.Manager) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("panel base URL is empty")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("panel credentials are empty")
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		mgr:      mgr,
	}

	svc := transport.DefaultServiceConfig()
	if cfg.Timeout > 0 {
		svc.Pool.Timeout = cfg.Timeout
	}
	svc.Pool.VerifyTLS = cfg.VerifySSL
	svc.Authenticate = c.authenticate
	mgr.RegisterService(ServiceName, svc)

	return c, nil
}

// authenticate exchanges the admin credentials for a bearer token.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	log.Printf("[panel] authenticating with %s", c.baseURL)

	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}
	body, err := c.mgr.Request(ctx, ServiceName, http.MethodPost, c.url("/api/admin/token"), transport.RequestOptions{
		Body: payload,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if resp.AccessToken == "" {
		return "", &transport.AuthenticationError{Detail: "no access token in response"}
	}
	log.Printf("[panel] authentication successful")
	return resp.AccessToken, nil
}

// Authenticate runs the credential exchange eagerly. The token for
// later requests is still managed by the transport layer.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.authenticate(ctx)
	return err
}

// TestConnection reports whether the panel accepts our credentials.
func (c *Client) TestConnection(ctx context.Context) bool {
	if err := c.Authenticate(ctx); err != nil {
		log.Printf("[panel] connection test failed: %v", err)
		return false
	}
	return true
}

// ListNodes returns every node the panel knows about.
func (c *Client) ListNodes(ctx context.Context) ([]model.Node, error) {
	body, err := c.get(ctx, "/api/nodes", nil)
	if err != nil {
		return nil, err
	}
	var nodes []model.Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, fmt.Errorf("decode node list: %w", err)
	}
	return nodes, nil
}

// GetNode returns one node by id.
func (c *Client) GetNode(ctx context.Context, id int) (*model.Node, error) {
	body, err := c.get(ctx, "/api/nodes/"+strconv.Itoa(id), nil)
	if err != nil {
		return nil, err
	}
	return decodeNode(body)
}

// CreateNode registers a new node with the panel.
func (c *Client) CreateNode(ctx context.Context, nc model.NodeCreate) (*model.Node, error) {
	body, err := c.send(ctx, http.MethodPost, "/api/nodes", nc)
	if err != nil {
		return nil, err
	}
	return decodeNode(body)
}

// UpdateNode applies a partial update to a node.
func (c *Client) UpdateNode(ctx context.Context, id int, up model.NodeUpdate) (*model.Node, error) {
	body, err := c.send(ctx, http.MethodPut, "/api/nodes/"+strconv.Itoa(id), up)
	if err != nil {
		return nil, err
	}
	return decodeNode(body)
}

// DeleteNode removes a node from the panel.
func (c *Client) DeleteNode(ctx context.Context, id int) error {
	_, err := c.mgr.Request(ctx, ServiceName, http.MethodDelete, c.url("/api/nodes/"+strconv.Itoa(id)), transport.RequestOptions{
		Authenticated: true,
	})
	return err
}

// ReconnectNode asks the panel to re-establish the node connection.
func (c *Client) ReconnectNode(ctx context.Context, id int) error {
	_, err := c.send(ctx, http.MethodPost, "/api/nodes/"+strconv.Itoa(id)+"/reconnect", nil)
	return err
}

// GetNodesUsage returns per-node traffic for the given window. The
// panel replies either with a bare array or an object wrapping it
// under "usages".
func (c *Client) GetNodesUsage(ctx context.Context, start, end time.Time) ([]model.NodeUsage, error) {
	params := url.Values{}
	if !start.IsZero() {
		params.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		params.Set("end", end.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, "/api/nodes/usage", params)
	if err != nil {
		return nil, err
	}

	var usages []model.NodeUsage
	if err := json.Unmarshal(body, &usages); err == nil {
		return usages, nil
	}
	var wrapped struct {
		Usages []model.NodeUsage `json:"usages"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	return wrapped.Usages, nil
}

// GetNodeSettings returns the panel-wide node settings.
func (c *Client) GetNodeSettings(ctx context.Context) (*model.NodeSettings, error) {
	body, err := c.get(ctx, "/api/node/settings", nil)
	if err != nil {
		return nil, err
	}
	var settings model.NodeSettings
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, fmt.Errorf("decode node settings: %w", err)
	}
	return &settings, nil
}

// Stats exposes the transport pool and breaker snapshot for the panel
// service.
func (c *Client) Stats() (transport.PoolStats, bool) {
	return c.mgr.PoolStats(ServiceName)
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.mgr.Request(ctx, ServiceName, http.MethodGet, c.url(path), transport.RequestOptions{
		Authenticated: true,
		Params:        params,
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = raw
	}
	return c.mgr.Request(ctx, ServiceName, method, c.url(path), transport.RequestOptions{
		Authenticated: true,
		Body:          body,
	})
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func decodeNode(body []byte) (*model.Node, error) {
	var n model.Node
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &n, nil
}
