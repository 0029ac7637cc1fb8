// Package transport provides the resilient HTTP core used for all panel
// traffic: per-service connection pools, capped exponential retry,
// circuit breaking, bearer-token handling, and the mapping from HTTP
// statuses to the client error taxonomy.
package transport

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen reports that the per-service circuit breaker is open
// and the request was failed fast without reaching the network.
var ErrBreakerOpen = errors.New("circuit breaker open")

// APIError is an upstream HTTP error without a more specific mapping.
type APIError struct {
	StatusCode int
	Detail     string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api error: status %d", e.StatusCode)
}

// AuthenticationError reports a 401 that survived the one-shot token
// refresh, or a failed credential exchange.
type AuthenticationError struct {
	Detail string
}

func (e *AuthenticationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("authentication failed: %s", e.Detail)
	}
	return "authentication failed"
}

// AuthorizationError reports a 403.
type AuthorizationError struct {
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("permission denied: %s", e.Detail)
	}
	return "permission denied"
}

// NotFoundError reports a 404.
type NotFoundError struct {
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("resource not found: %s", e.Detail)
	}
	return "resource not found"
}

// ValidationError reports a 409 or 422 with rendered field details.
// StatusCode distinguishes conflicts from unprocessable payloads.
type ValidationError struct {
	StatusCode int
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Detail)
}

// IsConflict reports whether the panel rejected the write as a
// duplicate.
func (e *ValidationError) IsConflict() bool {
	return e.StatusCode == 409
}

// ConnectionError wraps transport-level failures: refused connections,
// timeouts, TLS handshake errors.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
