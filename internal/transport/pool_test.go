package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// TestPoolDo_Success verifies headers and query params reach the
// server and the accounting reflects the exchange.
func TestPoolDo_Success(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := NewPool(DefaultPoolConfig())
	defer p.Close()

	params := url.Values{}
	params.Set("page", "2")
	resp, err := p.Do(context.Background(), http.MethodGet, srv.URL, map[string]string{"Authorization": "Bearer tok"}, nil, params)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != `{"ok":true}` {
		t.Fatalf("body: got %q", body)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header: got %q", gotAuth)
	}
	if gotQuery != "page=2" {
		t.Fatalf("query: got %q, want page=2", gotQuery)
	}

	st := p.Stats()
	if st.TotalRequests != 1 || st.SuccessfulRequests != 1 || st.FailedRequests != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if st.SuccessRate != 100 {
		t.Fatalf("success rate: got %v, want 100", st.SuccessRate)
	}
}

// TestPoolDo_TransportFailure verifies an unreachable host surfaces a
// *ConnectionError and counts as a failed request.
func TestPoolDo_TransportFailure(t *testing.T) {
	p := NewPool(DefaultPoolConfig())
	defer p.Close()

	// Reserved TEST-NET-1 address, nothing listens there.
	_, err := p.Do(context.Background(), http.MethodGet, "http://192.0.2.1:9/", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error type: got %T, want *ConnectionError", err)
	}
	if st := p.Stats(); st.FailedRequests != 1 {
		t.Fatalf("failed requests: got %d, want 1", st.FailedRequests)
	}
}

// TestPoolDo_RejectsInvalidHeader verifies header validation runs
// before any request is built.
func TestPoolDo_RejectsInvalidHeader(t *testing.T) {
	p := NewPool(DefaultPoolConfig())
	defer p.Close()

	_, err := p.Do(context.Background(), http.MethodGet, "http://example.com/", map[string]string{"Bad\nName": "v"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid header name")
	}
	_, err = p.Do(context.Background(), http.MethodGet, "http://example.com/", map[string]string{"X-Ok": "bad\x00value"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid header value")
	}
	if st := p.Stats(); st.TotalRequests != 0 {
		t.Fatalf("invalid requests should not be counted, got %d", st.TotalRequests)
	}
}

// TestBuildURL_MergesParams verifies query parameters are appended to
// any already present on the URL.
func TestBuildURL_MergesParams(t *testing.T) {
	params := url.Values{}
	params.Set("b", "2")
	got, err := buildURL("http://example.com/path?a=1", params)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got != "http://example.com/path?a=1&b=2" {
		t.Fatalf("url: got %q", got)
	}
}
