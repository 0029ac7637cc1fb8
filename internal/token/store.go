package token

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrClosed is returned by Store after Close.
var ErrClosed = errors.New("token store closed")

// minRefreshWait floors the background renewal sleep so a short-lived
// token cannot spin the loop.
const minRefreshWait = time.Minute

// RefreshFunc obtains a fresh token for a service.
type RefreshFunc func(ctx context.Context) (string, error)

type entry struct {
	info       Info
	refresh    RefreshFunc
	stopCh     chan struct{}
	refreshing bool
}

// Store holds bearer tokens keyed by service name. Tokens with a
// refresh callback are renewed by a per-service goroutine ahead of
// expiry; Get also renews synchronously when a token has already
// expired.
type Store struct {
	mu        sync.Mutex
	tokens    map[string]*entry
	threshold time.Duration
	minWait   time.Duration
	wg        sync.WaitGroup
	closed    bool
}

// NewStore returns an empty Store with the default refresh threshold.
func NewStore() *Store {
	return &Store{
		tokens:    make(map[string]*entry),
		threshold: DefaultRefreshThreshold,
		minWait:   minRefreshWait,
	}
}

// Store records a token for service, replacing any previous token and
// its refresh loop. A non-nil refresh starts a background renewal loop.
func (s *Store) Store(service, raw string, refresh RefreshFunc) error {
	info := newInfo(raw, s.threshold, time.Now())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if prev, ok := s.tokens[service]; ok && prev.stopCh != nil {
		close(prev.stopCh)
	}
	e := &entry{info: info, refresh: refresh}
	if refresh != nil {
		e.stopCh = make(chan struct{})
		wait := time.Until(info.ExpiresAt) - info.RefreshThreshold
		if wait < s.minWait {
			wait = s.minWait
		}
		s.wg.Add(1)
		go s.refreshLoop(service, e.stopCh, wait, refresh)
	}
	s.tokens[service] = e
	s.mu.Unlock()
	return nil
}

// refreshLoop sleeps until the renewal window opens, then renews once.
// Storing the renewed token re-arms a fresh loop, so each loop is
// single-shot.
func (s *Store) refreshLoop(service string, stopCh chan struct{}, wait time.Duration, refresh RefreshFunc) {
	defer s.wg.Done()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-stopCh:
		return
	case <-timer.C:
	}

	raw, err := refresh(context.Background())
	if err != nil {
		log.Printf("[token] background refresh for %q failed: %v", service, err)
		return
	}
	if err := s.Store(service, raw, refresh); err != nil {
		log.Printf("[token] background refresh for %q: %v", service, err)
	}
}

// Get returns a usable token for service. An expired token is renewed
// synchronously when a refresh callback exists; a token inside its
// renewal window is returned as-is while a background renewal is
// kicked off.
func (s *Store) Get(ctx context.Context, service string) (string, bool) {
	s.mu.Lock()
	e, ok := s.tokens[service]
	if !ok {
		s.mu.Unlock()
		return "", false
	}
	info := e.info
	refresh := e.refresh
	now := time.Now()

	if !info.Expired(now) && info.NeedsRefresh(now) && refresh != nil && !e.refreshing {
		e.refreshing = true
		s.kickRefreshLocked(service, refresh)
	}
	s.mu.Unlock()

	if info.Expired(now) {
		if refresh == nil {
			return "", false
		}
		raw, err := refresh(ctx)
		if err != nil {
			log.Printf("[token] synchronous refresh for %q failed: %v", service, err)
			return "", false
		}
		if err := s.Store(service, raw, refresh); err != nil {
			return "", false
		}
		return raw, true
	}
	return info.Token, true
}

// kickRefreshLocked spawns a one-shot background renewal. Caller holds mu.
func (s *Store) kickRefreshLocked(service string, refresh RefreshFunc) {
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		raw, err := refresh(context.Background())
		if err != nil {
			log.Printf("[token] background refresh for %q failed: %v", service, err)
			s.clearRefreshing(service)
			return
		}
		if err := s.Store(service, raw, refresh); err != nil {
			s.clearRefreshing(service)
		}
	}()
}

func (s *Store) clearRefreshing(service string) {
	s.mu.Lock()
	if e, ok := s.tokens[service]; ok {
		e.refreshing = false
	}
	s.mu.Unlock()
}

// GetNoRefresh returns the current token without triggering renewal.
// Expired tokens are absent.
func (s *Store) GetNoRefresh(service string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[service]
	if !ok || e.info.Expired(time.Now()) {
		return "", false
	}
	return e.info.Token, true
}

// Info returns the stored token metadata.
func (s *Store) Info(service string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[service]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Remove drops the token for service and stops its refresh loop.
func (s *Store) Remove(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tokens[service]; ok {
		if e.stopCh != nil {
			close(e.stopCh)
		}
		delete(s.tokens, service)
	}
}

// Close stops every refresh loop, waits for them, and clears the store.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, e := range s.tokens {
		if e.stopCh != nil {
			close(e.stopCh)
		}
	}
	s.tokens = make(map[string]*entry)
	s.mu.Unlock()
	s.wg.Wait()
}
