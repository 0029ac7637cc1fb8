package transport

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds the circuit breaker thresholds for one service.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before
	// admitting trial requests.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive half-open successes required
	// to close again.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the stock thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
	}
}

// Breaker guards one upstream service. Open-state rejections surface as
// ErrBreakerOpen so retry logic can recognize them.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker named after its service.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	threshold := uint32(cfg.FailureThreshold)
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(cfg.SuccessThreshold),
			Timeout:     cfg.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("[transport] breaker %q: %s -> %s", name, from, to)
			},
		}),
	}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State returns "closed", "open", or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}
