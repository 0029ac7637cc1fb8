package transport

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy retries an operation with capped exponential backoff and
// optional jitter. The zero value is unusable; start from
// DefaultRetryPolicy.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultRetryPolicy returns the stock policy: three attempts, one
// second base delay doubling up to a minute, jittered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay returns the backoff delay after the given zero-indexed attempt.
// Jitter shifts the capped exponential delay by a uniform ±25%.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d += time.Duration((rand.Float64()*0.5 - 0.25) * float64(d))
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping the backoff delay
// between attempts. A breaker-open failure is never retried. Context
// cancellation aborts the wait and returns ctx.Err(). The last error is
// returned after the final attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		last = fn()
		if last == nil {
			return nil
		}
		if errors.Is(last, ErrBreakerOpen) {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return last
}

// DoValue runs fn with the policy and returns its result.
func DoValue[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
