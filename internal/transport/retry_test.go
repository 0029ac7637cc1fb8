package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

// TestRetryDelay_Exponential verifies the unjittered backoff sequence
// and the MaxDelay clamp.
func TestRetryDelay_Exponential(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:       time.Second,
		MaxDelay:        4 * time.Second,
		ExponentialBase: 2.0,
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("delay(%d): got %v, want %v", attempt, got, w)
		}
	}
}

// TestRetryDelay_JitterBounds verifies jittered delays stay within
// ±25% of the capped exponential value.
func TestRetryDelay_JitterBounds(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
	for i := 0; i < 200; i++ {
		d := p.Delay(1) // base 2s
		if d < 1500*time.Millisecond || d > 2500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [1.5s, 2.5s]", d)
		}
	}
}

// TestRetryDo_SucceedsAfterFailures verifies fn runs again after an
// error and that success stops the loop.
func TestRetryDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
}

// TestRetryDo_ExhaustsAttempts verifies the last error is returned
// after MaxAttempts failures.
func TestRetryDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error: got %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
}

// TestRetryDo_BreakerOpenNotRetried verifies an open-breaker rejection
// short-circuits the retry loop.
func TestRetryDo_BreakerOpenNotRetried(t *testing.T) {
	calls := 0
	err := fastRetry(5).Do(context.Background(), func() error {
		calls++
		return ErrBreakerOpen
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("error: got %v, want ErrBreakerOpen", err)
	}
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
}

// TestRetryDo_ContextCancelAbortsWait verifies cancellation during the
// backoff wait returns ctx.Err.
func TestRetryDo_ContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Hour,
		MaxDelay:        time.Hour,
		ExponentialBase: 2.0,
	}
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func() error { return errors.New("fail") })
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error: got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not abort on cancellation")
	}
}

// TestDoValue_ReturnsResult verifies the generic wrapper passes the
// value through on success.
func TestDoValue_ReturnsResult(t *testing.T) {
	got, err := DoValue(context.Background(), fastRetry(2), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("value: got %d, want 42", got)
	}
}
