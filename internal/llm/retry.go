package llm

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the structured retry behavior applied uniformly to every
// external call: a fixed attempt budget, exponential backoff with jitter,
// and precedence for service-suggested delays. The clock and sleep are
// injectable so retry semantics are testable without real time.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added as random jitter

	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// DefaultRetryPolicy mirrors the limits the run configuration defaults to.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.25,
	}
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based). A non-zero retryAfter from the service takes precedence over
// the exponential schedule; jitter is added in both cases.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	base := retryAfter
	if base <= 0 {
		base = p.BaseDelay
		for i := 1; i < attempt; i++ {
			base *= 2
			if p.MaxDelay > 0 && base >= p.MaxDelay {
				base = p.MaxDelay
				break
			}
		}
	}
	jitter := time.Duration(p.rand() * p.Jitter * float64(base))
	return base + jitter
}

// Wait sleeps for the computed delay, aborting early on cancellation.
func (p RetryPolicy) Wait(ctx context.Context, attempt int, retryAfter time.Duration) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = realSleep
	}
	return sleep(ctx, p.Delay(attempt, retryAfter))
}

func (p RetryPolicy) rand() float64 {
	if p.randf != nil {
		return p.randf()
	}
	return rand.Float64()
}

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
