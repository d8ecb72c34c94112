package rate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a Throttle permitting bursts up to a fixed size, backed by
// golang.org/x/time/rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket for r operations per second with the
// given burst. The burst is raised to at least minBurst so that a whole batch
// can always be admitted by a single WaitN.
func NewTokenBucket(r float64, burst, minBurst int) *TokenBucket {
	if r <= 0 {
		r = 1.0
	}
	if burst < minBurst {
		burst = minBurst
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

// WaitN implements Throttle. Unlike rate.Limiter.WaitN it keeps waiting up to
// the ctx deadline and then returns ctx.Err(), so a step time limit reads as
// a cancellation rather than a throttle failure.
func (tb *TokenBucket) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r := tb.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		return fmt.Errorf("rate: %d permits exceed the burst of %d", n, tb.limiter.Burst())
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Rate implements Throttle.
func (tb *TokenBucket) Rate() float64 {
	return float64(tb.limiter.Limit())
}

// Burst returns the bucket capacity.
func (tb *TokenBucket) Burst() int {
	return tb.limiter.Burst()
}

// New returns the throttle for a configured rate: nil when the rate is not
// positive, a token bucket when burst > 1, a leaky bucket otherwise.
func New(r, burst float64, batchSize int) Throttle {
	switch {
	case r <= 0:
		return nil
	case burst > 1:
		return NewTokenBucket(r, int(burst), batchSize)
	default:
		return NewLeakyBucket(r)
	}
}

var _ Throttle = (*TokenBucket)(nil)
