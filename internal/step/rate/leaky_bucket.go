// Package rate provides the throttles limiting operation emission.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Throttle delays emission to approximate a configured rate.
type Throttle interface {
	// WaitN blocks until n more operations may be emitted.
	WaitN(ctx context.Context, n int) error

	// Rate returns the target rate in operations per second.
	Rate() float64
}

// LeakyBucket schedules operations at evenly spaced instants.
//
// The bucket keeps a virtual "drip" time which advances by 1/rate per
// permit. A caller behind schedule proceeds immediately, but the bucket never
// stores more than one permit, so an idle period can not be paid back
// by a burst above the rate.
//
// # Thread Safety
//
// LeakyBucket is safe for concurrent use from multiple goroutines.
type LeakyBucket struct {
	rate        float64
	lastDrip    time.Time
	accumulated float64
	mu          sync.Mutex

	permits  atomic.Int64
	waitTime atomic.Int64
}

// NewLeakyBucket creates a leaky bucket for rate operations per second.
// A non-positive rate defaults to 1. The first permit is available at once.
func NewLeakyBucket(rate float64) *LeakyBucket {
	if rate <= 0 {
		rate = 1.0
	}
	return &LeakyBucket{
		rate:        rate,
		lastDrip:    time.Now(),
		accumulated: 1.0,
	}
}

// Next reserves one permit and returns the instant it may be used. The
// instant is in the past when the caller is behind schedule.
func (lb *LeakyBucket) Next() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.reserve(time.Now())
}

func (lb *LeakyBucket) reserve(now time.Time) time.Time {
	// reservations chain: a permit never starts before the previous one
	base := now
	if lb.lastDrip.After(base) {
		base = lb.lastDrip
	}

	lb.accumulated += base.Sub(lb.lastDrip).Seconds() * lb.rate
	if lb.accumulated > 1.0 {
		lb.accumulated = 1.0
	}
	lb.permits.Add(1)

	if lb.accumulated >= 1.0 {
		lb.accumulated -= 1.0
		lb.lastDrip = base
		return base
	}

	deficit := 1.0 - lb.accumulated
	next := base.Add(time.Duration(deficit / lb.rate * float64(time.Second)))
	lb.accumulated = 0
	// the drip moves to the reserved instant, otherwise waking up at next
	// would accumulate a whole extra permit
	lb.lastDrip = next
	lb.waitTime.Add(int64(next.Sub(now)))
	return next
}

// WaitN implements Throttle. The n permits are reserved at once and the call
// sleeps until the last of them is due.
func (lb *LeakyBucket) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	lb.mu.Lock()
	var last time.Time
	now := time.Now()
	for i := 0; i < n; i++ {
		last = lb.reserve(now)
	}
	lb.mu.Unlock()

	wait := time.Until(last)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until one permit may be used.
func (lb *LeakyBucket) Wait(ctx context.Context) error {
	return lb.WaitN(ctx, 1)
}

// Rate implements Throttle.
func (lb *LeakyBucket) Rate() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rate
}

// Stats returns statistics about the bucket's operation.
func (lb *LeakyBucket) Stats() Stats {
	lb.mu.Lock()
	r := lb.rate
	lb.mu.Unlock()

	return Stats{
		Rate:     r,
		Permits:  lb.permits.Load(),
		WaitTime: time.Duration(lb.waitTime.Load()),
	}
}

// Stats contains throttle statistics.
type Stats struct {
	Rate     float64       `json:"rate"`
	Permits  int64         `json:"permits"`
	WaitTime time.Duration `json:"waitTime"`
}

var _ Throttle = (*LeakyBucket)(nil)
