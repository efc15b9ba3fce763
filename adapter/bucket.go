package adapter

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/skyscan/skyscan/config"
)

// Bucket is a per-source token bucket consumed before every network call.
// Waits are reservation-based so a cancelled wait returns its token to the
// bucket instead of burning it.
type Bucket struct {
	lim *rate.Limiter
}

// NewBucket builds a bucket from an adapter's rate limit config.
func NewBucket(cfg config.RateLimitConfig) *Bucket {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	refill := cfg.RefillPerSec
	if refill <= 0 {
		refill = 1
	}
	return &Bucket{lim: rate.NewLimiter(rate.Limit(refill), capacity)}
}

// Acquire consumes one token, waiting up to min(deadline remaining, bucket
// wait). It returns ErrRateLimited when the wait cannot fit the deadline
// and ctx.Err() when cancelled mid-wait.
func (b *Bucket) Acquire(ctx context.Context) error {
	r := b.lim.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		r.Cancel()
		return ErrRateLimited
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

// Tokens reports the currently available tokens; the router reads this for
// health snapshots.
func (b *Bucket) Tokens() float64 {
	return b.lim.Tokens()
}
