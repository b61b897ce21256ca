package queue

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles the data-loading queue with a token bucket:
// ~80 capacity, ~25 tokens/sec refill by default, matching spec.md §4.8.
// A request can bypass it entirely via core.SkipDataLoadingQueue; that
// decision is made by the caller (the coordinator never calls Wait for
// such a request), not by RateLimiter itself.
type RateLimiter struct {
	limiter *rate.Limiter
}

// DefaultCapacity and DefaultRefillPerSecond match spec.md §4.8.
const (
	DefaultCapacity        = 80
	DefaultRefillPerSecond = 25
)

// NewRateLimiter creates a limiter with the given bucket capacity and
// per-second refill rate. Zero values fall back to the spec defaults.
func NewRateLimiter(capacity int, refillPerSecond float64) *RateLimiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillPerSecond
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming one
// if so, without blocking.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
