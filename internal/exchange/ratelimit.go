// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Venues publish per-category request limits over fixed windows. The
// buckets here refill continuously instead of in window-sized bursts, so a
// busy keeper glides under the hard limit instead of slamming into it.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // current available tokens (fractional allowed)
	capacity float64 // maximum burst size
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Every adapter
// call waits on the matching bucket before issuing the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // cancellations
	Query  *TokenBucket // order book, balances, market metadata
}

// NewRateLimiter creates buckets with conservative defaults that fit under
// the published limits of the venues the keeper targets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(60, 6),
		Cancel: NewTokenBucket(60, 6),
		Query:  NewTokenBucket(120, 12),
	}
}
