// Package ratelimit implements the gateway's two admission limiters over the
// shared store: a fixed-window counter keyed by quantized time (the sliding
// window approximation) and a continuously refilling token bucket.
//
// Both limiters fail open: if the shared store is unreachable the request is
// admitted and the result is marked so callers can count the event. This is
// a deliberate availability-over-strictness choice.
package ratelimit

import (
	"context"
	"time"

	"github.com/gatewarden/warden/internal/store"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetIn    time.Duration // time until the window resets (sliding window only)
	FailedOpen bool          // store unreachable; request admitted without counting
}

// SlidingWindow counts requests per identity in fixed-length windows.
//
// The counter is keyed by identity:floor(now/window) and incremented
// atomically with a TTL armed on first insert, so concurrent gateway
// instances converge on one count. The known boundary-burst property (up to
// 2x limit across a window edge) is accepted.
type SlidingWindow struct {
	store  *store.Client
	limit  int
	window time.Duration

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewSlidingWindow returns a limiter allowing limit requests per window.
func NewSlidingWindow(st *store.Client, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{store: st, limit: limit, window: window, now: time.Now}
}

// Window returns the configured window length.
func (s *SlidingWindow) Window() time.Duration { return s.window }

// Check counts one request for identity and reports whether it is within the
// window's limit. Denied requests still increment the counter; remaining
// reflects the post-increment count so it is non-increasing within a window.
func (s *SlidingWindow) Check(ctx context.Context, identity string) Result {
	now := s.now().Unix()
	winSec := int64(s.window.Seconds())
	key := store.WindowKey(identity, now/winSec)
	resetIn := time.Duration(winSec-now%winSec) * time.Second

	count, err := s.store.WindowIncr(ctx, key, s.window)
	if err != nil {
		return Result{Allowed: true, Limit: s.limit, Remaining: s.limit, ResetIn: resetIn, FailedOpen: true}
	}

	remaining := s.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(s.limit),
		Limit:     s.limit,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

// TokenBucket grants bursts up to capacity and refills continuously.
// All state lives in the shared store; the refill-and-consume step runs as a
// single atomic script so concurrent consumers never overdraw.
type TokenBucket struct {
	store      *store.Client
	capacity   int
	refillRate float64 // tokens per second
}

// NewTokenBucket returns a bucket limiter with the given capacity and refill rate.
func NewTokenBucket(st *store.Client, capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{store: st, capacity: capacity, refillRate: refillRate}
}

// Consume takes cost tokens for identity. Remaining is the floor of the
// tokens left after the call.
func (b *TokenBucket) Consume(ctx context.Context, identity string, cost float64) Result {
	key := store.BucketKey(identity)
	allowed, remaining, err := b.store.BucketConsume(ctx, key, b.capacity, b.refillRate, cost)
	if err != nil {
		return Result{Allowed: true, Limit: b.capacity, Remaining: b.capacity, FailedOpen: true}
	}
	return Result{
		Allowed:   allowed,
		Limit:     b.capacity,
		Remaining: int(remaining),
	}
}
