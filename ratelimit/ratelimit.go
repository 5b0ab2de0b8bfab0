// Package ratelimit provides per-tenant token-bucket admission control for
// streambus producers.
//
// The limiter runs in one of two modes. In local mode every tenant gets an
// in-process bucket in a bounded, LRU-evicted map. With a Redis client
// configured, the refill-and-consume step runs server-side in a single
// atomic script so multiple processes share one global quota; any Redis
// failure falls back to local checking for that call, preferring
// availability over strict global accuracy during outages.
package ratelimit

import (
	"math"
	"time"
)

// RateLimit is the per-tenant admission configuration.
type RateLimit struct {
	// MessagesPerSecond is the sustained refill rate.
	MessagesPerSecond float64

	// BurstCapacity is the bucket size: the largest instantaneous burst a
	// tenant can spend.
	BurstCapacity uint64
}

// normalized coerces pathological values into a safe configuration. A
// non-finite or negative rate becomes 0; a positive rate with zero burst
// gets burst 1 so the bucket can't be permanently stuck.
func (l RateLimit) normalized() RateLimit {
	if math.IsNaN(l.MessagesPerSecond) || math.IsInf(l.MessagesPerSecond, 0) || l.MessagesPerSecond < 0 {
		l.MessagesPerSecond = 0
	}
	if l.MessagesPerSecond > 0 && l.BurstCapacity == 0 {
		l.BurstCapacity = 1
	}
	return l
}

// tokenBucket is a single tenant's reservoir. All mutation happens under the
// limiter's lock.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time
}

// newTokenBucket creates a full bucket.
func newTokenBucket(limit RateLimit, now time.Time) *tokenBucket {
	capacity := float64(limit.BurstCapacity)
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: limit.MessagesPerSecond,
		lastRefill: now,
		lastAccess: now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// tryConsume refills, then atomically tests and subtracts. lastAccess is
// updated on every attempt, success or not; it drives LRU eviction.
func (b *tokenBucket) tryConsume(n float64, now time.Time) bool {
	b.refill(now)
	b.lastAccess = now

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}
