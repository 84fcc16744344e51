// Package ratelimit throttles API calls per user with lazily refilled
// token buckets. No background goroutines; refill happens on each Allow.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when the user's bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Refill rate. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Bucket capacity. 0 = defaults to RequestsPerMinute.
}

// Limiter holds one token bucket per user ID. A heavy user drains only
// their own bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	refilled time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for the user. A new user starts with a full
// bucket. Returns ErrRateLimited when no tokens remain.
func (l *Limiter) Allow(userID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.burst, refilled: now}
		l.buckets[userID] = b
	}

	b.tokens += now.Sub(b.refilled).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.refilled = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Evict drops buckets idle longer than maxIdle, bounding memory when user
// IDs churn. Returns the number of buckets dropped.
func (l *Limiter) Evict(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	dropped := 0
	for id, b := range l.buckets {
		if b.refilled.Before(cutoff) {
			delete(l.buckets, id)
			dropped++
		}
	}
	return dropped
}
