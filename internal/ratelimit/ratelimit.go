// Package ratelimit implements a per-source token bucket rate limiter used
// to shield the webhook listener from request floods.
// Thread-safe. No background goroutines — tokens are refilled lazily on
// each Allow call, and idle buckets are pruned on the same path.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a source has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleEviction is how long a bucket may sit unused before it is pruned.
// Sources are remote addresses, so the map would otherwise grow without
// bound under scanning traffic.
const idleEviction = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-source token bucket rate limiter.
// Each source gets an independent bucket; one flooding source cannot
// exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	sources   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // max bucket capacity
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		sources:   make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		lastPrune: time.Now(),
	}
}

// Allow checks whether the source has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is
// empty.
func (l *Limiter) Allow(source string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(now)

	b, ok := l.sources[source]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.sources[source] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// pruneLocked drops buckets idle longer than the eviction window. Runs at
// most once per window; callers hold l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < idleEviction {
		return
	}
	for source, b := range l.sources {
		if now.Sub(b.lastFill) >= idleEviction {
			delete(l.sources, source)
		}
	}
	l.lastPrune = now
}
