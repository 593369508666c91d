// Package ratelimit implements a per-client token bucket rate limiter for
// the HTTP gateway. Thread-safe. No background goroutines: tokens are
// refilled lazily on each Allow call and idle buckets are dropped as
// new clients arrive.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// maxBuckets bounds memory when many distinct clients appear; full
// buckets are evicted first since dropping them loses nothing.
const maxBuckets = 10000

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter keys an independent bucket per client (API key or remote
// address); one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
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

// Unlimited reports whether every request is allowed.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.rate <= 0
}

// Allow consumes one token from key's bucket. It returns ErrRateLimited
// with no token consumed when the bucket is empty.
func (l *Limiter) Allow(key string) error {
	_, err := l.Reserve(key)
	return err
}

// Reserve is Allow that also reports, on failure, how long until the
// next token is available.
func (l *Limiter) Reserve(key string) (time.Duration, error) {
	if l.Unlimited() {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.evict(now)
		}
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1 - b.tokens) / l.rate * float64(time.Second)))
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
	b.lastFill = now
}

// evict drops every bucket that has refilled completely.
func (l *Limiter) evict(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.buckets, key)
		}
	}
}
