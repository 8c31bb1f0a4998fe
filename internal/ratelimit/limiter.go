package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults: a burst of 10 requests refilled at 10 per minute.
const (
	DefaultCapacity     = 10
	DefaultPerMinute    = 10
	minRefillPerMinute  = 1
	maxBucketCapacity   = 1000
)

// Limiter is the per-provider token-bucket admission control. It is the
// single admission point before the circuit breaker; a denial here never
// reaches the breaker.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	perMin   int
}

// NewLimiter builds a limiter admitting perMinute requests per provider
// with a burst of capacity.
func NewLimiter(capacity, perMinute int) *Limiter {
	if capacity <= 0 || capacity > maxBucketCapacity {
		capacity = DefaultCapacity
	}
	if perMinute < minRefillPerMinute {
		perMinute = DefaultPerMinute
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		perMin:   perMinute,
	}
}

func (l *Limiter) bucket(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[provider]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.capacity)
		l.buckets[provider] = b
	}
	return b
}

// TryAcquire makes a non-blocking admission check for one request at
// now. On denial it returns the duration after which a retry would be
// admitted.
func (l *Limiter) TryAcquire(provider string, now time.Time) (bool, time.Duration) {
	b := l.bucket(provider)
	res := b.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Tokens reports the tokens currently available for a provider.
func (l *Limiter) Tokens(provider string, now time.Time) float64 {
	return l.bucket(provider).TokensAt(now)
}

// Capacity returns the configured burst size.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// PerMinute returns the configured refill rate.
func (l *Limiter) PerMinute() int {
	return l.perMin
}

// Status is the limiter snapshot exposed by the stats frame.
type Status struct {
	Provider        string  `json:"provider"`
	AvailableTokens float64 `json:"available_tokens"`
	Capacity        int     `json:"capacity"`
	PerMinute       int     `json:"requests_per_minute"`
}

// Snapshot returns the current status for a provider.
func (l *Limiter) Snapshot(provider string, now time.Time) Status {
	return Status{
		Provider:        provider,
		AvailableTokens: l.Tokens(provider, now),
		Capacity:        l.capacity,
		PerMinute:       l.perMin,
	}
}
