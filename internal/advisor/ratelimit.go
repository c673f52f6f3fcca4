package advisor

import (
	"sync"
	"time"
)

// Limiter implements a simple token bucket rate limiter keyed by session.
// It bounds how often one session may call the remote advisor; a denied
// call surfaces as the ErrBusy backoff signal.
type Limiter struct {
	mu         sync.Mutex
	rate       int           // tokens per interval
	interval   time.Duration // time interval
	buckets    map[string]*bucket
	maxBuckets int // maximum number of buckets to track
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewLimiter creates a rate limiter allowing rate calls per interval per key.
func NewLimiter(rate int, interval time.Duration) *Limiter {
	return &Limiter{
		rate:       rate,
		interval:   interval,
		buckets:    make(map[string]*bucket),
		maxBuckets: 10000, // prevent memory exhaustion
	}
}

// Allow checks if a call for the given key should be allowed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	b, exists := l.buckets[key]
	if !exists {
		if len(l.buckets) >= l.maxBuckets {
			l.cleanup(now)
		}
		l.buckets[key] = &bucket{tokens: l.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(b.lastReset) >= l.interval {
		b.tokens = l.rate - 1 // reset and consume one token
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// cleanup removes buckets that haven't been used recently.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-2 * l.interval)
	for key, b := range l.buckets {
		if b.lastReset.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
