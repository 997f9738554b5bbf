package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction settings. A launcher that stops polling leaves its bucket
// behind; the first Allow call after sweepEvery drops anything idle
// longer than idleTTL.
const (
	sweepEvery = time.Minute
	idleTTL    = 10 * time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a per-key token bucket sized for launcher poll
// traffic: one bucket per key (the launcher host), refilled continuously
// at rate tokens per second up to burst. Idle buckets are evicted inline
// during Allow, so the limiter owns no background goroutine.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time

	now func() time.Time // stubbed in tests
}

// NewMemoryLimiter creates a token bucket limiter with the given
// sustained rate (requests per second per key) and burst capacity.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		rate:      rate,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow consumes one token from key's bucket. A new key starts with a
// full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) >= sweepEvery {
		m.sweep(now)
	}

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst}
		m.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * m.rate
		if b.tokens > m.burst {
			b.tokens = m.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close implements Limiter. The limiter holds nothing open.
func (m *MemoryLimiter) Close() error { return nil }

// sweep drops buckets idle past idleTTL. Caller holds mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	m.lastSweep = now
	cutoff := now.Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
