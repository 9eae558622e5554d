package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxKeys = 10_000
	staleThreshold = 10 * time.Minute
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is an in-process token bucket per key. Buckets live in a
// bounded LRU and expire after staleThreshold without traffic, so a flood of
// distinct keys cannot grow memory without bound.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64

	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
}

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key with bursts of up to burst.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return newMemoryLimiter(rate, burst, defaultMaxKeys, staleThreshold)
}

func newMemoryLimiter(rate float64, burst, maxKeys int, ttl time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: expirable.NewLRU[string, *bucket](maxKeys, nil, ttl),
	}
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets.Get(key)
	if !ok {
		m.buckets.Add(key, &bucket{tokens: m.burst - 1, lastAccess: now})
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now
	// Re-adding refreshes the entry's expiry.
	m.buckets.Add(key, b)

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Keys returns the number of tracked keys.
func (m *MemoryLimiter) Keys() int {
	return m.buckets.Len()
}

// Close drops every bucket.
func (m *MemoryLimiter) Close() error {
	m.buckets.Purge()
	return nil
}
