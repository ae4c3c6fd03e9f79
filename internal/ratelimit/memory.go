package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/clock"
)

const (
	staleAfter    = 10 * time.Minute
	evictInterval = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a token bucket per key. Buckets idle for more than ten
// minutes are evicted by a background sweep.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	ticker   *clock.Ticker
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter allows rate requests per second per key with bursts of
// up to burst. A nil clock uses the wall clock. Call Close to stop the sweep.
func NewMemoryLimiter(rate float64, burst int, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clock:   clk,
		buckets: make(map[string]*bucket),
		ticker:  clk.NewTicker(evictInterval),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, seen: now}
		return m.burst >= 1, nil
	}
	b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
	b.seen = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter is how long a denied key waits for its next token.
func (m *MemoryLimiter) RetryAfter() time.Duration {
	if m.rate <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / m.rate)
}

// Close stops the sweep. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() {
		m.ticker.Stop()
		close(m.done)
	})
	return nil
}

func (m *MemoryLimiter) sweep() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := m.clock.Now().Add(-staleAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
