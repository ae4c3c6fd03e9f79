// Package fingerprint caches the device fingerprint produced by an external
// collaborator. Computing it is expensive and may fail transiently, so
// the first success is kept for the life of the process.
package fingerprint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// MaxAttempts is how many times one Get call asks the source before giving up.
const MaxAttempts = 3

// Source computes a fingerprint.
type Source interface {
	Fingerprint(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

// Fingerprint implements Source.
func (f SourceFunc) Fingerprint(ctx context.Context) (string, error) { return f(ctx) }

// Cache wraps a Source. Failures are not cached.
type Cache struct {
	source Source
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	value string
	ok    bool
}

// New creates a cache over source.
func New(source Source, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, logger: logger}
}

// Get returns the cached fingerprint, computing it if needed. Concurrent
// callers share one computation.
func (c *Cache) Get(ctx context.Context) (string, error) {
	if v, ok := c.Cached(); ok {
		return v, nil
	}
	v, err, _ := c.group.Do("fingerprint", func() (any, error) {
		if v, ok := c.Cached(); ok {
			return v, nil
		}
		var lastErr error
		for attempt := 1; attempt <= MaxAttempts; attempt++ {
			fp, err := c.source.Fingerprint(ctx)
			if err == nil && fp != "" {
				c.mu.Lock()
				c.value, c.ok = fp, true
				c.mu.Unlock()
				return fp, nil
			}
			if err == nil {
				err = fmt.Errorf("empty fingerprint")
			}
			lastErr = err
			c.logger.Debug("fingerprint: attempt failed", "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				break
			}
		}
		return "", fmt.Errorf("fingerprint: %d attempts failed: %w", MaxAttempts, lastErr)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cached returns the fingerprint if one has been computed.
func (c *Cache) Cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.ok
}
