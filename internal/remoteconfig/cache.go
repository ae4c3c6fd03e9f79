// Package remoteconfig fetches and caches the collection service's
// per-client configuration.
//
// A cached configuration is fresh when it came from a successful remote fetch
// and is younger than its own TTL. A failed fetch substitutes the permissive
// defaults and leaves the cache not remote-backed, so the next refresh tries
// again.
package remoteconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultFetchTimeout bounds a whole refresh, retries included.
const DefaultFetchTimeout = 45 * time.Second

// Fetcher retrieves the remote configuration for a client key.
type Fetcher interface {
	Fetch(ctx context.Context, clientKey string) (model.RemoteConfig, error)
}

// Snapshotter persists the last remote-backed configuration across process
// restarts. Implemented by storage.StateStore.
type Snapshotter interface {
	LoadConfig(ctx context.Context) (cfg model.RemoteConfig, fetchedAt time.Time, ok bool, err error)
	SaveConfig(ctx context.Context, cfg model.RemoteConfig, fetchedAt time.Time) error
}

// Options configures a Cache. Zero values select defaults.
type Options struct {
	Logger       *slog.Logger
	Clock        clock.Clock
	Emit         func(model.Event) // receives CONFIG_CACHED and LOG diagnostics
	Snapshot     Snapshotter
	FetchTimeout time.Duration
}

// Cache holds the current configuration. Safe for concurrent use.
type Cache struct {
	fetcher   Fetcher
	clientKey string
	logger    *slog.Logger
	clock     clock.Clock
	emit      func(model.Event)
	snap      Snapshotter
	timeout   time.Duration

	group singleflight.Group

	mu           sync.RWMutex
	cfg          model.RemoteConfig
	fetchedAt    time.Time
	remoteBacked bool

	fetches atomic.Int64
}

// New creates a cache holding the default configuration.
func New(fetcher Fetcher, clientKey string, opts Options) *Cache {
	c := &Cache{
		fetcher:   fetcher,
		clientKey: clientKey,
		logger:    opts.Logger,
		clock:     opts.Clock,
		emit:      opts.Emit,
		snap:      opts.Snapshot,
		timeout:   opts.FetchTimeout,
		cfg:       model.DefaultRemoteConfig(),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.emit == nil {
		c.emit = func(model.Event) {}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultFetchTimeout
	}
	return c
}

// Restore loads a persisted snapshot, if any. A restored configuration is
// remote-backed and keeps its recorded fetch time, so it is only reused
// while its TTL has not elapsed.
func (c *Cache) Restore(ctx context.Context) error {
	if c.snap == nil {
		return nil
	}
	cfg, fetchedAt, ok, err := c.snap.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("remoteconfig: restore snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.cfg = cfg
	c.fetchedAt = fetchedAt
	c.remoteBacked = true
	c.mu.Unlock()
	c.logger.Debug("remoteconfig: restored snapshot", "site_id", cfg.SiteID, "fetched_at", fetchedAt)
	return nil
}

// RefreshIfExpired returns the cached configuration while it is fresh and
// otherwise fetches a new one. The returned configuration is always usable:
// on fetch failure it is the default configuration and the error describes
// the failure. Concurrent callers share a single in-flight fetch.
func (c *Cache) RefreshIfExpired(ctx context.Context) (model.RemoteConfig, error) {
	if cfg, ok := c.fresh(); ok {
		return cfg, nil
	}

	// The fetch runs detached from the first caller's ctx: singleflight
	// shares the result, so one caller cancelling must not fail the others.
	ch := c.group.DoChan("refresh", func() (any, error) {
		if cfg, ok := c.fresh(); ok {
			return cfg, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(fetchCtx)
	})

	select {
	case res := <-ch:
		cfg, _ := res.Val.(model.RemoteConfig)
		return cfg, res.Err
	case <-ctx.Done():
		return c.Current(), ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) (model.RemoteConfig, error) {
	c.fetches.Add(1)
	now := c.clock.Now()

	cfg, err := c.fetcher.Fetch(ctx, c.clientKey)
	if err != nil {
		def := model.DefaultRemoteConfig()
		c.mu.Lock()
		c.cfg = def
		c.fetchedAt = time.Time{}
		c.remoteBacked = false
		c.mu.Unlock()

		c.logger.Error("remoteconfig: fetch failed, using defaults", "error", err)
		c.emit(model.Diagnostic(now.UnixMilli(), model.LevelError, "remote config fetch failed",
			model.F("error", err.Error())))
		return def.Clone(), fmt.Errorf("remoteconfig: fetch: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg.Clone()
	c.fetchedAt = now
	c.remoteBacked = true
	c.mu.Unlock()

	serialized, merr := json.Marshal(cfg)
	if merr != nil {
		// RemoteConfig holds only plain fields; this does not fail in practice.
		serialized = []byte("{}")
	}
	c.emit(model.ConfigCached(now.UnixMilli(), string(serialized)))
	c.logger.Info("remoteconfig: cached",
		"site_id", cfg.SiteID, "sample_rate", cfg.SampleRate, "linked_sites", len(cfg.LinkedSites))

	if c.snap != nil {
		if err := c.snap.SaveConfig(ctx, cfg, now); err != nil {
			c.logger.Warn("remoteconfig: save snapshot failed", "error", err)
		}
	}
	return cfg.Clone(), nil
}

func (c *Cache) fresh() (model.RemoteConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.remoteBacked {
		return model.RemoteConfig{}, false
	}
	if c.clock.Now().Sub(c.fetchedAt) >= c.cfg.CacheTTL() {
		return model.RemoteConfig{}, false
	}
	return c.cfg.Clone(), true
}

// Current returns the cached configuration without fetching.
func (c *Cache) Current() model.RemoteConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Clone()
}

// RemoteBacked reports whether the cached configuration came from a
// successful remote fetch.
func (c *Cache) RemoteBacked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteBacked
}

// Fetches returns how many network fetches have been started.
func (c *Cache) Fetches() int64 { return c.fetches.Load() }
