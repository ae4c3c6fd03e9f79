package remoteconfig

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/model"
)

const testKey = "key_test_abc123"

type stubFetcher struct {
	calls atomic.Int32
	gate  chan struct{} // if non-nil, Fetch blocks until closed
	err   error
	cfg   model.RemoteConfig
}

func (s *stubFetcher) Fetch(ctx context.Context, clientKey string) (model.RemoteConfig, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return model.RemoteConfig{}, s.err
	}
	return s.cfg, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (e *eventSink) emit(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventSink) types() []model.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func remoteCfg() model.RemoteConfig {
	cfg := model.DefaultRemoteConfig()
	cfg.SiteID = "form_abcde123"
	cfg.SampleRate = 40
	cfg.GeoLocationEnabled = true
	return cfg
}

func newCache(f Fetcher, clk clock.Clock, sink *eventSink) *Cache {
	return New(f, testKey, Options{Clock: clk, Emit: sink.emit})
}

func TestRefreshWithinTTLFetchesOnce(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	f := &stubFetcher{cfg: remoteCfg()}
	sink := &eventSink{}
	c := newCache(f, clk, sink)

	first, err := c.RefreshIfExpired(context.Background())
	require.NoError(t, err)
	clk.Advance(23 * time.Hour)
	second, err := c.RefreshIfExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, first, second)
	assert.True(t, c.RemoteBacked())
	assert.Equal(t, []model.EventType{model.EventConfigCached}, sink.types())
}

func TestRefreshAfterTTLFetchesAgain(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	f := &stubFetcher{cfg: remoteCfg()}
	f.cfg.CacheTTLMs = time.Minute.Milliseconds()
	c := newCache(f, clk, &eventSink{})

	_, _ = c.RefreshIfExpired(context.Background())
	clk.Advance(time.Minute)
	_, _ = c.RefreshIfExpired(context.Background())
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestFailureSubstitutesDefaultsAndRetriesNextCall(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	f := &stubFetcher{err: errors.New("connection refused")}
	sink := &eventSink{}
	c := newCache(f, clk, sink)

	cfg, err := c.RefreshIfExpired(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.DefaultRemoteConfig(), cfg)
	assert.False(t, c.RemoteBacked())

	require.Len(t, sink.events, 1)
	assert.Equal(t, model.EventLog, sink.events[0].Type)
	level, _ := sink.events[0].Get("level")
	assert.Equal(t, model.LevelError, level)

	f.err = nil
	f.cfg = remoteCfg()
	cfg, err = c.RefreshIfExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.SampleRate)
	assert.Equal(t, int32(2), f.calls.Load(), "not remote-backed, so the next call fetches")
}

func TestConcurrentRefreshSharesOneFetch(t *testing.T) {
	f := &stubFetcher{cfg: remoteCfg(), gate: make(chan struct{})}
	c := newCache(f, clock.Real(), &eventSink{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]model.RemoteConfig, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg, err := c.RefreshIfExpired(context.Background())
			assert.NoError(t, err)
			results[i] = cfg
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Let the other callers pile up on the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, cfg := range results {
		assert.Equal(t, "form_abcde123", cfg.SiteID)
	}
}

func TestCancelledCallerGetsCurrentConfig(t *testing.T) {
	f := &stubFetcher{cfg: remoteCfg(), gate: make(chan struct{})}
	c := newCache(f, clock.Real(), &eventSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cfg, err := c.RefreshIfExpired(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, model.DefaultRemoteConfig(), cfg)
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	close(f.gate)
	require.Eventually(t, c.RemoteBacked, time.Second, time.Millisecond,
		"the detached fetch still completes")
}

type memSnapshot struct {
	cfg       model.RemoteConfig
	fetchedAt time.Time
	ok        bool
	saves     int
}

func (m *memSnapshot) LoadConfig(context.Context) (model.RemoteConfig, time.Time, bool, error) {
	return m.cfg, m.fetchedAt, m.ok, nil
}

func (m *memSnapshot) SaveConfig(_ context.Context, cfg model.RemoteConfig, at time.Time) error {
	m.cfg, m.fetchedAt, m.ok = cfg, at, true
	m.saves++
	return nil
}

func TestSnapshotRestoreSkipsFetchWhileFresh(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	snap := &memSnapshot{cfg: remoteCfg(), fetchedAt: clk.Now().Add(-time.Hour), ok: true}
	f := &stubFetcher{cfg: remoteCfg()}
	c := New(f, testKey, Options{Clock: clk, Snapshot: snap})

	require.NoError(t, c.Restore(context.Background()))
	cfg, err := c.RefreshIfExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.SampleRate)
	assert.Equal(t, int32(0), f.calls.Load())

	clk.Advance(24 * time.Hour)
	_, err = c.RefreshIfExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, snap.saves)
}

func TestHTTPFetcher(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"siteId":"form_abcde123","sampleRate":150,"linkedSiteOptions":{"form_linkd001":-5}}`))
	}))
	defer srv.Close()

	f := &HTTPFetcher{BaseURL: srv.URL + "/config", Client: srv.Client()}
	cfg, err := f.Fetch(context.Background(), testKey)
	require.NoError(t, err)

	assert.Equal(t, "/config/"+testKey, path.Load())
	assert.Equal(t, "form_abcde123", cfg.SiteID)
	assert.Equal(t, 100, cfg.SampleRate, "clamped")
	assert.Equal(t, 0, cfg.LinkedSites["form_linkd001"], "clamped")
	assert.Equal(t, model.DefaultCacheTTL, cfg.CacheTTL(), "absent fields keep defaults")
}

func TestHTTPFetcherNon200IsError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := &HTTPFetcher{BaseURL: srv.URL, Client: srv.Client()}
	_, err := f.Fetch(context.Background(), testKey)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
