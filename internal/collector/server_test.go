package collector_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/collector"
	"github.com/ashita-ai/kansoku/internal/delivery"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

const testKey = "key_test_abc123"

func newServer(t *testing.T, sink collector.Sink, opts ...func(*collector.ServerConfig)) http.Handler {
	t.Helper()
	cfg := collector.ServerConfig{
		Sink:    sink,
		Logger:  testutil.TestLogger(),
		Version: "test",
	}
	for _, o := range opts {
		o(&cfg)
	}
	return collector.New(cfg).Handler()
}

func sampleBatch(sessionID string) model.Batch {
	return model.Batch{
		SiteID:     "form_abcde123",
		ClientID:   "client-1",
		SessionID:  sessionID,
		SDKVersion: "1.0.0",
		Events: []model.Event{
			model.SessionCreated(1000, sessionID, "form_abcde123", "client-1"),
			model.New(model.EventInput, 1001, model.F("len", 3)).WithTarget("email-input"),
		},
	}
}

func encode(t *testing.T, b model.Batch, compress bool) []byte {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	if !compress {
		return raw
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func post(t *testing.T, h http.Handler, key string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/collect/"+key, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type collectResult struct {
	Accepted  int  `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) collectResult {
	t.Helper()
	var out collectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCollectStoresBatch(t *testing.T) {
	sink := collector.NewMemorySink()
	h := newServer(t, sink)

	rec := post(t, h, testKey, encode(t, sampleBatch("s1"), false), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeResult(t, rec).Accepted)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, testKey, batches[0].ClientKey)
	assert.Equal(t, "s1", batches[0].Batch.SessionID)
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventSessionCreated, events[0].Type)
	assert.Equal(t, "email-input", events[1].Target)
}

func TestCollectAcceptsGzip(t *testing.T) {
	sink := collector.NewMemorySink()
	h := newServer(t, sink)

	rec := post(t, h, testKey, encode(t, sampleBatch("s1"), true), http.Header{"Content-Encoding": {"gzip"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, sink.Events(), 2)
}

func TestCollectDiscardsReplayedBatch(t *testing.T) {
	sink := collector.NewMemorySink()
	h := newServer(t, sink)
	header := http.Header{delivery.BatchIDHeader: {uuid.NewString()}}
	body := encode(t, sampleBatch("s1"), false)

	first := post(t, h, testKey, body, header)
	require.Equal(t, http.StatusOK, first.Code)
	second := post(t, h, testKey, body, header)
	require.Equal(t, http.StatusOK, second.Code)

	res := decodeResult(t, second)
	assert.True(t, res.Duplicate)
	assert.Zero(t, res.Accepted)
	assert.Len(t, sink.Batches(), 1)
}

func TestCollectRejectsBadRequests(t *testing.T) {
	h := newServer(t, collector.NewMemorySink(), func(c *collector.ServerConfig) {
		c.MaxRequestBodyBytes = 64
	})
	valid := []byte(`{"events":[]}`)

	tests := []struct {
		name   string
		key    string
		body   []byte
		header http.Header
		want   int
	}{
		{"malformed key", "key_prod_x", valid, nil, http.StatusBadRequest},
		{"malformed batch id", testKey, valid, http.Header{delivery.BatchIDHeader: {"nope"}}, http.StatusBadRequest},
		{"not json", testKey, []byte("{"), nil, http.StatusBadRequest},
		{"not gzip", testKey, valid, http.Header{"Content-Encoding": {"gzip"}}, http.StatusBadRequest},
		{"too large", testKey, encode(t, sampleBatch("s1"), false), nil, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.key, tt.body, tt.header)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCollectRejectsOversizedDecompressedBody(t *testing.T) {
	h := newServer(t, collector.NewMemorySink(), func(c *collector.ServerConfig) {
		c.MaxRequestBodyBytes = 1024
	})
	b := sampleBatch("s1")
	b.Device = map[string]any{"padding": string(bytes.Repeat([]byte("a"), 16*1024))}
	body := encode(t, b, true)
	require.Less(t, len(body), 1024, "compressed body fits the limit")

	rec := post(t, h, testKey, body, http.Header{"Content-Encoding": {"gzip"}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type failingSink struct{}

func (*failingSink) Store(context.Context, storage.BatchRecord) error {
	return errors.New("disk full")
}

func (*failingSink) Ping(context.Context) error { return errors.New("disk full") }

func TestCollectSinkFailure(t *testing.T) {
	h := newServer(t, &failingSink{})
	rec := post(t, h, testKey, encode(t, sampleBatch("s1"), false), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed to store batch", body["error"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body["request_id"])
}

func TestCollectRateLimitedPerClientKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1, clock.Fake(time.Unix(1_700_000_000, 0)))
	t.Cleanup(func() { _ = limiter.Close() })
	h := newServer(t, collector.NewMemorySink(), func(c *collector.ServerConfig) { c.Limiter = limiter })
	body := encode(t, sampleBatch("s1"), false)

	assert.Equal(t, http.StatusOK, post(t, h, testKey, body, nil).Code)
	limited := post(t, h, testKey, body, nil)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, post(t, h, "key_live_other", body, nil).Code)
}

func TestConfigEndpoint(t *testing.T) {
	cfg := model.DefaultRemoteConfig()
	cfg.SiteID = "form_abcde123"
	cfg.SampleRate = 40
	cfg.LinkedSites = map[string]int{"form_flow0001": 10}
	h := newServer(t, collector.NewMemorySink(), func(c *collector.ServerConfig) {
		c.Configs = collector.NewStaticConfigs(map[string]model.RemoteConfig{testKey: cfg})
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config/"+testKey, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.RemoteConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cfg, got)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config/key_test_unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"key_test_abc123": {"siteId": "form_abcde123", "sampleRate": 25}
	}`), 0o600))

	src, err := collector.LoadConfigFile(path)
	require.NoError(t, err)
	cfg, ok, err := src.Config(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 25, cfg.SampleRate)
	assert.Equal(t, model.DefaultCacheTTL, cfg.CacheTTL(), "omitted fields keep defaults")

	require.NoError(t, os.WriteFile(path, []byte(`{"not-a-key": {}}`), 0o600))
	_, err = collector.LoadConfigFile(path)
	assert.ErrorIs(t, err, model.ErrInvalidClientKey)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, collector.NewMemorySink()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = httptest.NewRecorder()
	newServer(t, &failingSink{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSQLiteSink(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "collector.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h := newServer(t, collector.NewSQLiteSink(db))

	header := http.Header{delivery.BatchIDHeader: {uuid.NewString()}}
	body := encode(t, sampleBatch("sqlite-session"), true)
	header.Set("Content-Encoding", "gzip")
	require.Equal(t, http.StatusOK, post(t, h, testKey, body, header).Code)
	require.Equal(t, http.StatusOK, post(t, h, testKey, body, header).Code)

	n, err := db.CountBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	events, err := db.EventsBySession(context.Background(), "sqlite-session")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPostgresSink(t *testing.T) {
	db := testutil.PostgresDB(t)
	h := newServer(t, collector.NewPostgresSink(db))

	sessionID := "pg-" + uuid.NewString()
	header := http.Header{delivery.BatchIDHeader: {uuid.NewString()}}
	body := encode(t, sampleBatch(sessionID), false)
	require.Equal(t, http.StatusOK, post(t, h, testKey, body, header).Code)
	dup := post(t, h, testKey, body, header)
	require.Equal(t, http.StatusOK, dup.Code)
	assert.True(t, decodeResult(t, dup).Duplicate)

	events, err := db.EventsBySession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
