package kansoku

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/delivery"
	"github.com/ashita-ai/kansoku/internal/eventstore"
	"github.com/ashita-ai/kansoku/internal/session"
)

// Default endpoints, used when WithCollectorURL or WithConfigURL is not given.
const (
	DefaultCollectorURL = "http://localhost:8080/collect"
	DefaultConfigURL    = "http://localhost:8080/config"
)

// DefaultRetryBackoff is the delay before the first retry of a failed request.
const DefaultRetryBackoff = 250 * time.Millisecond

// Option configures an SDK.
type Option func(*resolvedOptions)

// resolvedOptions holds all settings after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger       *slog.Logger
	collectorURL string
	configURL    string
	httpClient   *http.Client
	cadence      time.Duration
	dataDir      string
	compress     bool

	metadata    MetadataProvider
	location    LocationProvider
	callState   CallStateProvider
	fingerprint FingerprintSource

	clock         clock.Clock
	rand          RandSource
	pauseDelay    time.Duration
	resumeDelay   time.Duration
	retryBackoff  time.Duration
	maxFailures   int
	storeCapacity int
}

func resolveOptions(opts []Option) resolvedOptions {
	o := resolvedOptions{
		collectorURL:  DefaultCollectorURL,
		configURL:     DefaultConfigURL,
		httpClient:    http.DefaultClient,
		cadence:       delivery.DefaultCadence,
		compress:      true,
		pauseDelay:    session.DefaultPauseDelay,
		resumeDelay:   session.DefaultResumeDelay,
		retryBackoff:  DefaultRetryBackoff,
		maxFailures:   session.DefaultMaxConsecutiveFailures,
		storeCapacity: eventstore.DefaultCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.metadata == nil {
		o.metadata = defaultMetadata{}
	}
	return o
}

// WithLogger sets the structured logger for the SDK.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithCollectorURL sets the collection endpoint. Batches are POSTed to
// <url>/<clientKey>.
func WithCollectorURL(url string) Option {
	return func(o *resolvedOptions) { o.collectorURL = url }
}

// WithConfigURL sets the remote config endpoint. Configuration is fetched
// from <url>/<clientKey>.
func WithConfigURL(url string) Option {
	return func(o *resolvedOptions) { o.configURL = url }
}

// WithHTTPClient replaces http.DefaultClient for delivery and config fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithCadence sets how often the delivery job drains the store.
func WithCadence(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cadence = d }
}

// WithDataDir enables durable state under dir: a stable client ID and the
// last fetched remote config survive restarts. Without it both live in memory.
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithCompression toggles gzip request bodies. On by default.
func WithCompression(enabled bool) Option {
	return func(o *resolvedOptions) { o.compress = enabled }
}

// WithMetadataProvider replaces the default device description.
func WithMetadataProvider(p MetadataProvider) Option {
	return func(o *resolvedOptions) { o.metadata = p }
}

// WithLocationProvider registers a location source. It is started only while
// the remote config enables geolocation and the current flow is sampled.
func WithLocationProvider(p LocationProvider) Option {
	return func(o *resolvedOptions) { o.location = p }
}

// WithCallStateProvider registers a call-state source, started under the
// same conditions as the location provider but gated on callStateEnabled.
func WithCallStateProvider(p CallStateProvider) Option {
	return func(o *resolvedOptions) { o.callState = p }
}

// WithFingerprintSource registers the device fingerprint collaborator. Its
// first successful result is cached and attached to device metadata.
func WithFingerprintSource(s FingerprintSource) Option {
	return func(o *resolvedOptions) { o.fingerprint = s }
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(o *resolvedOptions) { o.clock = c }
}

// WithRandSource fixes the source of sampling draws, making sampling
// decisions reproducible.
func WithRandSource(r RandSource) Option {
	return func(o *resolvedOptions) { o.rand = r }
}

// WithDebounce sets how long connectivity must stay lost before collection
// pauses and how long it must stay restored before collection resumes.
func WithDebounce(pause, resume time.Duration) Option {
	return func(o *resolvedOptions) {
		o.pauseDelay = pause
		o.resumeDelay = resume
	}
}

// WithRetryBackoff sets the delay before the first retry of a failed request.
// Zero retries immediately.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *resolvedOptions) { o.retryBackoff = d }
}

// WithMaxConsecutiveFailures sets how many batches may be dropped in a row
// before collection pauses.
func WithMaxConsecutiveFailures(n int) Option {
	return func(o *resolvedOptions) { o.maxFailures = n }
}

// WithStoreCapacity bounds how many events the store holds; events beyond it
// are dropped.
func WithStoreCapacity(n int) Option {
	return func(o *resolvedOptions) { o.storeCapacity = n }
}
