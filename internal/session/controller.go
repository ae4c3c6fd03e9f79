// Package session owns the collection lifecycle: starting and stopping
// sessions, linked sub-flows, pause/resume and connectivity debounce. It
// coordinates the event store, remote config, sampling and delivery.
//
// One Controller exists per SDK instance. Every exported method is safe for
// concurrent use. Lifecycle operations are serialized; Emit never waits on
// them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sampling"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrClosed         = errors.New("session: controller closed")
)

// Defaults for Config.
const (
	DefaultPauseDelay             = 10 * time.Second
	DefaultResumeDelay            = 2 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultFlushTimeout           = 30 * time.Second
)

// EventStore is the subset of *eventstore.Store the controller uses.
type EventStore interface {
	Queue(e model.Event) bool
	Save(e model.Event) bool
	FlushQueued() int
	Clear() int
}

// ConfigSource is the subset of *remoteconfig.Cache the controller uses.
type ConfigSource interface {
	RefreshIfExpired(ctx context.Context) (model.RemoteConfig, error)
	Current() model.RemoteConfig
}

// Sampler is the subset of *sampling.Decider the controller uses.
type Sampler interface {
	Rebuild(cfg model.RemoteConfig, rng sampling.Source)
	Update(siteID string, rate int, rng sampling.Source)
	IsSampled(siteID string) bool
}

// Delivery is the subset of *delivery.Scheduler the controller uses.
type Delivery interface {
	Start(ctx context.Context)
	Restart(ctx context.Context)
	Stop()
	Flush(ctx context.Context) error
	Started() bool
}

// MetadataProvider describes the device for MOBILE_METADATA events.
type MetadataProvider interface {
	Metadata() map[string]any
}

// LocationProvider is an optional signal source acquired while the remote
// config enables geolocation and the current flow is sampled.
type LocationProvider interface {
	Start(ctx context.Context) error
	Stop()
}

// CallStateProvider is an optional signal source acquired while the remote
// config enables call-state monitoring and the current flow is sampled.
type CallStateProvider interface {
	Start(ctx context.Context) error
	Stop()
}

// signal is the shape shared by optional signal sources.
type signal interface {
	Start(ctx context.Context) error
	Stop()
}

// Fingerprinter supplies a cached device fingerprint.
type Fingerprinter interface {
	Get(ctx context.Context) (string, error)
}

// Deps are the collaborators a Controller drives. Store, Config, Sampler and
// Delivery are required.
type Deps struct {
	Store       EventStore
	Config      ConfigSource
	Sampler     Sampler
	Delivery    Delivery
	Metadata    MetadataProvider
	Location    LocationProvider
	CallState   CallStateProvider
	Fingerprint Fingerprinter
}

// Config holds controller settings. Zero values select defaults.
type Config struct {
	ClientKey              string
	ClientID               string
	Clock                  clock.Clock
	Logger                 *slog.Logger
	Rand                   sampling.Source // sampling draws; not shared with other goroutines
	PauseDelay             time.Duration   // disconnect debounce
	ResumeDelay            time.Duration   // reconnect debounce
	MaxConsecutiveFailures int             // failed batches before collection pauses
	FlushTimeout           time.Duration
}

// Controller is the session state machine.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	// baseCtx outlives individual calls; delivery jobs and async pauses run on it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// opMu serializes lifecycle operations. It is never taken by Emit.
	opMu sync.Mutex

	mu               sync.Mutex
	state            model.State
	sessionID        string
	siteID           string
	userID           string
	registeredUserID string
	linkedSiteID     string
	isConnected      bool
	device           map[string]any
	pause            *pauseJob
	networkPaused    bool // the current pause came from connectivity loss
	locationActive   bool
	callStateActive  bool
	closed           bool

	failures atomic.Int32
	debounce *debouncer
}

// pauseJob is the pending handle for an in-flight pause.
type pauseJob struct {
	done chan struct{}
}

// New creates a controller in the NotStarted state.
func New(deps Deps, cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // sampling doesn't need crypto-strength randomness
	}
	if cfg.PauseDelay <= 0 {
		cfg.PauseDelay = DefaultPauseDelay
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = DefaultResumeDelay
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:        deps,
		cfg:         cfg,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		baseCtx:     ctx,
		cancelBase:  cancel,
		isConnected: true,
		debounce:    newDebouncer(cfg.Clock),
	}
}

// Emit routes an event into the store. Before a session exists events are
// queued; afterwards they are saved for delivery. Interaction events are
// dropped while collection is paused or the current flow is not sampled.
// It reports whether the event was stored.
func (c *Controller) Emit(e model.Event) bool {
	c.mu.Lock()
	state, sessionID, site := c.state, c.sessionID, c.currentSiteLocked()
	c.mu.Unlock()

	if !e.Type.IsLifecycle() {
		if state == model.StatePaused {
			return false
		}
		if !c.deps.Sampler.IsSampled(site) {
			return false
		}
	}
	if state == model.StateNotStarted && sessionID == "" {
		return c.deps.Store.Queue(e)
	}
	return c.deps.Store.Save(e)
}

// Snapshot returns a copy of the session fields.
func (c *Controller) Snapshot() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.SessionState{
		State:            c.state,
		SessionID:        c.sessionID,
		ClientID:         c.cfg.ClientID,
		SiteID:           c.siteID,
		UserID:           c.userID,
		RegisteredUserID: c.registeredUserID,
		LinkedSiteID:     c.linkedSiteID,
		IsConnected:      c.isConnected,
	}
}

// Envelope returns the batch metadata for delivery.
func (c *Controller) Envelope() model.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.Batch{
		SiteID:           c.siteID,
		ClientID:         c.cfg.ClientID,
		SessionID:        c.sessionID,
		UserID:           c.userID,
		RegisteredUserID: c.registeredUserID,
		LinkedSiteID:     c.linkedSiteID,
		PageTag:          c.currentSiteLocked(),
		Device:           c.device,
	}
}

// PendingPause returns a channel closed when the in-flight pause finishes,
// or nil when no pause is in flight.
func (c *Controller) PendingPause() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pause == nil {
		return nil
	}
	return c.pause.done
}

// HandleDeliverySuccess resets the consecutive failure count.
func (c *Controller) HandleDeliverySuccess(int) {
	c.failures.Store(0)
}

// HandleDeliveryFailure records a dropped batch as a diagnostic event. After
// MaxConsecutiveFailures dropped batches it pauses collection and returns
// true so the delivery job stops.
func (c *Controller) HandleDeliveryFailure(err error, batchSize int) bool {
	c.Emit(model.Diagnostic(c.nowMs(), model.LevelError, "batch delivery failed",
		model.F("batchSize", batchSize), model.F("error", err.Error())))

	n := int(c.failures.Add(1))
	if n < c.cfg.MaxConsecutiveFailures {
		return false
	}
	c.logger.Warn("session: pausing after repeated delivery failures", "failures", n)
	_ = c.PauseCollection(false)
	return true
}

// Close stops background work. The controller cannot be used afterwards.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.debounce.cancel()
	c.cancelBase()
	return err
}

func (c *Controller) currentSiteLocked() string {
	if c.linkedSiteID != "" {
		return c.linkedSiteID
	}
	return c.siteID
}

func (c *Controller) setState(s model.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) getState() model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) nowMs() int64 { return c.clock.Now().UnixMilli() }

// recoverTo converts a panic in a public entry point into an error and a
// LOG event. Use as: defer c.recoverTo(&err, "start").
func (c *Controller) recoverTo(err *error, op string) {
	r := recover()
	if r == nil {
		return
	}
	*err = fmt.Errorf("session: %s: internal error: %v", op, r)
	c.logger.Error("session: recovered panic", "op", op, "panic", r)
	c.Emit(model.Diagnostic(c.nowMs(), model.LevelError, "internal error",
		model.F("op", op), model.F("panic", fmt.Sprint(r))))
}

// deviceMetadata assembles the MOBILE_METADATA payload.
func (c *Controller) deviceMetadata(ctx context.Context) map[string]any {
	md := make(map[string]any)
	if c.deps.Metadata != nil {
		for k, v := range c.deps.Metadata.Metadata() {
			md[k] = v
		}
	}
	if c.deps.Fingerprint != nil {
		fp, err := c.deps.Fingerprint.Get(ctx)
		if err != nil {
			c.logger.Warn("session: fingerprint unavailable", "error", err)
		} else {
			md["fingerprint"] = fp
		}
	}
	return md
}

// emitBoundary emits the CREATE_SESSION and MOBILE_METADATA pair that marks
// a session or flow boundary.
func (c *Controller) emitBoundary(ctx context.Context, sessionID, siteID string) {
	md := c.deviceMetadata(ctx)
	c.mu.Lock()
	c.device = md
	c.mu.Unlock()

	ts := c.nowMs()
	c.Emit(model.SessionCreated(ts, sessionID, siteID, c.cfg.ClientID))
	c.Emit(model.DeviceMetadata(ts, md))
}

// acquireOptional starts optional signal sources the config enables for a
// sampled flow.
func (c *Controller) acquireOptional(ctx context.Context) {
	if c.deps.Location == nil && c.deps.CallState == nil {
		return
	}
	cfg := c.deps.Config.Current()
	c.mu.Lock()
	site := c.currentSiteLocked()
	c.mu.Unlock()
	if !c.deps.Sampler.IsSampled(site) {
		return
	}
	if cfg.GeoLocationEnabled && c.deps.Location != nil {
		c.acquire(ctx, "location", c.deps.Location, &c.locationActive)
	}
	if cfg.CallStateEnabled && c.deps.CallState != nil {
		c.acquire(ctx, "call state", c.deps.CallState, &c.callStateActive)
	}
}

// acquire starts src unless active is already set. active is guarded by mu.
func (c *Controller) acquire(ctx context.Context, name string, src signal, active *bool) {
	c.mu.Lock()
	running := *active
	c.mu.Unlock()
	if running {
		return
	}
	if err := src.Start(ctx); err != nil {
		c.logger.Warn("session: optional signal failed to start", "signal", name, "error", err)
		return
	}
	c.mu.Lock()
	*active = true
	c.mu.Unlock()
}

func (c *Controller) releaseOptional() {
	c.mu.Lock()
	location, callState := c.locationActive, c.callStateActive
	c.locationActive, c.callStateActive = false, false
	c.mu.Unlock()
	if location && c.deps.Location != nil {
		c.deps.Location.Stop()
	}
	if callState && c.deps.CallState != nil {
		c.deps.CallState.Stop()
	}
}

// flush sends whatever is in the store now, bounded by FlushTimeout.
func (c *Controller) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()
	if err := c.deps.Delivery.Flush(ctx); err != nil {
		c.logger.Warn("session: flush failed", "error", err)
	}
}
