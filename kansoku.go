// Package kansoku is the public API of the behavioral-telemetry SDK.
//
// Instrumentation collaborators report interactions through Emit; the host
// application drives the session lifecycle:
//
//	sdk, err := kansoku.New("key_live_abc123",
//	    kansoku.WithCollectorURL("https://collect.example.com/v1/collect"),
//	    kansoku.WithConfigURL("https://collect.example.com/v1/config"),
//	    kansoku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer sdk.Close(ctx)
//	if err := sdk.Start(ctx, "form_abcde123"); err != nil { ... }
//	sdk.Emit(sdk.Event(kansoku.EventTouchStart, kansoku.F("x", 10)))
//
// The import graph is one-way: kansoku (root) imports internal/*, but
// internal/* never imports the root package.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/delivery"
	"github.com/ashita-ai/kansoku/internal/eventstore"
	"github.com/ashita-ai/kansoku/internal/fingerprint"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/remoteconfig"
	"github.com/ashita-ai/kansoku/internal/sampling"
	"github.com/ashita-ai/kansoku/internal/session"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/transport"
)

// Version is reported in batch payloads and the User-Agent header.
const Version = "0.4.0"

// stateFile is the SQLite database created under the data directory.
const stateFile = "kansoku.db"

// Errors returned by lifecycle methods.
var (
	ErrAlreadyStarted = session.ErrAlreadyStarted
	ErrClosed         = session.ErrClosed
)

// Stats counts delivery outcomes since the SDK was created.
type Stats struct {
	BatchesSent    int64
	EventsSent     int64
	BatchesDropped int64 // failed after the retry budget
	EventsDropped  int64
	StoreRejected  int64 // rejected because the store was full
	Excluded       int64 // suppressed by ExcludeTarget
}

// SDK is one telemetry collection instance. All methods are safe for
// concurrent use.
type SDK struct {
	clientKey string
	clock     clock.Clock
	opts      resolvedOptions

	store *eventstore.Store
	cache *remoteconfig.Cache
	sched *delivery.Scheduler
	ctrl  *session.Controller
	db    *storage.SQLite // nil without a data directory

	batchesSent    atomic.Int64
	eventsSent     atomic.Int64
	batchesDropped atomic.Int64
	eventsDropped  atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New creates an SDK for clientKey. Collection does not begin until Start,
// StartSession or StartAppFlow; events emitted earlier are queued and
// delivered with the first session.
func New(clientKey string, opts ...Option) (*SDK, error) {
	if err := model.ValidateClientKey(clientKey); err != nil {
		return nil, fmt.Errorf("kansoku: %w", err)
	}
	o := resolveOptions(opts)
	logger := o.logger
	ctx := context.Background()

	s := &SDK{clientKey: clientKey, clock: o.clock, opts: o}

	clientID := uuid.NewString()
	var snapshot remoteconfig.Snapshotter
	if o.dataDir != "" {
		db, err := storage.OpenSQLite(ctx, filepath.Join(o.dataDir, stateFile), logger)
		if err != nil {
			return nil, fmt.Errorf("kansoku: open state: %w", err)
		}
		if clientID, err = db.ClientID(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kansoku: load client id: %w", err)
		}
		s.db = db
		snapshot = db
	}

	s.store = eventstore.New(logger, o.storeCapacity)
	s.store.RegisterMetrics()

	policy := transport.Policy{
		MaxAttempts: transport.DefaultMaxAttempts,
		Timeout:     model.DefaultRequestTimeout,
		BaseDelay:   o.retryBackoff,
	}
	// requestTimeout follows the config in effect at each call.
	requestTimeout := func() time.Duration { return s.cache.Current().RequestTimeout() }

	// emit forwards component diagnostics once the controller exists.
	emit := func(e model.Event) {
		if s.ctrl != nil {
			s.ctrl.Emit(e)
		}
	}
	s.cache = remoteconfig.New(&remoteconfig.HTTPFetcher{
		BaseURL:        o.configURL,
		Client:         o.httpClient,
		Policy:         policy,
		Logger:         logger,
		Version:        Version,
		RequestTimeout: requestTimeout,
	}, clientKey, remoteconfig.Options{
		Logger:   logger,
		Clock:    o.clock,
		Emit:     emit,
		Snapshot: snapshot,
	})

	client := delivery.NewClient(delivery.ClientConfig{
		CollectorURL:   o.collectorURL,
		ClientKey:      clientKey,
		SDKVersion:     Version,
		HTTPClient:     o.httpClient,
		Policy:         policy,
		Compress:       o.compress,
		Logger:         logger,
		Clock:          o.clock,
		RequestTimeout: requestTimeout,
		Emit:           emit,
	}, func() model.Batch { return s.ctrl.Envelope() })

	s.sched = delivery.NewScheduler(s.store, client, delivery.SchedulerConfig{
		Cadence:   o.cadence,
		Clock:     o.clock,
		Logger:    logger,
		OnSuccess: s.onDelivered,
		OnFailure: s.onDropped,
	})

	deps := session.Deps{
		Store:     s.store,
		Config:    s.cache,
		Sampler:   sampling.New(logger),
		Delivery:  s.sched,
		Metadata:  o.metadata,
		Location:  o.location,
		CallState: o.callState,
	}
	if o.fingerprint != nil {
		deps.Fingerprint = fingerprint.New(o.fingerprint, logger)
	}
	cfg := session.Config{
		ClientKey:              clientKey,
		ClientID:               clientID,
		Clock:                  o.clock,
		Logger:                 logger,
		PauseDelay:             o.pauseDelay,
		ResumeDelay:            o.resumeDelay,
		MaxConsecutiveFailures: o.maxFailures,
	}
	if o.rand != nil {
		cfg.Rand = o.rand
	}
	s.ctrl = session.New(deps, cfg)

	if err := s.cache.Restore(ctx); err != nil {
		logger.Warn("kansoku: ignoring unreadable config snapshot", "error", err)
	}
	logger.Info("kansoku: sdk created", "client_id", clientID, "test_key", model.IsTestKey(clientKey),
		"durable", s.db != nil)
	return s, nil
}

func (s *SDK) onDelivered(n int) {
	s.batchesSent.Add(1)
	s.eventsSent.Add(int64(n))
	s.ctrl.HandleDeliverySuccess(n)
}

func (s *SDK) onDropped(err error, n int) bool {
	s.batchesDropped.Add(1)
	s.eventsDropped.Add(int64(n))
	return s.ctrl.HandleDeliveryFailure(err, n)
}

// Event builds an event stamped with the SDK clock.
func (s *SDK) Event(typ EventType, fields ...Field) Event {
	return model.New(typ, s.clock.Now().UnixMilli(), fields...)
}

// Emit records an event. It reports whether the event was stored; events
// are dropped while collection is paused, for unsampled flows, for
// excluded targets and when the store is full.
func (s *SDK) Emit(e Event) bool {
	return s.ctrl.Emit(e)
}

// ExcludeTarget suppresses every future event attributed to id, such as a
// password field.
func (s *SDK) ExcludeTarget(id string) {
	s.store.ExcludeTarget(id)
}

// Start begins collection for siteID under a new session, or under the
// session kept by a previous Stop.
func (s *SDK) Start(ctx context.Context, siteID string) error {
	return s.ctrl.Start(ctx, siteID)
}

// StartSession begins collection for siteID under sessionID, ending any live
// session first. sessionID also becomes the user ID.
func (s *SDK) StartSession(ctx context.Context, siteID, sessionID string) error {
	return s.ctrl.StartSession(ctx, siteID, sessionID)
}

// StartAppFlow switches collection to a linked sub-flow, starting a session
// if none is live. userID may be empty.
func (s *SDK) StartAppFlow(ctx context.Context, siteID, userID string) error {
	return s.ctrl.StartAppFlow(ctx, siteID, userID)
}

// PauseCollection stops delivery and drops interaction events until
// ResumeCollection. With flush set, stored events are sent first. The pause
// completes asynchronously.
func (s *SDK) PauseCollection(flush bool) error {
	return s.ctrl.PauseCollection(flush)
}

// ResumeCollection waits for a pending pause and restarts delivery.
func (s *SDK) ResumeCollection(ctx context.Context) error {
	return s.ctrl.ResumeCollection(ctx)
}

// Stop halts collection and flushes stored events. The session and user
// identifiers are kept for the next Start.
func (s *SDK) Stop(ctx context.Context) error {
	return s.ctrl.Stop(ctx)
}

// StopSession ends the session: it emits CLOSE_SESSION, flushes and clears
// the session, user and linked-site identifiers.
func (s *SDK) StopSession(ctx context.Context) error {
	return s.ctrl.StopSession(ctx)
}

// SetUserID sets the user identifier attached to subsequent batches.
func (s *SDK) SetUserID(userID string) error {
	return s.ctrl.SetUserID(userID)
}

// SetRegisteredUserID sets the registered user identifier once per session.
// A different value later in the same session is ignored with a warning.
func (s *SDK) SetRegisteredUserID(id string) error {
	return s.ctrl.SetRegisteredUserID(id)
}

// OnConnectivityChanged reports a network transition. Sustained loss pauses
// collection; a sustained reconnect resumes it.
func (s *SDK) OnConnectivityChanged(connected bool) {
	s.ctrl.OnConnectivityChanged(connected)
}

// Snapshot returns the current session fields.
func (s *SDK) Snapshot() SessionState {
	return s.ctrl.Snapshot()
}

// RemoteConfig returns the configuration currently in effect.
func (s *SDK) RemoteConfig() RemoteConfig {
	return s.cache.Current()
}

// Flush sends stored events now, outside the cadence.
func (s *SDK) Flush(ctx context.Context) error {
	return s.sched.Flush(ctx)
}

// Stats returns delivery counters.
func (s *SDK) Stats() Stats {
	return Stats{
		BatchesSent:    s.batchesSent.Load(),
		EventsSent:     s.eventsSent.Load(),
		BatchesDropped: s.batchesDropped.Load(),
		EventsDropped:  s.eventsDropped.Load(),
		StoreRejected:  s.store.Dropped(),
		Excluded:       s.store.Excluded(),
	}
}

// Close stops collection, flushes, and releases durable state. The SDK
// cannot be restarted afterwards. Close is idempotent.
func (s *SDK) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		err := s.ctrl.Close(ctx)
		s.sched.Stop()
		if s.db != nil {
			err = errors.Join(err, s.db.Close())
		}
		if err != nil {
			s.closeErr = fmt.Errorf("kansoku: close: %w", err)
		}
		s.opts.logger.Info("kansoku: sdk closed", "stats", s.Stats())
	})
	return s.closeErr
}
