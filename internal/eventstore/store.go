// Package eventstore holds captured events until the delivery scheduler
// drains them.
//
// Two buffers are kept: a queued buffer for events captured before a session
// exists, and a persisted buffer for events captured during a session. Only
// the persisted buffer is ever drained. Producers may call Queue and Save
// from any goroutine; the scheduler is the single consumer.
package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DefaultCapacity bounds queued plus persisted events to keep a stalled
// delivery path from growing memory without limit.
const DefaultCapacity = 10_000

// Store is the pending-event buffer. All methods are safe for concurrent use.
type Store struct {
	logger   *slog.Logger
	capacity int

	mu        sync.Mutex
	queued    []model.Event
	persisted []model.Event
	excluded  map[string]struct{}

	dropped       atomic.Int64 // rejected because the store was full
	excludedCount atomic.Int64 // suppressed by the exclusion set
}

// New creates a store. capacity <= 0 selects DefaultCapacity.
func New(logger *slog.Logger, capacity int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		logger:   logger,
		capacity: capacity,
		excluded: make(map[string]struct{}),
	}
}

// Queue appends to the pre-session buffer. It returns false if the event was
// excluded or the store is full.
func (s *Store) Queue(e model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.admitLocked(e) {
		return false
	}
	s.queued = append(s.queued, e)
	return true
}

// Save appends to the persisted buffer. It returns false if the event was
// excluded or the store is full.
func (s *Store) Save(e model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.admitLocked(e) {
		return false
	}
	s.persisted = append(s.persisted, e)
	return true
}

func (s *Store) admitLocked(e model.Event) bool {
	if e.Target != "" {
		if _, ok := s.excluded[e.Target]; ok {
			s.excludedCount.Add(1)
			return false
		}
	}
	if len(s.queued)+len(s.persisted) >= s.capacity {
		n := s.dropped.Add(1)
		// Log the first drop and then every thousandth to avoid flooding.
		if n == 1 || n%1000 == 0 {
			s.logger.Warn("eventstore: at capacity, dropping events",
				"capacity", s.capacity, "dropped_total", n, "event_type", e.Type)
		}
		return false
	}
	return true
}

// DrainAll removes and returns every persisted event. The slice is swapped
// out under the lock, so an append racing with the drain lands either in the
// returned batch or in the next one, never both.
func (s *Store) DrainAll() []model.Event {
	s.mu.Lock()
	batch := s.persisted
	s.persisted = nil
	s.mu.Unlock()
	return batch
}

// FlushQueued moves every queued event to the end of the persisted buffer
// and returns how many moved.
func (s *Store) FlushQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queued)
	if n == 0 {
		return 0
	}
	s.persisted = append(s.persisted, s.queued...)
	s.queued = nil
	return n
}

// ExcludeTarget suppresses all future events attributed to id. Repeated
// calls are no-ops.
func (s *Store) ExcludeTarget(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.excluded[id] = struct{}{}
	s.mu.Unlock()
}

// IsExcluded reports whether id is in the exclusion set.
func (s *Store) IsExcluded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.excluded[id]
	return ok
}

// Clear discards every queued and persisted event and returns how many were
// discarded. Exclusions are kept.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queued) + len(s.persisted)
	s.queued = nil
	s.persisted = nil
	return n
}

// Len returns the number of persisted events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

// QueuedLen returns the number of pre-session events.
func (s *Store) QueuedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Dropped returns how many events were rejected because the store was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Excluded returns how many events were suppressed by the exclusion set.
func (s *Store) Excluded() int64 { return s.excludedCount.Load() }

// RegisterMetrics registers observable gauges for store health. Call after
// telemetry.Init so the gauges bind to the configured meter provider.
func (s *Store) RegisterMetrics() {
	meter := telemetry.Meter("kansoku/eventstore")

	_, _ = meter.Int64ObservableGauge("kansoku.store.depth",
		metric.WithDescription("Events waiting in the store (queued and persisted)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := len(s.queued) + len(s.persisted)
			s.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.store.dropped_total",
		metric.WithDescription("Events rejected because the store was at capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Dropped())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.store.excluded_total",
		metric.WithDescription("Events suppressed by the target exclusion set"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Excluded())
			return nil
		}),
	)
}
