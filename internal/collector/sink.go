package collector

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Sink stores received batches. Store returns storage.ErrDuplicateBatch for
// a batch ID it has already stored.
type Sink interface {
	Store(ctx context.Context, rec storage.BatchRecord) error
	Ping(ctx context.Context) error
}

// MemorySink keeps batches in memory. Used in tests and the default
// development configuration.
type MemorySink struct {
	mu      sync.Mutex
	batches []storage.BatchRecord
	seen    map[uuid.UUID]struct{}
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[uuid.UUID]struct{})}
}

// Store appends rec unless its batch ID was seen before.
func (m *MemorySink) Store(_ context.Context, rec storage.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[rec.BatchID]; dup {
		return storage.ErrDuplicateBatch
	}
	m.seen[rec.BatchID] = struct{}{}
	m.batches = append(m.batches, rec)
	return nil
}

// Ping always succeeds.
func (m *MemorySink) Ping(context.Context) error { return nil }

// Batches returns a copy of the stored batches in arrival order.
func (m *MemorySink) Batches() []storage.BatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.batches)
}

// Events returns every stored event in arrival order.
func (m *MemorySink) Events() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, b := range m.batches {
		out = append(out, b.Batch.Events...)
	}
	return out
}

// SQLiteSink stores batches in a local SQLite database.
type SQLiteSink struct {
	db *storage.SQLite
}

// NewSQLiteSink wraps an open database.
func NewSQLiteSink(db *storage.SQLite) *SQLiteSink { return &SQLiteSink{db: db} }

// Store inserts rec.
func (s *SQLiteSink) Store(ctx context.Context, rec storage.BatchRecord) error {
	return s.db.InsertBatch(ctx, rec)
}

// Ping checks the database.
func (s *SQLiteSink) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// PostgresSink stores batches in Postgres.
type PostgresSink struct {
	db *storage.Postgres
}

// NewPostgresSink wraps a connected pool.
func NewPostgresSink(db *storage.Postgres) *PostgresSink { return &PostgresSink{db: db} }

// Store inserts rec.
func (s *PostgresSink) Store(ctx context.Context, rec storage.BatchRecord) error {
	return s.db.InsertBatch(ctx, rec)
}

// Ping checks the pool.
func (s *PostgresSink) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
