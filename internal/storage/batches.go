package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// BatchRecord is one received collection request.
type BatchRecord struct {
	BatchID    uuid.UUID
	ClientKey  string
	ReceivedAt time.Time
	Batch      model.Batch
}

type eventRow struct {
	seq    int
	typ    string
	ts     int64
	target string
	attrs  []byte
}

func eventRows(events []model.Event) ([]eventRow, error) {
	rows := make([]eventRow, len(events))
	for i, e := range events {
		attrs, err := e.AttrsJSON()
		if err != nil {
			return nil, fmt.Errorf("storage: encode event %d attrs: %w", i, err)
		}
		rows[i] = eventRow{seq: i, typ: string(e.Type), ts: e.Timestamp, target: e.Target, attrs: attrs}
	}
	return rows, nil
}

func deviceJSON(device map[string]any) ([]byte, error) {
	if device == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(device)
	if err != nil {
		return nil, fmt.Errorf("storage: encode device: %w", err)
	}
	return b, nil
}

func decodeEvent(typ string, ts int64, target string, attrs []byte) (model.Event, error) {
	fields, err := model.DecodeAttrs(attrs)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: decode event attrs: %w", err)
	}
	return model.New(model.EventType(typ), ts, fields...).WithTarget(target), nil
}

// InsertBatch stores a batch and its events in one transaction. A batch ID
// that was already stored returns ErrDuplicateBatch and changes nothing.
func (s *SQLite) InsertBatch(ctx context.Context, rec BatchRecord) error {
	rows, err := eventRows(rec.Batch.Events)
	if err != nil {
		return err
	}
	device, err := deviceJSON(rec.Batch.Device)
	if err != nil {
		return err
	}

	return WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin batch insert: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		b := rec.Batch
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collected_batches
			   (batch_id, client_key, site_id, session_id, user_id, sdk_version, device, event_count, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.BatchID.String(), rec.ClientKey, b.SiteID, b.SessionID, b.UserID, b.SDKVersion,
			string(device), len(rows), rec.ReceivedAt.UTC().UnixMilli(),
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateBatch
			}
			return fmt.Errorf("storage: insert batch: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO collected_events (batch_id, seq, type, ts, target, attrs) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("storage: prepare event insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, rec.BatchID.String(), r.seq, r.typ, r.ts, r.target, string(r.attrs)); err != nil {
				return fmt.Errorf("storage: insert event %d: %w", r.seq, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit batch: %w", err)
		}
		return nil
	})
}

// EventsBySession returns every stored event for sessionID in arrival order.
func (s *SQLite) EventsBySession(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.type, e.ts, e.target, e.attrs
		   FROM collected_events e
		   JOIN collected_batches b ON b.batch_id = e.batch_id
		  WHERE b.session_id = ?
		  ORDER BY b.received_at, b.rowid, e.seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var typ, target, attrs string
		var ts int64
		if err := rows.Scan(&typ, &ts, &target, &attrs); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e, err := decodeEvent(typ, ts, target, []byte(attrs))
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountBatches returns how many batches have been stored.
func (s *SQLite) CountBatches(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM collected_batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count batches: %w", err)
	}
	return n, nil
}

// InsertBatch stores a batch row and COPYs its events in one transaction.
// A batch ID that was already stored returns ErrDuplicateBatch.
func (db *Postgres) InsertBatch(ctx context.Context, rec BatchRecord) error {
	rows, err := eventRows(rec.Batch.Events)
	if err != nil {
		return err
	}
	device, err := deviceJSON(rec.Batch.Device)
	if err != nil {
		return err
	}

	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			rec.BatchID, r.seq, r.typ, time.UnixMilli(r.ts).UTC(), r.target, r.attrs,
		}
	}

	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin batch insert: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		b := rec.Batch
		if _, err := tx.Exec(ctx,
			`INSERT INTO collected_batches
			   (batch_id, client_key, site_id, session_id, user_id, sdk_version, device, event_count, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.BatchID, rec.ClientKey, b.SiteID, b.SessionID, b.UserID, b.SDKVersion,
			device, len(rows), rec.ReceivedAt.UTC(),
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateBatch
			}
			return fmt.Errorf("storage: insert batch: %w", err)
		}

		// Dedicated COPY timeout keeps a hung Postgres from blocking ingest.
		copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
		_, err = tx.CopyFrom(copyCtx,
			pgx.Identifier{"collected_events"},
			[]string{"batch_id", "seq", "type", "ts", "target", "attrs"},
			pgx.CopyFromRows(copyRows),
		)
		copyCancel()
		if err != nil {
			return fmt.Errorf("storage: copy events: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit batch: %w", err)
		}
		return nil
	})
}

// EventsBySession returns every stored event for sessionID in arrival order.
func (db *Postgres) EventsBySession(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.type, e.ts, e.target, e.attrs
		   FROM collected_events e
		   JOIN collected_batches b ON b.batch_id = e.batch_id
		  WHERE b.session_id = $1
		  ORDER BY b.received_at, e.batch_id, e.seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query session events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var typ, target string
		var ts time.Time
		var attrs []byte
		if err := rows.Scan(&typ, &ts, &target, &attrs); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e, err := decodeEvent(typ, ts.UnixMilli(), target, attrs)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountBatches returns how many batches have been stored.
func (db *Postgres) CountBatches(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM collected_batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count batches: %w", err)
	}
	return n, nil
}
