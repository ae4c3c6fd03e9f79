package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

const stateKeyClientID = "client_id"

// ClientID returns the installation's stable client identifier, generating
// and persisting a random UUID on first use.
func (s *SQLite) ClientID(ctx context.Context) (string, error) {
	id, err := s.stateValue(ctx, stateKeyClientID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id = uuid.NewString()
	// INSERT OR IGNORE keeps the first writer's value if two processes race.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sdk_state (key, value, updated_at) VALUES (?, ?, ?)`,
		stateKeyClientID, id, time.Now().UTC().UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("storage: save client id: %w", err)
	}
	return s.stateValue(ctx, stateKeyClientID)
}

func (s *SQLite) stateValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sdk_state WHERE key = ?`, key).Scan(&v)
	if isNoRows(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: read state %s: %w", key, err)
	}
	return v, nil
}

// LoadConfig returns the last saved remote configuration and its fetch time.
// ok is false when nothing has been saved.
func (s *SQLite) LoadConfig(ctx context.Context) (model.RemoteConfig, time.Time, bool, error) {
	var body string
	var fetchedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT body, fetched_at FROM config_snapshot WHERE id = 1`,
	).Scan(&body, &fetchedMs)
	if isNoRows(err) {
		return model.RemoteConfig{}, time.Time{}, false, nil
	}
	if err != nil {
		return model.RemoteConfig{}, time.Time{}, false, fmt.Errorf("storage: load config snapshot: %w", err)
	}

	cfg := model.DefaultRemoteConfig()
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return model.RemoteConfig{}, time.Time{}, false, fmt.Errorf("storage: decode config snapshot: %w", err)
	}
	return cfg, time.UnixMilli(fetchedMs).UTC(), true, nil
}

// SaveConfig replaces the saved remote configuration.
func (s *SQLite) SaveConfig(ctx context.Context, cfg model.RemoteConfig, fetchedAt time.Time) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("storage: encode config snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshot (id, body, fetched_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at`,
		string(body), fetchedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("storage: save config snapshot: %w", err)
	}
	return nil
}
