package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AppState is a durable key/value store with optional TTL. Rate-limit
// windows, migration progress and streaming handles live here so they
// survive process restarts.
type AppState struct {
	db DB
}

// Get unmarshals the value under key into out. Expired keys read as
// ErrNotFound.
func (s *AppState) Get(ctx context.Context, key string, out any) error {
	var raw json.RawMessage
	err := s.db.QueryRow(ctx,
		`SELECT value FROM app_state
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key).Scan(&raw)
	if err != nil {
		return fmt.Errorf("getting state %q: %w", key, mapNoRows(err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding state %q: %w", key, err)
	}
	return nil
}

// Set stores value under key. ttl <= 0 means no expiry.
func (s *AppState) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding state %q: %w", key, err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO app_state (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, raw, expiresAt)
	if err != nil {
		return fmt.Errorf("setting state %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key succeeds.
func (s *AppState) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM app_state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("deleting state %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *AppState) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM app_state WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return 0, fmt.Errorf("deleting state prefix %q: %w", prefix, err)
	}
	return tag.RowsAffected(), nil
}

// CleanupExpired removes expired keys. Run periodically; reads already
// ignore expired rows, this just reclaims space.
func (s *AppState) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM app_state WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired state: %w", err)
	}
	return tag.RowsAffected(), nil
}
