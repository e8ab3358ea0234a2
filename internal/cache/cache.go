// Package cache is a two-backend response cache: in-process memory for
// single-node deployments, Redis when several nodes must share entries.
// Keys are namespaced strings ("chat:<hash>", "retrieval:<hash>") so
// invalidation can sweep a whole namespace by prefix.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sitebrain/sitebrain/internal/log"
)

// ErrMiss reports a key that is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a byte-oriented cache store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix, returning how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Manager wraps a backend with a default TTL and JSON helpers.
type Manager struct {
	backend Backend
	ttl     time.Duration
	logger  log.Logger
}

// New creates a Manager. defaultTTL applies when Set callers pass 0.
func New(backend Backend, defaultTTL time.Duration, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{backend: backend, ttl: defaultTTL, logger: logger}
}

// GetJSON reads key and unmarshals it into out. Returns ErrMiss when
// absent.
func (m *Manager) GetJSON(ctx context.Context, key string, out any) error {
	raw, err := m.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A corrupt entry reads as a miss; the caller recomputes it.
		m.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		_ = m.backend.Delete(ctx, key)
		return ErrMiss
	}
	return nil
}

// SetJSON stores value under key. ttl 0 uses the default.
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", key, err)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.backend.Set(ctx, key, raw, ttl)
}

// GetOrComputeJSON returns the cached value under key, computing and
// storing it on a miss. Cache write failures are logged, not returned: a
// broken cache degrades to computing every time.
func (m *Manager) GetOrComputeJSON(ctx context.Context, key string, ttl time.Duration, out any, compute func(context.Context) (any, error)) error {
	if err := m.GetJSON(ctx, key, out); err == nil {
		return nil
	} else if !errors.Is(err, ErrMiss) {
		m.logger.Warn("cache read failed, computing", "key", key, "error", err)
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	if err := m.SetJSON(ctx, key, value, ttl); err != nil {
		m.logger.Warn("cache write failed", "key", key, "error", err)
	}

	// Round-trip through JSON so out is populated identically on hit and
	// miss paths.
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding computed value: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// Invalidate removes one key.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	return m.backend.Delete(ctx, key)
}

// InvalidatePrefix removes every key in a namespace, e.g. "retrieval:"
// after a document changes.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	n, err := m.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	m.logger.Debug("invalidated cache prefix", "prefix", prefix, "removed", n)
	return n, nil
}

// Close releases backend resources.
func (m *Manager) Close() error {
	return m.backend.Close()
}
