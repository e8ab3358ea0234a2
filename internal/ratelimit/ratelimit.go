// Package ratelimit enforces per-identity chat quotas: a sliding window for
// burst control and a daily cap. State lives in the durable key/value store,
// so limits survive restarts and apply across processes sharing a database.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/store"
)

// Key prefixes in the state store.
const (
	windowKeyPrefix   = "ratelimit:win:"
	dailyKeyPrefix    = "ratelimit:day:"
	overrideKeyPrefix = "ratelimit:override:"
)

// StateStore is the durable KV surface the limiter needs. *store.AppState
// satisfies it.
type StateStore interface {
	Get(ctx context.Context, key string, out any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config is one identity's limits.
type Config struct {
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
	MaxPerDay   int           `json:"max_per_day"`
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed bool
	// Remaining is how many requests are left in the current window.
	Remaining int
	// RetryAfter is how long to wait when denied.
	RetryAfter time.Duration
	// ResetTime is when the denying limit opens again: the oldest window
	// entry's expiry for a window denial, the next UTC midnight for a
	// daily one. Zero on allowed decisions.
	ResetTime time.Time
}

// Limiter checks and records requests. Safe for concurrent use; the
// in-process mutex serializes read-modify-write cycles within one process.
type Limiter struct {
	state  StateStore
	cfg    Config
	logger log.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New creates a Limiter with the given default limits.
func New(state StateStore, cfg Config, logger log.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Limiter{state: state, cfg: cfg, logger: logger, now: time.Now}
}

type windowState struct {
	// Timestamps of accepted requests, unix milliseconds, oldest first.
	Timestamps []int64 `json:"timestamps"`
}

type dailyState struct {
	Count int `json:"count"`
}

// Allow checks whether identity may send a request now and, if so, records
// it. Denials do not consume quota.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.limitsFor(ctx, identity)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()

	// Daily cap first: it is the harder limit.
	if cfg.MaxPerDay > 0 {
		day, err := l.loadDaily(ctx, identity, now)
		if err != nil {
			return Decision{}, err
		}
		if day.Count >= cfg.MaxPerDay {
			reset := nextMidnightUTC(now)
			return Decision{RetryAfter: reset.Sub(now.UTC()), ResetTime: reset}, nil
		}
	}

	winKey := windowKeyPrefix + identity
	var win windowState
	if err := l.state.Get(ctx, winKey, &win); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("loading rate window for %s: %w", identity, err)
	}

	cutoff := now.Add(-cfg.Window).UnixMilli()
	kept := win.Timestamps[:0]
	for _, ts := range win.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	win.Timestamps = kept

	if len(win.Timestamps) >= cfg.MaxRequests {
		reset := time.UnixMilli(win.Timestamps[0]).Add(cfg.Window)
		return Decision{RetryAfter: reset.Sub(now), ResetTime: reset}, nil
	}

	win.Timestamps = append(win.Timestamps, now.UnixMilli())
	if err := l.state.Set(ctx, winKey, win, cfg.Window); err != nil {
		return Decision{}, fmt.Errorf("saving rate window for %s: %w", identity, err)
	}

	if cfg.MaxPerDay > 0 {
		if err := l.bumpDaily(ctx, identity, now); err != nil {
			return Decision{}, err
		}
	}

	return Decision{Allowed: true, Remaining: cfg.MaxRequests - len(win.Timestamps)}, nil
}

// SetOverride gives identity its own limits instead of the defaults.
func (l *Limiter) SetOverride(ctx context.Context, identity string, cfg Config) error {
	if cfg.Window <= 0 || cfg.MaxRequests <= 0 {
		return fmt.Errorf("override for %s: window and max requests must be positive", identity)
	}
	if err := l.state.Set(ctx, overrideKeyPrefix+identity, cfg, 0); err != nil {
		return fmt.Errorf("saving override for %s: %w", identity, err)
	}
	l.logger.Info("rate limit override set",
		"identity", identity, "window", cfg.Window, "max_requests", cfg.MaxRequests)
	return nil
}

// ClearOverride returns identity to the default limits.
func (l *Limiter) ClearOverride(ctx context.Context, identity string) error {
	if err := l.state.Delete(ctx, overrideKeyPrefix+identity); err != nil {
		return fmt.Errorf("clearing override for %s: %w", identity, err)
	}
	return nil
}

// Reset wipes identity's counters. For support tooling.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	if err := l.state.Delete(ctx, windowKeyPrefix+identity); err != nil {
		return err
	}
	return l.state.Delete(ctx, dailyKeyPrefix+identity+":"+l.now().UTC().Format(time.DateOnly))
}

func (l *Limiter) limitsFor(ctx context.Context, identity string) (Config, error) {
	var override Config
	err := l.state.Get(ctx, overrideKeyPrefix+identity, &override)
	if err == nil {
		return override, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return l.cfg, nil
	}
	return Config{}, fmt.Errorf("loading override for %s: %w", identity, err)
}

func (l *Limiter) dailyKey(identity string, now time.Time) string {
	return dailyKeyPrefix + identity + ":" + now.UTC().Format(time.DateOnly)
}

func (l *Limiter) loadDaily(ctx context.Context, identity string, now time.Time) (dailyState, error) {
	var day dailyState
	err := l.state.Get(ctx, l.dailyKey(identity, now), &day)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return day, fmt.Errorf("loading daily count for %s: %w", identity, err)
	}
	return day, nil
}

func (l *Limiter) bumpDaily(ctx context.Context, identity string, now time.Time) error {
	day, err := l.loadDaily(ctx, identity, now)
	if err != nil {
		return err
	}
	day.Count++
	if err := l.state.Set(ctx, l.dailyKey(identity, now), day, untilMidnightUTC(now)); err != nil {
		return fmt.Errorf("saving daily count for %s: %w", identity, err)
	}
	return nil
}

func untilMidnightUTC(now time.Time) time.Duration {
	return nextMidnightUTC(now).Sub(now.UTC())
}

func nextMidnightUTC(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
