package ratelimit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebrain/sitebrain/internal/store"
)

// memState is an in-memory StateStore honoring TTLs against an injected
// clock.
type memState struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	raw       []byte
	expiresAt time.Time
}

func newMemState(now func() time.Time) *memState {
	return &memState{entries: make(map[string]memEntry), now: now}
}

func (s *memState) Get(_ context.Context, key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || (!e.expiresAt.IsZero() && s.now().After(e.expiresAt)) {
		return store.ErrNotFound
	}
	return json.Unmarshal(e.raw, out)
}

func (s *memState) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = memEntry{raw: raw, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *memState) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	state := newMemState(func() time.Time { return *clock })
	l := New(state, cfg, nil)
	l.now = func() time.Time { return *clock }
	return l, clock
}

func TestAllowWithinWindow(t *testing.T) {
	l, clock := newTestLimiter(Config{Window: time.Minute, MaxRequests: 3})
	ctx := context.Background()

	for i := range 3 {
		d, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		assert.True(t, d.ResetTime.IsZero(), "allowed decisions carry no reset time")
	}

	d, err := l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	// The window opens when its oldest entry expires; the clock never
	// advanced, so that is exactly one window from now.
	assert.True(t, d.ResetTime.Equal(clock.Add(time.Minute)),
		"reset time %v, want %v", d.ResetTime, clock.Add(time.Minute))
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(Config{Window: time.Minute, MaxRequests: 2})
	ctx := context.Background()

	for range 2 {
		d, err := l.Allow(ctx, "u")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "u")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	*clock = clock.Add(61 * time.Second)
	d, err = l.Allow(ctx, "u")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window must open after old requests age out")
}

func TestDeniedRequestsDoNotConsumeQuota(t *testing.T) {
	l, clock := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1})
	ctx := context.Background()

	d, err := l.Allow(ctx, "u")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Hammering while limited must not extend the lockout.
	for range 5 {
		d, err = l.Allow(ctx, "u")
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	*clock = clock.Add(61 * time.Second)
	d, err = l.Allow(ctx, "u")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1})
	ctx := context.Background()

	d, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one identity's limit must not affect another")
}

func TestDailyCap(t *testing.T) {
	l, clock := newTestLimiter(Config{Window: time.Second, MaxRequests: 100, MaxPerDay: 3})
	ctx := context.Background()

	for range 3 {
		d, err := l.Allow(ctx, "u")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		*clock = clock.Add(2 * time.Second)
	}

	d, err := l.Allow(ctx, "u")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0), "retry-after should point at midnight UTC")
	midnight := time.Date(clock.Year(), clock.Month(), clock.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	assert.True(t, d.ResetTime.Equal(midnight),
		"daily denial resets at next UTC midnight, got %v want %v", d.ResetTime, midnight)

	// A new UTC day resets the cap.
	*clock = clock.Add(13 * time.Hour)
	d, err = l.Allow(ctx, "u")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestOverrideReplacesDefaults(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1})
	ctx := context.Background()

	require.NoError(t, l.SetOverride(ctx, "vip", Config{Window: time.Minute, MaxRequests: 5}))

	for range 5 {
		d, err := l.Allow(ctx, "vip")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "vip")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Clearing the override returns to the stricter default.
	require.NoError(t, l.ClearOverride(ctx, "vip"))
	require.NoError(t, l.Reset(ctx, "vip"))
	d, err = l.Allow(ctx, "vip")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.Allow(ctx, "vip")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestSetOverrideValidates(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	err := l.SetOverride(context.Background(), "u", Config{Window: 0, MaxRequests: 5})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "positive"))
}
