package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryEntry is one stored value with its expiry (zero = no expiry).
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process backend. Expired entries are dropped lazily on
// read and swept whenever the map grows past the high-water mark, so no
// background goroutine is needed.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// sweepAt triggers a full sweep when len(entries) reaches it.
	sweepAt int
}

// NewMemory creates the memory backend.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		sweepAt: 1024,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if entry.expired(time.Now()) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	if len(m.entries) >= m.sweepAt {
		m.sweepLocked()
		m.sweepAt = max(1024, len(m.entries)*2)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

// Len reports live (unexpired) entries. For tests and stats.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, entry := range m.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) sweepLocked() {
	now := time.Now()
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
		}
	}
}
