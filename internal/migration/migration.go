// Package migration moves vector data between backends and re-embeds chunks
// under a new model. Runs are batched and resumable: progress is persisted in
// the durable state store after every batch, so a crashed run picks up where
// it stopped instead of starting over. Upserts are idempotent, which makes
// replaying the last partial batch safe.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

// Run statuses.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// State-store keys, one per migration kind.
const (
	copyStateKey    = "migration:copy"
	reembedStateKey = "migration:reembed"
)

// ConfirmClear is the exact confirmation string ClearTarget demands.
const ConfirmClear = "DELETE ALL VECTORS"

// ErrNotConfirmed rejects ClearTarget without the confirmation phrase.
var ErrNotConfirmed = errors.New("clear not confirmed")

// ItemFailure records one vector that could not be written. Failures do not
// abort the run; they are collected for the operator to retry or ignore.
type ItemFailure struct {
	ChunkID int64  `json:"chunk_id"`
	Error   string `json:"error"`
}

// State is the persisted progress of a run.
type State struct {
	Status      string        `json:"status"`
	Source      string        `json:"source"`
	Target      string        `json:"target"`
	Total       int64         `json:"total"`
	Processed   int64         `json:"processed"`
	LastChunkID int64         `json:"last_chunk_id"`
	Failures    []ItemFailure `json:"failures,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// StateStore is the durable KV surface progress is persisted to.
// *store.AppState satisfies it.
type StateStore interface {
	Get(ctx context.Context, key string, out any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Embedder turns chunk texts into vectors; used by re-embed runs.
// *embedding.Generator satisfies it.
type Embedder interface {
	Generate(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkPager walks all chunks in ID order. *store.Chunks satisfies it.
type ChunkPager interface {
	ListAfter(ctx context.Context, afterID int64, limit int) ([]store.Chunk, error)
	Count(ctx context.Context) (int64, error)
}

// Config tunes the manager.
type Config struct {
	// BatchSize is how many vectors move per batch (default 100).
	BatchSize int
}

// Manager runs migrations. One run at a time per manager kind; the persisted
// state is the lock.
type Manager struct {
	state  StateStore
	cfg    Config
	logger log.Logger
}

// New creates a Manager.
func New(state StateStore, cfg Config, logger log.Logger) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{state: state, cfg: cfg, logger: logger}
}

// Copy moves every vector from source to target, resuming a previous
// interrupted run if one exists. Individual write failures are recorded and
// skipped; the run fails only when reading the source or persisting progress
// fails.
func (m *Manager) Copy(ctx context.Context, source, target vector.Store) (*State, error) {
	st, err := m.loadState(ctx, copyStateKey)
	if err != nil {
		return nil, err
	}

	switch st.Status {
	case StatusInProgress:
		// A live run and a crashed one look the same from here; resuming is
		// correct for both because upserts are idempotent.
		m.logger.Info("resuming interrupted migration",
			"processed", st.Processed, "total", st.Total, "after_chunk", st.LastChunkID)
	case StatusNotStarted, StatusCompleted, StatusFailed:
		total, err := source.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting source vectors: %w", err)
		}
		st = &State{
			Status:    StatusInProgress,
			Source:    source.Name(),
			Target:    target.Name(),
			Total:     total,
			StartedAt: time.Now().UTC(),
		}
	}

	if err := m.saveState(ctx, copyStateKey, st); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			// Leave the state in progress; the next Copy call resumes.
			return st, err
		}

		items, err := source.List(ctx, st.LastChunkID, m.cfg.BatchSize)
		if isInterrupted(err) {
			return st, err
		}
		if err != nil {
			return m.fail(ctx, copyStateKey, st, fmt.Errorf("listing source vectors: %w", err))
		}
		if len(items) == 0 {
			break
		}

		written, failures := writeBatch(ctx, target, items)
		st.Failures = append(st.Failures, failures...)
		st.Processed += int64(written)
		st.LastChunkID = items[len(items)-1].ChunkID

		if err := m.saveState(ctx, copyStateKey, st); err != nil {
			return nil, err
		}
		m.logger.Debug("migration batch written",
			"written", written, "failed", len(failures), "processed", st.Processed, "total", st.Total)
	}

	st.Status = StatusCompleted
	if err := m.saveState(ctx, copyStateKey, st); err != nil {
		return nil, err
	}
	m.logger.Info("migration completed",
		"source", st.Source, "target", st.Target,
		"processed", st.Processed, "failures", len(st.Failures))
	return st, nil
}

// Reembed regenerates every chunk's vector with the embedder's model and
// writes the result to target. Used when switching embedding models; the old
// model's rows stay untouched, so a rollback is a configuration change.
func (m *Manager) Reembed(ctx context.Context, chunks ChunkPager, embedder Embedder, target vector.Store) (*State, error) {
	st, err := m.loadState(ctx, reembedStateKey)
	if err != nil {
		return nil, err
	}

	switch st.Status {
	case StatusInProgress:
		m.logger.Info("resuming interrupted re-embedding",
			"processed", st.Processed, "total", st.Total, "after_chunk", st.LastChunkID)
	default:
		total, err := chunks.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting chunks: %w", err)
		}
		st = &State{
			Status:    StatusInProgress,
			Source:    "chunks",
			Target:    target.Name(),
			Total:     total,
			StartedAt: time.Now().UTC(),
		}
	}

	if err := m.saveState(ctx, reembedStateKey, st); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		batch, err := chunks.ListAfter(ctx, st.LastChunkID, m.cfg.BatchSize)
		if isInterrupted(err) {
			return st, err
		}
		if err != nil {
			return m.fail(ctx, reembedStateKey, st, fmt.Errorf("paging chunks: %w", err))
		}
		if len(batch) == 0 {
			break
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := embedder.Generate(ctx, texts)
		if isInterrupted(err) {
			return st, err
		}
		if err != nil {
			return m.fail(ctx, reembedStateKey, st, fmt.Errorf("embedding batch: %w", err))
		}

		items := make([]vector.Item, len(batch))
		for i, c := range batch {
			items[i] = vector.Item{ChunkID: c.ID, DocumentID: c.DocumentID, Vector: vecs[i]}
		}

		written, failures := writeBatch(ctx, target, items)
		st.Failures = append(st.Failures, failures...)
		st.Processed += int64(written)
		st.LastChunkID = batch[len(batch)-1].ID

		if err := m.saveState(ctx, reembedStateKey, st); err != nil {
			return nil, err
		}
	}

	st.Status = StatusCompleted
	if err := m.saveState(ctx, reembedStateKey, st); err != nil {
		return nil, err
	}
	m.logger.Info("re-embedding completed",
		"target", st.Target, "processed", st.Processed, "failures", len(st.Failures))
	return st, nil
}

// writeBatch upserts a batch, falling back to per-item writes when the batch
// as a whole fails so one poisoned vector cannot sink its neighbours.
func writeBatch(ctx context.Context, target vector.Store, items []vector.Item) (int, []ItemFailure) {
	if err := target.Upsert(ctx, items); err == nil {
		return len(items), nil
	}

	var failures []ItemFailure
	written := 0
	for _, item := range items {
		if err := target.Upsert(ctx, []vector.Item{item}); err != nil {
			failures = append(failures, ItemFailure{ChunkID: item.ChunkID, Error: err.Error()})
			continue
		}
		written++
	}
	return written, failures
}

// CopyStatus reports the persisted state of the copy migration.
func (m *Manager) CopyStatus(ctx context.Context) (*State, error) {
	return m.loadState(ctx, copyStateKey)
}

// ReembedStatus reports the persisted state of the re-embed migration.
func (m *Manager) ReembedStatus(ctx context.Context) (*State, error) {
	return m.loadState(ctx, reembedStateKey)
}

// ResetCopy forgets the persisted copy state so the next run starts fresh.
func (m *Manager) ResetCopy(ctx context.Context) error {
	return m.state.Delete(ctx, copyStateKey)
}

// ClearTarget deletes every vector in the target backend. Destructive, so
// the caller must pass ConfirmClear verbatim.
func (m *Manager) ClearTarget(ctx context.Context, target vector.Store, confirm string) error {
	if confirm != ConfirmClear {
		return fmt.Errorf("%w: pass %q to clear %s", ErrNotConfirmed, ConfirmClear, target.Name())
	}
	if err := target.Clear(ctx); err != nil {
		return fmt.Errorf("clearing %s: %w", target.Name(), err)
	}
	m.logger.Warn("vector backend cleared", "target", target.Name())
	return nil
}

func (m *Manager) loadState(ctx context.Context, key string) (*State, error) {
	var st State
	err := m.state.Get(ctx, key, &st)
	if errors.Is(err, store.ErrNotFound) {
		return &State{Status: StatusNotStarted}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading migration state: %w", err)
	}
	return &st, nil
}

func (m *Manager) saveState(ctx context.Context, key string, st *State) error {
	st.UpdatedAt = time.Now().UTC()
	if err := m.state.Set(ctx, key, st, 0); err != nil {
		return fmt.Errorf("persisting migration state: %w", err)
	}
	return nil
}

// isInterrupted separates shutdown from genuine failure: an interrupted run
// stays in progress and resumes on the next call.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) fail(ctx context.Context, key string, st *State, cause error) (*State, error) {
	st.Status = StatusFailed
	st.Error = cause.Error()
	if err := m.saveState(ctx, key, st); err != nil {
		m.logger.Error("persisting failed migration state", "error", err)
	}
	return st, cause
}
