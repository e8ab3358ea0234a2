package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitebrain/sitebrain/internal/store"
)

// QueueReport summarizes one ProcessQueue run.
type QueueReport struct {
	Claimed   int
	Completed int
	Failed    int
	// Skipped is true when another worker held the queue lock.
	Skipped bool
}

// ProcessQueue drains up to QueueBatchSize pending content-change events.
// An advisory lock keeps concurrent workers from racing on the same batch;
// when another worker holds it, the run is a no-op rather than an error.
// One bad item marks itself errored and never blocks the rest of the batch.
func (e *Engine) ProcessQueue(ctx context.Context) (*QueueReport, error) {
	if e.deps.QueueLock != nil {
		release, ok, err := e.deps.QueueLock.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.log.Debug("queue locked by another worker, skipping run")
			return &QueueReport{Skipped: true}, nil
		}
		defer release()
	}

	items, err := e.deps.Store.Queue.ClaimPending(ctx, e.cfg.QueueBatchSize)
	if err != nil {
		return nil, fmt.Errorf("claiming queue items: %w", err)
	}

	report := &QueueReport{Claimed: len(items)}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-batch: unclaimed work returns to pending via the
			// stale sweep; the claimed-but-unprocessed items do too.
			return report, err
		}

		if err := e.applyQueueItem(ctx, item); err != nil {
			e.log.Error("queue item failed",
				"id", item.ID, "source", item.SourceType+"/"+item.SourceID,
				"action", item.Action, "error", err)
			if markErr := e.deps.Store.Queue.MarkError(ctx, item.ID, err.Error()); markErr != nil {
				e.log.Error("marking queue item errored", "id", item.ID, "error", markErr)
			}
			report.Failed++
			continue
		}
		if err := e.deps.Store.Queue.MarkCompleted(ctx, item.ID); err != nil {
			e.log.Error("marking queue item completed", "id", item.ID, "error", err)
		}
		report.Completed++
	}

	if report.Claimed > 0 {
		e.log.Info("queue batch processed",
			"claimed", report.Claimed, "completed", report.Completed, "failed", report.Failed)
	}
	return report, nil
}

// applyQueueItem resolves the document behind a content-change event and
// applies the action. Events for sources that never became documents are
// ignored for delete/trash (nothing to remove) and an error for upsert (the
// caller should have created the row before enqueueing).
func (e *Engine) applyQueueItem(ctx context.Context, item store.QueueItem) error {
	doc, err := e.deps.Store.Documents.GetBySource(ctx, item.SourceType, item.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		switch item.Action {
		case store.ActionDelete, store.ActionTrash:
			return nil
		default:
			return fmt.Errorf("no document for %s/%s", item.SourceType, item.SourceID)
		}
	}
	if err != nil {
		return err
	}

	switch item.Action {
	case store.ActionUpsert:
		return e.ProcessDocument(ctx, doc.ID)
	case store.ActionDelete:
		return e.DeleteDocument(ctx, doc.ID)
	case store.ActionTrash:
		return e.TrashDocument(ctx, doc.ID)
	case store.ActionRestore:
		return e.RestoreDocument(ctx, doc.ID)
	default:
		return fmt.Errorf("unknown queue action %q", item.Action)
	}
}

// RunScheduler drains the queue and runs hygiene sweeps every QueueInterval
// until ctx is cancelled. Intended to run in its own goroutine per process.
func (e *Engine) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.QueueInterval)
	defer ticker.Stop()

	e.log.Info("scheduler started", "interval", e.cfg.QueueInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			e.runScheduledPass(ctx)
		}
	}
}

func (e *Engine) runScheduledPass(ctx context.Context) {
	if _, err := e.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("scheduled queue run failed", "error", err)
	}
	e.Sweep(ctx)
}

// Sweep runs the hygiene tasks: stale processing rows back to pending,
// expired durable state and dead stream handles dropped.
func (e *Engine) Sweep(ctx context.Context) {
	if n, err := e.deps.Store.Documents.ResetStaleProcessing(ctx, e.cfg.StaleAge); err != nil {
		e.log.Error("resetting stale documents", "error", err)
	} else if n > 0 {
		e.log.Warn("reset stale documents to pending", "count", n)
	}

	if n, err := e.deps.Store.Queue.ResetStaleProcessing(ctx, e.cfg.StaleAge); err != nil {
		e.log.Error("resetting stale queue items", "error", err)
	} else if n > 0 {
		e.log.Warn("reset stale queue items to pending", "count", n)
	}

	if n, err := e.deps.Store.AppState.CleanupExpired(ctx); err != nil {
		e.log.Error("cleaning expired app state", "error", err)
	} else if n > 0 {
		e.log.Debug("cleaned expired app state", "count", n)
	}

	if n := e.CleanupStreams(); n > 0 {
		e.log.Debug("reaped expired streams", "count", n)
	}
}
