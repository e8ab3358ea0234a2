package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/docload"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

// ProcessDocument runs the full ingest pipeline for one document:
// extract → chunk → embed → index, with the status row tracking progress.
// Any failure parks the document in error with the cause recorded; a crash
// mid-run leaves it in processing for the health sweep to reclaim.
func (e *Engine) ProcessDocument(ctx context.Context, id uuid.UUID) error {
	doc, err := e.deps.Store.Documents.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}
	if doc.Status == store.StatusTrashed {
		return fmt.Errorf("document %s is trashed; restore it first", id)
	}

	if err := e.deps.Store.Documents.SetStatus(ctx, id, store.StatusProcessing, ""); err != nil {
		return err
	}

	text, err := e.resolveContent(ctx, doc)
	if err != nil {
		return e.failDocument(ctx, id, fmt.Errorf("extracting content: %w", err))
	}

	// Stale vectors must go before the chunk rows do: the external backend
	// has no foreign keys to cascade through.
	oldChunkIDs, err := e.deps.Store.Chunks.IDsForDocument(ctx, id)
	if err != nil {
		return e.failDocument(ctx, id, err)
	}
	if err := e.deps.Vectors.DeleteByChunks(ctx, oldChunkIDs); err != nil {
		return e.failDocument(ctx, id, fmt.Errorf("removing stale vectors: %w", err))
	}

	pieces := e.deps.Chunker.Split(text)

	chunks, err := e.deps.Store.Chunks.ReplaceForDocument(ctx, id, pieces)
	if err != nil {
		return e.failDocument(ctx, id, err)
	}

	// Empty content is a valid document with nothing to index.
	if len(chunks) > 0 {
		contents := make([]string, len(chunks))
		for i, c := range chunks {
			contents[i] = c.Content
		}
		vecs, err := e.deps.Embedder.Generate(ctx, contents)
		if err != nil {
			return e.failDocument(ctx, id, fmt.Errorf("generating embeddings: %w", err))
		}

		items := make([]vector.Item, len(chunks))
		for i, c := range chunks {
			items[i] = vector.Item{ChunkID: c.ID, DocumentID: id, Vector: vecs[i]}
		}
		if err := e.deps.Vectors.Upsert(ctx, items); err != nil {
			return e.failDocument(ctx, id, fmt.Errorf("indexing vectors: %w", err))
		}
	}

	if err := e.deps.Store.Documents.SetStatus(ctx, id, store.StatusCompleted, ""); err != nil {
		return err
	}

	e.log.Info("document processed", "document_id", id, "chunks", len(chunks))
	e.recordAnalytics(ctx, store.EventDocumentProcessed, map[string]any{
		"document_id": id.String(),
		"chunks":      len(chunks),
	})
	e.deps.Bus.Publish(Event{Type: EventDocumentProcessed, DocumentID: id})
	return nil
}

// resolveContent produces the raw text for a document. Files and URLs
// re-extract from the source; CMS documents carry their rendered text in the
// content column.
func (e *Engine) resolveContent(ctx context.Context, doc *store.Document) (string, error) {
	switch doc.SourceType {
	case docload.SourceFile:
		return e.deps.Loader.LoadFile(doc.FilePath)
	case docload.SourceURL:
		return e.deps.Loader.LoadURL(ctx, doc.SourceID)
	case docload.SourcePost, docload.SourceProduct, docload.SourceCourse:
		return doc.Content, nil
	default:
		return "", fmt.Errorf("%w: source type %q", docload.ErrUnsupportedFormat, doc.SourceType)
	}
}

func (e *Engine) failDocument(ctx context.Context, id uuid.UUID, cause error) error {
	if err := e.deps.Store.Documents.SetStatus(ctx, id, store.StatusError, cause.Error()); err != nil {
		e.log.Error("recording document failure", "document_id", id, "error", err)
	}
	e.recordAnalytics(ctx, store.EventErrorOccurred, map[string]any{
		"document_id": id.String(),
		"error":       cause.Error(),
	})
	return fmt.Errorf("processing document %s: %w", id, cause)
}

// DeleteDocument removes a document everywhere: vector backend first, then
// the relational rows (chunks and embeddings cascade). Deleting a missing
// document succeeds.
func (e *Engine) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	_, err := e.deps.Store.Documents.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}

	if err := e.deps.Vectors.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("removing vectors for document %s: %w", id, err)
	}
	if err := e.deps.Store.Documents.Delete(ctx, id); err != nil {
		return err
	}

	e.log.Info("document deleted", "document_id", id)
	e.deps.Bus.Publish(Event{Type: EventDocumentDeleted, DocumentID: id})
	return nil
}

// TrashDocument hides a document from retrieval without losing its rows:
// vectors leave the index, the status flips to trashed.
func (e *Engine) TrashDocument(ctx context.Context, id uuid.UUID) error {
	if err := e.deps.Vectors.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("removing vectors for document %s: %w", id, err)
	}
	if err := e.deps.Store.Documents.SetStatus(ctx, id, store.StatusTrashed, ""); err != nil {
		return err
	}
	e.deps.Bus.Publish(Event{Type: EventDocumentDeleted, DocumentID: id})
	return nil
}

// RestoreDocument brings a trashed document back by reprocessing it.
func (e *Engine) RestoreDocument(ctx context.Context, id uuid.UUID) error {
	if err := e.deps.Store.Documents.SetStatus(ctx, id, store.StatusPending, ""); err != nil {
		return err
	}
	return e.ProcessDocument(ctx, id)
}

func (e *Engine) recordAnalytics(ctx context.Context, eventType string, data map[string]any) {
	if err := e.deps.Store.Analytics.Record(ctx, eventType, data); err != nil {
		e.log.Warn("recording analytics event", "type", eventType, "error", err)
	}
}
