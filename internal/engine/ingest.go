package engine

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/sitebrain/sitebrain/internal/docload"
	"github.com/sitebrain/sitebrain/internal/store"
)

// IngestFile registers a local file as a document and processes it
// immediately. The file is re-read on every later reprocessing run.
func (e *Engine) IngestFile(ctx context.Context, path, title string) (*store.Document, error) {
	if title == "" {
		title = filepath.Base(path)
	}
	doc, err := e.deps.Store.Documents.UpsertBySource(ctx, &store.Document{
		Title:      title,
		SourceType: docload.SourceFile,
		SourceID:   path,
		FilePath:   path,
		MimeType:   mime.TypeByExtension(filepath.Ext(path)),
	})
	if err != nil {
		return nil, err
	}
	if err := e.ProcessDocument(ctx, doc.ID); err != nil {
		return doc, err
	}
	return e.deps.Store.Documents.Get(ctx, doc.ID)
}

// IngestURL registers a web page as a document and processes it immediately.
// The page is re-fetched on every later reprocessing run.
func (e *Engine) IngestURL(ctx context.Context, url, title string) (*store.Document, error) {
	if title == "" {
		title = url
	}
	doc, err := e.deps.Store.Documents.UpsertBySource(ctx, &store.Document{
		Title:      title,
		SourceType: docload.SourceURL,
		SourceID:   url,
	})
	if err != nil {
		return nil, err
	}
	if err := e.ProcessDocument(ctx, doc.ID); err != nil {
		return doc, err
	}
	return e.deps.Store.Documents.Get(ctx, doc.ID)
}

// IngestCMS registers a structured CMS payload (post, product or course)
// under its source ID and enqueues it for processing. CMS content arrives
// rendered and is persisted on the document row, so later reprocessing needs
// no callback into the CMS.
func (e *Engine) IngestCMS(ctx context.Context, sourceID, title string, src docload.Source) (*store.Document, error) {
	content, err := e.deps.Loader.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("rendering %s %s: %w", src.Type, sourceID, err)
	}

	doc, err := e.deps.Store.Documents.UpsertBySource(ctx, &store.Document{
		Title:      title,
		SourceType: src.Type,
		SourceID:   sourceID,
		Content:    content,
	})
	if err != nil {
		return nil, err
	}

	// CMS ingests go through the queue: bursts of content edits batch up
	// instead of embedding inline with the hook that reported them.
	e.deps.Bus.Publish(Event{
		Type:       EventContentChanged,
		SourceType: src.Type,
		SourceID:   sourceID,
		Action:     store.ActionUpsert,
	})
	return doc, nil
}
