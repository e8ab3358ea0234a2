package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Document statuses. pending -> processing -> completed | error is the
// normal path; trashed hides a document from retrieval without deleting it.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusTrashed    = "trashed"
)

// Document is one ingested source.
type Document struct {
	ID           uuid.UUID
	Title        string
	SourceType   string
	SourceID     string
	FilePath     string
	MimeType     string
	// Content is the pre-rendered text of CMS-sourced documents; empty for
	// files and URLs, which re-extract on each processing run.
	Content      string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Documents is the repository for the documents table.
type Documents struct {
	db DB
}

const documentColumns = `id, title, source_type, source_id, file_path, mime_type,
	content, status, error_message, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Title, &d.SourceType, &d.SourceID, &d.FilePath,
		&d.MimeType, &d.Content, &d.Status, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

// Create inserts a new document in pending status and returns it.
func (s *Documents) Create(ctx context.Context, d *Document) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO documents (title, source_type, source_id, file_path, mime_type, content)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+documentColumns,
		d.Title, d.SourceType, d.SourceID, d.FilePath, d.MimeType, d.Content)
	created, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	return created, nil
}

// UpsertBySource creates the document for (source_type, source_id) or, when
// one exists, refreshes its title/content and resets it to pending for
// reprocessing. This is the CMS re-ingest path.
func (s *Documents) UpsertBySource(ctx context.Context, d *Document) (*Document, error) {
	existing, err := s.GetBySource(ctx, d.SourceType, d.SourceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return s.Create(ctx, d)
	}

	row := s.db.QueryRow(ctx,
		`UPDATE documents
		 SET title = $2, file_path = $3, mime_type = $4, content = $5,
		     status = $6, error_message = '', updated_at = now()
		 WHERE id = $1
		 RETURNING `+documentColumns,
		uuidToPg(existing.ID), d.Title, d.FilePath, d.MimeType, d.Content, StatusPending)
	updated, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("upserting document for %s/%s: %w", d.SourceType, d.SourceID, err)
	}
	return updated, nil
}

// Get returns a document by ID.
func (s *Documents) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, uuidToPg(id))
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return doc, nil
}

// GetBySource returns the document ingested from the given CMS source, if
// any. This is how queue events find the document they refer to.
func (s *Documents) GetBySource(ctx context.Context, sourceType, sourceID string) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+documentColumns+`
		 FROM documents WHERE source_type = $1 AND source_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		sourceType, sourceID)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("getting document for %s/%s: %w", sourceType, sourceID, err)
	}
	return doc, nil
}

// SetStatus transitions a document and records the error message (empty on
// success paths).
func (s *Documents) SetStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET status = $2, error_message = $3, updated_at = now()
		 WHERE id = $1`,
		uuidToPg(id), status, errorMessage)
	if err != nil {
		return fmt.Errorf("updating document %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating document %s status: %w", id, ErrNotFound)
	}
	return nil
}

// List returns documents, optionally filtered by status, newest first.
func (s *Documents) List(ctx context.Context, status string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(ctx,
			`SELECT `+documentColumns+`
			 FROM documents WHERE status = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+documentColumns+`
			 FROM documents ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// Delete removes a document. Chunks and embeddings follow via ON DELETE
// CASCADE; vector-store cleanup is the engine's responsibility.
func (s *Documents) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, uuidToPg(id))
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

// ResetStaleProcessing returns documents stuck in processing longer than
// maxAge to pending. A crash mid-processing leaves rows behind; the health
// check sweeps them back into the queue.
func (s *Documents) ResetStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = now()
		 WHERE status = $2 AND updated_at < now() - $3::interval`,
		StatusPending, StatusProcessing, fmt.Sprintf("%f seconds", maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("resetting stale documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns document counts grouped by status.
func (s *Documents) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
