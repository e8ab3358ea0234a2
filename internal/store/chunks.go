package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Chunk is one piece of a document's text.
type Chunk struct {
	ID         int64
	DocumentID uuid.UUID
	Content    string
	ChunkIndex int
}

// Chunks is the repository for the chunks table.
type Chunks struct {
	db DB
}

// ReplaceForDocument atomically swaps a document's chunks: old rows go, new
// ones come in index order. Returns the new chunks with their assigned IDs.
// Embeddings of the old chunks cascade away; re-embedding is the caller's
// next step.
func (s *Chunks) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, contents []string) ([]Chunk, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, uuidToPg(documentID)); err != nil {
		return nil, fmt.Errorf("deleting old chunks: %w", err)
	}

	chunks := make([]Chunk, 0, len(contents))
	for i, content := range contents {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO chunks (document_id, content, chunk_index)
			 VALUES ($1, $2, $3) RETURNING id`,
			uuidToPg(documentID), content, i).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("inserting chunk %d: %w", i, err)
		}
		chunks = append(chunks, Chunk{ID: id, DocumentID: documentID, Content: content, ChunkIndex: i})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing chunks: %w", err)
	}
	return chunks, nil
}

// GetByIDs returns chunks for the given IDs. Missing IDs are silently
// absent; retrieval tolerates chunks deleted between search and fetch.
func (s *Chunks) GetByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	if len(ids) == 0 {
		return map[int64]Chunk{}, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, content, chunk_index
		 FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("getting chunks: %w", err)
	}
	defer rows.Close()

	chunks := make(map[int64]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks[c.ID] = c
	}
	return chunks, rows.Err()
}

// ListForDocument returns a document's chunks in index order.
func (s *Chunks) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, content, chunk_index
		 FROM chunks WHERE document_id = $1 ORDER BY chunk_index`,
		uuidToPg(documentID))
	if err != nil {
		return nil, fmt.Errorf("listing chunks for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// IDsForDocument returns the chunk IDs of a document, used to clean the
// vector store before the rows cascade away.
func (s *Chunks) IDsForDocument(ctx context.Context, documentID uuid.UUID) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM chunks WHERE document_id = $1 ORDER BY id`, uuidToPg(documentID))
	if err != nil {
		return nil, fmt.Errorf("listing chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAfter pages through all chunks in ID order, returning up to limit
// chunks with ID greater than afterID. This is the re-embedding read path.
func (s *Chunks) ListAfter(ctx context.Context, afterID int64, limit int) ([]Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, content, chunk_index
		 FROM chunks WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("paging chunks after %d: %w", afterID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Count returns the total number of chunks.
func (s *Chunks) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}
