package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/sitebrain/sitebrain/internal/log"
)

// Querier is the subset of pgx the local backend needs. *pgxpool.Pool
// satisfies it; interfaces defined by the consumer.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Local stores embeddings in the embeddings table and searches with an
// exact cosine scan (the <=> operator). Exact scan keeps recall at 100%;
// collections in the tens of thousands of chunks stay well under query
// timeouts without an ANN index.
type Local struct {
	db        Querier
	model     string
	dimension int
	logger    log.Logger
}

// NewLocal creates the local backend. model scopes all reads and writes so
// vectors from different embedding models never mix.
func NewLocal(db Querier, model string, dimension int, logger log.Logger) *Local {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Local{db: db, model: model, dimension: dimension, logger: logger}
}

func (l *Local) Name() string { return BackendLocal }

func (l *Local) checkDimension(v []float32) error {
	if l.dimension > 0 && len(v) != l.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, l.dimension, len(v))
	}
	return nil
}

// Upsert inserts or replaces embeddings. Runs as one statement per item
// inside the caller's context; chunk upserts are small and the unique
// constraint on (chunk_id, model) makes replays idempotent.
func (l *Local) Upsert(ctx context.Context, items []Item) error {
	for _, item := range items {
		if err := l.checkDimension(item.Vector); err != nil {
			return fmt.Errorf("chunk %d: %w", item.ChunkID, err)
		}
		_, err := l.db.Exec(ctx,
			`INSERT INTO embeddings (chunk_id, model, embedding)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (chunk_id, model) DO UPDATE SET embedding = EXCLUDED.embedding`,
			item.ChunkID, l.model, pgvector.NewVector(item.Vector))
		if err != nil {
			return fmt.Errorf("upserting embedding for chunk %d: %w", item.ChunkID, err)
		}
	}
	l.logger.Debug("upserted embeddings", "count", len(items), "model", l.model)
	return nil
}

// Search runs an exact cosine scan. Ties on score break by ascending chunk
// ID, which is insertion order.
func (l *Local) Search(ctx context.Context, q Query) ([]Match, error) {
	if err := l.checkDimension(q.Vector); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, nil
	}

	queryVec := pgvector.NewVector(q.Vector)

	var rows pgx.Rows
	var err error
	if len(q.DocumentIDs) > 0 {
		rows, err = l.db.Query(ctx,
			`SELECT e.chunk_id, c.document_id, 1 - (e.embedding <=> $1) AS score
			 FROM embeddings e
			 JOIN chunks c ON c.id = e.chunk_id
			 WHERE e.model = $2 AND c.document_id = ANY($3)
			 ORDER BY e.embedding <=> $1, e.chunk_id
			 LIMIT $4`,
			queryVec, l.model, uuidsToPg(q.DocumentIDs), q.TopK)
	} else {
		rows, err = l.db.Query(ctx,
			`SELECT e.chunk_id, c.document_id, 1 - (e.embedding <=> $1) AS score
			 FROM embeddings e
			 JOIN chunks c ON c.id = e.chunk_id
			 WHERE e.model = $2
			 ORDER BY e.embedding <=> $1, e.chunk_id
			 LIMIT $3`,
			queryVec, l.model, q.TopK)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var docID pgtype.UUID
		if err := rows.Scan(&m.ChunkID, &docID, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		m.DocumentID = uuid.UUID(docID.Bytes)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}

// DeleteByDocument removes all of a document's embeddings for this model.
func (l *Local) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := l.db.Exec(ctx,
		`DELETE FROM embeddings e
		 USING chunks c
		 WHERE e.chunk_id = c.id AND e.model = $1 AND c.document_id = $2`,
		l.model, uuidToPg(documentID))
	if err != nil {
		return fmt.Errorf("deleting embeddings for document %s: %w", documentID, err)
	}
	return nil
}

// DeleteByChunks removes the given chunks' embeddings for this model.
func (l *Local) DeleteByChunks(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := l.db.Exec(ctx,
		`DELETE FROM embeddings WHERE model = $1 AND chunk_id = ANY($2)`,
		l.model, chunkIDs)
	if err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	return nil
}

// Count returns the number of embeddings stored for this model.
func (l *Local) Count(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.QueryRow(ctx,
		`SELECT count(*) FROM embeddings WHERE model = $1`, l.model).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return count, nil
}

// List pages through embeddings in ascending chunk-ID order.
func (l *Local) List(ctx context.Context, afterChunkID int64, limit int) ([]Item, error) {
	rows, err := l.db.Query(ctx,
		`SELECT e.chunk_id, c.document_id, e.embedding
		 FROM embeddings e
		 JOIN chunks c ON c.id = e.chunk_id
		 WHERE e.model = $1 AND e.chunk_id > $2
		 ORDER BY e.chunk_id
		 LIMIT $3`,
		l.model, afterChunkID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var docID pgtype.UUID
		var vec pgvector.Vector
		if err := rows.Scan(&item.ChunkID, &docID, &vec); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		item.DocumentID = uuid.UUID(docID.Bytes)
		item.Vector = vec.Slice()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embeddings: %w", err)
	}
	return items, nil
}

// Clear removes every embedding for this model.
func (l *Local) Clear(ctx context.Context) error {
	tag, err := l.db.Exec(ctx, `DELETE FROM embeddings WHERE model = $1`, l.model)
	if err != nil {
		return fmt.Errorf("clearing embeddings: %w", err)
	}
	l.logger.Info("cleared local vector store", "model", l.model, "deleted", tag.RowsAffected())
	return nil
}

func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func uuidsToPg(ids []uuid.UUID) []pgtype.UUID {
	out := make([]pgtype.UUID, len(ids))
	for i, id := range ids {
		out[i] = uuidToPg(id)
	}
	return out
}
