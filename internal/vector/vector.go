// Package vector stores and searches chunk embeddings. Two backends
// implement the same Store interface: local (PostgreSQL + pgvector, exact
// cosine scan) and Pinecone (managed HTTP API). Callers pick one at startup
// and the rest of the system is backend-agnostic, which is what makes
// vector migration between backends possible.
package vector

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Backend names.
const (
	BackendLocal    = "local"
	BackendPinecone = "pinecone"
)

// ErrDimensionMismatch reports a query or item vector whose length differs
// from the store's configured dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Item is one stored embedding. ChunkID is the stable identity: upserting
// the same ChunkID again replaces the vector.
type Item struct {
	ChunkID    int64
	DocumentID uuid.UUID
	Vector     []float32
}

// Match is one search hit. Score is cosine similarity in [-1, 1], higher is
// more similar.
type Match struct {
	ChunkID    int64
	DocumentID uuid.UUID
	Score      float64
}

// Query is a similarity search request.
type Query struct {
	Vector []float32
	TopK   int
	// DocumentIDs restricts the search to chunks of these documents.
	// Empty means no restriction.
	DocumentIDs []uuid.UUID
}

// Store is the vector backend capability. Implementations must be safe for
// concurrent use. All mutating operations are idempotent: upserting an
// existing chunk replaces it, deleting a missing one succeeds.
type Store interface {
	// Name returns the backend name (local, pinecone).
	Name() string

	// Upsert inserts or replaces embeddings.
	Upsert(ctx context.Context, items []Item) error

	// Search returns up to q.TopK matches ordered by descending score.
	// Equal scores order by ascending chunk ID so results are stable.
	Search(ctx context.Context, q Query) ([]Match, error)

	// DeleteByDocument removes every embedding belonging to the document.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error

	// DeleteByChunks removes the embeddings for the given chunk IDs.
	DeleteByChunks(ctx context.Context, chunkIDs []int64) error

	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int64, error)

	// List pages through stored items in ascending chunk-ID order,
	// returning up to limit items with chunk ID greater than afterChunkID.
	// This is the migration read path.
	List(ctx context.Context, afterChunkID int64, limit int) ([]Item, error)

	// Clear removes every embedding in the store. Destructive; the
	// migration manager requires explicit confirmation before calling it.
	Clear(ctx context.Context) error
}
