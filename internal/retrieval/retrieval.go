// Package retrieval answers "which stored chunks are relevant to this
// query": embed the query, search the vector store (scoped to the chatbot's
// linked documents when it has any), drop weak matches and hydrate the
// surviving chunks.
package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

// QueryEmbedder embeds a single query string. *embedding.Generator
// satisfies it.
type QueryEmbedder interface {
	GenerateOne(ctx context.Context, text string) ([]float32, error)
}

// ChunkGetter hydrates chunk rows by ID. *store.Chunks satisfies it.
type ChunkGetter interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]store.Chunk, error)
}

// ScopeLister returns the documents linked to a chatbot. *store.Chatbots
// satisfies it.
type ScopeLister interface {
	DocumentIDs(ctx context.Context, chatbotID uuid.UUID) ([]uuid.UUID, error)
}

// Result is one relevant chunk with its similarity score.
type Result struct {
	Chunk store.Chunk
	Score float64
}

// Config tunes the retriever.
type Config struct {
	// TopK is the number of candidates fetched from the vector store.
	TopK int
	// MinRelevance drops matches scoring below it. Scores are cosine
	// similarity, so results arrive sorted descending and the filter is a
	// clean cutoff.
	MinRelevance float64
}

// Retriever runs the retrieval pipeline. Safe for concurrent use.
type Retriever struct {
	embedder QueryEmbedder
	vectors  vector.Store
	chunks   ChunkGetter
	scopes   ScopeLister
	cfg      Config
	logger   log.Logger
}

// New creates a Retriever.
func New(embedder QueryEmbedder, vectors vector.Store, chunks ChunkGetter, scopes ScopeLister, cfg Config, logger log.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		chunks:   chunks,
		scopes:   scopes,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve returns the chunks most relevant to query. A nil chatbotID (or a
// chatbot with no linked documents) searches the whole collection.
func (r *Retriever) Retrieve(ctx context.Context, chatbotID *uuid.UUID, query string) ([]Result, error) {
	queryVec, err := r.embedder.GenerateOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var scope []uuid.UUID
	if chatbotID != nil {
		scope, err = r.scopes.DocumentIDs(ctx, *chatbotID)
		if err != nil {
			return nil, fmt.Errorf("resolving chatbot scope: %w", err)
		}
	}

	matches, err := r.vectors.Search(ctx, vector.Query{
		Vector:      queryVec,
		TopK:        r.cfg.TopK,
		DocumentIDs: scope,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	// Matches are sorted by descending score, so everything after the first
	// weak one is weaker still.
	kept := matches[:0]
	for _, m := range matches {
		if m.Score < r.cfg.MinRelevance {
			break
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		r.logger.Debug("no relevant chunks", "query_len", len(query), "candidates", len(matches))
		return nil, nil
	}

	ids := make([]int64, len(kept))
	for i, m := range kept {
		ids[i] = m.ChunkID
	}
	chunks, err := r.chunks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	results := make([]Result, 0, len(kept))
	for _, m := range kept {
		chunk, ok := chunks[m.ChunkID]
		if !ok {
			// Deleted between search and hydration; skip rather than fail.
			continue
		}
		results = append(results, Result{Chunk: chunk, Score: m.Score})
	}

	r.logger.Debug("retrieved chunks",
		"candidates", len(matches), "kept", len(results), "scoped", len(scope) > 0)
	return results, nil
}
