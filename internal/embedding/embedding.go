// Package embedding turns chunk text into vectors in provider-sized batches.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitebrain/sitebrain/internal/llm"
	"github.com/sitebrain/sitebrain/internal/log"
)

// ErrDimensionMismatch reports a vector whose length differs from the
// configured dimension. Mixing dimensions in one collection makes cosine
// distance meaningless, so generation stops at the first mismatch.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder produces vectors for a batch of texts. *llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, req llm.EmbeddingRequest) ([][]float32, error)
}

// Config configures the generator.
type Config struct {
	// Model is the embedding model identifier sent to providers.
	Model string
	// Dimension is the expected vector length; 0 disables the check.
	Dimension int
	// BatchSize caps texts per provider call (default 100).
	BatchSize int
}

// Generator batches embedding requests against an Embedder.
type Generator struct {
	embedder  Embedder
	model     string
	dimension int
	batchSize int
	logger    log.Logger
}

// New creates a Generator.
func New(embedder Embedder, cfg Config, logger log.Logger) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Generator{
		embedder:  embedder,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Model returns the configured embedding model identifier.
func (g *Generator) Model() string { return g.model }

// Generate embeds texts, preserving order: result[i] is the vector for
// texts[i]. Provider failures surface unchanged so callers can inspect them
// with errors.As.
func (g *Generator) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := texts[start:end]

		got, err := g.embedder.Embed(ctx, llm.EmbeddingRequest{Model: g.model, Texts: batch})
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		if len(got) != len(batch) {
			return nil, fmt.Errorf("embedding batch %d-%d: expected %d vectors, got %d",
				start, end, len(batch), len(got))
		}

		for i, v := range got {
			if g.dimension > 0 && len(v) != g.dimension {
				return nil, fmt.Errorf("text %d: %w: expected %d, got %d",
					start+i, ErrDimensionMismatch, g.dimension, len(v))
			}
		}
		vectors = append(vectors, got...)

		g.logger.Debug("embedded batch",
			"model", g.model, "batch_start", start, "batch_size", len(batch))
	}

	return vectors, nil
}

// GenerateOne embeds a single text, typically a user query.
func (g *Generator) GenerateOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.Generate(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
