package testutil

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/sitebrain/sitebrain/internal/llm"
)

// FakeProvider is a deterministic llm.Provider for tests. Completions come
// from the scripted Response; embeddings are derived from a hash of the
// text, so equal texts embed equally and the vectors are stable across runs.
type FakeProvider struct {
	ProviderName string
	Response     string
	Dimension    int
	Err          error

	mu              sync.Mutex
	CompletionCalls []llm.CompletionRequest
	EmbeddingCalls  []llm.EmbeddingRequest
}

// NewFakeProvider creates a provider named "fake" producing vectors of the
// given dimension.
func NewFakeProvider(dimension int) *FakeProvider {
	return &FakeProvider{ProviderName: "fake", Response: "fake response", Dimension: dimension}
}

func (f *FakeProvider) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *FakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	f.mu.Lock()
	f.CompletionCalls = append(f.CompletionCalls, req)
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	return &llm.Completion{Text: f.Response, Model: req.Model, TokensUsed: len(f.Response)}, nil
}

func (f *FakeProvider) Embed(_ context.Context, req llm.EmbeddingRequest) ([][]float32, error) {
	f.mu.Lock()
	f.EmbeddingCalls = append(f.EmbeddingCalls, req)
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float32, len(req.Texts))
	for i, text := range req.Texts {
		out[i] = EmbedText(text, f.Dimension)
	}
	return out, nil
}

// EmbedText derives a stable pseudo-embedding from text. Distinct texts get
// distinct directions, equal texts get equal vectors.
func EmbedText(text string, dimension int) []float32 {
	v := make([]float32, dimension)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>33))/float32(1<<31) + 1e-6
	}
	return v
}
