package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) GenerateOne(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeVectors struct {
	matches   []vector.Match
	lastQuery vector.Query
}

func (f *fakeVectors) Name() string { return "fake" }
func (f *fakeVectors) Search(_ context.Context, q vector.Query) ([]vector.Match, error) {
	f.lastQuery = q
	return f.matches, nil
}
func (f *fakeVectors) Upsert(context.Context, []vector.Item) error          { return nil }
func (f *fakeVectors) DeleteByDocument(context.Context, uuid.UUID) error    { return nil }
func (f *fakeVectors) DeleteByChunks(context.Context, []int64) error        { return nil }
func (f *fakeVectors) Count(context.Context) (int64, error)                 { return 0, nil }
func (f *fakeVectors) List(context.Context, int64, int) ([]vector.Item, error) {
	return nil, nil
}
func (f *fakeVectors) Clear(context.Context) error { return nil }

type fakeChunks struct{ chunks map[int64]store.Chunk }

func (f *fakeChunks) GetByIDs(_ context.Context, ids []int64) (map[int64]store.Chunk, error) {
	out := make(map[int64]store.Chunk)
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakeScopes struct{ ids []uuid.UUID }

func (f *fakeScopes) DocumentIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return f.ids, nil
}

func TestRetrieveFiltersByMinRelevance(t *testing.T) {
	docID := uuid.New()
	vectors := &fakeVectors{matches: []vector.Match{
		{ChunkID: 1, DocumentID: docID, Score: 0.95},
		{ChunkID: 2, DocumentID: docID, Score: 0.75},
		{ChunkID: 3, DocumentID: docID, Score: 0.40},
	}}
	chunks := &fakeChunks{chunks: map[int64]store.Chunk{
		1: {ID: 1, Content: "strong match"},
		2: {ID: 2, Content: "decent match"},
		3: {ID: 3, Content: "weak match"},
	}}

	r := New(&fakeEmbedder{}, vectors, chunks, &fakeScopes{},
		Config{TopK: 5, MinRelevance: 0.7}, nil)

	got, err := r.Retrieve(context.Background(), nil, "query")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "strong match", got[0].Chunk.Content)
	assert.Equal(t, 0.75, got[1].Score)
}

func TestRetrieveScopesToChatbotDocuments(t *testing.T) {
	scopeDoc := uuid.New()
	vectors := &fakeVectors{}
	r := New(&fakeEmbedder{}, vectors, &fakeChunks{}, &fakeScopes{ids: []uuid.UUID{scopeDoc}},
		Config{TopK: 3}, nil)

	chatbotID := uuid.New()
	_, err := r.Retrieve(context.Background(), &chatbotID, "query")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{scopeDoc}, vectors.lastQuery.DocumentIDs)
	assert.Equal(t, 3, vectors.lastQuery.TopK)
}

func TestRetrieveUnscopedWithoutChatbot(t *testing.T) {
	vectors := &fakeVectors{}
	r := New(&fakeEmbedder{}, vectors, &fakeChunks{}, &fakeScopes{ids: []uuid.UUID{uuid.New()}},
		Config{TopK: 3}, nil)

	_, err := r.Retrieve(context.Background(), nil, "query")
	require.NoError(t, err)
	assert.Empty(t, vectors.lastQuery.DocumentIDs)
}

func TestRetrieveSkipsChunksDeletedMidFlight(t *testing.T) {
	docID := uuid.New()
	vectors := &fakeVectors{matches: []vector.Match{
		{ChunkID: 1, DocumentID: docID, Score: 0.9},
		{ChunkID: 2, DocumentID: docID, Score: 0.8},
	}}
	chunks := &fakeChunks{chunks: map[int64]store.Chunk{
		2: {ID: 2, Content: "still here"},
	}}

	r := New(&fakeEmbedder{}, vectors, chunks, &fakeScopes{}, Config{TopK: 5}, nil)
	got, err := r.Retrieve(context.Background(), nil, "query")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Chunk.ID)
}

func TestRetrieveNoRelevantChunks(t *testing.T) {
	vectors := &fakeVectors{matches: []vector.Match{{ChunkID: 1, Score: 0.1}}}
	r := New(&fakeEmbedder{}, vectors, &fakeChunks{}, &fakeScopes{},
		Config{TopK: 5, MinRelevance: 0.7}, nil)

	got, err := r.Retrieve(context.Background(), nil, "query")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	wantErr := errors.New("provider down")
	r := New(&fakeEmbedder{err: wantErr}, &fakeVectors{}, &fakeChunks{}, &fakeScopes{},
		Config{}, nil)

	_, err := r.Retrieve(context.Background(), nil, "query")
	assert.ErrorIs(t, err, wantErr)
}
