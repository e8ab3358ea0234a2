package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/testutil"
)

func setup(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return store.New(db.Pool)
}

func TestDocumentLifecycle(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	doc, err := s.Documents.Create(ctx, &store.Document{
		Title:      "Getting started",
		SourceType: "post",
		SourceID:   "101",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, doc.Status)
	assert.NotEqual(t, uuid.Nil, doc.ID)

	require.NoError(t, s.Documents.SetStatus(ctx, doc.ID, store.StatusProcessing, ""))
	require.NoError(t, s.Documents.SetStatus(ctx, doc.ID, store.StatusCompleted, ""))

	got, err := s.Documents.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	bySource, err := s.Documents.GetBySource(ctx, "post", "101")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, bySource.ID)

	completed, err := s.Documents.List(ctx, store.StatusCompleted, 10, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	require.NoError(t, s.Documents.Delete(ctx, doc.ID))
	_, err = s.Documents.Get(ctx, doc.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDocumentSetStatusMissing(t *testing.T) {
	s := setup(t)
	err := s.Documents.SetStatus(context.Background(), uuid.New(), store.StatusError, "boom")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestChunkReplaceForDocument(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	doc, err := s.Documents.Create(ctx, &store.Document{SourceType: "url", SourceID: "https://example.com"})
	require.NoError(t, err)

	first, err := s.Chunks.ReplaceForDocument(ctx, doc.ID, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 0, first[0].ChunkIndex)

	// Replacing discards the old rows entirely.
	second, err := s.Chunks.ReplaceForDocument(ctx, doc.ID, []string{"gamma"})
	require.NoError(t, err)
	require.Len(t, second, 1)

	listed, err := s.Chunks.ListForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "gamma", listed[0].Content)
	assert.Greater(t, listed[0].ID, first[1].ID)

	byID, err := s.Chunks.GetByIDs(ctx, []int64{second[0].ID, 99999})
	require.NoError(t, err)
	require.Len(t, byID, 1)

	count, err := s.Chunks.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestConversationAppendAssignsDenseSequence(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	bot, err := s.Chatbots.Create(ctx, &store.Chatbot{Name: "support"})
	require.NoError(t, err)

	hash := store.HashGuestIP("salt", "203.0.113.9")
	conv, err := s.Conversations.GetOrCreate(ctx, bot.ID, "sess-1", nil, &hash)
	require.NoError(t, err)

	// Second call with the same session returns the same conversation.
	again, err := s.Conversations.GetOrCreate(ctx, bot.ID, "sess-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	const writers = 8
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Conversations.AppendMessage(ctx, conv.ID, store.RoleUser, "hello", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := s.Conversations.History(ctx, conv.ID, 100)
	require.NoError(t, err)
	require.Len(t, history, writers)
	for i, m := range history {
		assert.Equal(t, i+1, m.SequenceNumber, "sequence numbers must be dense")
	}
}

func TestConversationHistoryReturnsRecentInOrder(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	bot, err := s.Chatbots.Create(ctx, &store.Chatbot{Name: "bot"})
	require.NoError(t, err)
	conv, err := s.Conversations.GetOrCreate(ctx, bot.ID, "sess", nil, nil)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three", "four"} {
		_, err := s.Conversations.AppendMessage(ctx, conv.ID, store.RoleUser, content, nil)
		require.NoError(t, err)
	}

	history, err := s.Conversations.History(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "three", history[0].Content)
	assert.Equal(t, "four", history[1].Content)
}

func TestChatbotDocumentLinks(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	bot, err := s.Chatbots.Create(ctx, &store.Chatbot{Name: "docs-bot"})
	require.NoError(t, err)
	doc, err := s.Documents.Create(ctx, &store.Document{SourceType: "post", SourceID: "7"})
	require.NoError(t, err)

	require.NoError(t, s.Chatbots.LinkDocument(ctx, bot.ID, doc.ID))
	// Linking twice is idempotent.
	require.NoError(t, s.Chatbots.LinkDocument(ctx, bot.ID, doc.ID))

	ids, err := s.Chatbots.DocumentIDs(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, doc.ID, ids[0])

	require.NoError(t, s.Chatbots.UnlinkDocument(ctx, bot.ID, doc.ID))
	ids, err = s.Chatbots.DocumentIDs(ctx, bot.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestQueueEnqueueDedupsAndClaims(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Queue.Enqueue(ctx, "post", "1", store.ActionUpsert))
	require.NoError(t, s.Queue.Enqueue(ctx, "post", "1", store.ActionUpsert))
	require.NoError(t, s.Queue.Enqueue(ctx, "post", "2", store.ActionDelete))

	pending, err := s.Queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	claimed, err := s.Queue.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "1", claimed[0].SourceID, "oldest first")

	// Claimed items are no longer pending.
	again, err := s.Queue.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Queue.MarkCompleted(ctx, claimed[0].ID))
	require.NoError(t, s.Queue.MarkError(ctx, claimed[1].ID, "fetch failed"))
}

func TestAppStateTTL(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	type progress struct {
		Cursor int64 `json:"cursor"`
	}

	require.NoError(t, s.AppState.Set(ctx, "migration:progress", progress{Cursor: 42}, 0))
	var got progress
	require.NoError(t, s.AppState.Get(ctx, "migration:progress", &got))
	assert.Equal(t, int64(42), got.Cursor)

	// An already-expired key reads as missing.
	require.NoError(t, s.AppState.Set(ctx, "ephemeral", progress{}, time.Nanosecond))
	time.Sleep(10 * time.Millisecond)
	err := s.AppState.Get(ctx, "ephemeral", &got)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	removed, err := s.AppState.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, s.AppState.Set(ctx, "ratelimit:u1", progress{}, time.Hour))
	require.NoError(t, s.AppState.Set(ctx, "ratelimit:u2", progress{}, time.Hour))
	deleted, err := s.AppState.DeletePrefix(ctx, "ratelimit:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestQueueLockExcludesSecondHolder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	lock := store.NewQueueLock(db.Pool)
	release, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok2, "second acquire must fail while held")

	release()

	release2, ok3, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok3, "lock must be reacquirable after release")
	release2()
}

func TestHashGuestIP(t *testing.T) {
	a := store.HashGuestIP("salt", "192.0.2.1")
	b := store.HashGuestIP("salt", "192.0.2.1")
	c := store.HashGuestIP("other-salt", "192.0.2.1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "192.0.2.1")
}
