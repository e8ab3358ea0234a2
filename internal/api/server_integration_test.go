package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sitebrain/sitebrain/internal/api"
	"github.com/sitebrain/sitebrain/internal/cache"
	"github.com/sitebrain/sitebrain/internal/chunker"
	"github.com/sitebrain/sitebrain/internal/docload"
	"github.com/sitebrain/sitebrain/internal/embedding"
	"github.com/sitebrain/sitebrain/internal/engine"
	"github.com/sitebrain/sitebrain/internal/llm"
	"github.com/sitebrain/sitebrain/internal/migration"
	"github.com/sitebrain/sitebrain/internal/ratelimit"
	"github.com/sitebrain/sitebrain/internal/retrieval"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/testutil"
	"github.com/sitebrain/sitebrain/internal/vector"
)

const testDimension = 64

type testServer struct {
	http     *httptest.Server
	store    *store.Store
	provider *testutil.FakeProvider
	target   vector.Store
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	s := store.New(db.Pool)
	provider := testutil.NewFakeProvider(testDimension)

	client, err := llm.NewClient(llm.ClientConfig{
		Registry:    llm.NewRegistry(provider),
		Order:       []string{provider.Name()},
		RateLimiter: rate.NewLimiter(rate.Inf, 0),
	})
	require.NoError(t, err)

	gen := embedding.New(client, embedding.Config{Model: "fake-embed", Dimension: testDimension}, nil)
	vectors := vector.NewLocal(db.Pool, "fake-embed", testDimension, nil)
	target := vector.NewLocal(db.Pool, "fake-embed-v2", testDimension, nil)
	retriever := retrieval.New(gen, vectors, s.Chunks, s.Chatbots, retrieval.Config{TopK: 5, MinRelevance: 0.7}, nil)
	limiter := ratelimit.New(s.AppState, ratelimit.Config{
		Window:      time.Minute,
		MaxRequests: 100,
		MaxPerDay:   1000,
	}, nil)

	ch, err := chunker.New(200, 20)
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{ChatModel: "fake-chat"}, engine.Deps{
		Store:     s,
		Loader:    docload.New(0, nil),
		Chunker:   ch,
		Embedder:  gen,
		Vectors:   vectors,
		Retriever: retriever,
		Completer: client,
		Limiter:   limiter,
		Cache:     cache.New(cache.NewMemory(), time.Minute, nil),
		QueueLock: store.NewQueueLock(db.Pool),
	})
	require.NoError(t, err)

	srv, err := api.NewServer(api.ServerConfig{
		Engine:          eng,
		Store:           s,
		Pool:            db.Pool,
		Migrator:        migration.New(s.AppState, migration.Config{BatchSize: 10}, nil),
		MigrationSource: vectors,
		MigrationTarget: target,
		RateBurst:       1000,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{http: ts, store: s, provider: provider, target: target}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func (ts *testServer) createChatbot(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/chatbots", map[string]any{"name": "Docs Bot"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var bot struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &bot))
	return bot.ID
}

func (ts *testServer) createDocument(t *testing.T, sourceID, text string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/documents", map[string]any{
		"type":      "post",
		"title":     "Facts",
		"source_id": sourceID,
		"post":      map[string]any{"title": "Facts", "body": text},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var doc struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Equal(t, "pending", doc.Status)

	// CMS creates go through the queue; processing is explicit here.
	resp, body = ts.do(t, http.MethodPost, "/api/v1/documents/"+doc.ID+"/reprocess", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return doc.ID
}

func TestHealthAndReadiness(t *testing.T) {
	ts := setupServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	resp, body = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ready")
}

func TestChatEndpoint(t *testing.T) {
	ts := setupServer(t)
	const facts = "The sky is blue. Grass is green."

	botID := ts.createChatbot(t)
	ts.createDocument(t, "101", facts)
	ts.provider.Response = "The sky is blue."

	resp, body := ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
		"chatbot_id": botID,
		"session_id": "sess-1",
		"message":    facts,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out engine.Response
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Contains(t, out.Text, "blue")
	assert.Len(t, out.Sources, 1)

	// Validation failures.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
		"chatbot_id": "not-a-uuid", "session_id": "s", "message": "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
		"chatbot_id": botID, "session_id": "s", "message": "  ",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatQuotaDenialBody(t *testing.T) {
	ts := setupServer(t)
	botID := ts.createChatbot(t)

	msg := map[string]any{
		"chatbot_id": botID,
		"session_id": "sess-quota",
		"message":    "hello",
	}
	for i := 0; i < 100; i++ {
		resp, body := ts.do(t, http.MethodPost, "/api/v1/chat", msg)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/chat", msg)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, string(body))

	var denial struct {
		Error      string    `json:"error"`
		Message    string    `json:"message"`
		RetryAfter int       `json:"retry_after_seconds"`
		ResetTime  time.Time `json:"reset_time"`
	}
	require.NoError(t, json.Unmarshal(body, &denial))
	assert.Equal(t, "rate_limit_exceeded", denial.Error)
	assert.NotEmpty(t, denial.Message)
	assert.Positive(t, denial.RetryAfter)
	assert.True(t, denial.ResetTime.After(time.Now()), "reset time must be in the future")
}

func TestChatStreamEndpoints(t *testing.T) {
	ts := setupServer(t)
	const facts = "The sky is blue. Grass is green."

	botID := ts.createChatbot(t)
	ts.createDocument(t, "101", facts)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]any{
		"chatbot_id": botID,
		"session_id": "sess-1",
		"message":    facts,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var started struct {
		StreamID string `json:"stream_id"`
	}
	require.NoError(t, json.Unmarshal(body, &started))
	require.NotEmpty(t, started.StreamID)

	var status engine.StreamStatus
	require.Eventually(t, func() bool {
		resp, body := ts.do(t, http.MethodGet, "/api/v1/chat/stream/"+started.StreamID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(body, &status))
		return status.Done
	}, 10*time.Second, 50*time.Millisecond)

	require.NotNil(t, status.Response)
	assert.Empty(t, status.Error)

	// The completing poll consumed the handle.
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/chat/stream/"+started.StreamID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocumentEndpoints(t *testing.T) {
	ts := setupServer(t)

	docID := ts.createDocument(t, "101", "The sky is blue. Grass is green.")

	resp, body := ts.do(t, http.MethodGet, "/api/v1/documents/"+docID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"completed"`)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/documents?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), docID)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/documents/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"completed":1`)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/documents/"+docID+"/trash", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/documents/"+docID+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/documents/"+docID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatbotLinking(t *testing.T) {
	ts := setupServer(t)

	botID := ts.createChatbot(t)
	docID := ts.createDocument(t, "101", "The sky is blue. Grass is green.")

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/chatbots/"+botID+"/documents",
		map[string]any{"document_id": docID})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/chatbots/"+botID+"/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), docID)

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/chatbots/"+botID+"/documents",
		map[string]any{"document_id": docID})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/chatbots/"+botID+"/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), docID)
}

func TestMigrationEndpoints(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ts.createDocument(t, fmt.Sprintf("%d", i), fmt.Sprintf("Fact number %d about the product.", i))
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/migration/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	require.Eventually(t, func() bool {
		resp, body := ts.do(t, http.MethodGet, "/api/v1/migration/status", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var st migration.State
		require.NoError(t, json.Unmarshal(body, &st))
		return st.Status == migration.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	count, err := ts.target.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Clearing demands the confirmation phrase.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/migration/clear", map[string]any{"confirm": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/migration/clear",
		map[string]any{"confirm": migration.ConfirmClear})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	count, err = ts.target.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
