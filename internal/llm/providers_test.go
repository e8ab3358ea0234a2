package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)

		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "Paris"}}],
			"usage": {"total_tokens": 42}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL, time.Second)
	got, err := p.Complete(context.Background(), CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: RoleSystem, Content: "You answer tersely."},
			{Role: RoleUser, Content: "Capital of France?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", got.Text)
	assert.Equal(t, 42, got.TokensUsed)
}

func TestOpenAIEmbedPreservesInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		// Out-of-order data entries must be reassembled by index.
		_, _ = w.Write([]byte(`{"data": [
			{"index": 1, "embedding": [0.2]},
			{"index": 0, "embedding": [0.1]}
		]}`))
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL, time.Second)
	got, err := p.Embed(context.Background(), EmbeddingRequest{
		Model: "text-embedding-3-small",
		Texts: []string{"first", "second"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float32{0.1}, got[0])
	assert.Equal(t, []float32{0.2}, got[1])
}

func TestOpenAIErrorStatusBecomesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Incorrect API key"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI("sk-bad", srv.URL, time.Second)
	_, err := p.Complete(context.Background(), CompletionRequest{Model: "m"})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.Status)
	assert.Contains(t, pe.Message, "Incorrect API key")
	assert.False(t, retryableError(err))
}

func TestTogetherUsesOpenAIWireFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	p := NewTogether("tk-test", srv.URL, time.Second)
	assert.Equal(t, "together", p.Name())

	got, err := p.Complete(context.Background(), CompletionRequest{Model: "meta-llama/Llama-3-8b"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
}

func TestAnthropicCompleteLiftsSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicMessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You answer tersely.", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, RoleUser, req.Messages[0].Role)
		assert.Positive(t, req.MaxTokens)

		_, _ = w.Write([]byte(`{
			"model": "claude-3-5-haiku-latest",
			"content": [{"type": "text", "text": "Paris"}],
			"usage": {"input_tokens": 10, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant", srv.URL, time.Second)
	got, err := p.Complete(context.Background(), CompletionRequest{
		Model: "claude-3-5-haiku-latest",
		Messages: []Message{
			{Role: RoleSystem, Content: "You answer tersely."},
			{Role: RoleUser, Content: "Capital of France?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", got.Text)
	assert.Equal(t, 12, got.TokensUsed)
}

func TestAnthropicEmbedUnsupported(t *testing.T) {
	p := NewAnthropic("sk-ant", "", time.Second)
	_, err := p.Embed(context.Background(), EmbeddingRequest{Texts: []string{"x"}})
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))
}

func TestGoogleCompleteMapsRoles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "gk-test", r.Header.Get("x-goog-api-key"))

		var req googleGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Contents, 2)
		assert.Equal(t, "user", req.Contents[0].Role)
		assert.Equal(t, "model", req.Contents[1].Role)

		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "Par"}, {"text": "is"}]}}],
			"usageMetadata": {"totalTokenCount": 7}
		}`))
	}))
	defer srv.Close()

	p := NewGoogle("gk-test", srv.URL, time.Second)
	got, err := p.Complete(context.Background(), CompletionRequest{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: RoleSystem, Content: "You answer tersely."},
			{Role: RoleUser, Content: "Capital of France?"},
			{Role: RoleAssistant, Content: "Paris."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", got.Text)
	assert.Equal(t, 7, got.TokensUsed)
}

func TestGoogleEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/text-embedding-004:batchEmbedContents", r.URL.Path)
		_, _ = w.Write([]byte(`{"embeddings": [{"values": [0.1, 0.2]}, {"values": [0.3, 0.4]}]}`))
	}))
	defer srv.Close()

	p := NewGoogle("gk-test", srv.URL, time.Second)
	got, err := p.Embed(context.Background(), EmbeddingRequest{
		Model: "text-embedding-004",
		Texts: []string{"a", "b"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float32{0.3, 0.4}, got[1])
}

func TestGoogleEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings": [{"values": [0.1]}]}`))
	}))
	defer srv.Close()

	p := NewGoogle("gk-test", srv.URL, time.Second)
	_, err := p.Embed(context.Background(), EmbeddingRequest{Model: "m", Texts: []string{"a", "b"}})
	assert.Error(t, err)
}
