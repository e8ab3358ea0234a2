package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/llm"
	"github.com/sitebrain/sitebrain/internal/retrieval"
	"github.com/sitebrain/sitebrain/internal/store"
)

// ErrEmptyMessage rejects chat requests with nothing to answer.
var ErrEmptyMessage = errors.New("message is empty")

const (
	retrievalCacheTTL = 5 * time.Minute
	chatbotCacheTTL   = time.Minute
)

// ChatRequest is one user turn. UserID identifies logged-in users; guests are
// identified by a salted hash of ClientIP, never the raw address.
type ChatRequest struct {
	ChatbotID uuid.UUID
	SessionID string
	UserID    string
	ClientIP  string
	Message   string
}

// SourceRef points at a chunk that grounded the answer.
type SourceRef struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkID    int64     `json:"chunk_id"`
	Score      float64   `json:"score"`
}

// Response is the engine's answer to a chat request. RateLimited responses
// carry the configured message and no model output.
type Response struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	Text           string      `json:"text"`
	Sources        []SourceRef `json:"sources,omitempty"`
	Provider       string      `json:"provider,omitempty"`
	Model          string      `json:"model,omitempty"`
	TokensUsed     int         `json:"tokens_used,omitempty"`
	RateLimited    bool        `json:"rate_limited,omitempty"`
	RetryAfter     int         `json:"retry_after_seconds,omitempty"`
	ResetTime      time.Time   `json:"reset_time,omitzero"`
}

// GenerateResponse runs one chat turn: rate-limit check, context retrieval,
// prompt assembly, completion and persistence. Rate-limit denials and empty
// retrievals produce normal responses, not errors; errors mean the turn could
// not be served at all.
func (e *Engine) GenerateResponse(ctx context.Context, req ChatRequest) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	bot, err := e.loadChatbot(ctx, req.ChatbotID)
	if err != nil {
		return nil, err
	}

	identity := e.identityFor(req)
	decision, err := e.deps.Limiter.Allow(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}
	if !decision.Allowed {
		return &Response{
			Text:        firstNonEmpty(bot.messages.RateLimited, e.cfg.RateLimitedMessage),
			RateLimited: true,
			RetryAfter:  int(decision.RetryAfter.Round(time.Second).Seconds()),
			ResetTime:   decision.ResetTime,
		}, nil
	}

	conv, err := e.resolveConversation(ctx, req, identity)
	if err != nil {
		return nil, err
	}

	results, err := e.retrieveCached(ctx, req.ChatbotID, req.Message)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	resp := &Response{ConversationID: conv.ID}
	if len(results) == 0 {
		resp.Text = firstNonEmpty(bot.messages.FallbackMessage, e.cfg.FallbackMessage)
	} else {
		history, err := e.deps.Store.Conversations.History(ctx, conv.ID, e.cfg.MaxHistoryMessages)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}

		completion, err := e.deps.Completer.Complete(ctx, llm.CompletionRequest{
			Model:       firstNonEmpty(bot.model.Model, e.cfg.ChatModel),
			Messages:    e.buildPrompt(bot, results, history, req.Message),
			Temperature: firstNonZero(bot.model.Temperature, e.cfg.Temperature),
			MaxTokens:   firstNonZeroInt(bot.model.MaxTokens, e.cfg.MaxTokens),
		})
		if err != nil {
			return nil, fmt.Errorf("generating completion: %w", err)
		}

		resp.Text = completion.Text
		resp.Provider = completion.Provider
		resp.Model = completion.Model
		resp.TokensUsed = completion.TokensUsed
		for _, r := range results {
			resp.Sources = append(resp.Sources, SourceRef{
				DocumentID: r.Chunk.DocumentID,
				ChunkID:    r.Chunk.ID,
				Score:      r.Score,
			})
		}
	}

	if err := e.persistTurn(ctx, conv.ID, req.Message, resp); err != nil {
		return nil, err
	}

	e.recordAnalytics(ctx, store.EventQueryAnswered, map[string]any{
		"chatbot_id":  req.ChatbotID.String(),
		"sources":     len(resp.Sources),
		"tokens_used": resp.TokensUsed,
		"provider":    resp.Provider,
	})
	return resp, nil
}

// chatbotSettings is a chatbot row with its JSON knobs decoded.
type chatbotSettings struct {
	name     string
	messages store.ChatbotMessages
	model    store.ChatbotModelConfig
}

func (e *Engine) loadChatbot(ctx context.Context, id uuid.UUID) (*chatbotSettings, error) {
	load := func(ctx context.Context) (any, error) {
		bot, err := e.deps.Store.Chatbots.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		var s chatbotSettings
		s.name = bot.Name
		if err := json.Unmarshal(bot.Messages, &s.messages); err != nil {
			return nil, fmt.Errorf("decoding chatbot messages: %w", err)
		}
		if err := json.Unmarshal(bot.ModelConfig, &s.model); err != nil {
			return nil, fmt.Errorf("decoding chatbot model config: %w", err)
		}
		return &s, nil
	}

	var s chatbotSettings
	if e.deps.Cache == nil {
		got, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading chatbot %s: %w", id, err)
		}
		return got.(*chatbotSettings), nil
	}
	err := e.deps.Cache.GetOrComputeJSON(ctx, "chat:bot:"+id.String(), chatbotCacheTTL, &s, load)
	if err != nil {
		return nil, fmt.Errorf("loading chatbot %s: %w", id, err)
	}
	return &s, nil
}

func (e *Engine) identityFor(req ChatRequest) string {
	if req.UserID != "" {
		return "user:" + req.UserID
	}
	return "guest:" + store.HashGuestIP(e.cfg.GuestIPSalt, req.ClientIP)
}

func (e *Engine) resolveConversation(ctx context.Context, req ChatRequest, identity string) (*store.Conversation, error) {
	var userID, guestHash *string
	if req.UserID != "" {
		userID = &req.UserID
	} else {
		h := strings.TrimPrefix(identity, "guest:")
		guestHash = &h
	}
	conv, err := e.deps.Store.Conversations.GetOrCreate(ctx, req.ChatbotID, req.SessionID, userID, guestHash)
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}
	return conv, nil
}

// retrieveCached memoizes retrieval per (chatbot, query). The cache is
// invalidated wholesale whenever a document is processed or deleted.
func (e *Engine) retrieveCached(ctx context.Context, chatbotID uuid.UUID, query string) ([]retrieval.Result, error) {
	if e.deps.Cache == nil {
		return e.deps.Retriever.Retrieve(ctx, &chatbotID, query)
	}

	sum := sha256.Sum256([]byte(query))
	key := "retrieval:" + chatbotID.String() + ":" + hex.EncodeToString(sum[:16])

	var results []retrieval.Result
	err := e.deps.Cache.GetOrComputeJSON(ctx, key, retrievalCacheTTL, &results,
		func(ctx context.Context) (any, error) {
			return e.deps.Retriever.Retrieve(ctx, &chatbotID, query)
		})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// buildPrompt assembles the completion messages: persona and retrieved
// context in the system turn, then prior history oldest-first, then the user
// message. History is trimmed oldest-first until everything fits in
// MaxContextLength runes.
func (e *Engine) buildPrompt(bot *chatbotSettings, results []retrieval.Result, history []store.StoredMessage, userMessage string) []llm.Message {
	var sys strings.Builder
	persona := bot.messages.SystemPrompt
	if persona == "" {
		persona = "You are " + firstNonEmpty(bot.name, "a helpful assistant") +
			". Answer using only the provided context. If the context does not contain the answer, say so."
	}
	sys.WriteString(persona)
	sys.WriteString("\n\nContext:\n")
	for i, r := range results {
		fmt.Fprintf(&sys, "[%d] %s\n", i+1, r.Chunk.Content)
	}

	budget := e.cfg.MaxContextLength
	used := len([]rune(sys.String())) + len([]rune(userMessage))

	// Walk history newest-first deciding what fits, then emit oldest-first.
	keep := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := len([]rune(history[i].Content))
		if used+cost > budget {
			break
		}
		used += cost
		keep++
	}

	msgs := make([]llm.Message, 0, keep+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys.String()})
	for _, m := range history[len(history)-keep:] {
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

func (e *Engine) persistTurn(ctx context.Context, conversationID uuid.UUID, userMessage string, resp *Response) error {
	if _, err := e.deps.Store.Conversations.AppendMessage(ctx, conversationID, store.RoleUser, userMessage, nil); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	meta, err := json.Marshal(map[string]any{
		"provider":    resp.Provider,
		"model":       resp.Model,
		"tokens_used": resp.TokensUsed,
		"sources":     resp.Sources,
	})
	if err != nil {
		return fmt.Errorf("encoding message metadata: %w", err)
	}
	if _, err := e.deps.Store.Conversations.AppendMessage(ctx, conversationID, store.RoleAssistant, resp.Text, meta); err != nil {
		return fmt.Errorf("persisting assistant message: %w", err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...float32) float32 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
