package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/store"
)

// chatbotHandler serves chatbot configuration and knowledge-base linking.
type chatbotHandler struct {
	store  *store.Store
	logger log.Logger
}

type chatbotView struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Style       json.RawMessage `json:"style"`
	Messages    json.RawMessage `json:"messages"`
	ModelConfig json.RawMessage `json:"model_config"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toChatbotView(c *store.Chatbot) chatbotView {
	return chatbotView{
		ID:          c.ID,
		Name:        c.Name,
		Style:       c.Style,
		Messages:    c.Messages,
		ModelConfig: c.ModelConfig,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

type chatbotRequest struct {
	Name        string          `json:"name"`
	Style       json.RawMessage `json:"style,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	ModelConfig json.RawMessage `json:"model_config,omitempty"`
}

func (h *chatbotHandler) list(w http.ResponseWriter, r *http.Request) {
	bots, err := h.store.Chatbots.List(r.Context())
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	views := make([]chatbotView, len(bots))
	for i := range bots {
		views[i] = toChatbotView(&bots[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatbots": views}, h.logger)
}

func (h *chatbotHandler) create(w http.ResponseWriter, r *http.Request) {
	var req chatbotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required", h.logger)
		return
	}

	bot, err := h.store.Chatbots.Create(r.Context(), &store.Chatbot{
		Name:        req.Name,
		Style:       req.Style,
		Messages:    req.Messages,
		ModelConfig: req.ModelConfig,
	})
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, toChatbotView(bot), h.logger)
}

func (h *chatbotHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	bot, err := h.store.Chatbots.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toChatbotView(bot), h.logger)
}

func (h *chatbotHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	var req chatbotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	bot := &store.Chatbot{
		ID:          id,
		Name:        req.Name,
		Style:       req.Style,
		Messages:    req.Messages,
		ModelConfig: req.ModelConfig,
	}
	if err := h.store.Chatbots.Update(r.Context(), bot); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}

	updated, err := h.store.Chatbots.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toChatbotView(updated), h.logger)
}

func (h *chatbotHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.store.Chatbots.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkRequest struct {
	DocumentID string `json:"document_id"`
}

func (h *chatbotHandler) linkDocument(w http.ResponseWriter, r *http.Request) {
	h.link(w, r, h.store.Chatbots.LinkDocument)
}

func (h *chatbotHandler) unlinkDocument(w http.ResponseWriter, r *http.Request) {
	h.link(w, r, h.store.Chatbots.UnlinkDocument)
}

func (h *chatbotHandler) link(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, chatbotID, documentID uuid.UUID) error) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "document_id must be a UUID", h.logger)
		return
	}

	if err := op(r.Context(), id, docID); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *chatbotHandler) documents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	ids, err := h.store.Chatbots.DocumentIDs(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_ids": ids}, h.logger)
}

func (h *chatbotHandler) conversations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	convs, err := h.store.Conversations.ListForChatbot(r.Context(), id, 0)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}

	views := make([]conversationView, len(convs))
	for i, c := range convs {
		views[i] = conversationView{
			ID:         c.ID,
			ChatbotID:  c.ChatbotID,
			SessionID:  c.SessionID,
			IsFavorite: c.IsFavorite,
			IsArchived: c.IsArchived,
			CreatedAt:  c.CreatedAt,
			UpdatedAt:  c.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views}, h.logger)
}

// conversationView hides the guest IP hash from API consumers.
type conversationView struct {
	ID         uuid.UUID `json:"id"`
	ChatbotID  uuid.UUID `json:"chatbot_id"`
	SessionID  string    `json:"session_id"`
	IsFavorite bool      `json:"is_favorite"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
