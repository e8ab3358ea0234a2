package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/engine"
	"github.com/sitebrain/sitebrain/internal/log"
)

// chatHandler serves the chat endpoints, both the synchronous one and the
// two-phase start/poll pair used by clients that want progressive delivery.
type chatHandler struct {
	engine     *engine.Engine
	trustProxy bool
	logger     log.Logger
}

type chatRequest struct {
	ChatbotID string `json:"chatbot_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
}

func (h *chatHandler) parseRequest(w http.ResponseWriter, r *http.Request) (engine.ChatRequest, bool) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return engine.ChatRequest{}, false
	}

	chatbotID, err := uuid.Parse(req.ChatbotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "chatbot_id must be a UUID", h.logger)
		return engine.ChatRequest{}, false
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required", h.logger)
		return engine.ChatRequest{}, false
	}

	return engine.ChatRequest{
		ChatbotID: chatbotID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		ClientIP:  clientIP(r, h.trustProxy),
		Message:   req.Message,
	}, true
}

// send answers a chat turn synchronously.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.engine.GenerateResponse(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "invalid_request", "message is empty", h.logger)
			return
		}
		writeStoreError(w, err, h.logger)
		return
	}

	if resp.RateLimited {
		writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Error:      "rate_limit_exceeded",
			Message:    resp.Text,
			RetryAfter: resp.RetryAfter,
			ResetTime:  resp.ResetTime,
		}, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// rateLimitedResponse is the 429 body: the denial code, the chatbot's
// configured message and when the quota opens again.
type rateLimitedResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message"`
	RetryAfter int       `json:"retry_after_seconds"`
	ResetTime  time.Time `json:"reset_time"`
}

// startStream kicks off background generation and returns a poll handle.
func (h *chatHandler) startStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	id := h.engine.StartStream(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"stream_id": id}, h.logger)
}

// pollStream reports the state of a running stream. The poll that observes
// completion consumes the handle; polling again is a 404.
func (h *chatHandler) pollStream(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.PollStream(r.PathValue("id"))
	if errors.Is(err, engine.ErrStreamNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown or expired stream", h.logger)
		return
	}
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, status, h.logger)
}
