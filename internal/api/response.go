package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/store"
)

// maxBodySize caps request bodies. Chat messages and CMS payloads are text;
// anything past this is abuse or a mistake.
const maxBodySize = 1 << 20

// writeJSON writes a JSON response. Encoding happens into a buffer first so
// an encoding failure can still become a clean 500 instead of a truncated
// body after the headers went out.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("encoding JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		logger.Debug("writing response body", "error", err)
	}
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, logger log.Logger) {
	writeJSON(w, status, errorResponse{Error: code, Message: message}, logger)
}

// decodeJSON reads a size-capped JSON body into out, rejecting unknown
// fields so client typos fail loudly.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// writeStoreError maps persistence errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, logger log.Logger) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "resource not found", logger)
		return
	}
	logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", logger)
}
