package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/migration"
	"github.com/sitebrain/sitebrain/internal/vector"
)

// migrationHandler drives vector migrations over HTTP. Runs execute in the
// background; status is polled. One run at a time per process.
type migrationHandler struct {
	manager *migration.Manager
	source  vector.Store
	target  vector.Store
	logger  log.Logger

	running atomic.Bool
}

// start launches a background copy run from source to target.
func (h *migrationHandler) start(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "migration_running", "a migration is already running", h.logger)
		return
	}

	go func() {
		defer h.running.Store(false)
		if _, err := h.manager.Copy(context.Background(), h.source, h.target); err != nil {
			h.logger.Error("migration run failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"}, h.logger)
}

func (h *migrationHandler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.CopyStatus(r.Context())
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, st, h.logger)
}

type clearRequest struct {
	Confirm string `json:"confirm"`
}

// clear empties the target backend. The confirmation phrase must be passed
// through verbatim; this is the destructive half of a migration rollback.
func (h *migrationHandler) clear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	if err := h.manager.ClearTarget(r.Context(), h.target, req.Confirm); err != nil {
		if errors.Is(err, migration.ErrNotConfirmed) {
			writeError(w, http.StatusBadRequest, "not_confirmed", err.Error(), h.logger)
			return
		}
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"}, h.logger)
}
