package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitebrain/sitebrain/internal/database"
	"github.com/sitebrain/sitebrain/internal/log"
)

// healthHandler serves the liveness and readiness probes. Probes sit outside
// the middleware stack so a rate-limited or misbehaving client cannot starve
// the orchestrator's checks.
type healthHandler struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// liveness answers 200 whenever the process is up.
func (h *healthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
}

// readiness answers 200 only when the database is reachable and carries the
// expected schema.
func (h *healthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database pool not configured", h.logger)
		return
	}
	if err := h.pool.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database not reachable", h.logger)
		return
	}
	if err := database.CheckSchema(r.Context(), h.pool); err != nil {
		h.logger.Error("schema check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not_ready", "schema not ready", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, h.logger)
}
