// Package api exposes the chatbot system over HTTP: chat (synchronous and
// two-phase streaming), document and chatbot management, vector migration
// control and health probes. JSON in, JSON out, stdlib mux with method
// patterns.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitebrain/sitebrain/internal/engine"
	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/migration"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

const (
	// DefaultAddr is where the server listens when no address is configured.
	DefaultAddr = "127.0.0.1:8080"

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	// Chat completions can take a while; the write timeout must outlast the
	// slowest provider chain.
	writeTimeout = 120 * time.Second
	idleTimeout  = 120 * time.Second
)

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Logger log.Logger
	Engine *engine.Engine // Required
	Store  *store.Store   // Required
	Pool   *pgxpool.Pool  // Optional: nil degrades /ready to 503

	// Migration endpoints are registered only when all three are set.
	Migrator        *migration.Manager
	MigrationSource vector.Store
	MigrationTarget vector.Store

	CORSOrigins []string
	TrustProxy  bool    // Honour X-Real-IP/X-Forwarded-For
	RateBurst   int     // Per-IP burst (0 = default 60)
	RateRefill  float64 // Per-IP tokens per second (0 = default 1)
}

// Server is the HTTP front end.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// NewServer builds the route table and middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("engine and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()

	ch := &chatHandler{engine: cfg.Engine, trustProxy: cfg.TrustProxy, logger: logger}
	mux.HandleFunc("POST /api/v1/chat", ch.send)
	mux.HandleFunc("POST /api/v1/chat/stream", ch.startStream)
	mux.HandleFunc("GET /api/v1/chat/stream/{id}", ch.pollStream)

	dh := &documentHandler{engine: cfg.Engine, store: cfg.Store, logger: logger}
	mux.HandleFunc("GET /api/v1/documents", dh.list)
	mux.HandleFunc("POST /api/v1/documents", dh.create)
	mux.HandleFunc("GET /api/v1/documents/stats", dh.stats)
	mux.HandleFunc("GET /api/v1/documents/{id}", dh.get)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", dh.delete)
	mux.HandleFunc("POST /api/v1/documents/{id}/reprocess", dh.reprocess)
	mux.HandleFunc("POST /api/v1/documents/{id}/trash", dh.trash)
	mux.HandleFunc("POST /api/v1/documents/{id}/restore", dh.restore)

	bh := &chatbotHandler{store: cfg.Store, logger: logger}
	mux.HandleFunc("GET /api/v1/chatbots", bh.list)
	mux.HandleFunc("POST /api/v1/chatbots", bh.create)
	mux.HandleFunc("GET /api/v1/chatbots/{id}", bh.get)
	mux.HandleFunc("PUT /api/v1/chatbots/{id}", bh.update)
	mux.HandleFunc("DELETE /api/v1/chatbots/{id}", bh.delete)
	mux.HandleFunc("POST /api/v1/chatbots/{id}/documents", bh.linkDocument)
	mux.HandleFunc("DELETE /api/v1/chatbots/{id}/documents", bh.unlinkDocument)
	mux.HandleFunc("GET /api/v1/chatbots/{id}/documents", bh.documents)
	mux.HandleFunc("GET /api/v1/chatbots/{id}/conversations", bh.conversations)

	if cfg.Migrator != nil && cfg.MigrationSource != nil && cfg.MigrationTarget != nil {
		mh := &migrationHandler{
			manager: cfg.Migrator,
			source:  cfg.MigrationSource,
			target:  cfg.MigrationTarget,
			logger:  logger,
		}
		mux.HandleFunc("POST /api/v1/migration/start", mh.start)
		mux.HandleFunc("GET /api/v1/migration/status", mh.status)
		mux.HandleFunc("POST /api/v1/migration/clear", mh.clear)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	refill := cfg.RateRefill
	if refill <= 0 {
		refill = 1.0
	}
	rl := newIPLimiter(refill, burst)

	// Outermost first: recovery → request id → logging → CORS → rate limit.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack so orchestrator checks
	// never compete with client traffic for rate-limit tokens.
	hh := &healthHandler{pool: cfg.Pool, logger: logger}
	top := http.NewServeMux()
	top.HandleFunc("GET /health", hh.liveness)
	top.HandleFunc("GET /ready", hh.readiness)
	top.Handle("/", handler)

	return &Server{mux: top, logger: logger}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
