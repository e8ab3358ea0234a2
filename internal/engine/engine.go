// Package engine orchestrates the RAG pipeline: document processing
// (load → chunk → embed → index), queue draining, response generation and
// vector-store hygiene. It owns no policy of its own beyond sequencing;
// every capability is injected.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/cache"
	"github.com/sitebrain/sitebrain/internal/chunker"
	"github.com/sitebrain/sitebrain/internal/docload"
	"github.com/sitebrain/sitebrain/internal/llm"
	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/ratelimit"
	"github.com/sitebrain/sitebrain/internal/retrieval"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

// Completer produces chat completions. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error)
}

// ContextRetriever finds relevant chunks. *retrieval.Retriever satisfies it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, chatbotID *uuid.UUID, query string) ([]retrieval.Result, error)
}

// Embedder turns chunk texts into vectors. *embedding.Generator satisfies it.
type Embedder interface {
	Generate(ctx context.Context, texts []string) ([][]float32, error)
}

// Config is the engine's tuning surface.
type Config struct {
	// ChatModel is the default completion model; chatbots can override it.
	ChatModel   string
	Temperature float32
	MaxTokens   int

	// MaxHistoryMessages caps how many prior turns enter the prompt.
	MaxHistoryMessages int
	// MaxContextLength caps the total prompt size in runes; history is
	// trimmed oldest-first to fit.
	MaxContextLength int

	// FallbackMessage is returned when retrieval finds nothing relevant.
	FallbackMessage string
	// RateLimitedMessage is returned on quota denial.
	RateLimitedMessage string

	// GuestIPSalt feeds the guest identity hash.
	GuestIPSalt string

	QueueBatchSize int
	QueueInterval  time.Duration
	// StaleAge is how long a document or queue item may sit in processing
	// before the health sweep returns it to pending.
	StaleAge time.Duration
	// StreamTTL is how long a finished or abandoned stream handle lives.
	StreamTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 10
	}
	if c.MaxContextLength <= 0 {
		c.MaxContextLength = 12000
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = "I could not find anything relevant to that. Try rephrasing your question."
	}
	if c.RateLimitedMessage == "" {
		c.RateLimitedMessage = "You are sending messages too quickly. Please wait a moment and try again."
	}
	if c.QueueBatchSize <= 0 {
		c.QueueBatchSize = 10
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = 5 * time.Minute
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 15 * time.Minute
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = 5 * time.Minute
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Store     *store.Store
	Loader    *docload.Loader
	Chunker   *chunker.Chunker
	Embedder  Embedder
	Vectors   vector.Store
	Retriever ContextRetriever
	Completer Completer
	Limiter   *ratelimit.Limiter
	Cache     *cache.Manager
	Bus       *Bus
	QueueLock *store.QueueLock
	Logger    log.Logger
}

// Engine runs the pipeline. Safe for concurrent use.
type Engine struct {
	cfg   Config
	deps  Deps
	log   log.Logger

	streamMu sync.Mutex
	streams  map[string]*streamState
}

// New creates an Engine and wires its bus subscriptions: content-changed
// events enqueue ingest work, processed/deleted events invalidate the
// response caches.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Vectors == nil {
		return nil, errors.New("store and vector backend are required")
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = log.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = NewBus()
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		streams: make(map[string]*streamState),
	}

	deps.Bus.Subscribe(e.onEvent)
	return e, nil
}

// Bus returns the engine's event bus so collaborators can publish and
// subscribe.
func (e *Engine) Bus() *Bus {
	return e.deps.Bus
}

func (e *Engine) onEvent(ev Event) {
	// Bus delivery is synchronous on the publisher's goroutine, so the
	// handlers here only do fast work and log failures instead of
	// propagating them.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Type {
	case EventContentChanged:
		if err := e.deps.Store.Queue.Enqueue(ctx, ev.SourceType, ev.SourceID, ev.Action); err != nil {
			e.log.Error("enqueueing content change", "source", ev.SourceType+"/"+ev.SourceID, "error", err)
		}
	case EventDocumentProcessed, EventDocumentDeleted:
		if e.deps.Cache == nil {
			return
		}
		for _, prefix := range []string{"retrieval:", "chat:"} {
			if _, err := e.deps.Cache.InvalidatePrefix(ctx, prefix); err != nil {
				e.log.Warn("cache invalidation failed", "prefix", prefix, "error", err)
			}
		}
	}
}
