// Package app is the composition root: it turns a validated configuration
// into a wired object graph (database pool, repositories, LLM providers,
// vector backends, cache, engine) and owns the shutdown order.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitebrain/sitebrain/internal/cache"
	"github.com/sitebrain/sitebrain/internal/chunker"
	"github.com/sitebrain/sitebrain/internal/config"
	"github.com/sitebrain/sitebrain/internal/database"
	"github.com/sitebrain/sitebrain/internal/docload"
	"github.com/sitebrain/sitebrain/internal/embedding"
	"github.com/sitebrain/sitebrain/internal/engine"
	"github.com/sitebrain/sitebrain/internal/llm"
	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/migration"
	"github.com/sitebrain/sitebrain/internal/ratelimit"
	"github.com/sitebrain/sitebrain/internal/retrieval"
	"github.com/sitebrain/sitebrain/internal/store"
	"github.com/sitebrain/sitebrain/internal/vector"
)

// App is the wired application.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool     *pgxpool.Pool
	Store    *store.Store
	LLM      *llm.Client
	Embedder *embedding.Generator
	Cache    *cache.Manager
	Engine   *engine.Engine
	Migrator *migration.Manager

	// Vectors is the active backend; AltVectors is the other one when both
	// are configured, serving as the migration counterpart.
	Vectors    vector.Store
	AltVectors vector.Store
}

// New builds the full object graph. Schema migrations run before the pool
// opens so every component sees the expected schema.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	if err := database.Migrate(cfg.ConnString()); err != nil {
		return nil, fmt.Errorf("applying schema migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	a, err := build(ctx, cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger log.Logger, pool *pgxpool.Pool) (*App, error) {
	st := store.New(pool)

	client, err := buildLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	gen := embedding.New(client, embedding.Config{
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
		BatchSize: cfg.EmbeddingBatchSize,
	}, logger)

	vectors, alt, err := buildVectorBackends(cfg, logger, pool)
	if err != nil {
		return nil, err
	}

	cacheManager, err := buildCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	retriever := retrieval.New(gen, vectors, st.Chunks, st.Chatbots, retrieval.Config{
		TopK:         cfg.TopK,
		MinRelevance: cfg.MinRelevance,
	}, logger)

	limiter := ratelimit.New(st.AppState, ratelimit.Config{
		Window:      time.Duration(cfg.Limits.WindowSeconds) * time.Second,
		MaxRequests: cfg.Limits.MaxRequests,
		MaxPerDay:   cfg.Limits.MaxPerDay,
	}, logger)

	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("configuring chunker: %w", err)
	}

	eng, err := engine.New(engine.Config{
		ChatModel:          cfg.ChatModel,
		Temperature:        cfg.Temperature,
		MaxTokens:          cfg.MaxTokens,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		MaxContextLength:   cfg.MaxContextLength,
		FallbackMessage:    cfg.FallbackMessage,
		GuestIPSalt:        cfg.GuestIPSalt,
		QueueBatchSize:     cfg.QueueBatchSize,
		QueueInterval:      cfg.QueueInterval,
	}, engine.Deps{
		Store:     st,
		Loader:    docload.New(cfg.FetchTimeout, logger),
		Chunker:   ch,
		Embedder:  gen,
		Vectors:   vectors,
		Retriever: retriever,
		Completer: client,
		Limiter:   limiter,
		Cache:     cacheManager,
		QueueLock: store.NewQueueLock(pool),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Store:      st,
		LLM:        client,
		Embedder:   gen,
		Cache:      cacheManager,
		Engine:     eng,
		Migrator:   migration.New(st.AppState, migration.Config{}, logger),
		Vectors:    vectors,
		AltVectors: alt,
	}, nil
}

func buildLLMClient(cfg *config.Config, logger log.Logger) (*llm.Client, error) {
	registry := llm.NewRegistry(
		llm.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, 0),
		llm.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, 0),
		llm.NewGoogle(cfg.Google.APIKey, cfg.Google.BaseURL, 0),
		llm.NewTogether(cfg.Together.APIKey, cfg.Together.BaseURL, 0),
	)

	order := cfg.ConfiguredProviders()
	if len(order) == 0 {
		return nil, config.ErrMissingAPIKey
	}

	client, err := llm.NewClient(llm.ClientConfig{
		Registry: registry,
		Order:    order,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building llm client: %w", err)
	}
	return client, nil
}

// buildVectorBackends returns the active backend plus, when Pinecone is
// configured, the inactive one for migration runs.
func buildVectorBackends(cfg *config.Config, logger log.Logger, pool *pgxpool.Pool) (active, alt vector.Store, err error) {
	local := vector.NewLocal(pool, cfg.EmbeddingModel, cfg.EmbeddingDimension, logger)

	var pinecone vector.Store
	if cfg.Pinecone.Host != "" && cfg.Pinecone.APIKey != "" {
		pinecone = vector.NewPinecone(vector.PineconeConfig{
			Host:      cfg.Pinecone.Host,
			APIKey:    cfg.Pinecone.APIKey,
			Namespace: cfg.Pinecone.Namespace,
			Dimension: cfg.EmbeddingDimension,
		}, logger)
	}

	switch cfg.VectorBackend {
	case config.VectorBackendLocal:
		return local, pinecone, nil
	case config.VectorBackendPinecone:
		if pinecone == nil {
			return nil, nil, config.ErrMissingPinecone
		}
		return pinecone, local, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidVectorBackend, cfg.VectorBackend)
	}
}

func buildCache(ctx context.Context, cfg *config.Config, logger log.Logger) (*cache.Manager, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemory:
		return cache.New(cache.NewMemory(), cfg.CacheTTL, logger), nil
	case config.CacheBackendRedis:
		backend, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return cache.New(backend, cfg.CacheTTL, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidCacheBackend, cfg.CacheBackend)
	}
}

// Close releases resources in reverse dependency order.
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn("closing cache", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
