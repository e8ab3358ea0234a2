package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebrain/sitebrain/internal/config"
	"github.com/sitebrain/sitebrain/internal/log"
)

func TestBuildLLMClientRequiresAConfiguredProvider(t *testing.T) {
	cfg := &config.Config{FallbackOrder: []string{config.ProviderOpenAI, config.ProviderAnthropic}}

	_, err := buildLLMClient(cfg, log.NewNop())
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)

	cfg.Anthropic.APIKey = "sk-test"
	client, err := buildLLMClient(cfg, log.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestBuildVectorBackendsSelection(t *testing.T) {
	cfg := &config.Config{
		VectorBackend:      config.VectorBackendLocal,
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDimension: 8,
	}

	active, alt, err := buildVectorBackends(cfg, log.NewNop(), nil)
	require.NoError(t, err)
	assert.NotNil(t, active)
	assert.Nil(t, alt, "no alternate backend without pinecone credentials")

	// Selecting pinecone without connection details must fail fast.
	cfg.VectorBackend = config.VectorBackendPinecone
	_, _, err = buildVectorBackends(cfg, log.NewNop(), nil)
	assert.ErrorIs(t, err, config.ErrMissingPinecone)

	cfg.Pinecone.Host = "idx-abc123.svc.us-east-1.pinecone.io"
	cfg.Pinecone.APIKey = "pk-test"
	active, alt, err = buildVectorBackends(cfg, log.NewNop(), nil)
	require.NoError(t, err)
	assert.NotNil(t, active)
	assert.NotNil(t, alt, "local backend becomes the migration counterpart")

	cfg.VectorBackend = "faiss"
	_, _, err = buildVectorBackends(cfg, log.NewNop(), nil)
	assert.ErrorIs(t, err, config.ErrInvalidVectorBackend)
}

func TestBuildCacheBackendSelection(t *testing.T) {
	cfg := &config.Config{CacheBackend: config.CacheBackendMemory, CacheTTL: time.Minute}

	m, err := buildCache(context.Background(), cfg, log.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, m)

	cfg.CacheBackend = "memcached"
	_, err = buildCache(context.Background(), cfg, log.NewNop())
	assert.ErrorIs(t, err, config.ErrInvalidCacheBackend)
}
