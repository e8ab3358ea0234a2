package config

import (
	"fmt"
	"net"
	"strconv"
)

// validProviders is the set of provider identifiers the llm registry knows.
var validProviders = map[string]struct{}{
	ProviderOpenAI:    {},
	ProviderAnthropic: {},
	ProviderGoogle:    {},
	ProviderTogether:  {},
}

// Validate checks the configuration for consistency. It is called by Load
// immediately after unmarshalling (fail-fast): a process with a broken
// configuration must not start.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	c.FallbackOrder = normalizeFallbackOrder(c.FallbackOrder)
	if len(c.FallbackOrder) == 0 {
		return fmt.Errorf("%w: fallback_order must not be empty", ErrInvalidProvider)
	}
	for _, p := range c.FallbackOrder {
		if _, ok := validProviders[p]; !ok {
			return fmt.Errorf("%w: %q (valid: openai, anthropic, google, together)", ErrInvalidProvider, p)
		}
	}

	if err := c.validateChunking(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}

	if c.CacheBackend != CacheBackendMemory && c.CacheBackend != CacheBackendRedis {
		return fmt.Errorf("%w: %q", ErrInvalidCacheBackend, c.CacheBackend)
	}

	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: embedding_dimension must be positive, got %d", ErrInvalidChunking, c.EmbeddingDimension)
	}
	if c.EmbeddingBatchSize <= 0 {
		c.EmbeddingBatchSize = 100
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("%w: min_relevance must be in [0,1], got %v", ErrInvalidLimits, c.MinRelevance)
	}

	return nil
}

// ValidateServe performs the additional checks required before starting the
// HTTP server: at least one provider key and the guest IP salt.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.ConfiguredProviders()) == 0 {
		return fmt.Errorf("%w: no provider in fallback_order has an API key set", ErrMissingAPIKey)
	}
	if c.GuestIPSalt == "" {
		return fmt.Errorf("%w: set SITEBRAIN_GUEST_IP_SALT", ErrMissingGuestSalt)
	}
	if len(c.GuestIPSalt) < 16 {
		return fmt.Errorf("%w: salt must be at least 16 characters", ErrMissingGuestSalt)
	}
	return nil
}

func (c *Config) validateChunking() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk_overlap must not be negative, got %d", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap (%d) must be smaller than chunk_size (%d)",
			ErrInvalidChunking, c.ChunkOverlap, c.ChunkSize)
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("%w: queue_batch_size must be positive, got %d", ErrInvalidChunking, c.QueueBatchSize)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgres)
	}
	switch c.PostgresSSLMode {
	case "disable", "require", "verify-ca", "verify-full", "prefer", "allow":
	default:
		return fmt.Errorf("%w: unknown ssl mode %q", ErrInvalidPostgres, c.PostgresSSLMode)
	}

	switch c.VectorBackend {
	case VectorBackendLocal:
	case VectorBackendPinecone:
		if c.Pinecone.APIKey == "" || c.Pinecone.Host == "" {
			return fmt.Errorf("%w: api_key and host are required", ErrMissingPinecone)
		}
	default:
		return fmt.Errorf("%w: %q (valid: local, pinecone)", ErrInvalidVectorBackend, c.VectorBackend)
	}

	if c.ListenAddr != "" {
		if _, port, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("%w: listen_addr %q: %v", ErrInvalidPostgres, c.ListenAddr, err)
		} else if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("%w: listen_addr port %q is not numeric", ErrInvalidPostgres, port)
		}
	}

	return nil
}

func (c *Config) validateLimits() error {
	l := c.Limits
	if l.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window_seconds must be positive, got %d", ErrInvalidLimits, l.WindowSeconds)
	}
	if l.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be positive, got %d", ErrInvalidLimits, l.MaxRequests)
	}
	if l.MaxPerDay < l.MaxRequests {
		return fmt.Errorf("%w: max_per_day (%d) must not be smaller than max_requests (%d)",
			ErrInvalidLimits, l.MaxPerDay, l.MaxRequests)
	}
	return nil
}
