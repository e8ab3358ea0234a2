// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./sitebrain.yaml or /etc/sitebrain/sitebrain.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Providers: per-provider API keys, chat model, embedding model, fallback order
//   - Storage: PostgreSQL connection, vector backend selection, Pinecone
//   - Ingestion: chunk size/overlap, queue interval and batch size
//   - Limits: per-user request quotas, daily caps, HTTP rate burst
//   - Cache: backend selection (memory or redis) and TTL
//
// Security: secrets (API keys, passwords, the guest IP salt) are masked in
// MarshalJSON and String; raw values never reach logs.
//
// Error handling uses sentinel errors so callers can match with errors.Is.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates no provider API key is configured.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates an unknown provider identifier.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidChunking indicates chunk size/overlap are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidVectorBackend indicates an unknown vector backend.
	ErrInvalidVectorBackend = errors.New("invalid vector backend")

	// ErrMissingPinecone indicates the pinecone backend was selected without
	// connection details.
	ErrMissingPinecone = errors.New("missing pinecone configuration")

	// ErrInvalidPostgres indicates the PostgreSQL settings are unusable.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrInvalidLimits indicates the rate limit settings are out of range.
	ErrInvalidLimits = errors.New("invalid rate limit configuration")

	// ErrMissingGuestSalt indicates the guest IP hashing salt is not set.
	ErrMissingGuestSalt = errors.New("missing guest IP salt")

	// ErrInvalidCacheBackend indicates an unknown cache backend.
	ErrInvalidCacheBackend = errors.New("invalid cache backend")
)

// Provider identifiers used in ProviderConfig and the fallback order.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderTogether  = "together"
)

// Vector backend identifiers.
const (
	VectorBackendLocal    = "local"
	VectorBackendPinecone = "pinecone"
)

// Cache backend identifiers.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// ProviderConfig holds per-provider credentials and endpoint overrides.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// PineconeConfig holds the remote vector index connection details.
type PineconeConfig struct {
	APIKey    string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	Host      string `mapstructure:"host" json:"host"`       // e.g. "my-index-abc123.svc.us-east-1.pinecone.io"
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// RedisConfig holds the optional Redis cache backend connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"` // SENSITIVE: masked in MarshalJSON
	DB       int    `mapstructure:"db" json:"db"`
}

// LimitsConfig holds the per-user quota defaults enforced by the rate limiter.
type LimitsConfig struct {
	WindowSeconds int `mapstructure:"window_seconds" json:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests" json:"max_requests"`
	MaxPerDay     int `mapstructure:"max_per_day" json:"max_per_day"`
	HTTPRateBurst int `mapstructure:"http_rate_burst" json:"http_rate_burst"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When
// adding new secrets, update MarshalJSON.
type Config struct {
	// Provider configuration
	OpenAI    ProviderConfig `mapstructure:"openai" json:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic" json:"anthropic"`
	Google    ProviderConfig `mapstructure:"google" json:"google"`
	Together  ProviderConfig `mapstructure:"together" json:"together"`

	// FallbackOrder is the ordered provider list tried on failure.
	// The first entry is the primary provider.
	FallbackOrder []string `mapstructure:"fallback_order" json:"fallback_order"`

	// Model selection
	ChatModel          string  `mapstructure:"chat_model" json:"chat_model"`
	EmbeddingModel     string  `mapstructure:"embedding_model" json:"embedding_model"`
	EmbeddingDimension int     `mapstructure:"embedding_dimension" json:"embedding_dimension"`
	EmbeddingBatchSize int     `mapstructure:"embedding_batch_size" json:"embedding_batch_size"`
	Temperature        float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens          int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Retrieval configuration
	TopK         int     `mapstructure:"top_k" json:"top_k"`
	MinRelevance float64 `mapstructure:"min_relevance" json:"min_relevance"`

	// Conversation history budget for prompt assembly
	MaxHistoryMessages int `mapstructure:"max_history_messages" json:"max_history_messages"`
	MaxContextLength   int `mapstructure:"max_context_length" json:"max_context_length"`

	// FallbackMessage is returned when no context clears the relevance
	// threshold and the chatbot is configured to refuse off-topic queries.
	FallbackMessage string `mapstructure:"fallback_message" json:"fallback_message"`

	// Ingestion configuration
	ChunkSize      int           `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int           `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	QueueInterval  time.Duration `mapstructure:"queue_interval" json:"queue_interval"`
	QueueBatchSize int           `mapstructure:"queue_batch_size" json:"queue_batch_size"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Vector backend: "local" (pgvector) or "pinecone"
	VectorBackend string         `mapstructure:"vector_backend" json:"vector_backend"`
	Pinecone      PineconeConfig `mapstructure:"pinecone" json:"pinecone"`

	// Cache backend: "memory" or "redis"
	CacheBackend string        `mapstructure:"cache_backend" json:"cache_backend"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	Redis        RedisConfig   `mapstructure:"redis" json:"redis"`

	// Rate limit defaults
	Limits LimitsConfig `mapstructure:"limits" json:"limits"`

	// GuestIPSalt is mixed into the hash of guest IP addresses so raw IPs
	// are never persisted.
	GuestIPSalt string `mapstructure:"guest_ip_salt" json:"guest_ip_salt"` // SENSITIVE: masked in MarshalJSON

	// HTTP server configuration
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("sitebrain")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sitebrain")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env + defaults carry the load.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"config_name", "sitebrain.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("fallback_order", []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderTogether})
	v.SetDefault("chat_model", "gpt-4o-mini")
	v.SetDefault("embedding_model", "text-embedding-3-small")
	v.SetDefault("embedding_dimension", 1536)
	v.SetDefault("embedding_batch_size", 100)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 1024)

	// Retrieval defaults
	v.SetDefault("top_k", 5)
	v.SetDefault("min_relevance", 0.7)
	v.SetDefault("max_history_messages", 10)
	v.SetDefault("max_context_length", 8000)
	v.SetDefault("fallback_message", "I couldn't find anything relevant to that in my knowledge base.")

	// Ingestion defaults
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("chunk_overlap", 100)
	v.SetDefault("queue_interval", 5*time.Minute)
	v.SetDefault("queue_batch_size", 10)
	v.SetDefault("fetch_timeout", 30*time.Second)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "sitebrain")
	v.SetDefault("postgres_password", "sitebrain_dev_password")
	v.SetDefault("postgres_db_name", "sitebrain")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Vector backend defaults
	v.SetDefault("vector_backend", VectorBackendLocal)

	// Cache defaults
	v.SetDefault("cache_backend", CacheBackendMemory)
	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")

	// Rate limit defaults
	v.SetDefault("limits.window_seconds", 60)
	v.SetDefault("limits.max_requests", 10)
	v.SetDefault("limits.max_per_day", 60)
	v.SetDefault("limits.http_rate_burst", 60)

	// Server defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("trust_proxy", false)
}

// bindEnvVariables binds environment variables explicitly. Only secrets and
// deployment-specific knobs get env bindings; everything else belongs in the
// config file.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("openai.api_key", "OPENAI_API_KEY")
	mustBind("anthropic.api_key", "ANTHROPIC_API_KEY")
	mustBind("google.api_key", "GOOGLE_API_KEY")
	mustBind("together.api_key", "TOGETHER_API_KEY")
	mustBind("pinecone.api_key", "PINECONE_API_KEY")
	mustBind("pinecone.host", "PINECONE_HOST")

	mustBind("postgres_host", "SITEBRAIN_POSTGRES_HOST")
	mustBind("postgres_password", "SITEBRAIN_POSTGRES_PASSWORD")
	mustBind("redis.password", "SITEBRAIN_REDIS_PASSWORD")
	mustBind("guest_ip_salt", "SITEBRAIN_GUEST_IP_SALT")

	mustBind("vector_backend", "SITEBRAIN_VECTOR_BACKEND")
	mustBind("listen_addr", "SITEBRAIN_LISTEN_ADDR")
	mustBind("cors_origins", "SITEBRAIN_CORS_ORIGINS")
	mustBind("trust_proxy", "SITEBRAIN_TRUST_PROXY")
	mustBind("chat_model", "SITEBRAIN_CHAT_MODEL")
	mustBind("embedding_model", "SITEBRAIN_EMBEDDING_MODEL")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 characters
// or fewer are fully masked; longer ones keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.OpenAI.APIKey = maskSecret(a.OpenAI.APIKey)
	a.Anthropic.APIKey = maskSecret(a.Anthropic.APIKey)
	a.Google.APIKey = maskSecret(a.Google.APIKey)
	a.Together.APIKey = maskSecret(a.Together.APIKey)
	a.Pinecone.APIKey = maskSecret(a.Pinecone.APIKey)
	a.Redis.Password = maskSecret(a.Redis.Password)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.GuestIPSalt = maskSecret(a.GuestIPSalt)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// ProviderKey returns the configured API key for the given provider id.
func (c *Config) ProviderKey(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return c.OpenAI.APIKey
	case ProviderAnthropic:
		return c.Anthropic.APIKey
	case ProviderGoogle:
		return c.Google.APIKey
	case ProviderTogether:
		return c.Together.APIKey
	default:
		return ""
	}
}

// ConnString returns the PostgreSQL connection string for pgxpool.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}

// ConfiguredProviders returns the fallback order filtered to providers that
// actually have an API key configured.
func (c *Config) ConfiguredProviders() []string {
	out := make([]string, 0, len(c.FallbackOrder))
	for _, p := range c.FallbackOrder {
		if c.ProviderKey(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeFallbackOrder lowercases entries and removes duplicates while
// preserving order.
func normalizeFallbackOrder(order []string) []string {
	seen := make(map[string]struct{}, len(order))
	out := make([]string, 0, len(order))
	for _, p := range order {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
