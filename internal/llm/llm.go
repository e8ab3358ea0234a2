// Package llm abstracts chat completion and embedding calls across multiple
// providers (OpenAI, Anthropic, Google, Together).
//
// Providers implement the Provider interface and register under a stable
// identifier; the Client walks a configured fallback order until one
// provider succeeds, so a single provider outage does not break chat.
// Resilience per provider: bounded retry with exponential backoff for
// transient errors, a circuit breaker that sheds load from a failing
// provider, and a proactive token-bucket rate limit on outbound calls.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/sitebrain/sitebrain/internal/log"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest asks a provider for a chat completion.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Completion is a provider's response to a CompletionRequest.
type Completion struct {
	Text       string
	TokensUsed int
	Model      string
	Provider   string
}

// EmbeddingRequest asks a provider to embed a batch of texts.
type EmbeddingRequest struct {
	Model string
	Texts []string
}

// Provider is the capability every backend implements. Implementations must
// be safe for concurrent use and must honor context cancellation on every
// outbound call.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Embed(ctx context.Context, req EmbeddingRequest) ([][]float32, error)
}

// Registry maps provider identifiers to implementations. It is populated at
// startup and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider identifiers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClientConfig configures the fallback client.
type ClientConfig struct {
	Registry *Registry
	// Order is the fallback order; the first entry is the primary provider.
	// Every entry must be registered.
	Order  []string
	Logger log.Logger

	// Resilience configuration (zero values use defaults).
	Retry          RetryConfig
	CircuitBreaker CircuitBreakerConfig

	// RateLimiter throttles outbound calls across all providers.
	// nil installs the default of 10 req/s with burst 30.
	RateLimiter *rate.Limiter
}

// Client dispatches completion and embedding calls along the fallback chain.
// Safe for concurrent use.
type Client struct {
	registry *Registry
	order    []string
	logger   log.Logger

	retry    RetryConfig
	breakers map[string]*CircuitBreaker
	limiter  *rate.Limiter
}

// NewClient creates a Client. Every provider in cfg.Order must be registered;
// an unknown identifier is a wiring bug and fails fast.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if len(cfg.Order) == 0 {
		return nil, errors.New("fallback order must not be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 {
		retryCfg = DefaultRetryConfig()
	}

	cbCfg := cfg.CircuitBreaker
	if cbCfg.FailureThreshold == 0 {
		cbCfg = DefaultCircuitBreakerConfig()
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	breakers := make(map[string]*CircuitBreaker, len(cfg.Order))
	for _, name := range cfg.Order {
		if _, ok := cfg.Registry.Get(name); !ok {
			return nil, fmt.Errorf("provider %q in fallback order is not registered", name)
		}
		breakers[name] = NewCircuitBreaker(cbCfg)
	}

	return &Client{
		registry: cfg.Registry,
		order:    cfg.Order,
		logger:   logger,
		retry:    retryCfg,
		breakers: breakers,
		limiter:  limiter,
	}, nil
}

// Order returns the configured fallback order.
func (c *Client) Order() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Complete runs the completion along the fallback chain. The first provider
// to succeed wins; if all fail, the returned error wraps every per-provider
// failure.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var failures []error

	for _, name := range c.order {
		provider, _ := c.registry.Get(name)

		result, err := attemptWithResilience(ctx, c, name, func(ctx context.Context) (*Completion, error) {
			return provider.Complete(ctx, req)
		})
		if err == nil {
			result.Provider = name
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("completion canceled: %w", ctx.Err())
		}

		c.logger.Warn("provider failed, trying next in fallback order",
			"provider", name, "error", err)
		failures = append(failures, fmt.Errorf("%s: %w", name, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(failures...))
}

// Embed runs the embedding request along the fallback chain. Providers
// without an embedding API (Anthropic) report ErrUnsupportedOperation and
// are skipped.
func (c *Client) Embed(ctx context.Context, req EmbeddingRequest) ([][]float32, error) {
	var failures []error

	for _, name := range c.order {
		provider, _ := c.registry.Get(name)

		vectors, err := attemptWithResilience(ctx, c, name, func(ctx context.Context) ([][]float32, error) {
			return provider.Embed(ctx, req)
		})
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embedding canceled: %w", ctx.Err())
		}

		if errors.Is(err, ErrUnsupportedOperation) {
			c.logger.Debug("provider has no embedding API, skipping", "provider", name)
		} else {
			c.logger.Warn("provider failed, trying next in fallback order",
				"provider", name, "error", err)
		}
		failures = append(failures, fmt.Errorf("%s: %w", name, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(failures...))
}

// attempt wraps one provider call with the circuit breaker, rate limiter and
// retry policy.
func attemptWithResilience[T any](ctx context.Context, c *Client, name string, call func(context.Context) (T, error)) (T, error) {
	var zero T

	breaker := c.breakers[name]
	if err := breaker.Allow(); err != nil {
		return zero, fmt.Errorf("provider unavailable: %w", err)
	}

	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("rate limit wait: %w", err)
		}

		result, err := call(ctx)
		if err == nil {
			breaker.Success()
			c.logger.Debug("provider call succeeded",
				"provider", name, "attempts", attempt+1, "elapsed", time.Since(start))
			return result, nil
		}

		lastErr = err

		// Unsupported operations and non-transient errors go straight to the
		// fallback chain; retrying them wastes the caller's deadline.
		if errors.Is(err, ErrUnsupportedOperation) || !retryableError(err) {
			breaker.Failure()
			return zero, err
		}

		if attempt == c.retry.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	breaker.Failure()
	return zero, fmt.Errorf("after %d retries (elapsed %v): %w",
		c.retry.MaxRetries, time.Since(start), lastErr)
}
