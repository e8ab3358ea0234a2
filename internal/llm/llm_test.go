package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is a scriptable in-memory provider.
type stubProvider struct {
	name     string
	calls    int
	complete func(int) (*Completion, error)
	embed    func(int) ([][]float32, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(_ context.Context, _ CompletionRequest) (*Completion, error) {
	s.calls++
	return s.complete(s.calls)
}

func (s *stubProvider) Embed(_ context.Context, _ EmbeddingRequest) ([][]float32, error) {
	s.calls++
	return s.embed(s.calls)
}

func alwaysComplete(text string) func(int) (*Completion, error) {
	return func(int) (*Completion, error) {
		return &Completion{Text: text, Model: "m"}, nil
	}
}

func alwaysFail(err error) func(int) (*Completion, error) {
	return func(int) (*Completion, error) { return nil, err }
}

func newTestClient(t *testing.T, providers ...Provider) *Client {
	t.Helper()
	order := make([]string, len(providers))
	for i, p := range providers {
		order[i] = p.Name()
	}
	client, err := NewClient(ClientConfig{
		Registry: NewRegistry(providers...),
		Order:    order,
		Retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	_, err := NewClient(ClientConfig{
		Registry: NewRegistry(),
		Order:    []string{"openai"},
	})
	assert.Error(t, err)
}

func TestCompletePrimarySucceeds(t *testing.T) {
	primary := &stubProvider{name: "openai", complete: alwaysComplete("hi")}
	secondary := &stubProvider{name: "anthropic", complete: alwaysComplete("bye")}

	got, err := newTestClient(t, primary, secondary).Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "openai", got.Provider)
	assert.Equal(t, 0, secondary.calls)
}

func TestCompleteFallsBackOnTerminalError(t *testing.T) {
	primary := &stubProvider{name: "openai",
		complete: alwaysFail(&ProviderError{Provider: "openai", Status: 401, Message: "bad key"})}
	secondary := &stubProvider{name: "anthropic", complete: alwaysComplete("rescued")}

	got, err := newTestClient(t, primary, secondary).Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "rescued", got.Text)
	assert.Equal(t, "anthropic", got.Provider)
	// Auth failures are terminal: exactly one attempt, no retries.
	assert.Equal(t, 1, primary.calls)
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	flaky := &stubProvider{name: "openai", complete: func(call int) (*Completion, error) {
		if call < 3 {
			return nil, &ProviderError{Provider: "openai", Status: 503, Message: "overloaded"}
		}
		return &Completion{Text: "third time lucky"}, nil
	}}

	got, err := newTestClient(t, flaky).Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", got.Text)
	assert.Equal(t, 3, flaky.calls)
}

func TestCompleteAllProvidersFailed(t *testing.T) {
	a := &stubProvider{name: "openai",
		complete: alwaysFail(&ProviderError{Provider: "openai", Status: 401})}
	b := &stubProvider{name: "anthropic",
		complete: alwaysFail(&ProviderError{Provider: "anthropic", Status: 403})}

	_, err := newTestClient(t, a, b).Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllProvidersFailed))
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "anthropic")
}

func TestCompleteStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &stubProvider{name: "openai", complete: func(int) (*Completion, error) {
		cancel()
		return nil, &ProviderError{Provider: "openai", Status: 503}
	}}
	b := &stubProvider{name: "anthropic", complete: alwaysComplete("never")}

	_, err := newTestClient(t, a, b).Complete(ctx, CompletionRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, b.calls)
}

func TestEmbedSkipsUnsupportedProvider(t *testing.T) {
	noEmbed := &stubProvider{name: "anthropic", embed: func(int) ([][]float32, error) {
		return nil, ErrUnsupportedOperation
	}}
	withEmbed := &stubProvider{name: "openai", embed: func(int) ([][]float32, error) {
		return [][]float32{{0.1, 0.2}}, nil
	}}

	got, err := newTestClient(t, noEmbed, withEmbed).Embed(context.Background(), EmbeddingRequest{Texts: []string{"x"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	// No retries against a provider that cannot ever serve the call.
	assert.Equal(t, 1, noEmbed.calls)
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	failing := &stubProvider{name: "openai",
		complete: alwaysFail(&ProviderError{Provider: "openai", Status: 401})}

	client, err := NewClient(ClientConfig{
		Registry: NewRegistry(failing),
		Order:    []string{"openai"},
		Retry:    RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		},
	})
	require.NoError(t, err)

	for range 3 {
		_, err := client.Complete(context.Background(), CompletionRequest{})
		require.Error(t, err)
	}
	callsBeforeOpen := failing.calls

	_, err = client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, callsBeforeOpen, failing.calls, "open circuit must shed the call")
}

func TestRetryableErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 429", &ProviderError{Provider: "p", Status: 429}, true},
		{"status 503", &ProviderError{Provider: "p", Status: 503}, true},
		{"status 401", &ProviderError{Provider: "p", Status: 401}, false},
		{"status 400", &ProviderError{Provider: "p", Status: 400}, false},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"timeout text", errors.New("context deadline exceeded"), true},
		{"circuit open", ErrCircuitOpen, false},
		{"plain", errors.New("invalid model"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryableError(tt.err))
		})
	}
}

func TestCircuitBreakerStateMachine(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})

	assert.Equal(t, CircuitClosed, cb.State())
	cb.Failure()
	cb.Failure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.True(t, errors.Is(cb.Allow(), ErrCircuitOpen))

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.Success()
	cb.Success()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.Failure()
	assert.Equal(t, CircuitClosed, cb.State(), "one failure after reset stays closed")
}
