package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for callers to match with errors.Is.
var (
	// ErrAllProvidersFailed reports that every provider in the fallback
	// order failed. The wrapped error joins the per-provider failures.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrUnsupportedOperation reports an operation the provider has no API
	// for, such as embeddings on Anthropic.
	ErrUnsupportedOperation = errors.New("operation not supported by provider")

	// ErrCircuitOpen reports that the provider's circuit breaker is open and
	// calls are being shed.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ProviderError is an error returned by a provider's HTTP API.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// retryablePatterns are error substrings considered transient. API errors
// come back as free-form strings, so classification has to pattern match.
var retryablePatterns = []string{
	// Network level.
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"deadline exceeded",
	"EOF",
	// Provider level.
	"rate limit",
	"rate_limit",
	"overloaded",
	"temporarily unavailable",
	"service unavailable",
	"internal server error",
	"too many requests",
}

// retryableStatus maps HTTP statuses to transient-vs-terminal. Auth and
// malformed-request failures will not heal on retry; the fallback chain
// handles those instead.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryableError reports whether err is worth retrying against the same
// provider. A ProviderError is classified by HTTP status when one is
// present; everything else falls back to pattern matching.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status != 0 {
		return retryableStatus(pe.Status)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
