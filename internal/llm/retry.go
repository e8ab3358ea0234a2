package llm

import "time"

// RetryConfig bounds the retry loop around a single provider.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialInterval is the delay before the first retry; subsequent
	// delays double up to MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig retries twice with 500ms then 1s delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}
