package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultHTTPTimeout bounds a single provider round trip. Completions over
// slow models can take tens of seconds; a minute is the cutoff before the
// retry and fallback machinery takes over.
const defaultHTTPTimeout = 60 * time.Second

// maxErrorBodySize caps how much of an error response body is read into the
// ProviderError message.
const maxErrorBodySize = 4 << 10

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends a JSON POST and decodes the JSON response into out. A
// non-2xx status becomes a *ProviderError carrying the status and a trimmed
// body excerpt so the retry layer can classify it.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: provider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &ProviderError{Provider: provider, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &ProviderError{
			Provider: provider,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(excerpt)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
