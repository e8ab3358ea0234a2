package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// anthropicDefaultMaxTokens applies when the caller does not set a cap;
	// the messages API requires max_tokens.
	anthropicDefaultMaxTokens = 1024
)

type anthropicProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropic creates the Anthropic provider. baseURL may be empty for the
// public endpoint.
func NewAnthropic(apiKey, baseURL string, timeout time.Duration) Provider {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &anthropicProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

type anthropicMessagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature,omitempty"`
}

type anthropicMessagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	// The messages API takes the system prompt as a top-level field, not as
	// a message role.
	var system string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	payload := anthropicMessagesRequest{
		Model:       req.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicMessagesResponse
	if err := postJSON(ctx, p.client, p.Name(), p.baseURL+"/v1/messages", headers, payload, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("response contains no text blocks")}
	}

	return &Completion{
		Text:       text.String(),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Model:      resp.Model,
	}, nil
}

// Embed always fails: Anthropic has no embeddings API. The fallback chain
// moves on to the next provider.
func (p *anthropicProvider) Embed(_ context.Context, _ EmbeddingRequest) ([][]float32, error) {
	return nil, fmt.Errorf("%s embeddings: %w", p.Name(), ErrUnsupportedOperation)
}
