package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	openAIDefaultBaseURL   = "https://api.openai.com"
	togetherDefaultBaseURL = "https://api.together.xyz"
)

// openAICompatible speaks the OpenAI chat-completions and embeddings wire
// format. Together exposes the same API surface, so both providers share
// this implementation and differ only in name, base URL and key.
type openAICompatible struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates the OpenAI provider. baseURL may be empty for the
// public endpoint.
func NewOpenAI(apiKey, baseURL string, timeout time.Duration) Provider {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &openAICompatible{
		name:    "openai",
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
	}
}

// NewTogether creates the Together provider over the OpenAI-compatible API.
func NewTogether(apiKey, baseURL string, timeout time.Duration) Provider {
	if baseURL == "" {
		baseURL = togetherDefaultBaseURL
	}
	return &openAICompatible{
		name:    "together",
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
	}
}

func (p *openAICompatible) Name() string { return p.name }

func (p *openAICompatible) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAICompatible) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	payload := openAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var resp openAIChatResponse
	if err := postJSON(ctx, p.client, p.name, p.baseURL+"/v1/chat/completions", p.headers(), payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("response contains no choices")}
	}

	return &Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      resp.Model,
	}, nil
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openAICompatible) Embed(ctx context.Context, req EmbeddingRequest) ([][]float32, error) {
	if len(req.Texts) == 0 {
		return nil, nil
	}

	payload := openAIEmbeddingRequest{Model: req.Model, Input: req.Texts}

	var resp openAIEmbeddingResponse
	if err := postJSON(ctx, p.client, p.name, p.baseURL+"/v1/embeddings", p.headers(), payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(req.Texts) {
		return nil, &ProviderError{Provider: p.name,
			Err: fmt.Errorf("expected %d embeddings, got %d", len(req.Texts), len(resp.Data))}
	}

	// The API documents data[] in input order, but index is authoritative.
	vectors := make([][]float32, len(req.Texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &ProviderError{Provider: p.name,
				Err: fmt.Errorf("embedding index %d out of range", d.Index)}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
