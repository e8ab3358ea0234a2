package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com"

type googleProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGoogle creates the Google Gemini provider. baseURL may be empty for
// the public endpoint.
func NewGoogle(apiKey, baseURL string, timeout time.Duration) Provider {
	if baseURL == "" {
		baseURL = googleDefaultBaseURL
	}
	return &googleProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
	}
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.apiKey}
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerateRequest struct {
	SystemInstruction *googleContent `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float32 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type googleGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *googleProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var payload googleGenerateRequest
	payload.GenerationConfig.Temperature = req.Temperature
	payload.GenerationConfig.MaxOutputTokens = req.MaxTokens

	// Gemini uses "model" for assistant turns and a dedicated field for the
	// system instruction.
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if payload.SystemInstruction == nil {
				payload.SystemInstruction = &googleContent{}
			}
			payload.SystemInstruction.Parts = append(payload.SystemInstruction.Parts, googlePart{Text: m.Content})
		case RoleAssistant:
			payload.Contents = append(payload.Contents, googleContent{Role: "model", Parts: []googlePart{{Text: m.Content}}})
		default:
			payload.Contents = append(payload.Contents, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)

	var resp googleGenerateResponse
	if err := postJSON(ctx, p.client, p.Name(), url, p.headers(), payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("response contains no candidates")}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &Completion{
		Text:       text.String(),
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
		Model:      req.Model,
	}, nil
}

type googleEmbedRequest struct {
	Requests []struct {
		Model   string `json:"model"`
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"requests"`
}

type googleEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

func (p *googleProvider) Embed(ctx context.Context, req EmbeddingRequest) ([][]float32, error) {
	if len(req.Texts) == 0 {
		return nil, nil
	}

	var payload googleEmbedRequest
	for _, text := range req.Texts {
		var r struct {
			Model   string `json:"model"`
			Content struct {
				Parts []googlePart `json:"parts"`
			} `json:"content"`
		}
		r.Model = "models/" + req.Model
		r.Content.Parts = []googlePart{{Text: text}}
		payload.Requests = append(payload.Requests, r)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", p.baseURL, req.Model)

	var resp googleEmbedResponse
	if err := postJSON(ctx, p.client, p.Name(), url, p.headers(), payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(req.Texts) {
		return nil, &ProviderError{Provider: p.Name(),
			Err: fmt.Errorf("expected %d embeddings, got %d", len(req.Texts), len(resp.Embeddings))}
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, nil
}
