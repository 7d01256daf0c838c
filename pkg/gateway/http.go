package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// HTTPGateway talks to the generative backend over its JSON HTTP API.
type HTTPGateway struct {
	baseURL     string
	apiKey      string
	callTimeout time.Duration
	httpClient  *http.Client
}

// NewHTTPGateway creates an HTTP-backed gateway.
func NewHTTPGateway(baseURL, apiKey string, callTimeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:     baseURL,
		apiKey:      apiKey,
		callTimeout: callTimeout,
		httpClient:  &http.Client{Timeout: callTimeout},
	}
}

type textGenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type textGenerateResponse struct {
	Success bool       `json:"success"`
	Content string     `json:"content"`
	Tokens  TokenUsage `json:"tokens"`
	Error   string     `json:"error,omitempty"`
}

// GenerateText posts a text generation request to the backend.
func (g *HTTPGateway) GenerateText(ctx context.Context, prompt string, cfg models.ModelConfig) (*TextResponse, error) {
	body := textGenerateRequest{
		Prompt:      prompt,
		Model:       cfg.ModelID,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		TopK:        cfg.TopK,
		MaxTokens:   cfg.MaxTokens,
	}

	var resp textGenerateResponse
	if err := g.post(ctx, "/v1/text:generate", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("backend rejected text generation: %s", resp.Error)
	}
	if resp.Content == "" {
		return nil, fmt.Errorf("backend returned empty response")
	}
	return &TextResponse{Content: resp.Content, Tokens: resp.Tokens}, nil
}

type imageGenerateResponse struct {
	Success bool          `json:"success"`
	Results []ImageResult `json:"results"`
	Error   string        `json:"error,omitempty"`
}

// GenerateImages posts an image generation request to the backend.
func (g *HTTPGateway) GenerateImages(ctx context.Context, req ImageRequest) ([]ImageResult, error) {
	var resp imageGenerateResponse
	if err := g.post(ctx, "/v1/images:generate", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("backend rejected image generation: %s", resp.Error)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("backend returned no image results")
	}
	return resp.Results, nil
}

// post sends a JSON request and decodes the JSON response.
func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Read a bounded slice of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}
