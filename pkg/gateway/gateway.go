// Package gateway fronts the external generative backend. The adapter is
// deliberately thin: it translates requests, enforces call timeouts, and
// returns explicit errors. It never panics upward.
package gateway

import (
	"context"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// TokenUsage reports token counts for a text generation call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// TextResponse is a successful text generation result.
type TextResponse struct {
	Content string     `json:"content"`
	Tokens  TokenUsage `json:"tokens"`
}

// ImageRequest asks the backend to render one or more prompts.
type ImageRequest struct {
	Prompts        []string          `json:"prompts"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	BatchSize      int               `json:"batch_size,omitempty"`
	Style          map[string]string `json:"style,omitempty"`
}

// ImageResult is the per-prompt outcome of an image generation call.
type ImageResult struct {
	Success      bool    `json:"success"`
	ImageURL     string  `json:"image_url,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Quality      float64 `json:"quality,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ModelGateway is the interface agents and the fan-out engine depend on.
type ModelGateway interface {
	GenerateText(ctx context.Context, prompt string, cfg models.ModelConfig) (*TextResponse, error)
	GenerateImages(ctx context.Context, req ImageRequest) ([]ImageResult, error)
}
