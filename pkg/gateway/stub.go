package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// StubGateway is a deterministic in-process gateway for tests and offline
// runs. TextFunc and ImagesFunc may be set to script behavior; the defaults
// produce stable, prompt-derived outputs.
type StubGateway struct {
	TextFunc   func(ctx context.Context, prompt string, cfg models.ModelConfig) (*TextResponse, error)
	ImagesFunc func(ctx context.Context, req ImageRequest) ([]ImageResult, error)
}

// GenerateText returns the scripted or default deterministic response.
func (s *StubGateway) GenerateText(ctx context.Context, prompt string, cfg models.ModelConfig) (*TextResponse, error) {
	if s.TextFunc != nil {
		return s.TextFunc(ctx, prompt, cfg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &TextResponse{
		Content: fmt.Sprintf("stub response for %d-byte prompt", len(prompt)),
		Tokens:  TokenUsage{Input: len(prompt) / 4, Output: 16, Total: len(prompt)/4 + 16},
	}, nil
}

// GenerateImages returns scripted or default deterministic results: the
// image URL and quality are derived from a hash of the prompt, so identical
// prompts always produce identical results.
func (s *StubGateway) GenerateImages(ctx context.Context, req ImageRequest) ([]ImageResult, error) {
	if s.ImagesFunc != nil {
		return s.ImagesFunc(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]ImageResult, len(req.Prompts))
	for i, prompt := range req.Prompts {
		results[i] = DeterministicImage(prompt)
	}
	return results, nil
}

// DeterministicImage derives a stable ImageResult from a prompt.
func DeterministicImage(prompt string) ImageResult {
	sum := sha256.Sum256([]byte(prompt))
	id := hex.EncodeToString(sum[:8])
	// Quality in [0.70, 0.95], stable in the prompt.
	quality := 0.70 + float64(sum[0])/255.0*0.25
	return ImageResult{
		Success:      true,
		ImageURL:     "https://images.invalid/" + id + ".png",
		ThumbnailURL: "https://images.invalid/" + id + "_thumb.png",
		Quality:      quality,
	}
}
