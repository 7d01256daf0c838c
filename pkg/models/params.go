package models

import "time"

// ModelConfig holds the generative-model settings for a single phase.
type ModelConfig struct {
	ModelID     string  `json:"model_id" yaml:"model_id"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
	TopK        int     `json:"top_k" yaml:"top_k"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// GenerationParameters is the immutable value object carried by a session.
// It controls quality gating, HITL, fan-out concurrency, and per-phase
// model/timeout overrides.
type GenerationParameters struct {
	PrimaryGenre                string                `json:"primary_genre"`
	QualityThreshold            float64               `json:"quality_threshold" validate:"gte=0,lte=1"`
	EnableHITL                  bool                  `json:"enable_hitl"`
	MaxParallelImageGenerations int                   `json:"max_parallel_image_generations" validate:"gte=0"`
	PerPhaseTimeouts            map[int]time.Duration `json:"per_phase_timeouts,omitempty"`
	PhaseModelConfig            map[int]ModelConfig   `json:"phase_model_config,omitempty"`
	FallbackEnabled             bool                  `json:"fallback_enabled"`
}

// Default per-phase timeouts in seconds, keyed by phase number.
var defaultPhaseTimeouts = map[int]time.Duration{
	1: 12 * time.Second,
	2: 18 * time.Second,
	3: 15 * time.Second,
	4: 20 * time.Second,
	5: 25 * time.Second,
	6: 4 * time.Second,
	7: 3 * time.Second,
}

// PhaseTimeout returns the timeout for the given phase, falling back to the
// built-in defaults when the parameters carry no override.
func (p GenerationParameters) PhaseTimeout(phase int) time.Duration {
	if d, ok := p.PerPhaseTimeouts[phase]; ok && d > 0 {
		return d
	}
	if d, ok := defaultPhaseTimeouts[phase]; ok {
		return d
	}
	return 30 * time.Second
}

// ModelFor returns the model config for a phase, or a zero config when none
// is set (the gateway applies its own defaults).
func (p GenerationParameters) ModelFor(phase int) ModelConfig {
	if cfg, ok := p.PhaseModelConfig[phase]; ok {
		return cfg
	}
	return ModelConfig{}
}

// DefaultGenerationParameters returns the parameters applied when a caller
// submits a session without explicit overrides.
func DefaultGenerationParameters() GenerationParameters {
	return GenerationParameters{
		QualityThreshold:            0.7,
		EnableHITL:                  false,
		MaxParallelImageGenerations: 4,
		FallbackEnabled:             true,
	}
}
