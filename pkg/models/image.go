package models

// ImageGenerationTask is a transient unit of work for the phase-5 fan-out
// engine, derived from one phase-4 panel.
type ImageGenerationTask struct {
	PanelID         string            `json:"panel_id"`
	Prompt          string            `json:"prompt"`
	NegativePrompt  string            `json:"negative_prompt"`
	StyleParameters map[string]string `json:"style_parameters,omitempty"`
	Priority        int               `json:"priority"` // 1..10, computed by the engine
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`

	// Context for priority computation and consistency analysis.
	PageNumber    int              `json:"page_number"`
	IndexOnPage   int              `json:"index_on_page"` // 0-based position within the page
	EmotionalTone string           `json:"emotional_tone,omitempty"`
	PanelSize     PanelSize        `json:"panel_size,omitempty"`
	Characters    []PanelCharacter `json:"characters,omitempty"`
}

// ImageGenerationResult is the per-task outcome emitted by the fan-out
// engine, ordered by task submission index regardless of completion order.
type ImageGenerationResult struct {
	PanelID                  string   `json:"panel_id"`
	Success                  bool     `json:"success"`
	ImageURL                 string   `json:"image_url,omitempty"`
	ThumbnailURL             string   `json:"thumbnail_url,omitempty"`
	QualityScore             *float64 `json:"quality_score,omitempty"`
	GenerationDurationMillis int64    `json:"generation_duration_ms"`
	RetryCount               int      `json:"retry_count"`
	ErrorMessage             string   `json:"error_message,omitempty"`
	CacheHit                 bool     `json:"cache_hit"`
	Characters               []string `json:"characters,omitempty"` // names featured, for consistency scoring
}
