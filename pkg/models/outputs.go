package models

import "time"

// ────────────────────────────────────────────────────────────
// Per-phase typed outputs
//
// Cross-phase dependencies are compile-time field references, not runtime
// key lookups. Each phase produces exactly one of the variants below.
// ────────────────────────────────────────────────────────────

// SceneImportance classifies how load-bearing a scene is for the story.
type SceneImportance string

// Scene importance levels.
const (
	SceneImportanceHigh   SceneImportance = "high"
	SceneImportanceMedium SceneImportance = "medium"
	SceneImportanceLow    SceneImportance = "low"
)

// SceneBeat is one entry in the story's scene list.
type SceneBeat struct {
	Number             int             `json:"number" validate:"gte=1"`
	Description        string          `json:"description" validate:"required"`
	EmotionalIntensity int             `json:"emotional_intensity" validate:"gte=1,lte=10"`
	Importance         SceneImportance `json:"importance" validate:"oneof=high medium low"`
	EmotionalTone      string          `json:"emotional_tone,omitempty"` // e.g. "calm", "tension", "climax"
}

// CharacterSketch is a phase-1 character outline.
type CharacterSketch struct {
	Name        string `json:"name" validate:"required"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// ConceptAnalysis is the phase-1 output: structured analysis of the input text.
type ConceptAnalysis struct {
	Genre             string            `json:"genre" validate:"required"`
	Themes            []string          `json:"themes" validate:"min=1"`
	WorldSetting      string            `json:"world_setting" validate:"required"`
	Characters        []CharacterSketch `json:"characters"`
	Scenes            []SceneBeat       `json:"scenes" validate:"min=3,max=12,dive"`
	StoryBeats        []string          `json:"story_beats"`
	VisualSuggestions []string          `json:"visual_suggestions"`
}

// CharacterArc is a phase-2 per-character development arc.
type CharacterArc struct {
	Name         string  `json:"name" validate:"required"`
	Arc          string  `json:"arc"`
	Motivation   string  `json:"motivation"`
	VisualDesign string  `json:"visual_design"`
	Prominence   float64 `json:"prominence" validate:"gte=0,lte=1"`
}

// StyleGuide captures the visual style decisions shared by later phases.
type StyleGuide struct {
	ArtStyle   string   `json:"art_style"`
	LineWeight string   `json:"line_weight"`
	Shading    string   `json:"shading"`
	Palette    []string `json:"palette"`
}

// CharacterDesign is the phase-2 output, keyed by names appearing in phase 1.
type CharacterDesign struct {
	Arcs       []CharacterArc `json:"arcs" validate:"min=1,dive"`
	StyleGuide StyleGuide     `json:"style_guide"`
}

// Act is one structural act of the narrative.
type Act struct {
	Number       int    `json:"number"`
	Purpose      string `json:"purpose"`
	SceneNumbers []int  `json:"scene_numbers"`
}

// PageAllocation assigns scenes to pages.
type PageAllocation struct {
	Page        int `json:"page" validate:"gte=1"`
	SceneNumber int `json:"scene_number" validate:"gte=1"`
}

// NarrativeStructure is the phase-3 output.
//
// Scenes is the canonical field name. SceneBreakdown is a deprecated alias
// some model responses still emit; it is never populated by this system and
// downstream validators reject outputs that carry only the alias.
type NarrativeStructure struct {
	Acts           []Act            `json:"acts" validate:"min=1"`
	PlotPoints     []string         `json:"plot_points"`
	ConflictLayers []string         `json:"conflict_layers"`
	EmotionalCurve []float64        `json:"emotional_curve"`
	PageAllocation []PageAllocation `json:"page_allocation" validate:"min=1,dive"`
	Scenes         []SceneBeat      `json:"scenes" validate:"dive"`
	SceneBreakdown []SceneBeat      `json:"scene_breakdown,omitempty"` // deprecated alias, rejected by validators
}

// CameraAngle is the fixed enum of panel camera angles.
type CameraAngle string

// Camera angles available to the layout phase.
const (
	CameraAngleEyeLevel CameraAngle = "eye_level"
	CameraAngleHigh     CameraAngle = "high"
	CameraAngleLow      CameraAngle = "low"
	CameraAngleBirdsEye CameraAngle = "birds_eye"
	CameraAngleWormsEye CameraAngle = "worms_eye"
	CameraAngleDutch    CameraAngle = "dutch"
	CameraAngleCloseUp  CameraAngle = "close_up"
	CameraAngleWideShot CameraAngle = "wide_shot"
)

// PanelSize tags the relative size class of a panel.
type PanelSize string

// Panel size classes.
const (
	PanelSizeSmall  PanelSize = "small"
	PanelSizeMedium PanelSize = "medium"
	PanelSizeLarge  PanelSize = "large"
	PanelSizeSplash PanelSize = "splash"
)

// PanelCharacter names a character appearing in a panel with its visual
// prominence in [0,1].
type PanelCharacter struct {
	Name       string  `json:"name"`
	Prominence float64 `json:"prominence" validate:"gte=0,lte=1"`
}

// Panel is a single panel placed on a page. Position and size are normalized
// to [0,1] page coordinates.
type Panel struct {
	ID            string           `json:"id" validate:"required"`
	X             float64          `json:"x" validate:"gte=0,lte=1"`
	Y             float64          `json:"y" validate:"gte=0,lte=1"`
	Width         float64          `json:"width" validate:"gt=0,lte=1"`
	Height        float64          `json:"height" validate:"gt=0,lte=1"`
	Size          PanelSize        `json:"size" validate:"oneof=small medium large splash"`
	CameraAngle   CameraAngle      `json:"camera_angle" validate:"oneof=eye_level high low birds_eye worms_eye dutch close_up wide_shot"`
	Composition   string           `json:"composition"`
	SceneNumber   int              `json:"scene_number"`
	EmotionalTone string           `json:"emotional_tone,omitempty"`
	Characters    []PanelCharacter `json:"characters,omitempty"`
	Description   string           `json:"description"` // image description, consumed by phases 5 and 6
}

// PageLayout is the ordered panel set for one page.
// ReadingOrder lists panel IDs sorted top-to-bottom then right-to-left
// (manga convention); OverlapCount records tolerated panel overlaps.
type PageLayout struct {
	PageNumber   int      `json:"page_number" validate:"gte=1"`
	Panels       []Panel  `json:"panels" validate:"min=1,dive"`
	ReadingOrder []string `json:"reading_order" validate:"min=1"`
	OverlapCount int      `json:"overlap_count"`
}

// PanelLayout is the phase-4 output: per-page panel layouts.
type PanelLayout struct {
	Pages []PageLayout `json:"pages" validate:"min=1,dive"`
}

// FanOutAnalysis aggregates quality/consistency results of a phase-5 run.
type FanOutAnalysis struct {
	CharacterConsistency map[string]float64 `json:"character_consistency,omitempty"`
	OverallConsistency   float64            `json:"overall_consistency"`
	ParallelEfficiency   float64            `json:"parallel_efficiency"`
	CacheHitRate         float64            `json:"cache_hit_rate"`
	SuccessRate          float64            `json:"success_rate"`
	AvgImageQuality      float64            `json:"avg_image_quality"`
}

// ImageSet is the phase-5 output: one image result per panel plus the
// aggregated analysis.
type ImageSet struct {
	Results  []ImageGenerationResult `json:"results" validate:"min=1"`
	Analysis FanOutAnalysis          `json:"analysis"`
}

// BubbleStyle is the text-balloon style enum for dialogue placement.
type BubbleStyle string

// Bubble styles.
const (
	BubbleStyleSpeech    BubbleStyle = "speech"
	BubbleStyleThought   BubbleStyle = "thought"
	BubbleStyleShout     BubbleStyle = "shout"
	BubbleStyleWhisper   BubbleStyle = "whisper"
	BubbleStyleNarration BubbleStyle = "narration"
)

// DialogueLine is one balloon anchored to a panel.
type DialogueLine struct {
	PanelID     string      `json:"panel_id" validate:"required"`
	Speaker     string      `json:"speaker"`
	Text        string      `json:"text" validate:"required"`
	BubbleStyle BubbleStyle `json:"bubble_style" validate:"oneof=speech thought shout whisper narration"`
	AnchorX     float64     `json:"anchor_x" validate:"gte=0,lte=1"`
	AnchorY     float64     `json:"anchor_y" validate:"gte=0,lte=1"`
}

// DialogueScript is the phase-6 output.
type DialogueScript struct {
	Lines []DialogueLine `json:"lines" validate:"min=1,dive"`
}

// PageComposite is a per-page composite description in the final output.
type PageComposite struct {
	PageNumber  int    `json:"page_number"`
	Description string `json:"description"`
	PanelCount  int    `json:"panel_count"`
}

// OutputManifest summarizes the finished work.
type OutputManifest struct {
	Title         string `json:"title"`
	PageCount     int    `json:"page_count"`
	PanelCount    int    `json:"panel_count"`
	ImageCount    int    `json:"image_count"`
	DialogueCount int    `json:"dialogue_count"`
}

// FinalCompilation is the phase-7 output: composite descriptions, the
// cross-phase quality roll-up, and the output manifest.
type FinalCompilation struct {
	Pages        []PageComposite `json:"pages" validate:"min=1"`
	Manifest     OutputManifest  `json:"manifest"`
	PhaseScores  map[int]float64 `json:"phase_scores"` // overall score per prior phase
	OverallScore float64         `json:"overall_score"`
}

// OutputMeta carries feedback bookkeeping attached by ApplyFeedback.
type OutputMeta struct {
	FeedbackApplied map[string]any `json:"feedback_applied,omitempty"`
	RevisedAt       *time.Time     `json:"revised_at,omitempty"`
}

// PhaseOutput is the tagged variant holding exactly one per-phase output.
// The pointer matching the phase number is set; all others are nil.
type PhaseOutput struct {
	Concept     *ConceptAnalysis    `json:"concept,omitempty"`
	Characters  *CharacterDesign    `json:"characters,omitempty"`
	Narrative   *NarrativeStructure `json:"narrative,omitempty"`
	Layout      *PanelLayout        `json:"layout,omitempty"`
	Images      *ImageSet           `json:"images,omitempty"`
	Dialogue    *DialogueScript     `json:"dialogue,omitempty"`
	Compilation *FinalCompilation   `json:"compilation,omitempty"`

	Meta OutputMeta `json:"meta,omitempty"`
}

// Phase returns the phase number of the populated variant, or 0 when empty.
func (o *PhaseOutput) Phase() int {
	switch {
	case o == nil:
		return 0
	case o.Concept != nil:
		return 1
	case o.Characters != nil:
		return 2
	case o.Narrative != nil:
		return 3
	case o.Layout != nil:
		return 4
	case o.Images != nil:
		return 5
	case o.Dialogue != nil:
		return 6
	case o.Compilation != nil:
		return 7
	}
	return 0
}

// Inner returns the populated variant as an untyped value for structural
// validation, or nil when the output is empty.
func (o *PhaseOutput) Inner() any {
	switch {
	case o == nil:
		return nil
	case o.Concept != nil:
		return o.Concept
	case o.Characters != nil:
		return o.Characters
	case o.Narrative != nil:
		return o.Narrative
	case o.Layout != nil:
		return o.Layout
	case o.Images != nil:
		return o.Images
	case o.Dialogue != nil:
		return o.Dialogue
	case o.Compilation != nil:
		return o.Compilation
	}
	return nil
}
