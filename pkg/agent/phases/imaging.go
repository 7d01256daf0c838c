package phases

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/fanout"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

const imageMaxRetries = 3

// ImagingAgent is phase 5. Unlike the text phases it does not prompt for
// JSON: it derives one ImageGenerationTask per phase-4 panel and drives the
// fan-out engine, so it implements agent.Executor directly.
type ImagingAgent struct {
	engine *fanout.Engine
	logger *slog.Logger
}

// NewImagingAgent wires the imaging phase to a fan-out engine.
func NewImagingAgent(engine *fanout.Engine, logger *slog.Logger) *ImagingAgent {
	return &ImagingAgent{engine: engine, logger: logger.With("agent", "image_generation", "phase", 5)}
}

func (a *ImagingAgent) Phase() int   { return 5 }
func (a *ImagingAgent) Name() string { return "image_generation" }

func (a *ImagingAgent) validateInputs(in *agent.Input) error {
	if _, err := requireConcept(in); err != nil {
		return err
	}
	if _, err := requireCharacters(in); err != nil {
		return err
	}
	if _, err := requireNarrative(in); err != nil {
		return err
	}
	layout, err := requireLayout(in)
	if err != nil {
		return err
	}
	for _, page := range layout.Pages {
		for _, panel := range page.Panels {
			if panel.Description == "" {
				return fmt.Errorf("panel %s has no image description", panel.ID)
			}
		}
	}
	return nil
}

// Execute fans out one image task per panel. On cancellation the partial
// result set is returned alongside the cancelled error so completed work can
// still be persisted.
func (a *ImagingAgent) Execute(ctx context.Context, in *agent.Input) (*agent.Result, error) {
	if err := a.validateInputs(in); err != nil {
		return nil, agent.NewPhaseError(agent.ErrKindInputValidation, 5, err)
	}

	tasks := a.BuildTasks(in)
	results := a.engine.Run(ctx, tasks, in.Params.MaxParallelImageGenerations)
	res := a.assemble(in, tasks, results, true)

	if err := context.Cause(ctx); err != nil {
		kind := agent.ErrKindBackendTransient
		if ctx.Err() == context.Canceled {
			kind = agent.ErrKindCancelled
		}
		return res, agent.NewPhaseError(kind, 5, err)
	}
	if res.Output.Images.Analysis.SuccessRate == 0 {
		return nil, agent.NewPhaseError(agent.ErrKindBackendTransient, 5,
			fmt.Errorf("all %d image tasks failed", len(tasks)))
	}
	return res, nil
}

// ExecuteFallback emits deterministic placeholder images without touching
// the backend, so a dead image service still yields a complete session.
func (a *ImagingAgent) ExecuteFallback(in *agent.Input) (*agent.Result, error) {
	if err := a.validateInputs(in); err != nil {
		return nil, agent.NewPhaseError(agent.ErrKindInputValidation, 5, err)
	}
	if !in.Params.FallbackEnabled {
		return nil, agent.NewPhaseError(agent.ErrKindFallbackInvalid, 5,
			fmt.Errorf("fallback disabled for session"))
	}

	tasks := a.BuildTasks(in)
	results := make([]models.ImageGenerationResult, len(tasks))
	for i, task := range tasks {
		sum := sha256.Sum256([]byte(task.Prompt))
		quality := 0.5
		results[i] = models.ImageGenerationResult{
			PanelID:      task.PanelID,
			Success:      true,
			ImageURL:     fmt.Sprintf("placeholder://panel/%x", sum[:8]),
			ThumbnailURL: fmt.Sprintf("placeholder://thumb/%x", sum[:8]),
			QualityScore: &quality,
			Characters:   panelCharacterNames(task),
		}
	}
	a.logger.Info("placeholder image set generated", "tasks", len(tasks))
	return a.assemble(in, tasks, results, false), nil
}

// BuildTasks derives the fan-out task set from the phase-4 panels, in page
// order then panel order. Prompts combine the panel description with the
// phase-2 style guide.
func (a *ImagingAgent) BuildTasks(in *agent.Input) []models.ImageGenerationTask {
	layout := in.Prior(4).Layout
	style := in.Prior(2).Characters.StyleGuide

	styleParams := map[string]string{
		"art_style":   style.ArtStyle,
		"line_weight": style.LineWeight,
		"shading":     style.Shading,
	}

	var tasks []models.ImageGenerationTask
	for _, page := range layout.Pages {
		for i, panel := range page.Panels {
			tasks = append(tasks, models.ImageGenerationTask{
				PanelID:         panel.ID,
				Prompt:          buildImagePrompt(panel, style),
				NegativePrompt:  "photorealistic, text, watermark, extra limbs",
				StyleParameters: styleParams,
				MaxRetries:      imageMaxRetries,
				PageNumber:      page.PageNumber,
				IndexOnPage:     i,
				EmotionalTone:   panel.EmotionalTone,
				PanelSize:       panel.Size,
				Characters:      panel.Characters,
			})
		}
	}
	return tasks
}

func buildImagePrompt(panel models.Panel, style models.StyleGuide) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s manga panel, %s angle: %s", style.ArtStyle, panel.CameraAngle, panel.Description)
	if len(panel.Characters) > 0 {
		names := make([]string, len(panel.Characters))
		for i, c := range panel.Characters {
			names[i] = c.Name
		}
		fmt.Fprintf(&b, "; featuring %s", strings.Join(names, ", "))
	}
	if panel.EmotionalTone != "" {
		fmt.Fprintf(&b, "; %s mood", panel.EmotionalTone)
	}
	return b.String()
}

func (a *ImagingAgent) assemble(in *agent.Input, tasks []models.ImageGenerationTask, results []models.ImageGenerationResult, aiAssisted bool) *agent.Result {
	analysis := fanout.Analyze(results, in.Params.MaxParallelImageGenerations)
	out := &models.PhaseOutput{Images: &models.ImageSet{Results: results, Analysis: analysis}}
	if len(in.Feedback) > 0 {
		// Matches the bookkeeping the text phases get from their shared base.
		out.Meta.FeedbackApplied = in.Feedback
	}

	return &agent.Result{
		Output:     out,
		Preview:    fmt.Sprintf("%d/%d images generated, %.0f%% cache hits", successCount(results), len(results), analysis.CacheHitRate*100),
		AIAssisted: aiAssisted,
		Metrics: map[string]float64{
			"imageSuccessRate":     analysis.SuccessRate,
			"avgImageQuality":      analysis.AvgImageQuality,
			"characterConsistency": characterConsistencyMean(analysis),
			"coherence":            clamp01(analysis.OverallConsistency),
		},
	}
}

func successCount(results []models.ImageGenerationResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func characterConsistencyMean(a models.FanOutAnalysis) float64 {
	if len(a.CharacterConsistency) == 0 {
		return a.AvgImageQuality
	}
	var sum float64
	for _, v := range a.CharacterConsistency {
		sum += v
	}
	return clamp01(sum / float64(len(a.CharacterConsistency)))
}

func panelCharacterNames(task models.ImageGenerationTask) []string {
	if len(task.Characters) == 0 {
		return nil
	}
	names := make([]string, len(task.Characters))
	for i, c := range task.Characters {
		names[i] = c.Name
	}
	return names
}
