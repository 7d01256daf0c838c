package phases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// CompilePhase is phase 7: per-page composite descriptions, the cross-phase
// quality roll-up, and the output manifest.
type CompilePhase struct{}

func (p *CompilePhase) PhaseNumber() int { return 7 }
func (p *CompilePhase) Name() string     { return "final_compilation" }

func (p *CompilePhase) ValidateInputs(in *agent.Input) error {
	if _, err := requireConcept(in); err != nil {
		return err
	}
	if _, err := requireCharacters(in); err != nil {
		return err
	}
	if _, err := requireNarrative(in); err != nil {
		return err
	}
	if _, err := requireLayout(in); err != nil {
		return err
	}
	if _, err := requireImages(in); err != nil {
		return err
	}
	_, err := requireDialogue(in)
	return err
}

func (p *CompilePhase) BuildPrompt(in *agent.Input) string {
	layout := in.Prior(4).Layout
	var b strings.Builder
	fmt.Fprintf(&b, `You are compiling a finished manga chapter.
Pages and panels: %s
Respond with a single JSON object:
{"pages": [{"page_number": int, "description": string, "panel_count": int}],
 "manifest": {"title": string, "page_count": int, "panel_count": int,
              "image_count": int, "dialogue_count": int}}

One entry per page, describing the composed page as a whole.`,
		compactJSON(panelSummaries(layout)))
	b.WriteString(feedbackSection(in))
	return b.String()
}

func (p *CompilePhase) Parse(raw json.RawMessage) (*models.PhaseOutput, error) {
	var c models.FinalCompilation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if len(c.Pages) == 0 {
		return nil, fmt.Errorf("no page composites in response")
	}
	return &models.PhaseOutput{Compilation: &c}, nil
}

// Fallback composes page descriptions mechanically from the layout and
// dialogue, which is usually indistinguishable from the model's output for
// this phase.
func (p *CompilePhase) Fallback(in *agent.Input) *models.PhaseOutput {
	layout := in.Prior(4).Layout
	dialogue := in.Prior(6).Dialogue

	linesPerPanel := make(map[string]int)
	for _, l := range dialogue.Lines {
		linesPerPanel[l.PanelID]++
	}

	pages := make([]models.PageComposite, 0, len(layout.Pages))
	for _, page := range layout.Pages {
		lineCount := 0
		for _, panel := range page.Panels {
			lineCount += linesPerPanel[panel.ID]
		}
		pages = append(pages, models.PageComposite{
			PageNumber: page.PageNumber,
			Description: fmt.Sprintf("Page %d: %d panels, %d dialogue lines, read right to left",
				page.PageNumber, len(page.Panels), lineCount),
			PanelCount: len(page.Panels),
		})
	}
	return &models.PhaseOutput{Compilation: &models.FinalCompilation{Pages: pages}}
}

func (p *CompilePhase) CompleteDefaults(out *models.PhaseOutput) {
	c := out.Compilation
	if c == nil {
		return
	}
	if c.PhaseScores == nil {
		c.PhaseScores = map[int]float64{}
	}
	for i := range c.Pages {
		if c.Pages[i].Description == "" {
			c.Pages[i].Description = fmt.Sprintf("Page %d composite", c.Pages[i].PageNumber)
		}
	}
}

func (p *CompilePhase) ValidateOutput(out *models.PhaseOutput) error {
	seen := make(map[int]bool, len(out.Compilation.Pages))
	for _, page := range out.Compilation.Pages {
		if seen[page.PageNumber] {
			return fmt.Errorf("duplicate composite for page %d", page.PageNumber)
		}
		seen[page.PageNumber] = true
	}
	return nil
}

func (p *CompilePhase) Preview(out *models.PhaseOutput) string {
	c := out.Compilation
	return fmt.Sprintf("%s: %d pages, overall score %.2f",
		c.Manifest.Title, c.Manifest.PageCount, c.OverallScore)
}

// FinalizeWithInput rebuilds the manifest and quality roll-up from prior
// phases regardless of what the model returned; these are derived facts, not
// creative output.
func (p *CompilePhase) FinalizeWithInput(in *agent.Input, out *models.PhaseOutput) {
	if out.Compilation != nil {
		p.finalize(in, out.Compilation)
	}
}

func (p *CompilePhase) Metrics(in *agent.Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64 {
	c := out.Compilation
	layout := in.Prior(4).Layout

	coherence := 0.0
	if len(layout.Pages) > 0 {
		coherence = clamp01(float64(len(c.Pages)) / float64(len(layout.Pages)))
	}

	technical := 0.5
	if c.Manifest.PageCount > 0 && c.Manifest.PanelCount > 0 && c.Manifest.ImageCount > 0 {
		technical = 1.0
	}

	described := 0
	for _, page := range c.Pages {
		if len(page.Description) >= 15 {
			described++
		}
	}
	readability := 0.0
	if len(c.Pages) > 0 {
		readability = float64(described) / float64(len(c.Pages))
	}

	return map[string]float64{
		"coherence":   coherence,
		"technical":   technical,
		"readability": readability,
		"composite":   clamp01(c.OverallScore),
	}
}

func (p *CompilePhase) finalize(in *agent.Input, c *models.FinalCompilation) {
	layout := in.Prior(4).Layout
	images := in.Prior(5).Images
	dialogue := in.Prior(6).Dialogue
	concept := in.Prior(1).Concept

	panelCount := 0
	for _, page := range layout.Pages {
		panelCount += len(page.Panels)
	}
	imageCount := 0
	for _, r := range images.Results {
		if r.Success {
			imageCount++
		}
	}

	c.Manifest = models.OutputManifest{
		Title:         manifestTitle(concept),
		PageCount:     len(layout.Pages),
		PanelCount:    panelCount,
		ImageCount:    imageCount,
		DialogueCount: len(dialogue.Lines),
	}

	c.PhaseScores = make(map[int]float64, len(in.PriorScores))
	var sum float64
	for phase, score := range in.PriorScores {
		c.PhaseScores[phase] = score
		sum += score
	}
	if len(in.PriorScores) > 0 {
		c.OverallScore = sum / float64(len(in.PriorScores))
	}

	for i := range c.Pages {
		if c.Pages[i].PanelCount == 0 {
			for _, page := range layout.Pages {
				if page.PageNumber == c.Pages[i].PageNumber {
					c.Pages[i].PanelCount = len(page.Panels)
				}
			}
		}
	}
}

func manifestTitle(concept *models.ConceptAnalysis) string {
	if len(concept.Themes) > 0 && concept.Themes[0] != "" {
		theme := concept.Themes[0]
		title := strings.ToUpper(theme[:1]) + theme[1:]
		return fmt.Sprintf("%s (%s)", title, concept.Genre)
	}
	return "Untitled (" + concept.Genre + ")"
}
