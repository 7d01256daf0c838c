package phases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// CharacterPhase is phase 2: character arcs and the shared style guide,
// keyed by the names phase 1 produced.
type CharacterPhase struct{}

func (p *CharacterPhase) PhaseNumber() int { return 2 }
func (p *CharacterPhase) Name() string     { return "character_design" }

func (p *CharacterPhase) ValidateInputs(in *agent.Input) error {
	_, err := requireConcept(in)
	return err
}

func (p *CharacterPhase) BuildPrompt(in *agent.Input) string {
	concept := in.Prior(1).Concept
	var b strings.Builder
	fmt.Fprintf(&b, `You are a character designer for a %s manga set in: %s.
Known characters: %s
Respond with a single JSON object:
{"arcs": [{"name": string, "arc": string, "motivation": string,
           "visual_design": string, "prominence": 0-1}],
 "style_guide": {"art_style": string, "line_weight": string,
                 "shading": string, "palette": [string]}}

Cover every known character; prominence reflects narrative weight.`,
		concept.Genre, concept.WorldSetting, compactJSON(concept.Characters))
	b.WriteString(feedbackSection(in))
	return b.String()
}

func (p *CharacterPhase) Parse(raw json.RawMessage) (*models.PhaseOutput, error) {
	var d models.CharacterDesign
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if len(d.Arcs) == 0 {
		return nil, fmt.Errorf("no character arcs in response")
	}
	return &models.PhaseOutput{Characters: &d}, nil
}

func (p *CharacterPhase) Fallback(in *agent.Input) *models.PhaseOutput {
	concept := in.Prior(1).Concept

	arcs := make([]models.CharacterArc, 0, len(concept.Characters))
	for i, sketch := range concept.Characters {
		prominence := 0.9 - 0.15*float64(i)
		if prominence < 0.3 {
			prominence = 0.3
		}
		arcs = append(arcs, models.CharacterArc{
			Name:         sketch.Name,
			Arc:          fmt.Sprintf("%s grows through the central conflict", sketch.Name),
			Motivation:   "resolve the story's driving tension",
			VisualDesign: fmt.Sprintf("design consistent with the %s setting", concept.Genre),
			Prominence:   prominence,
		})
	}
	if len(arcs) == 0 {
		arcs = append(arcs, models.CharacterArc{
			Name:       "Protagonist",
			Arc:        "the lead grows through the central conflict",
			Motivation: "resolve the story's driving tension",
			Prominence: 0.9,
		})
	}

	return &models.PhaseOutput{Characters: &models.CharacterDesign{
		Arcs:       arcs,
		StyleGuide: defaultStyleGuide(concept.Genre),
	}}
}

func (p *CharacterPhase) CompleteDefaults(out *models.PhaseOutput) {
	d := out.Characters
	if d == nil {
		return
	}
	if d.StyleGuide.ArtStyle == "" {
		d.StyleGuide = defaultStyleGuide("")
	}
	for i := range d.Arcs {
		if d.Arcs[i].Prominence == 0 {
			d.Arcs[i].Prominence = 0.5
		}
	}
}

func (p *CharacterPhase) ValidateOutput(out *models.PhaseOutput) error {
	seen := make(map[string]bool, len(out.Characters.Arcs))
	for _, a := range out.Characters.Arcs {
		key := strings.ToLower(a.Name)
		if seen[key] {
			return fmt.Errorf("duplicate character arc for %q", a.Name)
		}
		seen[key] = true
	}
	return nil
}

func (p *CharacterPhase) Preview(out *models.PhaseOutput) string {
	d := out.Characters
	names := sortedCharacterNames(d)
	return fmt.Sprintf("%d arcs (%s); style: %s",
		len(d.Arcs), strings.Join(names, ", "), d.StyleGuide.ArtStyle)
}

func (p *CharacterPhase) Metrics(in *agent.Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64 {
	d := out.Characters
	concept := in.Prior(1).Concept

	// Fraction of phase-1 characters that received an arc.
	covered := 0
	arcNames := make(map[string]bool, len(d.Arcs))
	for _, a := range d.Arcs {
		arcNames[strings.ToLower(a.Name)] = true
	}
	for _, sketch := range concept.Characters {
		if arcNames[strings.ToLower(sketch.Name)] {
			covered++
		}
	}
	consistency := 1.0
	if len(concept.Characters) > 0 {
		consistency = float64(covered) / float64(len(concept.Characters))
	}

	visual := 0
	for _, a := range d.Arcs {
		if a.VisualDesign != "" {
			visual++
		}
	}
	visualAppeal := float64(visual) / float64(len(d.Arcs))

	detailed := 0
	for _, a := range d.Arcs {
		if len(a.Arc) >= 20 && a.Motivation != "" {
			detailed++
		}
	}
	creativity := float64(detailed) / float64(len(d.Arcs))

	technical := 0.5
	if d.StyleGuide.ArtStyle != "" && d.StyleGuide.LineWeight != "" && len(d.StyleGuide.Palette) > 0 {
		technical = 1.0
	}

	return map[string]float64{
		"characterConsistency": consistency,
		"visualAppeal":         visualAppeal,
		"creativity":           creativity,
		"technical":            technical,
	}
}

func defaultStyleGuide(genre string) models.StyleGuide {
	shading := "screentone"
	if genre == "horror" {
		shading = "heavy ink"
	}
	return models.StyleGuide{
		ArtStyle:   "modern manga",
		LineWeight: "medium",
		Shading:    shading,
		Palette:    []string{"black", "white", "gray"},
	}
}
