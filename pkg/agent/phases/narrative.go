package phases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// scenesPerPage controls the fallback page allocation density.
const scenesPerPage = 2

// NarrativePhase is phase 3: narrative structure with acts, page allocation,
// and the canonical scenes list.
type NarrativePhase struct{}

func (p *NarrativePhase) PhaseNumber() int { return 3 }
func (p *NarrativePhase) Name() string     { return "narrative_structure" }

func (p *NarrativePhase) ValidateInputs(in *agent.Input) error {
	if _, err := requireConcept(in); err != nil {
		return err
	}
	_, err := requireCharacters(in)
	return err
}

func (p *NarrativePhase) BuildPrompt(in *agent.Input) string {
	concept := in.Prior(1).Concept
	design := in.Prior(2).Characters
	var b strings.Builder
	fmt.Fprintf(&b, `You are a narrative architect for a %s manga.
Scenes from concept analysis: %s
Characters: %s
Respond with a single JSON object:
{"acts": [{"number": int, "purpose": string, "scene_numbers": [int]}],
 "plot_points": [string], "conflict_layers": [string],
 "emotional_curve": [0-1 per scene],
 "page_allocation": [{"page": int, "scene_number": int}],
 "scenes": [same scene shape as the input, refined]}

Use the field name "scenes" exactly; never use "scene_breakdown".
Every scene must be allocated to a page.`,
		concept.Genre, compactJSON(concept.Scenes), compactJSON(sortedCharacterNames(design)))
	b.WriteString(feedbackSection(in))
	return b.String()
}

func (p *NarrativePhase) Parse(raw json.RawMessage) (*models.PhaseOutput, error) {
	var n models.NarrativeStructure
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	if len(n.Scenes) == 0 {
		if len(n.SceneBreakdown) > 0 {
			return nil, fmt.Errorf("response uses the deprecated scene_breakdown field")
		}
		return nil, fmt.Errorf("response has no scenes")
	}
	return &models.PhaseOutput{Narrative: &n}, nil
}

// Fallback builds a three-act structure directly from the phase-1 scenes and
// allocates them to pages in order.
func (p *NarrativePhase) Fallback(in *agent.Input) *models.PhaseOutput {
	concept := in.Prior(1).Concept
	scenes := concept.Scenes

	acts := buildActs(scenes)

	curve := make([]float64, len(scenes))
	for i, s := range scenes {
		curve[i] = float64(s.EmotionalIntensity) / 10
	}

	alloc := make([]models.PageAllocation, len(scenes))
	for i, s := range scenes {
		alloc[i] = models.PageAllocation{Page: i/scenesPerPage + 1, SceneNumber: s.Number}
	}

	return &models.PhaseOutput{Narrative: &models.NarrativeStructure{
		Acts:           acts,
		PlotPoints:     []string{"inciting incident", "midpoint reversal", "climax", "resolution"},
		ConflictLayers: []string{"external conflict", "internal doubt"},
		EmotionalCurve: curve,
		PageAllocation: alloc,
		Scenes:         scenes,
	}}
}

func (p *NarrativePhase) CompleteDefaults(out *models.PhaseOutput) {
	n := out.Narrative
	if n == nil {
		return
	}
	if len(n.PageAllocation) == 0 && len(n.Scenes) > 0 {
		n.PageAllocation = make([]models.PageAllocation, len(n.Scenes))
		for i, s := range n.Scenes {
			n.PageAllocation[i] = models.PageAllocation{Page: i/scenesPerPage + 1, SceneNumber: s.Number}
		}
	}
	if len(n.EmotionalCurve) == 0 {
		n.EmotionalCurve = make([]float64, len(n.Scenes))
		for i, s := range n.Scenes {
			n.EmotionalCurve[i] = float64(s.EmotionalIntensity) / 10
		}
	}
	for i := range n.Scenes {
		if n.Scenes[i].Number == 0 {
			n.Scenes[i].Number = i + 1
		}
		if n.Scenes[i].Importance == "" {
			n.Scenes[i].Importance = models.SceneImportanceMedium
		}
		if n.Scenes[i].EmotionalIntensity < 1 {
			n.Scenes[i].EmotionalIntensity = 1
		}
	}
}

func (p *NarrativePhase) ValidateOutput(out *models.PhaseOutput) error {
	n := out.Narrative
	if len(n.SceneBreakdown) > 0 {
		return fmt.Errorf("deprecated scene_breakdown field must not be populated")
	}
	if len(n.Scenes) == 0 {
		return fmt.Errorf("scenes list is empty")
	}

	known := make(map[int]bool, len(n.Scenes))
	for _, s := range n.Scenes {
		known[s.Number] = true
	}
	allocated := make(map[int]bool, len(n.PageAllocation))
	for _, a := range n.PageAllocation {
		if !known[a.SceneNumber] {
			return fmt.Errorf("page allocation references unknown scene %d", a.SceneNumber)
		}
		allocated[a.SceneNumber] = true
	}
	for _, s := range n.Scenes {
		if !allocated[s.Number] {
			return fmt.Errorf("scene %d is not allocated to any page", s.Number)
		}
	}
	return nil
}

func (p *NarrativePhase) Preview(out *models.PhaseOutput) string {
	n := out.Narrative
	pages := 0
	for _, a := range n.PageAllocation {
		if a.Page > pages {
			pages = a.Page
		}
	}
	return fmt.Sprintf("%d acts, %d scenes across %d pages", len(n.Acts), len(n.Scenes), pages)
}

func (p *NarrativePhase) Metrics(in *agent.Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64 {
	n := out.Narrative
	concept := in.Prior(1).Concept

	// How much of the phase-1 scene set survived into the structure.
	retained := 0
	known := make(map[int]bool, len(n.Scenes))
	for _, s := range n.Scenes {
		known[s.Number] = true
	}
	for _, s := range concept.Scenes {
		if known[s.Number] {
			retained++
		}
	}
	structure := 0.0
	if len(concept.Scenes) > 0 {
		structure = float64(retained) / float64(len(concept.Scenes))
	}

	pacing := 0.5
	if len(n.EmotionalCurve) == len(n.Scenes) && len(n.Scenes) > 0 {
		pacing = 1.0
	}

	coherence := clamp01(float64(len(n.Acts)) / 3)

	// Spread of the emotional curve: a flat story scores low.
	emotionalRange := 0.0
	if len(n.EmotionalCurve) > 0 {
		lo, hi := n.EmotionalCurve[0], n.EmotionalCurve[0]
		for _, v := range n.EmotionalCurve {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		emotionalRange = clamp01(hi - lo)
	}

	return map[string]float64{
		"structure":      structure,
		"pacing":         pacing,
		"coherence":      coherence,
		"emotionalRange": emotionalRange,
	}
}

// buildActs splits the scene list into a classical three-act structure,
// roughly quarter/half/quarter.
func buildActs(scenes []models.SceneBeat) []models.Act {
	nums := make([]int, len(scenes))
	for i, s := range scenes {
		nums[i] = s.Number
	}
	if len(nums) < 3 {
		return []models.Act{{Number: 1, Purpose: "complete story", SceneNumbers: nums}}
	}
	cut1 := len(nums) / 4
	if cut1 == 0 {
		cut1 = 1
	}
	cut2 := (len(nums) * 3) / 4
	if cut2 <= cut1 {
		cut2 = cut1 + 1
	}
	return []models.Act{
		{Number: 1, Purpose: "setup", SceneNumbers: nums[:cut1]},
		{Number: 2, Purpose: "confrontation", SceneNumbers: nums[cut1:cut2]},
		{Number: 3, Purpose: "resolution", SceneNumbers: nums[cut2:]},
	}
}
