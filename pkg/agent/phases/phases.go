// Package phases implements the seven pipeline agents, phase 1 (concept
// analysis) through phase 7 (final compilation). The six text phases plug
// into agent.PhaseAgent; the imaging phase drives the fan-out engine
// directly.
package phases

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/fanout"
	"github.com/storyforge-ai/storyforge/pkg/gateway"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// NewAll wires every phase agent against the model gateway and returns them
// keyed by phase number.
func NewAll(gw gateway.ModelGateway, imageBackoffBase time.Duration, logger *slog.Logger) map[int]agent.Executor {
	return map[int]agent.Executor{
		1: agent.NewPhaseAgent(&ConceptPhase{}, gw, logger),
		2: agent.NewPhaseAgent(&CharacterPhase{}, gw, logger),
		3: agent.NewPhaseAgent(&NarrativePhase{}, gw, logger),
		4: agent.NewPhaseAgent(&LayoutPhase{}, gw, logger),
		5: NewImagingAgent(fanout.NewEngine(gw, imageBackoffBase, logger), logger),
		6: agent.NewPhaseAgent(&DialoguePhase{}, gw, logger),
		7: agent.NewPhaseAgent(&CompilePhase{}, gw, logger),
	}
}

// ────────────────────────────────────────────────────────────
// Dependency matrix helpers
//
// A missing or malformed upstream output is a prior-phase contract violation:
// it fails input validation and is never retried.
// ────────────────────────────────────────────────────────────

func requireConcept(in *agent.Input) (*models.ConceptAnalysis, error) {
	prior := in.Prior(1)
	if prior == nil || prior.Concept == nil {
		return nil, fmt.Errorf("phase 1 concept analysis is missing")
	}
	c := prior.Concept
	if c.Genre == "" || len(c.Themes) == 0 || c.WorldSetting == "" {
		return nil, fmt.Errorf("phase 1 output lacks genre, themes, or world setting")
	}
	return c, nil
}

func requireCharacters(in *agent.Input) (*models.CharacterDesign, error) {
	prior := in.Prior(2)
	if prior == nil || prior.Characters == nil {
		return nil, fmt.Errorf("phase 2 character design is missing")
	}
	if len(prior.Characters.Arcs) == 0 {
		return nil, fmt.Errorf("phase 2 output has no character arcs")
	}
	return prior.Characters, nil
}

// requireNarrative enforces the canonical scenes field. Outputs carrying only
// the deprecated scene_breakdown alias are a contract violation.
func requireNarrative(in *agent.Input) (*models.NarrativeStructure, error) {
	prior := in.Prior(3)
	if prior == nil || prior.Narrative == nil {
		return nil, fmt.Errorf("phase 3 narrative structure is missing")
	}
	n := prior.Narrative
	if len(n.Scenes) == 0 {
		if len(n.SceneBreakdown) > 0 {
			return nil, fmt.Errorf("phase 3 output uses the deprecated scene_breakdown field; scenes is required")
		}
		return nil, fmt.Errorf("phase 3 output has no scenes")
	}
	if len(n.PageAllocation) == 0 {
		return nil, fmt.Errorf("phase 3 output has no page allocation")
	}
	return n, nil
}

func requireLayout(in *agent.Input) (*models.PanelLayout, error) {
	prior := in.Prior(4)
	if prior == nil || prior.Layout == nil {
		return nil, fmt.Errorf("phase 4 panel layout is missing")
	}
	for _, page := range prior.Layout.Pages {
		if len(page.Panels) == 0 {
			return nil, fmt.Errorf("phase 4 page %d has no panels", page.PageNumber)
		}
	}
	return prior.Layout, nil
}

func requireImages(in *agent.Input) (*models.ImageSet, error) {
	prior := in.Prior(5)
	if prior == nil || prior.Images == nil {
		return nil, fmt.Errorf("phase 5 image set is missing")
	}
	if len(prior.Images.Results) == 0 {
		return nil, fmt.Errorf("phase 5 output has no image results")
	}
	return prior.Images, nil
}

func requireDialogue(in *agent.Input) (*models.DialogueScript, error) {
	prior := in.Prior(6)
	if prior == nil || prior.Dialogue == nil {
		return nil, fmt.Errorf("phase 6 dialogue script is missing")
	}
	return prior.Dialogue, nil
}

// ────────────────────────────────────────────────────────────
// Prompt and metric helpers
// ────────────────────────────────────────────────────────────

func feedbackSection(in *agent.Input) string {
	if len(in.Feedback) == 0 {
		return ""
	}
	b, err := json.Marshal(in.Feedback)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("\n\nReviewer feedback to incorporate:\n%s", b)
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// tokenOverlap measures what fraction of the significant words in text also
// appear in the reference corpus. Used as a cheap relevance proxy.
func tokenOverlap(reference, text string) float64 {
	ref := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(reference)) {
		w = strings.Trim(w, ".,!?\"'()")
		if len(w) >= 4 {
			ref[w] = struct{}{}
		}
	}
	if len(ref) == 0 {
		return 0
	}
	matched := 0
	for w := range ref {
		if strings.Contains(strings.ToLower(text), w) {
			matched++
		}
	}
	return float64(matched) / float64(len(ref))
}

func sortedCharacterNames(design *models.CharacterDesign) []string {
	names := make([]string, 0, len(design.Arcs))
	for _, a := range design.Arcs {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}
