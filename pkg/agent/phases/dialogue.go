package phases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// DialoguePhase is phase 6: dialogue lines and balloon placements anchored
// to phase-4 panels, written against the phase-5 imagery.
type DialoguePhase struct{}

func (p *DialoguePhase) PhaseNumber() int { return 6 }
func (p *DialoguePhase) Name() string     { return "dialogue_generation" }

func (p *DialoguePhase) ValidateInputs(in *agent.Input) error {
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
	images, err := requireImages(in)
	if err != nil {
		return err
	}
	for _, r := range images.Results {
		if r.PanelID == "" {
			return fmt.Errorf("phase 5 result without a panel id")
		}
	}
	return nil
}

func (p *DialoguePhase) BuildPrompt(in *agent.Input) string {
	narrative := in.Prior(3).Narrative
	design := in.Prior(2).Characters
	layout := in.Prior(4).Layout

	var b strings.Builder
	fmt.Fprintf(&b, `You are a manga dialogue writer.
Characters: %s
Scenes: %s
Panels: %s
Respond with a single JSON object:
{"lines": [{"panel_id": string, "speaker": string, "text": string,
  "bubble_style": "speech"|"thought"|"shout"|"whisper"|"narration",
  "anchor_x": 0-1, "anchor_y": 0-1}]}

Every panel_id must exist in the panel list. Keep lines under 120 characters.`,
		compactJSON(sortedCharacterNames(design)), compactJSON(narrative.Scenes),
		compactJSON(panelSummaries(layout)))
	b.WriteString(feedbackSection(in))
	return b.String()
}

func (p *DialoguePhase) Parse(raw json.RawMessage) (*models.PhaseOutput, error) {
	var d models.DialogueScript
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if len(d.Lines) == 0 {
		return nil, fmt.Errorf("no dialogue lines in response")
	}
	return &models.PhaseOutput{Dialogue: &d}, nil
}

// Fallback writes one line per panel: narration for the opening panel of
// each page, otherwise speech rotating through the cast, with the bubble
// style escalated on intense panels.
func (p *DialoguePhase) Fallback(in *agent.Input) *models.PhaseOutput {
	layout := in.Prior(4).Layout
	design := in.Prior(2).Characters
	sceneByNumber := make(map[int]models.SceneBeat)
	for _, s := range in.Prior(3).Narrative.Scenes {
		sceneByNumber[s.Number] = s
	}

	var lines []models.DialogueLine
	speakerIdx := 0
	for _, page := range layout.Pages {
		for i, panel := range page.Panels {
			scene := sceneByNumber[panel.SceneNumber]
			if i == 0 {
				lines = append(lines, models.DialogueLine{
					PanelID:     panel.ID,
					Speaker:     "",
					Text:        narrationFor(scene, page.PageNumber),
					BubbleStyle: models.BubbleStyleNarration,
					AnchorX:     clamp01(panel.X + 0.05),
					AnchorY:     clamp01(panel.Y + 0.05),
				})
				continue
			}

			speaker := "???"
			if len(design.Arcs) > 0 {
				speaker = design.Arcs[speakerIdx%len(design.Arcs)].Name
				speakerIdx++
			}
			lines = append(lines, models.DialogueLine{
				PanelID:     panel.ID,
				Speaker:     speaker,
				Text:        speechFor(scene),
				BubbleStyle: bubbleFor(scene),
				AnchorX:     clamp01(panel.X + panel.Width*0.6),
				AnchorY:     clamp01(panel.Y + panel.Height*0.2),
			})
		}
	}
	return &models.PhaseOutput{Dialogue: &models.DialogueScript{Lines: lines}}
}

func (p *DialoguePhase) CompleteDefaults(out *models.PhaseOutput) {
	d := out.Dialogue
	if d == nil {
		return
	}
	for i := range d.Lines {
		if d.Lines[i].BubbleStyle == "" {
			d.Lines[i].BubbleStyle = models.BubbleStyleSpeech
		}
	}
}

func (p *DialoguePhase) ValidateOutput(out *models.PhaseOutput) error {
	for _, line := range out.Dialogue.Lines {
		if len(line.Text) > 200 {
			return fmt.Errorf("line for panel %s exceeds 200 characters", line.PanelID)
		}
	}
	return nil
}

func (p *DialoguePhase) Preview(out *models.PhaseOutput) string {
	d := out.Dialogue
	styles := make(map[models.BubbleStyle]int)
	for _, l := range d.Lines {
		styles[l.BubbleStyle]++
	}
	return fmt.Sprintf("%d lines (%d narration)", len(d.Lines), styles[models.BubbleStyleNarration])
}

func (p *DialoguePhase) Metrics(in *agent.Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64 {
	d := out.Dialogue
	layout := in.Prior(4).Layout

	panelIDs := make(map[string]bool)
	for _, page := range layout.Pages {
		for _, panel := range page.Panels {
			panelIDs[panel.ID] = true
		}
	}

	anchored, readable := 0, 0
	styles := make(map[models.BubbleStyle]bool)
	for _, line := range d.Lines {
		if panelIDs[line.PanelID] {
			anchored++
		}
		if n := len(line.Text); n >= 5 && n <= 120 {
			readable++
		}
		styles[line.BubbleStyle] = true
	}
	total := float64(len(d.Lines))

	covered := make(map[string]bool)
	for _, line := range d.Lines {
		covered[line.PanelID] = true
	}
	coverage := 0.0
	if len(panelIDs) > 0 {
		n := 0
		for id := range panelIDs {
			if covered[id] {
				n++
			}
		}
		coverage = float64(n) / float64(len(panelIDs))
	}

	return map[string]float64{
		"dialogueNaturalness": coverage,
		"bubblePlacement":     float64(anchored) / total,
		"readability":         float64(readable) / total,
		"tonalFit":            clamp01(float64(len(styles)) / 3),
	}
}

func panelSummaries(layout *models.PanelLayout) []map[string]string {
	var out []map[string]string
	for _, page := range layout.Pages {
		for _, panel := range page.Panels {
			out = append(out, map[string]string{
				"panel_id":    panel.ID,
				"description": panel.Description,
				"tone":        panel.EmotionalTone,
			})
		}
	}
	return out
}

func narrationFor(scene models.SceneBeat, pageNum int) string {
	if scene.Description != "" {
		// Truncate on runes so multibyte descriptions stay valid UTF-8.
		if runes := []rune(scene.Description); len(runes) > 90 {
			return string(runes[:90]) + "…"
		}
		return scene.Description
	}
	return fmt.Sprintf("Page %d.", pageNum)
}

func speechFor(scene models.SceneBeat) string {
	switch scene.EmotionalTone {
	case "climax":
		return "This is it... everything comes down to this!"
	case "tension":
		return "Something is not right here."
	default:
		return "Let's keep moving."
	}
}

func bubbleFor(scene models.SceneBeat) models.BubbleStyle {
	switch {
	case scene.EmotionalTone == "climax":
		return models.BubbleStyleShout
	case scene.EmotionalTone == "tension":
		return models.BubbleStyleWhisper
	case scene.EmotionalIntensity <= 3:
		return models.BubbleStyleThought
	default:
		return models.BubbleStyleSpeech
	}
}
