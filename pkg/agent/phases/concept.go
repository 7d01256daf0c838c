package phases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

const (
	minInputChars = 10
	maxInputChars = 20000

	minScenes = 3
	maxScenes = 12
)

// genreKeywords drives the rule-based genre classifier used by the fallback
// generator. First match wins; table order is the tie-break.
var genreKeywords = []struct {
	genre    string
	keywords []string
}{
	{"fantasy", []string{"magic", "dragon", "kingdom", "wizard", "spell", "quest"}},
	{"sci-fi", []string{"space", "robot", "galaxy", "laser", "android", "starship"}},
	{"horror", []string{"ghost", "haunted", "monster", "scream", "nightmare"}},
	{"romance", []string{"love", "heart", "kiss", "confession", "crush"}},
	{"mystery", []string{"detective", "clue", "murder", "suspect", "secret"}},
	{"action", []string{"fight", "battle", "chase", "explosion", "war"}},
}

// ConceptPhase is phase 1: structured analysis of the raw input text.
type ConceptPhase struct{}

func (p *ConceptPhase) PhaseNumber() int { return 1 }
func (p *ConceptPhase) Name() string     { return "concept_analysis" }

func (p *ConceptPhase) ValidateInputs(in *agent.Input) error {
	text := strings.TrimSpace(in.InputText)
	if len(text) < minInputChars {
		return fmt.Errorf("input text too short: %d chars, need at least %d", len(text), minInputChars)
	}
	if len(text) > maxInputChars {
		return fmt.Errorf("input text too long: %d chars, cap is %d", len(text), maxInputChars)
	}
	return nil
}

func (p *ConceptPhase) BuildPrompt(in *agent.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a story analyst for a manga production pipeline.
Analyze the following concept and respond with a single JSON object:
{"genre": string, "themes": [string], "world_setting": string,
 "characters": [{"name": string, "role": string, "description": string}],
 "scenes": [{"number": int, "description": string, "emotional_intensity": 1-10,
             "importance": "high"|"medium"|"low", "emotional_tone": string}],
 "story_beats": [string], "visual_suggestions": [string]}

Produce between %d and %d scenes. Preferred genre: %s.

Concept:
%s`, minScenes, maxScenes, in.Params.PrimaryGenre, in.InputText)
	b.WriteString(feedbackSection(in))
	return b.String()
}

func (p *ConceptPhase) Parse(raw json.RawMessage) (*models.PhaseOutput, error) {
	var c models.ConceptAnalysis
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if len(c.Scenes) < minScenes || len(c.Scenes) > maxScenes {
		return nil, fmt.Errorf("scene count %d outside [%d,%d]", len(c.Scenes), minScenes, maxScenes)
	}
	return &models.PhaseOutput{Concept: &c}, nil
}

// Fallback derives a concept analysis from the raw text alone: keyword genre
// classification, capitalized-word character extraction, and sentence-based
// scene splitting.
func (p *ConceptPhase) Fallback(in *agent.Input) *models.PhaseOutput {
	text := strings.TrimSpace(in.InputText)

	genre := in.Params.PrimaryGenre
	if genre == "" {
		genre = classifyGenre(text)
	}

	sentences := splitSentences(text)
	sceneCount := len(sentences)
	if sceneCount < minScenes {
		sceneCount = minScenes
	}
	if sceneCount > 6 {
		sceneCount = 6
	}
	scenes := make([]models.SceneBeat, sceneCount)
	for i := range scenes {
		desc := text
		if i < len(sentences) {
			desc = sentences[i]
		}
		tone := "calm"
		intensity := 3 + (i*7)/sceneCount
		if i == sceneCount-1 {
			tone = "climax"
		} else if intensity >= 7 {
			tone = "tension"
		}
		importance := models.SceneImportanceMedium
		if i == 0 || i == sceneCount-1 {
			importance = models.SceneImportanceHigh
		}
		scenes[i] = models.SceneBeat{
			Number:             i + 1,
			Description:        desc,
			EmotionalIntensity: intensity,
			Importance:         importance,
			EmotionalTone:      tone,
		}
	}

	return &models.PhaseOutput{Concept: &models.ConceptAnalysis{
		Genre:        genre,
		Themes:       []string{"growth", "conflict"},
		WorldSetting: "derived from input text",
		Characters:   extractCharacters(text),
		Scenes:       scenes,
		StoryBeats:   []string{"setup", "confrontation", "resolution"},
		VisualSuggestions: []string{
			"establishing shot of the setting",
			"close-up reaction on the emotional turn",
		},
	}}
}

func (p *ConceptPhase) CompleteDefaults(out *models.PhaseOutput) {
	c := out.Concept
	if c == nil {
		return
	}
	if len(c.Themes) == 0 {
		c.Themes = []string{"conflict"}
	}
	if c.WorldSetting == "" {
		c.WorldSetting = "unspecified"
	}
	for i := range c.Scenes {
		s := &c.Scenes[i]
		if s.Number == 0 {
			s.Number = i + 1
		}
		if s.EmotionalIntensity < 1 {
			s.EmotionalIntensity = 1
		}
		if s.EmotionalIntensity > 10 {
			s.EmotionalIntensity = 10
		}
		if s.Importance == "" {
			s.Importance = models.SceneImportanceMedium
		}
	}
}

func (p *ConceptPhase) ValidateOutput(out *models.PhaseOutput) error {
	seen := make(map[int]bool, len(out.Concept.Scenes))
	for _, s := range out.Concept.Scenes {
		if seen[s.Number] {
			return fmt.Errorf("duplicate scene number %d", s.Number)
		}
		seen[s.Number] = true
	}
	return nil
}

func (p *ConceptPhase) Preview(out *models.PhaseOutput) string {
	c := out.Concept
	return fmt.Sprintf("Genre %s; %d scenes, %d characters; themes: %s",
		c.Genre, len(c.Scenes), len(c.Characters), strings.Join(c.Themes, ", "))
}

func (p *ConceptPhase) Metrics(in *agent.Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64 {
	c := out.Concept

	var sceneText strings.Builder
	for _, s := range c.Scenes {
		sceneText.WriteString(s.Description)
		sceneText.WriteString(" ")
	}
	relevance := clamp01(tokenOverlap(in.InputText, sceneText.String()) * 2)

	genreFit := 0.6
	if in.Params.PrimaryGenre == "" || strings.EqualFold(c.Genre, in.Params.PrimaryGenre) {
		genreFit = 1
	}

	described := 0
	for _, s := range c.Scenes {
		if len(s.Description) >= 20 {
			described++
		}
	}
	coherence := float64(described) / float64(len(c.Scenes))

	creativity := clamp01(float64(len(c.Themes)+len(c.VisualSuggestions)+len(c.StoryBeats)) / 9)

	return map[string]float64{
		"relevance":  relevance,
		"genreFit":   genreFit,
		"coherence":  coherence,
		"creativity": creativity,
	}
}

func classifyGenre(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range genreKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.genre
			}
		}
	}
	return "slice-of-life"
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// extractCharacters treats capitalized tokens that do not start a sentence
// as character names. Crude, but deterministic and good enough for the
// fallback path.
func extractCharacters(text string) []models.CharacterSketch {
	counts := make(map[string]int)
	var order []string
	for _, sentence := range splitSentences(text) {
		words := strings.Fields(sentence)
		for i, w := range words {
			w = strings.Trim(w, ".,!?\"'()")
			if i == 0 || len(w) < 2 || len(w) > 20 {
				continue
			}
			if w[0] < 'A' || w[0] > 'Z' {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}

	var sketches []models.CharacterSketch
	for _, name := range order {
		role := "supporting"
		if len(sketches) == 0 {
			role = "protagonist"
		}
		sketches = append(sketches, models.CharacterSketch{
			Name:        name,
			Role:        role,
			Description: fmt.Sprintf("mentioned %d times in the concept", counts[name]),
		})
		if len(sketches) == 5 {
			break
		}
	}
	if len(sketches) == 0 {
		sketches = []models.CharacterSketch{{
			Name: "Protagonist", Role: "protagonist", Description: "unnamed lead derived from the concept",
		}}
	}
	return sketches
}
