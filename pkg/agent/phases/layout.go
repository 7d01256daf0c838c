package phases

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// cameraRotation is the deterministic angle sequence used by the fallback
// layout generator.
var cameraRotation = []models.CameraAngle{
	models.CameraAngleWideShot,
	models.CameraAngleEyeLevel,
	models.CameraAngleCloseUp,
	models.CameraAngleLow,
	models.CameraAngleHigh,
	models.CameraAngleDutch,
}

// LayoutPhase is phase 4: per-page panel layouts with deterministic manga
// reading order.
type LayoutPhase struct{}

func (p *LayoutPhase) PhaseNumber() int { return 4 }
func (p *LayoutPhase) Name() string     { return "panel_layout" }

func (p *LayoutPhase) ValidateInputs(in *agent.Input) error {
	if _, err := requireConcept(in); err != nil {
		return err
	}
	if _, err := requireCharacters(in); err != nil {
		return err
	}
	_, err := requireNarrative(in)
	return err
}

func (p *LayoutPhase) BuildPrompt(in *agent.Input) string {
	narrative := in.Prior(3).Narrative
	design := in.Prior(2).Characters
	var b strings.Builder
	fmt.Fprintf(&b, `You are a manga page layout artist.
Page allocation: %s
Scenes: %s
Style guide: %s
Respond with a single JSON object:
{"pages": [{"page_number": int,
  "panels": [{"id": string, "x": 0-1, "y": 0-1, "width": 0-1, "height": 0-1,
    "size": "small"|"medium"|"large"|"splash",
    "camera_angle": "eye_level"|"high"|"low"|"birds_eye"|"worms_eye"|"dutch"|"close_up"|"wide_shot",
    "composition": string, "scene_number": int, "emotional_tone": string,
    "characters": [{"name": string, "prominence": 0-1}],
    "description": string}]}]}

Coordinates are normalized to the page. Right-to-left reading order.`,
		compactJSON(narrative.PageAllocation), compactJSON(narrative.Scenes),
		compactJSON(design.StyleGuide))
	b.WriteString(feedbackSection(in))
	return b.String()
}

func (p *LayoutPhase) Parse(raw json.RawMessage) (*models.PhaseOutput, error) {
	var l models.PanelLayout
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	if len(l.Pages) == 0 {
		return nil, fmt.Errorf("no pages in response")
	}
	for _, page := range l.Pages {
		if len(page.Panels) == 0 {
			return nil, fmt.Errorf("page %d has no panels", page.PageNumber)
		}
	}
	return &models.PhaseOutput{Layout: &l}, nil
}

// Fallback lays out each allocated page as a right-to-left grid: up to two
// panels per row, intense scenes promoted to wider panels.
func (p *LayoutPhase) Fallback(in *agent.Input) *models.PhaseOutput {
	narrative := in.Prior(3).Narrative
	design := in.Prior(2).Characters

	sceneByNumber := make(map[int]models.SceneBeat, len(narrative.Scenes))
	for _, s := range narrative.Scenes {
		sceneByNumber[s.Number] = s
	}
	byPage := make(map[int][]int)
	var pageNumbers []int
	for _, a := range narrative.PageAllocation {
		if _, seen := byPage[a.Page]; !seen {
			pageNumbers = append(pageNumbers, a.Page)
		}
		byPage[a.Page] = append(byPage[a.Page], a.SceneNumber)
	}
	sort.Ints(pageNumbers)

	var pages []models.PageLayout
	for _, pageNum := range pageNumbers {
		pages = append(pages, fallbackPage(pageNum, byPage[pageNum], sceneByNumber, design))
	}
	return &models.PhaseOutput{Layout: &models.PanelLayout{Pages: pages}}
}

func fallbackPage(pageNum int, sceneNums []int, scenes map[int]models.SceneBeat, design *models.CharacterDesign) models.PageLayout {
	// One or two panels per scene depending on intensity, right-to-left.
	var panels []models.Panel
	for _, num := range sceneNums {
		scene := scenes[num]
		per := 1
		if scene.EmotionalIntensity >= 6 {
			per = 2
		}
		for j := 0; j < per; j++ {
			panels = append(panels, fallbackPanel(pageNum, len(panels), scene, per > 1 && j == 0, design))
		}
	}

	rows := (len(panels) + 1) / 2
	for i := range panels {
		row, col := i/2, i%2
		width := 0.5
		if panels[i].Size == models.PanelSizeSplash || (row == rows-1 && i == len(panels)-1 && col == 0) {
			width = 1.0
		}
		x := 0.0
		if width < 1.0 && col == 0 {
			x = 0.5 // first panel of a row sits on the right (manga order)
		}
		panels[i].X = x
		panels[i].Y = float64(row) / float64(rows)
		panels[i].Width = width
		panels[i].Height = 1.0 / float64(rows)
	}

	return models.PageLayout{
		PageNumber:   pageNum,
		Panels:       panels,
		ReadingOrder: ComputeReadingOrder(panels),
		OverlapCount: CountOverlaps(panels),
	}
}

func fallbackPanel(pageNum, index int, scene models.SceneBeat, emphasis bool, design *models.CharacterDesign) models.Panel {
	size := models.PanelSizeMedium
	switch {
	case scene.EmotionalTone == "climax":
		size = models.PanelSizeSplash
	case emphasis || scene.Importance == models.SceneImportanceHigh:
		size = models.PanelSizeLarge
	case scene.Importance == models.SceneImportanceLow:
		size = models.PanelSizeSmall
	}

	angle := cameraRotation[index%len(cameraRotation)]
	if scene.EmotionalTone == "climax" {
		angle = models.CameraAngleLow
	}

	var chars []models.PanelCharacter
	for i, arc := range design.Arcs {
		if i == 2 {
			break
		}
		chars = append(chars, models.PanelCharacter{Name: arc.Name, Prominence: arc.Prominence})
	}

	return models.Panel{
		ID:            fmt.Sprintf("p%d-%d", pageNum, index+1),
		Size:          size,
		CameraAngle:   angle,
		Composition:   "rule of thirds",
		SceneNumber:   scene.Number,
		EmotionalTone: scene.EmotionalTone,
		Characters:    chars,
		Description:   scene.Description,
	}
}

func (p *LayoutPhase) CompleteDefaults(out *models.PhaseOutput) {
	l := out.Layout
	if l == nil {
		return
	}
	for i := range l.Pages {
		page := &l.Pages[i]
		for j := range page.Panels {
			panel := &page.Panels[j]
			if panel.ID == "" {
				panel.ID = fmt.Sprintf("p%d-%d", page.PageNumber, j+1)
			}
			if panel.Size == "" {
				panel.Size = models.PanelSizeMedium
			}
			if panel.CameraAngle == "" {
				panel.CameraAngle = models.CameraAngleEyeLevel
			}
			if panel.Width == 0 {
				panel.Width = 0.5
			}
			if panel.Height == 0 {
				panel.Height = 0.25
			}
			if panel.Description == "" {
				panel.Description = fmt.Sprintf("panel %s of page %d", panel.ID, page.PageNumber)
			}
		}
		// Recompute the derived fields; model-provided values are untrusted.
		page.ReadingOrder = ComputeReadingOrder(page.Panels)
		page.OverlapCount = CountOverlaps(page.Panels)
	}
}

func (p *LayoutPhase) ValidateOutput(out *models.PhaseOutput) error {
	seen := make(map[string]bool)
	for _, page := range out.Layout.Pages {
		for _, panel := range page.Panels {
			if seen[panel.ID] {
				return fmt.Errorf("duplicate panel id %q", panel.ID)
			}
			seen[panel.ID] = true
		}
		if len(page.ReadingOrder) != len(page.Panels) {
			return fmt.Errorf("page %d reading order covers %d of %d panels",
				page.PageNumber, len(page.ReadingOrder), len(page.Panels))
		}
	}
	return nil
}

func (p *LayoutPhase) Preview(out *models.PhaseOutput) string {
	l := out.Layout
	panels := 0
	for _, page := range l.Pages {
		panels += len(page.Panels)
	}
	return fmt.Sprintf("%d pages, %d panels", len(l.Pages), panels)
}

func (p *LayoutPhase) Metrics(in *agent.Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64 {
	l := out.Layout

	var panels, overlaps int
	angles := make(map[models.CameraAngle]bool)
	sizes := make(map[models.PanelSize]bool)
	described := 0
	for _, page := range l.Pages {
		panels += len(page.Panels)
		overlaps += page.OverlapCount
		for _, panel := range page.Panels {
			angles[panel.CameraAngle] = true
			sizes[panel.Size] = true
			if len(panel.Description) >= 10 {
				described++
			}
		}
	}
	if panels == 0 {
		return map[string]float64{}
	}

	layoutQuality := clamp01(1 - float64(overlaps)/float64(panels))
	composition := float64(described) / float64(panels)
	readingFlow := 1.0 // recomputed orders are always consistent
	cameraVariety := clamp01(float64(len(angles)) / 4)
	visualHierarchy := clamp01(float64(len(sizes)) / 3)
	pageComposition := clamp01(float64(panels) / float64(len(l.Pages)) / 4)

	return map[string]float64{
		"layoutQuality":      layoutQuality,
		"compositionQuality": composition,
		"readingFlow":        readingFlow,
		"cameraVariety":      cameraVariety,
		"visualHierarchy":    visualHierarchy,
		"pageComposition":    pageComposition,
	}
}

// ComputeReadingOrder returns panel ids sorted top-to-bottom then
// right-to-left, the manga reading convention. The sort is stable so panels
// sharing a position keep their authored order.
func ComputeReadingOrder(panels []models.Panel) []string {
	idx := make([]int, len(panels))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := panels[idx[a]], panels[idx[b]]
		if pa.Y != pb.Y {
			return pa.Y < pb.Y
		}
		return pa.X > pb.X
	})
	order := make([]string, len(panels))
	for i, j := range idx {
		order[i] = panels[j].ID
	}
	return order
}

// CountOverlaps counts panel pairs whose rectangles intersect with positive
// area. Overlap is tolerated, only recorded.
func CountOverlaps(panels []models.Panel) int {
	count := 0
	for i := 0; i < len(panels); i++ {
		for j := i + 1; j < len(panels); j++ {
			if rectsOverlap(panels[i], panels[j]) {
				count++
			}
		}
	}
	return count
}

func rectsOverlap(a, b models.Panel) bool {
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}
