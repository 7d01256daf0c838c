package phases

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/fanout"
	"github.com/storyforge-ai/storyforge/pkg/gateway"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

const sampleInput = "A brave knight named Kaito rescues a dragon from the haunted kingdom. " +
	"His rival Ren follows in secret. The dragon reveals an ancient magic. " +
	"Together they face the final battle at the castle gates."

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chainInput runs the fallback generators of phases 1..upto-1 to build a
// realistic Previous map for testing phase upto.
func chainInput(t *testing.T, upto int) *agent.Input {
	t.Helper()
	in := &agent.Input{
		SessionID: "sess-test",
		InputText: sampleInput,
		Params:    models.DefaultGenerationParameters(),
		Previous:  map[int]*models.PhaseOutput{},
	}

	impls := map[int]agent.Phase{
		1: &ConceptPhase{}, 2: &CharacterPhase{}, 3: &NarrativePhase{},
		4: &LayoutPhase{}, 6: &DialoguePhase{}, 7: &CompilePhase{},
	}
	for phase := 1; phase < upto; phase++ {
		if phase == 5 {
			a := NewImagingAgent(fanout.NewEngine(&gateway.StubGateway{}, time.Millisecond, discardLogger()), discardLogger())
			res, err := a.ExecuteFallback(in)
			require.NoError(t, err)
			in.Previous[5] = res.Output
			continue
		}
		impl := impls[phase]
		require.NoError(t, impl.ValidateInputs(in))
		out := impl.Fallback(in)
		impl.CompleteDefaults(out)
		require.NoError(t, impl.ValidateOutput(out), "phase %d fallback must validate", phase)
		in.Previous[phase] = out
	}
	return in
}

// ────────────────────────────────────────────────────────────
// Phase 1
// ────────────────────────────────────────────────────────────

func TestConceptValidateInputs(t *testing.T) {
	p := &ConceptPhase{}
	assert.Error(t, p.ValidateInputs(&agent.Input{InputText: ""}))
	assert.Error(t, p.ValidateInputs(&agent.Input{InputText: "hi"}))
	assert.NoError(t, p.ValidateInputs(&agent.Input{InputText: sampleInput}))
}

func TestConceptFallbackIsValid(t *testing.T) {
	in := chainInput(t, 1)
	p := &ConceptPhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)

	c := out.Concept
	require.NotNil(t, c)
	assert.GreaterOrEqual(t, len(c.Scenes), 3)
	assert.LessOrEqual(t, len(c.Scenes), 12)
	for _, s := range c.Scenes {
		assert.GreaterOrEqual(t, s.EmotionalIntensity, 1)
		assert.LessOrEqual(t, s.EmotionalIntensity, 10)
		assert.NotEmpty(t, s.Importance)
	}
	assert.NoError(t, p.ValidateOutput(out))
	// Keyword classifier: "magic", "dragon", "kingdom" all point at fantasy.
	in2 := *in
	in2.Params.PrimaryGenre = ""
	assert.Equal(t, "fantasy", p.Fallback(&in2).Concept.Genre)
}

func TestConceptParseRejectsSceneCountOutOfBounds(t *testing.T) {
	p := &ConceptPhase{}
	_, err := p.Parse(json.RawMessage(`{"genre":"fantasy","themes":["x"],"world_setting":"w","scenes":[]}`))
	assert.Error(t, err)
}

func TestConceptFallbackExtractsCharacters(t *testing.T) {
	out := (&ConceptPhase{}).Fallback(chainInput(t, 1))
	names := make(map[string]bool)
	for _, c := range out.Concept.Characters {
		names[c.Name] = true
	}
	assert.True(t, names["Kaito"], "capitalized name should be extracted")
	assert.True(t, names["Ren"])
}

// ────────────────────────────────────────────────────────────
// Phase 2
// ────────────────────────────────────────────────────────────

func TestCharacterRequiresConcept(t *testing.T) {
	err := (&CharacterPhase{}).ValidateInputs(&agent.Input{InputText: sampleInput})
	assert.Error(t, err)
}

func TestCharacterFallbackCoversPhaseOneCast(t *testing.T) {
	in := chainInput(t, 2)
	p := &CharacterPhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)
	require.NoError(t, p.ValidateOutput(out))

	arcNames := make(map[string]bool)
	for _, a := range out.Characters.Arcs {
		arcNames[a.Name] = true
	}
	for _, sketch := range in.Prior(1).Concept.Characters {
		assert.True(t, arcNames[sketch.Name], "arc missing for %s", sketch.Name)
	}
	m := p.Metrics(in, out, false)
	assert.InDelta(t, 1.0, m["characterConsistency"], 1e-9)
}

// ────────────────────────────────────────────────────────────
// Phase 3
// ────────────────────────────────────────────────────────────

func TestNarrativeParseRejectsDeprecatedAlias(t *testing.T) {
	p := &NarrativePhase{}
	raw := json.RawMessage(`{"acts":[{"number":1}],"page_allocation":[{"page":1,"scene_number":1}],
		"scene_breakdown":[{"number":1,"description":"d","emotional_intensity":5,"importance":"high"}]}`)
	_, err := p.Parse(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene_breakdown")
}

func TestNarrativeValidateOutputRejectsAlias(t *testing.T) {
	in := chainInput(t, 3)
	p := &NarrativePhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)
	require.NoError(t, p.ValidateOutput(out))

	out.Narrative.SceneBreakdown = out.Narrative.Scenes
	assert.Error(t, p.ValidateOutput(out))
}

func TestNarrativeFallbackAllocatesEveryScene(t *testing.T) {
	in := chainInput(t, 3)
	p := &NarrativePhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)

	allocated := make(map[int]bool)
	for _, a := range out.Narrative.PageAllocation {
		allocated[a.SceneNumber] = true
	}
	for _, s := range out.Narrative.Scenes {
		assert.True(t, allocated[s.Number], "scene %d unallocated", s.Number)
	}
	assert.Len(t, out.Narrative.Acts, 3)
}

// ────────────────────────────────────────────────────────────
// Phase 4
// ────────────────────────────────────────────────────────────

func TestComputeReadingOrderMangaConvention(t *testing.T) {
	panels := []models.Panel{
		{ID: "left-top", X: 0.0, Y: 0.0},
		{ID: "right-top", X: 0.5, Y: 0.0},
		{ID: "right-bottom", X: 0.5, Y: 0.5},
		{ID: "left-bottom", X: 0.0, Y: 0.5},
	}
	order := ComputeReadingOrder(panels)
	assert.Equal(t, []string{"right-top", "left-top", "right-bottom", "left-bottom"}, order)
}

func TestComputeReadingOrderStable(t *testing.T) {
	panels := []models.Panel{
		{ID: "a", X: 0.2, Y: 0.3},
		{ID: "b", X: 0.2, Y: 0.3},
		{ID: "c", X: 0.2, Y: 0.3},
	}
	assert.Equal(t, []string{"a", "b", "c"}, ComputeReadingOrder(panels))
}

func TestCountOverlaps(t *testing.T) {
	panels := []models.Panel{
		{ID: "a", X: 0, Y: 0, Width: 0.5, Height: 0.5},
		{ID: "b", X: 0.5, Y: 0, Width: 0.5, Height: 0.5}, // touches, no overlap
		{ID: "c", X: 0.4, Y: 0.4, Width: 0.3, Height: 0.3},
	}
	assert.Equal(t, 2, CountOverlaps(panels)) // c overlaps both a and b
}

func TestLayoutFallbackIsValid(t *testing.T) {
	in := chainInput(t, 4)
	p := &LayoutPhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)
	require.NoError(t, p.ValidateOutput(out))

	for _, page := range out.Layout.Pages {
		require.NotEmpty(t, page.Panels)
		assert.Len(t, page.ReadingOrder, len(page.Panels))
		for _, panel := range page.Panels {
			assert.GreaterOrEqual(t, panel.X, 0.0)
			assert.LessOrEqual(t, panel.X+panel.Width, 1.0+1e-9)
			assert.Greater(t, panel.Height, 0.0)
			assert.NotEmpty(t, panel.Description)
		}
	}
}

func TestLayoutCompleteDefaultsRecomputesReadingOrder(t *testing.T) {
	p := &LayoutPhase{}
	out := &models.PhaseOutput{Layout: &models.PanelLayout{Pages: []models.PageLayout{{
		PageNumber: 1,
		Panels: []models.Panel{
			{ID: "low", X: 0.0, Y: 0.6, Width: 0.5, Height: 0.4},
			{ID: "high", X: 0.0, Y: 0.0, Width: 0.5, Height: 0.4},
		},
		ReadingOrder: []string{"low", "high"}, // model-provided, wrong
	}}}}
	p.CompleteDefaults(out)
	assert.Equal(t, []string{"high", "low"}, out.Layout.Pages[0].ReadingOrder)
}

// ────────────────────────────────────────────────────────────
// Phase 5
// ────────────────────────────────────────────────────────────

func TestImagingBuildTasksOnePerPanel(t *testing.T) {
	in := chainInput(t, 5)
	a := NewImagingAgent(fanout.NewEngine(&gateway.StubGateway{}, time.Millisecond, discardLogger()), discardLogger())

	tasks := a.BuildTasks(in)
	panels := 0
	for _, page := range in.Prior(4).Layout.Pages {
		panels += len(page.Panels)
	}
	require.Len(t, tasks, panels)
	for _, task := range tasks {
		assert.NotEmpty(t, task.Prompt)
		assert.Equal(t, imageMaxRetries, task.MaxRetries)
		assert.NotEmpty(t, task.StyleParameters["art_style"])
	}
}

func TestImagingExecuteSuccess(t *testing.T) {
	in := chainInput(t, 5)
	a := NewImagingAgent(fanout.NewEngine(&gateway.StubGateway{}, time.Millisecond, discardLogger()), discardLogger())

	res, err := a.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.AIAssisted)
	require.NotNil(t, res.Output.Images)
	assert.InDelta(t, 1.0, res.Metrics["imageSuccessRate"], 1e-9)
}

func TestImagingFallbackDeterministic(t *testing.T) {
	in := chainInput(t, 5)
	a := NewImagingAgent(fanout.NewEngine(&gateway.StubGateway{}, time.Millisecond, discardLogger()), discardLogger())

	first, err := a.ExecuteFallback(in)
	require.NoError(t, err)
	second, err := a.ExecuteFallback(in)
	require.NoError(t, err)

	require.Len(t, second.Output.Images.Results, len(first.Output.Images.Results))
	for i := range first.Output.Images.Results {
		assert.Equal(t, first.Output.Images.Results[i].ImageURL, second.Output.Images.Results[i].ImageURL)
	}
	assert.False(t, first.AIAssisted)
}

// ────────────────────────────────────────────────────────────
// Phase 6
// ────────────────────────────────────────────────────────────

func TestDialogueFailsFastOnDeprecatedAliasUpstream(t *testing.T) {
	in := chainInput(t, 6)
	n := in.Previous[3].Narrative
	n.SceneBreakdown = n.Scenes
	n.Scenes = nil

	err := (&DialoguePhase{}).ValidateInputs(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene_breakdown")
}

func TestDialogueFallbackAnchorsToRealPanels(t *testing.T) {
	in := chainInput(t, 6)
	p := &DialoguePhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)
	require.NoError(t, p.ValidateOutput(out))

	panelIDs := make(map[string]bool)
	for _, page := range in.Prior(4).Layout.Pages {
		for _, panel := range page.Panels {
			panelIDs[panel.ID] = true
		}
	}
	require.NotEmpty(t, out.Dialogue.Lines)
	for _, line := range out.Dialogue.Lines {
		assert.True(t, panelIDs[line.PanelID], "line anchored to unknown panel %s", line.PanelID)
		assert.GreaterOrEqual(t, line.AnchorX, 0.0)
		assert.LessOrEqual(t, line.AnchorX, 1.0)
		assert.NotEmpty(t, line.BubbleStyle)
	}

	m := p.Metrics(in, out, false)
	assert.InDelta(t, 1.0, m["bubblePlacement"], 1e-9)
}

func TestNarrationTruncatesOnRunes(t *testing.T) {
	long := strings.Repeat("竜と騎士が霧の城で対峙する。", 12) // well past 90 runes
	got := narrationFor(models.SceneBeat{Description: long}, 1)

	assert.True(t, utf8.ValidString(got), "truncation split a rune")
	runes := []rune(got)
	require.Equal(t, 91, len(runes))
	assert.Equal(t, '…', runes[90])
	assert.Equal(t, string([]rune(long)[:90]), string(runes[:90]))

	short := "城門にて。"
	assert.Equal(t, short, narrationFor(models.SceneBeat{Description: short}, 2))
	assert.Equal(t, "Page 3.", narrationFor(models.SceneBeat{}, 3))
}

// ────────────────────────────────────────────────────────────
// Phase 7
// ────────────────────────────────────────────────────────────

func TestCompileManifestAndRollup(t *testing.T) {
	in := chainInput(t, 7)
	in.PriorScores = map[int]float64{1: 0.8, 2: 0.6, 3: 0.7, 4: 0.9, 5: 0.5, 6: 0.7}

	p := &CompilePhase{}
	out := p.Fallback(in)
	p.CompleteDefaults(out)
	p.FinalizeWithInput(in, out)
	require.NoError(t, p.ValidateOutput(out))

	c := out.Compilation
	layout := in.Prior(4).Layout
	assert.Equal(t, len(layout.Pages), c.Manifest.PageCount)
	assert.Equal(t, len(in.Prior(6).Dialogue.Lines), c.Manifest.DialogueCount)
	assert.Greater(t, c.Manifest.PanelCount, 0)
	assert.InDelta(t, (0.8+0.6+0.7+0.9+0.5+0.7)/6, c.OverallScore, 1e-9)
	assert.Len(t, c.PhaseScores, 6)
}

// ────────────────────────────────────────────────────────────
// Full chain through the shared execution skeleton
// ────────────────────────────────────────────────────────────

func TestAllPhasesCompleteViaFallbackChain(t *testing.T) {
	// A gateway that always fails forces every text phase onto its fallback
	// path; the whole pipeline must still produce valid output end to end.
	failing := &gateway.StubGateway{
		TextFunc: func(ctx context.Context, prompt string, cfg models.ModelConfig) (*gateway.TextResponse, error) {
			return &gateway.TextResponse{Content: "not json at all"}, nil
		},
	}
	agents := NewAll(failing, time.Millisecond, discardLogger())

	in := &agent.Input{
		SessionID: "sess-chain",
		InputText: sampleInput,
		Params:    models.DefaultGenerationParameters(),
		Previous:  map[int]*models.PhaseOutput{},
	}
	for phase := 1; phase <= 7; phase++ {
		res, err := agents[phase].Execute(context.Background(), in)
		require.NoError(t, err, "phase %d", phase)
		if phase != 5 {
			assert.False(t, res.AIAssisted, "phase %d should have fallen back", phase)
		}
		require.Equal(t, phase, res.Output.Phase())
		assert.NotEmpty(t, res.Metrics)
		in.Previous[phase] = res.Output
	}
}
