package agent

import (
	"context"
	"encoding/json"

	"github.com/storyforge-ai/storyforge/pkg/gateway"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// Input carries everything a phase agent needs to run: the original user
// concept, the session parameters, outputs of completed upstream phases keyed
// by phase number, and optional reviewer feedback from a rejected gate.
type Input struct {
	SessionID string
	InputText string
	Params    models.GenerationParameters
	Previous  map[int]*models.PhaseOutput
	// PriorScores maps completed phases to their overall quality score; the
	// compilation phase folds them into the final roll-up.
	PriorScores map[int]float64
	Feedback    map[string]any
}

// Prior returns the output of an upstream phase, or nil when absent.
func (in *Input) Prior(phase int) *models.PhaseOutput {
	if in.Previous == nil {
		return nil
	}
	return in.Previous[phase]
}

// Result is the successful outcome of a phase execution.
type Result struct {
	Output     *models.PhaseOutput
	Preview    string
	AIAssisted bool
	Metrics    map[string]float64
	Tokens     gateway.TokenUsage
}

// Executor is the polymorphic surface the orchestrator drives. PhaseAgent
// satisfies it for the text phases; the imaging phase implements it directly
// around the fan-out engine.
type Executor interface {
	Phase() int
	Name() string
	Execute(ctx context.Context, in *Input) (*Result, error)
	ExecuteFallback(in *Input) (*Result, error)
}

// Phase is the per-phase strategy implemented by the seven pipeline agents.
// PhaseAgent drives the shared execution skeleton; implementations supply the
// phase-specific prompt, parsing, fallback synthesis, and validation.
type Phase interface {
	// PhaseNumber is the 1-based pipeline position.
	PhaseNumber() int
	// Name is the short machine name, e.g. "concept_analysis".
	Name() string
	// ValidateInputs checks the dependency matrix and input well-formedness.
	ValidateInputs(in *Input) error
	// BuildPrompt renders the model prompt for this phase.
	BuildPrompt(in *Input) string
	// Parse converts extracted model JSON into the typed phase output and
	// applies phase-specific post-checks. A Parse error routes execution to
	// the fallback path, never to the orchestrator.
	Parse(raw json.RawMessage) (*models.PhaseOutput, error)
	// Fallback deterministically synthesizes a valid output from the inputs.
	Fallback(in *Input) *models.PhaseOutput
	// CompleteDefaults fills optional fields the model or fallback left empty.
	CompleteDefaults(out *models.PhaseOutput)
	// ValidateOutput enforces the phase's structural invariants.
	ValidateOutput(out *models.PhaseOutput) error
	// Preview renders a short human-readable summary for HITL review.
	Preview(out *models.PhaseOutput) string
	// Metrics produces the raw quality metrics fed to the assessor.
	Metrics(in *Input, out *models.PhaseOutput, aiAssisted bool) map[string]float64
}
