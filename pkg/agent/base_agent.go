package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/storyforge-ai/storyforge/pkg/gateway"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// PhaseAgent is the shared execution skeleton wrapped around each Phase
// implementation. It owns the model call, lenient JSON extraction, structural
// validation, and the internal fallback path taken when the model response
// cannot be parsed or validated.
type PhaseAgent struct {
	impl     Phase
	gw       gateway.ModelGateway
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewPhaseAgent wires a Phase implementation to a model gateway.
func NewPhaseAgent(impl Phase, gw gateway.ModelGateway, logger *slog.Logger) *PhaseAgent {
	return &PhaseAgent{
		impl:     impl,
		gw:       gw,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("agent", impl.Name(), "phase", impl.PhaseNumber()),
		now:      time.Now,
	}
}

// Phase returns the wrapped implementation's phase number.
func (a *PhaseAgent) Phase() int { return a.impl.PhaseNumber() }

// Name returns the wrapped implementation's name.
func (a *PhaseAgent) Name() string { return a.impl.Name() }

// Execute runs the model-assisted path. Transport failures surface as
// backend_transient errors so the orchestrator can retry with backoff; parse
// and validation failures fall through to the deterministic fallback when
// enabled. Input validation errors and invalid fallback output are fatal.
func (a *PhaseAgent) Execute(ctx context.Context, in *Input) (*Result, error) {
	phase := a.impl.PhaseNumber()

	if err := a.impl.ValidateInputs(in); err != nil {
		return nil, NewPhaseError(ErrKindInputValidation, phase, err)
	}

	prompt := a.impl.BuildPrompt(in)
	resp, err := a.gw.GenerateText(ctx, prompt, in.Params.ModelFor(phase))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, NewPhaseError(ErrKindCancelled, phase, err)
		}
		return nil, NewPhaseError(ErrKindBackendTransient, phase, err)
	}

	out, perr := a.parseAndValidate(in, resp.Content)
	if perr != nil {
		a.logger.Warn("model output rejected, taking fallback path", "error", perr)
		res, ferr := a.ExecuteFallback(in)
		if ferr != nil {
			return nil, ferr
		}
		res.Tokens = resp.Tokens
		return res, nil
	}

	a.applyFeedbackMeta(out, in)
	return &Result{
		Output:     out,
		Preview:    a.impl.Preview(out),
		AIAssisted: true,
		Metrics:    a.impl.Metrics(in, out, true),
		Tokens:     resp.Tokens,
	}, nil
}

// ExecuteFallback synthesizes a deterministic output without a model call.
// The orchestrator invokes this directly after transient retries exhaust; the
// model path invokes it on parse failure. Invalid fallback output is fatal.
func (a *PhaseAgent) ExecuteFallback(in *Input) (*Result, error) {
	phase := a.impl.PhaseNumber()
	if !in.Params.FallbackEnabled {
		return nil, NewPhaseError(ErrKindFallbackInvalid, phase,
			fmt.Errorf("fallback disabled for session"))
	}

	out := a.impl.Fallback(in)
	a.impl.CompleteDefaults(out)
	finalizeWithInput(a.impl, in, out)
	if err := a.validateOutput(out); err != nil {
		return nil, NewPhaseError(ErrKindFallbackInvalid, phase, err)
	}

	a.applyFeedbackMeta(out, in)
	a.logger.Info("fallback output generated")
	return &Result{
		Output:     out,
		Preview:    a.impl.Preview(out),
		AIAssisted: false,
		Metrics:    a.impl.Metrics(in, out, false),
	}, nil
}

func (a *PhaseAgent) parseAndValidate(in *Input, content string) (*models.PhaseOutput, error) {
	raw, err := ExtractJSON(content)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	out, err := a.impl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	a.impl.CompleteDefaults(out)
	finalizeWithInput(a.impl, in, out)
	if err := a.validateOutput(out); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return out, nil
}

// inputFinalizer lets a phase derive output fields from the full input after
// defaults are applied. The compilation phase uses it to rebuild its
// manifest and quality roll-up.
type inputFinalizer interface {
	FinalizeWithInput(in *Input, out *models.PhaseOutput)
}

func finalizeWithInput(impl Phase, in *Input, out *models.PhaseOutput) {
	if f, ok := impl.(inputFinalizer); ok {
		f.FinalizeWithInput(in, out)
	}
}

func (a *PhaseAgent) validateOutput(out *models.PhaseOutput) error {
	inner := out.Inner()
	if inner == nil {
		return fmt.Errorf("output carries no payload for phase %d", a.impl.PhaseNumber())
	}
	if out.Phase() != a.impl.PhaseNumber() {
		return fmt.Errorf("output payload belongs to phase %d", out.Phase())
	}
	if err := a.validate.Struct(inner); err != nil {
		return err
	}
	return a.impl.ValidateOutput(out)
}

func (a *PhaseAgent) applyFeedbackMeta(out *models.PhaseOutput, in *Input) {
	if len(in.Feedback) == 0 {
		return
	}
	now := a.now().UTC()
	out.Meta.FeedbackApplied = in.Feedback
	out.Meta.RevisedAt = &now
}
