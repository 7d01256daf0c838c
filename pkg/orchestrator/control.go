package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/storyforge-ai/storyforge/pkg/events"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// Input text bounds enforced at submission, matching the concept agent.
const (
	minInputChars = 10
	maxInputChars = 20000
)

// Operation errors surfaced to the API layer.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNoDriver          = errors.New("no driver is executing the session")
	ErrRetriesExhausted  = errors.New("session retry limit reached")
)

func (o *Orchestrator) register(sessionID string, cancel context.CancelCauseFunc) (*sessionControl, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.controls[sessionID]; ok {
		return nil, fmt.Errorf("session %s already has a driver", sessionID)
	}
	ctl := &sessionControl{
		cancel:   cancel,
		feedback: make(chan feedbackMessage, 1),
		pause:    make(chan struct{}, 1),
	}
	o.controls[sessionID] = ctl
	return ctl, nil
}

func (o *Orchestrator) unregister(sessionID string) {
	o.mu.Lock()
	delete(o.controls, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) control(sessionID string) *sessionControl {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.controls[sessionID]
}

// CreateSession validates the request and enqueues a new session. The driver
// is started later by the worker pool, not here.
func (o *Orchestrator) CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.Session, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if n := utf8.RuneCountInString(req.InputText); n < minInputChars || n > maxInputChars {
		return nil, fmt.Errorf("%w: input text must be between %d and %d characters, got %d",
			ErrInvalidRequest, minInputChars, maxInputChars, n)
	}

	params := models.DefaultGenerationParameters()
	if req.Params != nil {
		params = *req.Params
	}
	if err := o.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: invalid parameters: %v", ErrInvalidRequest, err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = deriveTitle(req.InputText)
	}

	now := o.now().UTC()
	session := &models.Session{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Title:       title,
		InputText:   req.InputText,
		Params:      params,
		Status:      models.SessionStatusQueued,
		HITLEnabled: params.EnableHITL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{
		Type: events.TypeSessionQueued, SessionID: session.ID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusQueued},
	})
	o.logger.Info("session created", "session_id", session.ID, "user_id", session.UserID, "hitl", session.HITLEnabled)
	return session, nil
}

func deriveTitle(input string) string {
	title := strings.TrimSpace(input)
	if i := strings.IndexAny(title, ".!?\n"); i > 0 {
		title = title[:i]
	}
	if utf8.RuneCountInString(title) > 60 {
		runes := []rune(title)
		title = string(runes[:60])
	}
	return title
}

// Pause requests suspension at the next phase boundary. The transition to
// paused happens when the driver observes the request, never mid-phase.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	switch session.Status {
	case models.SessionStatusProcessing, models.SessionStatusWaitingFeedback:
	default:
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, session.Status)
	}
	ctl := o.control(sessionID)
	if ctl == nil {
		return ErrNoDriver
	}
	select {
	case ctl.pause <- struct{}{}:
	default: // pause already requested
	}
	return nil
}

// Resume requeues a paused session. The worker pool picks it up and the
// driver rehydrates from persisted phase results, so current phase and retry
// count survive the pause round trip.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusPaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, session.Status)
	}
	if err := o.store.Sessions.UpdateStatus(ctx, sessionID, models.SessionStatusQueued, nil); err != nil {
		return err
	}
	o.bus.Publish(events.Event{
		Type: events.TypeSessionResumed, SessionID: sessionID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusQueued},
	})
	o.logger.Info("session resumed", "session_id", sessionID, "phase", session.CurrentPhase)
	return nil
}

// Cancel stops a session. A running driver is interrupted through its
// context; a queued or paused session is finalized directly.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, session.Status)
	}
	if ctl := o.control(sessionID); ctl != nil {
		ctl.cancel(errSessionCancelled)
		return nil
	}
	return o.cancelSession(ctx, session, nil)
}

// SubmitFeedback delivers an HITL decision to the suspended driver.
// Approval advances the pipeline; rejection replays the gated phase with the
// feedback payload injected into the agent input.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, sessionID string, req *models.SubmitFeedbackRequest) error {
	if err := o.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusWaitingFeedback {
		return fmt.Errorf("%w: session is %s, not waiting for feedback", ErrInvalidTransition, session.Status)
	}
	if req.PhaseNumber != session.CurrentPhase {
		return fmt.Errorf("%w: feedback targets phase %d but session is at phase %d",
			ErrInvalidRequest, req.PhaseNumber, session.CurrentPhase)
	}
	ctl := o.control(sessionID)
	if ctl == nil {
		return ErrNoDriver
	}
	select {
	case ctl.feedback <- feedbackMessage{Phase: req.PhaseNumber, Approved: req.Approved, Payload: req.Payload}:
		return nil
	default:
		return fmt.Errorf("%w: feedback already pending", ErrInvalidTransition)
	}
}

// Retry requeues a failed session. Completed phases are not re-executed; the
// driver rehydrates and continues from the first non-completed phase.
func (o *Orchestrator) Retry(ctx context.Context, sessionID string) error {
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusFailed {
		return fmt.Errorf("%w: cannot retry from %s", ErrInvalidTransition, session.Status)
	}
	if session.RetryCount >= o.cfg.MaxSessionRetries {
		return fmt.Errorf("%w: %d attempts used", ErrRetriesExhausted, session.RetryCount)
	}
	session.RetryCount++
	session.Status = models.SessionStatusQueued
	session.ErrorMessage = nil
	session.CompletedAt = nil
	if err := o.store.Sessions.Update(ctx, session); err != nil {
		return err
	}
	o.bus.Publish(events.Event{
		Type: events.TypeSessionQueued, SessionID: sessionID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusQueued, Reason: "retry"},
	})
	o.logger.Info("session requeued for retry", "session_id", sessionID, "retry_count", session.RetryCount)
	return nil
}

// GetProgress assembles the read-only snapshot served by the API.
func (o *Orchestrator) GetProgress(ctx context.Context, sessionID string) (*models.ProgressSnapshot, error) {
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	results, err := o.store.Phases.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snapshot := &models.ProgressSnapshot{
		SessionID:    session.ID,
		Status:       session.Status,
		CurrentPhase: session.CurrentPhase,
		RetryCount:   session.RetryCount,
		ErrorMessage: session.ErrorMessage,
		UpdatedAt:    session.UpdatedAt,
	}

	var sum float64
	var scored int
	for _, r := range results {
		pp := models.PhaseProgress{
			PhaseNumber:  r.PhaseNumber,
			Status:       r.Status,
			RetryCount:   r.RetryCount,
			AIAssisted:   r.AIAssisted,
			ErrorMessage: r.ErrorMessage,
		}
		if r.Status == models.PhaseStatusCompleted && r.QualityScore != nil {
			score := r.QualityScore.Overall
			pp.QualityScore = &score
			sum += score
			scored++
		}
		snapshot.Phases = append(snapshot.Phases, pp)
	}
	if scored > 0 {
		overall := sum / float64(scored)
		snapshot.OverallQuality = &overall
	}
	return snapshot, nil
}
