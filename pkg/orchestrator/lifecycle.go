package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/events"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

type gateDecision int

const (
	gateAdvance gateDecision = iota
	gateReplay
	gatePaused
	gateCancelled
	gateFailed
)

// finalizeTimeout bounds the persistence writes performed after the run
// context is already cancelled.
const finalizeTimeout = 10 * time.Second

// gate applies the HITL policy after a completed phase. Critical phases (4
// and 5) always gate when HITL is enabled; other phases gate only below the
// quality threshold. The driver suspends here until feedback, pause, or
// cancellation arrives.
func (o *Orchestrator) gate(ctx context.Context, ctl *sessionControl, session *models.Session,
	p int, pr *models.PhaseResult, res *agent.Result) (gateDecision, map[string]any, error) {

	if !session.HITLEnabled {
		return gateAdvance, nil, nil
	}
	score := pr.QualityScore.Overall
	reason := ""
	switch {
	case score < session.Params.QualityThreshold:
		reason = "below_threshold"
	case criticalPhases[p]:
		reason = "critical_phase"
	default:
		return gateAdvance, nil, nil
	}

	session.Status = models.SessionStatusWaitingFeedback
	if err := o.store.Sessions.Update(ctx, session); err != nil {
		return gateFailed, nil, err
	}
	o.metrics.FeedbackPending.Inc()
	defer o.metrics.FeedbackPending.Dec()
	o.bus.Publish(events.Event{
		Type: events.TypeFeedbackRequested, SessionID: session.ID,
		Payload: events.FeedbackRequested{Phase: p, Preview: res.Preview, QualityScore: score, Reason: reason},
	})
	o.logger.Info("awaiting feedback", "session_id", session.ID, "phase", p, "reason", reason, "score", score)

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, errSessionCancelled) {
				return gateCancelled, nil, o.cancelSession(ctx, session, nil)
			}
			return gateCancelled, nil, cause
		case <-ctl.pause:
			return gatePaused, nil, o.pauseSession(ctx, session)
		case fb := <-ctl.feedback:
			if fb.Phase != p {
				o.logger.Warn("feedback for wrong phase ignored", "session_id", session.ID, "got", fb.Phase, "want", p)
				continue
			}
			if fb.Approved {
				session.Status = models.SessionStatusProcessing
				if p < models.TotalPhases {
					session.CurrentPhase = p + 1
				}
				if err := o.store.Sessions.Update(ctx, session); err != nil {
					return gateFailed, nil, err
				}
				return gateAdvance, nil, nil
			}
			if pr.RetryCount >= o.cfg.MaxPhaseRetries {
				err := o.failSession(ctx, session, fmt.Errorf("phase %d rejected with its retry budget of %d spent", p, pr.RetryCount))
				return gateFailed, nil, err
			}
			session.RetryCount++
			session.Status = models.SessionStatusProcessing
			if err := o.store.Sessions.Update(ctx, session); err != nil {
				return gateFailed, nil, err
			}
			return gateReplay, fb.Payload, nil
		}
	}
}

func marshalContent(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func contentTypeFor(phase int) models.ContentType {
	switch phase {
	case 4:
		return models.ContentTypeLayout
	case 5:
		return models.ContentTypeImage
	case 6:
		return models.ContentTypeDialogue
	default:
		return models.ContentTypeText
	}
}

func (o *Orchestrator) generatedBy(session *models.Session, p int, aiAssisted bool) string {
	if !aiAssisted {
		return "fallback"
	}
	if id := session.Params.ModelFor(p).ModelID; id != "" {
		return id
	}
	return "model"
}

// persistContent writes the content-addressed artifact rows for a completed
// phase. Phase 5 gets one row per successful image; every other phase gets
// one row for the whole output. Failures are logged, not fatal: the
// PhaseResult row is the source of truth for resumption.
func (o *Orchestrator) persistContent(ctx context.Context, session *models.Session, p int, res *agent.Result) {
	rows, err := o.contentRows(session, p, res)
	if err != nil {
		o.logger.Warn("content rows not built", "session_id", session.ID, "phase", p, "error", err)
		return
	}
	for i := range rows {
		if _, err := o.store.Content.Save(ctx, &rows[i]); err != nil {
			o.logger.Warn("content row not persisted", "session_id", session.ID, "phase", p, "error", err)
		}
	}
}

func (o *Orchestrator) contentRows(session *models.Session, p int, res *agent.Result) ([]models.GeneratedContent, error) {
	now := o.now().UTC()
	by := o.generatedBy(session, p, res.AIAssisted)

	if p == 5 && res.Output.Images != nil {
		var rows []models.GeneratedContent
		for _, r := range res.Output.Images.Results {
			if !r.Success {
				continue
			}
			row, err := o.imageRow(session, &r, by, now)
			if err != nil {
				return nil, err
			}
			rows = append(rows, *row)
		}
		return rows, nil
	}

	hash, err := models.HashContent(res.Output.Inner())
	if err != nil {
		return nil, err
	}
	data, err := marshalContent(res.Output.Inner())
	if err != nil {
		return nil, err
	}
	return []models.GeneratedContent{{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		PhaseNumber: p,
		ContentType: contentTypeFor(p),
		ContentHash: hash,
		Data:        data,
		Status:      models.ContentStatusGenerated,
		GeneratedBy: by,
		CreatedAt:   now,
	}}, nil
}

func (o *Orchestrator) imageRow(session *models.Session, r *models.ImageGenerationResult, by string, now time.Time) (*models.GeneratedContent, error) {
	hash, err := models.HashContent(r)
	if err != nil {
		return nil, err
	}
	data, err := marshalContent(r)
	if err != nil {
		return nil, err
	}
	return &models.GeneratedContent{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		PhaseNumber:  5,
		ContentType:  models.ContentTypeImage,
		ContentHash:  hash,
		Data:         data,
		Status:       models.ContentStatusGenerated,
		QualityScore: r.QualityScore,
		GeneratedBy:  by,
		CreatedAt:    now,
	}, nil
}

// recordImageStats counts per-task fan-out outcomes from a completed phase-5
// result.
func (o *Orchestrator) recordImageStats(res *agent.Result) {
	if res == nil || res.Output == nil || res.Output.Images == nil {
		return
	}
	for _, r := range res.Output.Images.Results {
		switch {
		case r.CacheHit:
			o.metrics.ImageCacheHits.Inc()
			o.metrics.ImageTasksTotal.WithLabelValues("cached").Inc()
		case r.Success:
			o.metrics.ImageTasksTotal.WithLabelValues("success").Inc()
		default:
			o.metrics.ImageTasksTotal.WithLabelValues("failed").Inc()
		}
	}
}

// persistPartial saves the successful image results produced before a
// mid-fan-out cancellation, so they are not regenerated on retry.
func (o *Orchestrator) persistPartial(session *models.Session, p int, res *agent.Result) {
	if p != 5 || res == nil || res.Output == nil || res.Output.Images == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), finalizeTimeout)
	defer cancel()
	by := o.generatedBy(session, p, res.AIAssisted)
	now := o.now().UTC()
	for _, r := range res.Output.Images.Results {
		if !r.Success {
			continue
		}
		row, err := o.imageRow(session, &r, by, now)
		if err != nil {
			continue
		}
		if _, err := o.store.Content.Save(ctx, row); err != nil {
			o.logger.Warn("partial image not persisted", "session_id", session.ID, "panel_id", r.PanelID, "error", err)
		}
	}
}

func (o *Orchestrator) failPhase(ctx context.Context, session *models.Session, pr *models.PhaseResult, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	msg := cause.Error()
	if pr != nil {
		now := o.now().UTC()
		pr.Status = models.PhaseStatusFailed
		pr.ErrorMessage = &msg
		pr.CompletedAt = &now
		if err := o.store.Phases.Save(fctx, pr); err != nil {
			o.logger.Error("failed phase result not persisted", "session_id", session.ID, "error", err)
		}
		name := ""
		if exec := o.agents[pr.PhaseNumber]; exec != nil {
			name = exec.Name()
		}
		o.bus.Publish(events.Event{
			Type: events.TypePhaseFailed, SessionID: session.ID,
			Payload: events.PhaseFailed{Phase: pr.PhaseNumber, Name: name, Error: msg, Kind: string(agent.KindOf(cause))},
		})
	}
	return o.failSession(fctx, session, cause)
}

func (o *Orchestrator) failSession(ctx context.Context, session *models.Session, cause error) error {
	msg := cause.Error()
	now := o.now().UTC()
	session.Status = models.SessionStatusFailed
	session.ErrorMessage = &msg
	session.CompletedAt = &now
	if err := o.store.Sessions.Update(ctx, session); err != nil {
		return errors.Join(cause, err)
	}
	o.metrics.SessionFinished("failed")
	o.bus.Publish(events.Event{
		Type: events.TypeSessionFailed, SessionID: session.ID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusFailed, Reason: msg},
	})
	o.logger.Error("session failed", "session_id", session.ID, "error", cause)
	return cause
}

// cancelSession marks the session cancelled and, when an in-flight phase
// result exists, records it as failed with a cancellation message. Outputs of
// the interrupted phase are discarded.
func (o *Orchestrator) cancelSession(ctx context.Context, session *models.Session, pr *models.PhaseResult) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if pr != nil && pr.Status == models.PhaseStatusRunning {
		now := o.now().UTC()
		msg := "cancelled"
		pr.Status = models.PhaseStatusFailed
		pr.ErrorMessage = &msg
		pr.CompletedAt = &now
		if err := o.store.Phases.Save(fctx, pr); err != nil {
			o.logger.Error("cancelled phase result not persisted", "session_id", session.ID, "error", err)
		}
	}

	// CompletedAt stays unset: the session never finished. The retention
	// sweep keys cancelled sessions off updated_at instead.
	session.Status = models.SessionStatusCancelled
	if err := o.store.Sessions.Update(fctx, session); err != nil {
		return err
	}
	o.metrics.SessionFinished("cancelled")
	o.bus.Publish(events.Event{
		Type: events.TypeSessionCancelled, SessionID: session.ID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusCancelled},
	})
	o.logger.Info("session cancelled", "session_id", session.ID)
	return nil
}

func (o *Orchestrator) completeSession(ctx context.Context, session *models.Session) error {
	now := o.now().UTC()
	session.Status = models.SessionStatusCompleted
	session.CurrentPhase = models.TotalPhases
	session.CompletedAt = &now
	if err := o.store.Sessions.Update(ctx, session); err != nil {
		return err
	}
	o.metrics.SessionFinished("completed")
	o.bus.Publish(events.Event{
		Type: events.TypeSessionCompleted, SessionID: session.ID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusCompleted},
	})
	o.logger.Info("session completed", "session_id", session.ID)
	return nil
}

func (o *Orchestrator) pauseSession(ctx context.Context, session *models.Session) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	session.Status = models.SessionStatusPaused
	if err := o.store.Sessions.Update(fctx, session); err != nil {
		return err
	}
	o.bus.Publish(events.Event{
		Type: events.TypeSessionPaused, SessionID: session.ID,
		Payload: events.SessionStatusChanged{Status: models.SessionStatusPaused},
	})
	o.logger.Info("session paused", "session_id", session.ID, "phase", session.CurrentPhase)
	return nil
}

// finalizeInterrupted handles a cancelled run context at a phase boundary.
// User-initiated cancellation marks the session cancelled; process shutdown
// leaves it in processing for the stale-session reaper to requeue.
func (o *Orchestrator) finalizeInterrupted(ctx context.Context, session *models.Session, cause error) error {
	if errors.Is(cause, errSessionCancelled) {
		return o.cancelSession(ctx, session, nil)
	}
	return cause
}

func (o *Orchestrator) pauseRequested(ctl *sessionControl) bool {
	select {
	case <-ctl.pause:
		return true
	default:
		return false
	}
}
