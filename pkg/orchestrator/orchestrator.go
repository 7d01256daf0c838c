// Package orchestrator drives sessions through the seven-phase pipeline:
// dependency-checked sequential execution with timeouts, retry with
// exponential backoff, deterministic fallback, quality gating, HITL
// suspension, pause/cancel, and full persistence for resumability.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/cache"
	"github.com/storyforge-ai/storyforge/pkg/config"
	"github.com/storyforge-ai/storyforge/pkg/events"
	"github.com/storyforge-ai/storyforge/pkg/metrics"
	"github.com/storyforge-ai/storyforge/pkg/models"
	"github.com/storyforge-ai/storyforge/pkg/quality"
	"github.com/storyforge-ai/storyforge/pkg/store"
)

// Sentinel causes used with context.CancelCause.
var (
	errSessionCancelled = errors.New("session cancelled")
)

// criticalPhases are always HITL-gated when HITL is enabled.
var criticalPhases = map[int]bool{4: true, 5: true}

// SessionStore is the session persistence surface the orchestrator uses.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Update(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	UpdateStatus(ctx context.Context, id string, status models.SessionStatus, errorMessage *string) error
}

// PhaseStore persists per-phase execution records.
type PhaseStore interface {
	Save(ctx context.Context, p *models.PhaseResult) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.PhaseResult, error)
}

// ContentStore persists content-addressed artifacts.
type ContentStore interface {
	Save(ctx context.Context, c *models.GeneratedContent) (string, error)
}

// Stores groups the persistence dependencies.
type Stores struct {
	Sessions SessionStore
	Phases   PhaseStore
	Content  ContentStore
}

// StoresFrom adapts the PostgreSQL store.
func StoresFrom(st *store.Store) Stores {
	return Stores{Sessions: st.Sessions, Phases: st.Phases, Content: st.Content}
}

// Orchestrator owns session drivers. One driver goroutine runs one session
// at a time; the control registry lets the API surface reach into a running
// driver for feedback, pause, and cancel.
type Orchestrator struct {
	store    Stores
	cache    cache.Store
	cacheTTL time.Duration
	agents   map[int]agent.Executor
	assessor *quality.Assessor
	bus      events.Publisher
	metrics  *metrics.Metrics
	cfg      config.PipelineConfig
	validate *validator.Validate
	logger   *slog.Logger

	mu       sync.Mutex
	controls map[string]*sessionControl

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type feedbackMessage struct {
	Phase    int
	Approved bool
	Payload  map[string]any
}

// sessionControl is the driver-side mailbox for one running session.
type sessionControl struct {
	cancel   context.CancelCauseFunc
	feedback chan feedbackMessage
	pause    chan struct{}
}

// New assembles an orchestrator.
func New(st Stores, cacheStore cache.Store, cacheTTL time.Duration,
	agents map[int]agent.Executor, bus events.Publisher, m *metrics.Metrics,
	cfg config.PipelineConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		agents:   agents,
		assessor: quality.NewAssessor(),
		bus:      bus,
		metrics:  m,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "orchestrator"),
		controls: make(map[string]*sessionControl),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the session to a terminal or suspended-at-boundary state. It is
// idempotent: a session already completed is a no-op, and a partially
// completed session resumes from its first non-completed phase.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	session, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ctl, err := o.register(session.ID, cancel)
	if err != nil {
		return err
	}
	defer o.unregister(session.ID)

	o.metrics.ActiveSessions.Inc()
	defer o.metrics.ActiveSessions.Dec()

	return o.drive(runCtx, ctl, session)
}

func (o *Orchestrator) drive(ctx context.Context, ctl *sessionControl, session *models.Session) error {
	logger := o.logger.With("session_id", session.ID)

	previous, priorScores, byPhase, startPhase, err := o.rehydrate(ctx, session)
	if err != nil {
		return o.failSession(ctx, session, fmt.Errorf("rehydrate: %w", err))
	}

	if session.Status != models.SessionStatusProcessing {
		session.Status = models.SessionStatusProcessing
		if session.StartedAt == nil {
			now := o.now().UTC()
			session.StartedAt = &now
		}
	}
	if err := o.store.Sessions.Update(ctx, session); err != nil {
		return err
	}
	logger.Info("session driving", "start_phase", startPhase)

	// A session paused or interrupted while suspended on the HITL gate has
	// its gated phase completed but current_phase not yet advanced past it.
	// Re-enter the gate before continuing.
	var feedback map[string]any
	var replayBase int
	if p := session.CurrentPhase; session.HITLEnabled && p >= 1 && p < startPhase {
		pr := byPhase[p]
		if pr != nil && pr.QualityScore != nil {
			decision, fb, err := o.gate(ctx, ctl, session, p, pr, &agent.Result{Output: previous[p], AIAssisted: pr.AIAssisted})
			if err != nil {
				return err
			}
			switch decision {
			case gateReplay:
				startPhase = p
				feedback = fb
				replayBase = pr.RetryCount + 1
			case gatePaused, gateCancelled, gateFailed:
				return nil
			}
		}
	}

	if startPhase > models.TotalPhases {
		return o.completeSession(ctx, session)
	}

	for p := startPhase; p <= models.TotalPhases; {
		if o.pauseRequested(ctl) {
			return o.pauseSession(ctx, session)
		}
		if err := context.Cause(ctx); err != nil {
			return o.finalizeInterrupted(ctx, session, err)
		}

		session.CurrentPhase = p
		if err := o.store.Sessions.Update(ctx, session); err != nil {
			return err
		}

		pr, res, err := o.runPhase(ctx, session, p, previous, priorScores, feedback, replayBase)
		if err != nil {
			if errors.Is(err, errSessionCancelled) || agent.KindOf(err) == agent.ErrKindCancelled {
				return o.cancelSession(ctx, session, pr)
			}
			return o.failPhase(ctx, session, pr, err)
		}
		feedback = nil
		replayBase = 0
		previous[p] = res.Output
		priorScores[p] = pr.QualityScore.Overall

		decision, fb, err := o.gate(ctx, ctl, session, p, pr, res)
		if err != nil {
			return err
		}
		switch decision {
		case gateAdvance:
			p++
		case gateReplay:
			feedback = fb
			replayBase = pr.RetryCount + 1
		case gatePaused, gateCancelled:
			return nil
		case gateFailed:
			return nil
		}
	}

	return o.completeSession(ctx, session)
}

// rehydrate loads completed phase outputs so a resumed or retried session
// continues from its first non-completed phase.
func (o *Orchestrator) rehydrate(ctx context.Context, session *models.Session) (map[int]*models.PhaseOutput, map[int]float64, map[int]*models.PhaseResult, int, error) {
	previous := make(map[int]*models.PhaseOutput)
	priorScores := make(map[int]float64)

	results, err := o.store.Phases.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	byPhase := make(map[int]*models.PhaseResult, len(results))
	for _, r := range results {
		byPhase[r.PhaseNumber] = r
	}

	startPhase := 1
	for p := 1; p <= models.TotalPhases; p++ {
		r, ok := byPhase[p]
		if !ok || r.Status != models.PhaseStatusCompleted {
			break
		}
		out := r.Output
		if out == nil {
			// Column decode lost the output; the checkpoint cache may
			// still hold it.
			out, _ = cache.ReadCheckpoint(ctx, o.cache, session.ID, p)
			if out == nil {
				break
			}
		}
		previous[p] = out
		if r.QualityScore != nil {
			priorScores[p] = r.QualityScore.Overall
		}
		startPhase = p + 1
	}
	return previous, priorScores, byPhase, startPhase, nil
}

// runPhase executes one phase with timeout, transient retry, and fallback.
// base seeds the attempt counter: a feedback-rejection replay continues the
// rejected result's retry budget instead of starting a fresh one.
func (o *Orchestrator) runPhase(ctx context.Context, session *models.Session, p int,
	previous map[int]*models.PhaseOutput, priorScores map[int]float64,
	feedback map[string]any, base int) (*models.PhaseResult, *agent.Result, error) {

	logger := o.logger.With("session_id", session.ID, "phase", p)
	exec := o.agents[p]
	if exec == nil {
		return nil, nil, agent.NewPhaseError(agent.ErrKindInternal, p, errors.New("no agent registered"))
	}

	started := o.now().UTC()
	pr := &models.PhaseResult{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		PhaseNumber: p,
		Status:      models.PhaseStatusRunning,
		StartedAt:   &started,
	}
	if err := o.store.Phases.Save(ctx, pr); err != nil {
		return pr, nil, err
	}

	in := &agent.Input{
		SessionID:   session.ID,
		InputText:   session.InputText,
		Params:      session.Params,
		Previous:    previous,
		PriorScores: priorScores,
		Feedback:    feedback,
	}

	var res *agent.Result
	var lastErr error
	for attempt := base; attempt <= o.cfg.MaxPhaseRetries; attempt++ {
		pr.RetryCount = attempt
		o.bus.Publish(events.Event{
			Type: events.TypePhaseStarted, SessionID: session.ID,
			Payload: events.PhaseStarted{Phase: p, Name: exec.Name(), Attempt: attempt},
		})

		phaseCtx, cancelPhase := context.WithTimeout(ctx, session.Params.PhaseTimeout(p))
		res, lastErr = exec.Execute(phaseCtx, in)
		cancelPhase()
		if lastErr == nil {
			break
		}

		kind := agent.KindOf(lastErr)
		if kind == agent.ErrKindCancelled || context.Cause(ctx) != nil {
			o.persistPartial(session, p, res)
			return pr, nil, agent.NewPhaseError(agent.ErrKindCancelled, p, lastErr)
		}
		if kind != agent.ErrKindBackendTransient {
			return pr, nil, lastErr
		}

		if attempt == o.cfg.MaxPhaseRetries {
			logger.Warn("transient retries exhausted, invoking fallback", "error", lastErr)
			res, lastErr = exec.ExecuteFallback(in)
			break
		}
		backoff := o.cfg.RetryBackoffBase << attempt
		logger.Warn("phase attempt failed, backing off", "attempt", attempt, "backoff", backoff, "error", lastErr)
		if err := o.sleep(ctx, backoff); err != nil {
			return pr, nil, agent.NewPhaseError(agent.ErrKindCancelled, p, err)
		}
	}
	if lastErr != nil {
		return pr, nil, lastErr
	}

	score := o.assessor.Assess(p, res.Metrics)
	completed := o.now().UTC()
	duration := completed.Sub(started).Milliseconds()
	pr.Status = models.PhaseStatusCompleted
	pr.Output = res.Output
	pr.QualityScore = score
	pr.ProcessingDurationMillis = &duration
	pr.CompletedAt = &completed
	pr.AIAssisted = res.AIAssisted
	if err := o.store.Phases.Save(ctx, pr); err != nil {
		return pr, nil, err
	}

	if err := cache.WriteCheckpoint(ctx, o.cache, session.ID, p, res.Output, o.cacheTTL); err != nil {
		logger.Warn("checkpoint write failed", "error", err)
	}
	o.persistContent(ctx, session, p, res)
	o.metrics.ObservePhase(p, completed.Sub(started), score.Overall, res.AIAssisted, pr.RetryCount)
	o.recordImageStats(res)

	o.bus.Publish(events.Event{
		Type: events.TypePhaseCompleted, SessionID: session.ID,
		Payload: events.PhaseCompleted{
			Phase: p, Name: exec.Name(), QualityScore: score.Overall,
			Grade: score.Grade, AIAssisted: res.AIAssisted, Preview: res.Preview,
		},
	})
	logger.Info("phase completed", "score", score.Overall, "grade", score.Grade, "ai_assisted", res.AIAssisted)
	return pr, res, nil
}
