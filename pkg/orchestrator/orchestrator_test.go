package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/storyforge-ai/storyforge/pkg/agent"
	"github.com/storyforge-ai/storyforge/pkg/cache"
	"github.com/storyforge-ai/storyforge/pkg/config"
	"github.com/storyforge-ai/storyforge/pkg/events"
	"github.com/storyforge-ai/storyforge/pkg/metrics"
	"github.com/storyforge-ai/storyforge/pkg/models"
	"github.com/storyforge-ai/storyforge/pkg/quality"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- in-memory persistence fakes ----

type memSessions struct {
	mu sync.Mutex
	m  map[string]models.Session
}

func newMemSessions() *memSessions { return &memSessions{m: make(map[string]models.Session)} }

func (s *memSessions) Create(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[sess.ID]; ok {
		return fmt.Errorf("duplicate session %s", sess.ID)
	}
	s.m[sess.ID] = *sess
	return nil
}

func (s *memSessions) Update(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, errNotFound)
	}
	sess.UpdatedAt = time.Now().UTC()
	s.m[sess.ID] = *sess
	return nil
}

func (s *memSessions) GetByID(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errNotFound)
	}
	out := sess
	return &out, nil
}

func (s *memSessions) UpdateStatus(_ context.Context, id string, status models.SessionStatus, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errNotFound)
	}
	sess.Status = status
	sess.ErrorMessage = errorMessage
	sess.UpdatedAt = time.Now().UTC()
	s.m[id] = sess
	return nil
}

var errNotFound = errors.New("not found")

type phaseKey struct {
	session string
	phase   int
}

type memPhases struct {
	mu sync.Mutex
	m  map[phaseKey]models.PhaseResult
}

func newMemPhases() *memPhases { return &memPhases{m: make(map[phaseKey]models.PhaseResult)} }

func (s *memPhases) Save(_ context.Context, p *models.PhaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[phaseKey{p.SessionID, p.PhaseNumber}] = *p
	return nil
}

func (s *memPhases) ListBySession(_ context.Context, sessionID string) ([]*models.PhaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PhaseResult
	for k, v := range s.m {
		if k.session == sessionID {
			pr := v
			out = append(out, &pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhaseNumber < out[j].PhaseNumber })
	return out, nil
}

func (s *memPhases) get(sessionID string, phase int) (models.PhaseResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.m[phaseKey{sessionID, phase}]
	return pr, ok
}

type memContent struct {
	mu   sync.Mutex
	rows []models.GeneratedContent
}

func (s *memContent) Save(_ context.Context, c *models.GeneratedContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows {
		if existing.SessionID == c.SessionID && existing.PhaseNumber == c.PhaseNumber &&
			existing.ContentType == c.ContentType && existing.ContentHash == c.ContentHash {
			return existing.ID, nil
		}
	}
	s.rows = append(s.rows, *c)
	return c.ID, nil
}

func (s *memContent) countForPhase(sessionID string, phase int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.SessionID == sessionID && r.PhaseNumber == phase {
			n++
		}
	}
	return n
}

// ---- fake agents ----

// uniformMetrics reports every declared metric of the phase at the same
// value, so the assessed overall equals that value.
func uniformMetrics(phase int, v float64) map[string]float64 {
	out := make(map[string]float64)
	for name := range quality.Weights(phase) {
		out[name] = v
	}
	return out
}

func outputFor(phase int) *models.PhaseOutput {
	switch phase {
	case 1:
		return &models.PhaseOutput{Concept: &models.ConceptAnalysis{}}
	case 2:
		return &models.PhaseOutput{Characters: &models.CharacterDesign{}}
	case 3:
		return &models.PhaseOutput{Narrative: &models.NarrativeStructure{}}
	case 4:
		return &models.PhaseOutput{Layout: &models.PanelLayout{}}
	case 5:
		score := 0.8
		return &models.PhaseOutput{Images: &models.ImageSet{
			Results: []models.ImageGenerationResult{
				{PanelID: "panel-1", Success: true, ImageURL: "https://img.test/1", QualityScore: &score},
				{PanelID: "panel-2", Success: true, ImageURL: "https://img.test/2", QualityScore: &score},
			},
		}}
	case 6:
		return &models.PhaseOutput{Dialogue: &models.DialogueScript{}}
	case 7:
		return &models.PhaseOutput{Compilation: &models.FinalCompilation{}}
	}
	return nil
}

type fakeAgent struct {
	phase int

	mu            sync.Mutex
	calls         int
	fallbackCalls int
	transients    int  // transient failures before success
	fatalKind     agent.ErrorKind
	fallbackFails bool
	block         bool // block until ctx cancellation
	score         float64
	feedbacks     []map[string]any
}

func newFakeAgent(phase int) *fakeAgent { return &fakeAgent{phase: phase, score: 0.9} }

func (f *fakeAgent) Phase() int   { return f.phase }
func (f *fakeAgent) Name() string { return fmt.Sprintf("fake_phase_%d", f.phase) }

func (f *fakeAgent) Execute(ctx context.Context, in *agent.Input) (*agent.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	if in.Feedback != nil {
		f.feedbacks = append(f.feedbacks, in.Feedback)
	}
	block, fatalKind, transients, score := f.block, f.fatalKind, f.transients, f.score
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, agent.NewPhaseError(agent.ErrKindCancelled, f.phase, ctx.Err())
	}
	if fatalKind != "" {
		return nil, agent.NewPhaseError(fatalKind, f.phase, errors.New("injected fatal"))
	}
	if call <= transients {
		return nil, agent.NewPhaseError(agent.ErrKindBackendTransient, f.phase, errors.New("injected transient"))
	}
	return &agent.Result{
		Output:     outputFor(f.phase),
		AIAssisted: true,
		Metrics:    uniformMetrics(f.phase, score),
	}, nil
}

func (f *fakeAgent) ExecuteFallback(*agent.Input) (*agent.Result, error) {
	f.mu.Lock()
	f.fallbackCalls++
	fails, score := f.fallbackFails, f.score
	f.mu.Unlock()
	if fails {
		return nil, agent.NewPhaseError(agent.ErrKindFallbackInvalid, f.phase, errors.New("fallback rejected"))
	}
	return &agent.Result{
		Output:     outputFor(f.phase),
		AIAssisted: false,
		Metrics:    uniformMetrics(f.phase, score),
	}, nil
}

func (f *fakeAgent) set(fn func(*fakeAgent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAgent) stats() (calls, fallbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.fallbackCalls
}

// ---- harness ----

type harness struct {
	orch     *Orchestrator
	sessions *memSessions
	phases   *memPhases
	content  *memContent
	cache    *cache.MemoryStore
	agents   map[int]*fakeAgent
	backoffs []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions: newMemSessions(),
		phases:   newMemPhases(),
		content:  &memContent{},
		cache:    cache.NewMemoryStore(time.Minute),
		agents:   make(map[int]*fakeAgent),
	}
	execs := make(map[int]agent.Executor)
	for p := 1; p <= models.TotalPhases; p++ {
		fa := newFakeAgent(p)
		h.agents[p] = fa
		execs[p] = fa
	}
	cfg := config.PipelineConfig{
		MaxPhaseRetries:   2,
		MaxSessionRetries: 3,
		RetryBackoffBase:  10 * time.Millisecond,
	}
	bus := events.NewBus(discardLogger())
	m := metrics.New(prometheus.NewRegistry())
	h.orch = New(
		Stores{Sessions: h.sessions, Phases: h.phases, Content: h.content},
		h.cache, time.Minute, execs, bus, m, cfg, discardLogger(),
	)
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.backoffs = append(h.backoffs, d)
		h.mu.Unlock()
		return nil
	}
	return h
}

func (h *harness) sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.backoffs...)
}

func (h *harness) seedSession(t *testing.T, hitl bool) *models.Session {
	t.Helper()
	params := models.DefaultGenerationParameters()
	params.EnableHITL = hitl
	session := &models.Session{
		ID:          "sess-1",
		UserID:      "user-1",
		Title:       "The Dragon Keep",
		InputText:   "A young knight defends a mountain keep against an ancient dragon.",
		Params:      params,
		Status:      models.SessionStatusQueued,
		HITLEnabled: hitl,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, h.sessions.Create(context.Background(), session))
	return session
}

func (h *harness) status(t *testing.T, id string) models.SessionStatus {
	t.Helper()
	s, err := h.sessions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}

func (h *harness) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := h.sessions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

// awaitGate blocks until the session suspends on the HITL gate for phase.
func (h *harness) awaitGate(t *testing.T, id string, phase int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.sessions.GetByID(context.Background(), id)
		return err == nil && s.Status == models.SessionStatusWaitingFeedback && s.CurrentPhase == phase
	}, 5*time.Second, 5*time.Millisecond, "session never gated at phase %d", phase)
}

// awaitGateAttempt additionally waits for the gated phase result to carry the
// expected retry count, so a rejection replay is fully visible before the test
// inspects or re-submits.
func (h *harness) awaitGateAttempt(t *testing.T, id string, phase, retries int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.sessions.GetByID(context.Background(), id)
		if err != nil || s.Status != models.SessionStatusWaitingFeedback || s.CurrentPhase != phase {
			return false
		}
		pr, ok := h.phases.get(id, phase)
		return ok && pr.RetryCount == retries
	}, 5*time.Second, 5*time.Millisecond, "session never gated at phase %d attempt %d", phase, retries)
}

func (h *harness) submit(t *testing.T, id string, phase int, approved bool, payload map[string]any) {
	t.Helper()
	err := h.orch.SubmitFeedback(context.Background(), id, &models.SubmitFeedbackRequest{
		PhaseNumber: phase, Approved: approved, Payload: payload,
	})
	require.NoError(t, err)
}

// ---- tests ----

func TestRunCompletesAllPhases(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)

	require.NoError(t, h.orch.Run(context.Background(), session.ID))

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, models.TotalPhases, got.CurrentPhase)
	require.NotNil(t, got.CompletedAt)

	for p := 1; p <= models.TotalPhases; p++ {
		pr, ok := h.phases.get(session.ID, p)
		require.True(t, ok, "phase %d missing", p)
		assert.Equal(t, models.PhaseStatusCompleted, pr.Status, "phase %d", p)
		assert.True(t, pr.AIAssisted, "phase %d", p)
		require.NotNil(t, pr.QualityScore, "phase %d", p)
		assert.InDelta(t, 0.9, pr.QualityScore.Overall, 1e-9, "phase %d", p)
	}

	// One artifact row per text phase, one per successful image.
	assert.Equal(t, 1, h.content.countForPhase(session.ID, 1))
	assert.Equal(t, 2, h.content.countForPhase(session.ID, 5))

	// Checkpoints are readable back from the cache.
	out, err := cache.ReadCheckpoint(context.Background(), h.cache, session.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Phase())
}

func TestRunIsIdempotentForCompletedSession(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	require.NoError(t, h.orch.Run(context.Background(), session.ID))
	require.NoError(t, h.orch.Run(context.Background(), session.ID))

	for p := 1; p <= models.TotalPhases; p++ {
		calls, _ := h.agents[p].stats()
		assert.Equal(t, 1, calls, "phase %d re-executed", p)
	}
}

func TestTransientErrorsRetryWithBackoffThenFallback(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[2].set(func(f *fakeAgent) { f.transients = 100 }) // never recovers

	require.NoError(t, h.orch.Run(context.Background(), session.ID))

	assert.Equal(t, models.SessionStatusCompleted, h.status(t, session.ID))
	pr, ok := h.phases.get(session.ID, 2)
	require.True(t, ok)
	assert.False(t, pr.AIAssisted)
	assert.Equal(t, 2, pr.RetryCount)

	calls, fallbacks := h.agents[2].stats()
	assert.Equal(t, 3, calls) // initial attempt + MaxPhaseRetries
	assert.Equal(t, 1, fallbacks)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps())
}

func TestTransientErrorRecoversBeforeExhaustion(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[3].set(func(f *fakeAgent) { f.transients = 1 })

	require.NoError(t, h.orch.Run(context.Background(), session.ID))

	pr, ok := h.phases.get(session.ID, 3)
	require.True(t, ok)
	assert.True(t, pr.AIAssisted)
	assert.Equal(t, 1, pr.RetryCount)
	_, fallbacks := h.agents[3].stats()
	assert.Zero(t, fallbacks)
}

func TestFatalErrorFailsSessionWithoutRetry(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[4].set(func(f *fakeAgent) { f.fatalKind = agent.ErrKindInputValidation })

	err := h.orch.Run(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, agent.ErrKindInputValidation, agent.KindOf(err))

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)

	pr, ok := h.phases.get(session.ID, 4)
	require.True(t, ok)
	assert.Equal(t, models.PhaseStatusFailed, pr.Status)
	assert.Empty(t, h.sleeps(), "fatal errors must not back off")
}

func TestFallbackFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[1].set(func(f *fakeAgent) {
		f.transients = 100
		f.fallbackFails = true
	})

	err := h.orch.Run(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, agent.ErrKindFallbackInvalid, agent.KindOf(err))
	assert.Equal(t, models.SessionStatusFailed, h.status(t, session.ID))
}

func TestHITLGatesBelowThresholdAndCriticalPhases(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, true)
	h.agents[1].set(func(f *fakeAgent) { f.score = 0.5 }) // below the 0.7 threshold

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), session.ID) }()

	h.awaitGate(t, session.ID, 1)
	h.submit(t, session.ID, 1, false, map[string]any{"tone": "darker"})

	// Rejection replays the phase. It still scores below threshold.
	h.awaitGate(t, session.ID, 1)
	h.submit(t, session.ID, 1, true, nil)

	// Critical phases gate regardless of score.
	h.awaitGate(t, session.ID, 4)
	h.submit(t, session.ID, 4, true, nil)
	h.awaitGate(t, session.ID, 5)
	h.submit(t, session.ID, 5, true, nil)

	require.NoError(t, <-done)
	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount, "one rejection consumes one session retry")

	calls, _ := h.agents[1].stats()
	assert.Equal(t, 2, calls)
	h.agents[1].mu.Lock()
	feedbacks := h.agents[1].feedbacks
	h.agents[1].mu.Unlock()
	require.Len(t, feedbacks, 1)
	assert.Equal(t, "darker", feedbacks[0]["tone"])

	// Phases 2, 3, 6, 7 scored above threshold and are not critical.
	for _, p := range []int{2, 3, 6, 7} {
		c, _ := h.agents[p].stats()
		assert.Equal(t, 1, c, "phase %d should run exactly once", p)
	}
}

func TestRejectionReplayIncrementsPhaseRetryCount(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, true)

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), session.ID) }()

	// Phase 4 is critical, so it gates regardless of score.
	h.awaitGateAttempt(t, session.ID, 4, 0)
	h.submit(t, session.ID, 4, false, map[string]any{"layout": "tighter"})

	// The replay continues the rejected result's retry budget.
	h.awaitGateAttempt(t, session.ID, 4, 1)
	h.submit(t, session.ID, 4, true, nil)
	h.awaitGate(t, session.ID, 5)
	h.submit(t, session.ID, 5, true, nil)
	require.NoError(t, <-done)

	assert.Equal(t, models.SessionStatusCompleted, h.status(t, session.ID))
	calls, _ := h.agents[4].stats()
	assert.Equal(t, 2, calls)
}

func TestRejectionExhaustsPhaseRetryBudget(t *testing.T) {
	h := newHarness(t) // MaxPhaseRetries is 2
	session := h.seedSession(t, true)

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), session.ID) }()

	reject := func(attempt int) {
		h.awaitGateAttempt(t, session.ID, 4, attempt)
		h.submit(t, session.ID, 4, false, nil)
	}
	reject(0)
	reject(1)
	reject(2) // budget spent: this rejection fails the session

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, models.SessionStatusFailed, h.status(t, session.ID))
}

func TestSubmitFeedbackRejectedWhenNotWaiting(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	err := h.orch.SubmitFeedback(context.Background(), session.ID, &models.SubmitFeedbackRequest{PhaseNumber: 1, Approved: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelInterruptsRunningPhase(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[3].set(func(f *fakeAgent) { f.block = true })

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), session.ID) }()

	require.Eventually(t, func() bool {
		pr, ok := h.phases.get(session.ID, 3)
		return ok && pr.Status == models.PhaseStatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Cancel(context.Background(), session.ID))
	require.NoError(t, <-done)

	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)
	assert.Nil(t, got.CompletedAt, "a cancelled session never finished")

	pr, ok := h.phases.get(session.ID, 3)
	require.True(t, ok)
	assert.Equal(t, models.PhaseStatusFailed, pr.Status)
	require.NotNil(t, pr.ErrorMessage)
	assert.Equal(t, "cancelled", *pr.ErrorMessage)

	// Completed phases keep their results.
	pr1, ok := h.phases.get(session.ID, 1)
	require.True(t, ok)
	assert.Equal(t, models.PhaseStatusCompleted, pr1.Status)
}

func TestCancelQueuedSessionDirectly(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	require.NoError(t, h.orch.Cancel(context.Background(), session.ID))
	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)
	assert.Nil(t, got.CompletedAt)

	err := h.orch.Cancel(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseAtGateAndResumeRestoresGate(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, true)
	h.agents[1].set(func(f *fakeAgent) { f.score = 0.5 })

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), session.ID) }()

	h.awaitGate(t, session.ID, 1)
	before := h.session(t, session.ID)
	require.NoError(t, h.orch.Pause(context.Background(), session.ID))
	require.NoError(t, <-done)
	assert.Equal(t, models.SessionStatusPaused, h.status(t, session.ID))

	require.NoError(t, h.orch.Resume(context.Background(), session.ID))
	assert.Equal(t, models.SessionStatusQueued, h.status(t, session.ID))

	go func() { done <- h.orch.Run(context.Background(), session.ID) }()

	// The gate is re-entered, not skipped: same phase, same retry count.
	h.awaitGate(t, session.ID, 1)
	after := h.session(t, session.ID)
	assert.Equal(t, before.CurrentPhase, after.CurrentPhase)
	assert.Equal(t, before.RetryCount, after.RetryCount)

	h.submit(t, session.ID, 1, true, nil)
	h.awaitGate(t, session.ID, 4)
	h.submit(t, session.ID, 4, true, nil)
	h.awaitGate(t, session.ID, 5)
	h.submit(t, session.ID, 5, true, nil)
	require.NoError(t, <-done)

	assert.Equal(t, models.SessionStatusCompleted, h.status(t, session.ID))
	calls, _ := h.agents[1].stats()
	assert.Equal(t, 1, calls, "pause must not re-execute the completed phase")
}

func TestRetryResumesFromFirstIncompletePhase(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[3].set(func(f *fakeAgent) { f.fatalKind = agent.ErrKindInputValidation })

	require.Error(t, h.orch.Run(context.Background(), session.ID))
	assert.Equal(t, models.SessionStatusFailed, h.status(t, session.ID))

	h.agents[3].set(func(f *fakeAgent) { f.fatalKind = "" })
	require.NoError(t, h.orch.Retry(context.Background(), session.ID))
	assert.Equal(t, models.SessionStatusQueued, h.status(t, session.ID))

	require.NoError(t, h.orch.Run(context.Background(), session.ID))
	got := h.session(t, session.ID)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	for _, p := range []int{1, 2} {
		calls, _ := h.agents[p].stats()
		assert.Equal(t, 1, calls, "completed phase %d re-executed after retry", p)
	}
	calls, _ := h.agents[3].stats()
	assert.Equal(t, 2, calls)
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	session.Status = models.SessionStatusFailed
	session.RetryCount = 3
	require.NoError(t, h.sessions.Update(context.Background(), session))

	err := h.orch.Retry(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestCreateSessionDefaultsAndValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.CreateSession(context.Background(), &models.CreateSessionRequest{
		UserID: "user-1", InputText: "too short",
	})
	require.Error(t, err)

	session, err := h.orch.CreateSession(context.Background(), &models.CreateSessionRequest{
		UserID:    "user-1",
		InputText: "A ronin wanders into a haunted village. The villagers beg for help.",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusQueued, session.Status)
	assert.Equal(t, "A ronin wanders into a haunted village", session.Title)
	assert.InDelta(t, 0.7, session.Params.QualityThreshold, 1e-9)
	assert.False(t, session.HITLEnabled)
}

func TestGetProgress(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)
	h.agents[2].set(func(f *fakeAgent) { f.score = 0.7 })
	require.NoError(t, h.orch.Run(context.Background(), session.ID))

	snap, err := h.orch.GetProgress(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, snap.Status)
	require.Len(t, snap.Phases, models.TotalPhases)
	require.NotNil(t, snap.OverallQuality)
	want := (0.9*6 + 0.7) / 7
	assert.InDelta(t, want, *snap.OverallQuality, 1e-9)
}

func TestPartialImagesPersistOnCancellation(t *testing.T) {
	h := newHarness(t)
	session := h.seedSession(t, false)

	// The imaging agent reports two finished panels alongside cancellation.
	partial := &agent.Result{Output: outputFor(5), AIAssisted: true}
	h.orch.agents[5] = cancelledImaging{partial: partial}

	err := h.orch.Run(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, h.status(t, session.ID))
	assert.Equal(t, 2, h.content.countForPhase(session.ID, 5))
}

type cancelledImaging struct {
	partial *agent.Result
}

func (c cancelledImaging) Phase() int   { return 5 }
func (c cancelledImaging) Name() string { return "image_generation" }

func (c cancelledImaging) Execute(context.Context, *agent.Input) (*agent.Result, error) {
	return c.partial, agent.NewPhaseError(agent.ErrKindCancelled, 5, context.Canceled)
}

func (c cancelledImaging) ExecuteFallback(*agent.Input) (*agent.Result, error) {
	return nil, agent.NewPhaseError(agent.ErrKindFallbackInvalid, 5, errors.New("unused"))
}
