// Package supervisor runs the session worker pool: a fixed set of workers
// polls the queue, drives claimed sessions through the orchestrator, and
// keeps per-session heartbeats fresh. A reaper requeues sessions whose
// driver died without releasing them.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/storyforge-ai/storyforge/pkg/config"
	"github.com/storyforge-ai/storyforge/pkg/metrics"
	"github.com/storyforge-ai/storyforge/pkg/models"
	"github.com/storyforge-ai/storyforge/pkg/store"
)

// staleBatch bounds how many stale sessions one reaper pass requeues.
const staleBatch = 50

// Runner drives one session to a suspended or terminal state.
type Runner interface {
	Run(ctx context.Context, sessionID string) error
}

// SessionQueue is the store surface the worker pool needs.
type SessionQueue interface {
	ClaimNextQueued(ctx context.Context) (*models.Session, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error)
	UpdateStatus(ctx context.Context, id string, status models.SessionStatus, errorMessage *string) error
	CountActive(ctx context.Context) (int, error)
	CountQueued(ctx context.Context) (int, error)
}

// PoolHealth is the read-only projection served by the health endpoint.
type PoolHealth struct {
	Running        bool `json:"running"`
	Workers        int  `json:"workers"`
	ActiveSessions int  `json:"active_sessions"`
	QueueDepth     int  `json:"queue_depth"`
}

// Supervisor owns the worker and reaper goroutines.
type Supervisor struct {
	queue   SessionQueue
	runner  Runner
	cfg     config.QueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New assembles a supervisor over the given queue and runner.
func New(queue SessionQueue, runner Runner, cfg config.QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		queue:   queue,
		runner:  runner,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "supervisor"),
		now:     time.Now,
	}
}

// Start launches the workers and the stale-session reaper. It returns
// immediately; Stop shuts the pool down.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	poolCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(poolCtx, i)
	}
	s.wg.Add(1)
	go s.reaper(poolCtx)
	s.logger.Info("worker pool started", "workers", s.cfg.WorkerCount)
}

// Stop cancels the pool and waits up to the graceful shutdown timeout for
// in-flight sessions to reach a boundary. Returns false on timeout.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("worker pool stopped")
		return true
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		s.logger.Warn("worker pool shutdown timed out")
		return false
	}
}

// Health reports the pool projection.
func (s *Supervisor) Health(ctx context.Context) (PoolHealth, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	active, err := s.queue.CountActive(ctx)
	if err != nil {
		return PoolHealth{}, err
	}
	queued, err := s.queue.CountQueued(ctx)
	if err != nil {
		return PoolHealth{}, err
	}
	return PoolHealth{
		Running:        running,
		Workers:        s.cfg.WorkerCount,
		ActiveSessions: active,
		QueueDepth:     queued,
	}, nil
}

func (s *Supervisor) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollDelay()):
		}
		s.pollOnce(ctx, logger)
	}
}

// pollDelay spreads worker wakeups across PollInterval ± jitter so the pool
// does not hammer the queue in lockstep.
func (s *Supervisor) pollDelay() time.Duration {
	jitter := s.cfg.PollIntervalJitter
	if jitter <= 0 {
		return s.cfg.PollInterval
	}
	return s.cfg.PollInterval - jitter + rand.N(2*jitter)
}

func (s *Supervisor) pollOnce(ctx context.Context, logger *slog.Logger) {
	active, err := s.queue.CountActive(ctx)
	if err != nil {
		logger.Warn("active count failed", "error", err)
		return
	}
	if active >= s.cfg.MaxConcurrentSessions {
		return
	}

	session, err := s.queue.ClaimNextQueued(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Warn("claim failed", "error", err)
		return
	}
	s.runSession(ctx, logger, session)
}

func (s *Supervisor) runSession(ctx context.Context, logger *slog.Logger, session *models.Session) {
	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if s.cfg.SessionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
	}
	defer cancel()

	stopHeartbeat := s.startHeartbeat(runCtx, session.ID)
	defer stopHeartbeat()

	logger.Info("session claimed", "session_id", session.ID)
	if err := s.runner.Run(runCtx, session.ID); err != nil {
		logger.Warn("session run ended with error", "session_id", session.ID, "error", err)
	}
}

// startHeartbeat refreshes the session's liveness timestamp until the
// returned stop function is called or ctx is cancelled.
func (s *Supervisor) startHeartbeat(ctx context.Context, sessionID string) func() {
	if s.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.queue.Heartbeat(hbCtx, sessionID, s.now().UTC()); err != nil {
					s.logger.Warn("heartbeat failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Supervisor) reaper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StaleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

// reapOnce requeues processing sessions with expired heartbeats. Their
// completed phase results survive, so the next driver resumes where the dead
// one stopped.
func (s *Supervisor) reapOnce(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.StaleThreshold)
	stale, err := s.queue.FindStale(ctx, cutoff, staleBatch)
	if err != nil {
		s.logger.Warn("stale scan failed", "error", err)
		return
	}
	for _, session := range stale {
		if err := s.queue.UpdateStatus(ctx, session.ID, models.SessionStatusQueued, nil); err != nil {
			s.logger.Warn("stale session not requeued", "session_id", session.ID, "error", err)
			continue
		}
		s.logger.Warn("stale session requeued", "session_id", session.ID, "last_heartbeat", session.LastHeartbeatAt)
	}

	if queued, err := s.queue.CountQueued(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(queued))
	}
}
