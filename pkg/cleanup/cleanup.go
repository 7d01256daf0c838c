// Package cleanup enforces the retention policy: terminal sessions past the
// retention window have their content archived and are soft-deleted on a
// timer. Rows stay queryable for audit until a database-level purge.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// sweepBatch bounds how many expired sessions one pass archives.
const sweepBatch = 100

// SessionSweeper is the session store surface the sweep needs.
type SessionSweeper interface {
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error)
	SoftDeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ContentArchiver marks a session's artifacts archived.
type ContentArchiver interface {
	ArchiveBySession(ctx context.Context, sessionID string) (int64, error)
}

// Sweeper runs the periodic retention sweep.
type Sweeper struct {
	sessions  SessionSweeper
	content   ContentArchiver
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New assembles a sweeper. A non-positive retention disables sweeping.
func New(sessions SessionSweeper, content ContentArchiver, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		sessions:  sessions,
		content:   content,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "cleanup"),
		now:       time.Now,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.retention <= 0 || s.interval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(loopCtx); err != nil {
					s.logger.Warn("retention sweep failed", "error", err)
				}
			}
		}
	}()
	s.logger.Info("retention sweep started", "retention", s.retention, "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// SweepOnce archives the artifacts of expired sessions and soft-deletes the
// sessions. Returns how many sessions were deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)

	expired, err := s.sessions.ListExpired(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, session := range expired {
		archived, err := s.content.ArchiveBySession(ctx, session.ID)
		if err != nil {
			s.logger.Warn("content not archived", "session_id", session.ID, "error", err)
			continue
		}
		s.logger.Info("session content archived", "session_id", session.ID, "artifacts", archived)
	}

	deleted, err := s.sessions.SoftDeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("expired sessions soft-deleted", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}
