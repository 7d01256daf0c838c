package cleanup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessionStore struct {
	mu      sync.Mutex
	expired []*models.Session
	deleted int64
	cutoffs []time.Time
}

func (f *fakeSessionStore) ListExpired(_ context.Context, cutoff time.Time, _ int) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.expired, nil
}

func (f *fakeSessionStore) SoftDeleteCompletedBefore(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.expired))
	f.deleted += n
	f.expired = nil
	return n, nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (f *fakeArchiver) ArchiveBySession(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, sessionID)
	return 3, nil
}

func (f *fakeArchiver) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.archived...)
}

func TestSweepOnceArchivesThenDeletes(t *testing.T) {
	sessions := &fakeSessionStore{expired: []*models.Session{
		{ID: "old-1", Status: models.SessionStatusCompleted},
		{ID: "old-2", Status: models.SessionStatusFailed},
	}}
	archiver := &fakeArchiver{}

	s := New(sessions, archiver, 30*24*time.Hour, time.Hour, discardLogger())
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	deleted, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, []string{"old-1", "old-2"}, archiver.ids())

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	require.Len(t, sessions.cutoffs, 1)
	assert.Equal(t, fixed.Add(-30*24*time.Hour), sessions.cutoffs[0])
}

func TestSweepLoopRunsOnInterval(t *testing.T) {
	sessions := &fakeSessionStore{}
	s := New(sessions, &fakeArchiver{}, time.Hour, 10*time.Millisecond, discardLogger())

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.cutoffs) >= 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDisabledRetentionDoesNotStart(t *testing.T) {
	sessions := &fakeSessionStore{}
	s := New(sessions, &fakeArchiver{}, 0, 10*time.Millisecond, discardLogger())

	s.Start(context.Background())
	s.Stop()

	time.Sleep(30 * time.Millisecond)
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Empty(t, sessions.cutoffs)
}
