package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

func TestCheckpointKey(t *testing.T) {
	assert.Equal(t, "agent_result:3:sess-1", CheckpointKey(3, "sess-1"))
}

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = s.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStoreSetGet(t *testing.T) {
	mr := miniredis.RunT(t)

	ctx := context.Background()
	s, err := NewRedisStore(ctx, mr.Addr())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = s.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)

	// Expiry honors the TTL.
	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	out := &models.PhaseOutput{
		Concept: &models.ConceptAnalysis{
			Genre:        "fantasy",
			Themes:       []string{"courage"},
			WorldSetting: "a mountain kingdom",
		},
	}
	require.NoError(t, WriteCheckpoint(ctx, s, "sess-1", 1, out, time.Minute))

	got, err := ReadCheckpoint(ctx, s, "sess-1", 1)
	require.NoError(t, err)
	require.NotNil(t, got.Concept)
	assert.Equal(t, "fantasy", got.Concept.Genre)

	_, err = ReadCheckpoint(ctx, s, "sess-1", 2)
	assert.ErrorIs(t, err, ErrMiss)
}
