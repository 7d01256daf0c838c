// Package cache provides the TTL'd key-value store used by the orchestrator
// to checkpoint interim phase results for resumability. The cache is a
// performance dependency, not a correctness one: everything in it is
// reconstructible from the persistent store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the minimal TTL'd key-value interface.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// CheckpointKey builds the interim-result key for a phase of a session.
func CheckpointKey(phase int, sessionID string) string {
	return fmt.Sprintf("agent_result:%d:%s", phase, sessionID)
}

// WriteCheckpoint stores a phase output under the checkpoint key.
// Best-effort by contract: callers log failures and continue.
func WriteCheckpoint(ctx context.Context, s Store, sessionID string, phase int, out *models.PhaseOutput, ttl time.Duration) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.Set(ctx, CheckpointKey(phase, sessionID), data, ttl)
}

// ReadCheckpoint loads a phase output from the checkpoint key.
// Returns ErrMiss when no checkpoint exists.
func ReadCheckpoint(ctx context.Context, s Store, sessionID string, phase int) (*models.PhaseOutput, error) {
	data, err := s.Get(ctx, CheckpointKey(phase, sessionID))
	if err != nil {
		return nil, err
	}
	out := &models.PhaseOutput{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return out, nil
}
