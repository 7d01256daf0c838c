// Package models defines the domain entities shared across the pipeline:
// sessions, phase results, generated content, quality scores, and the typed
// per-phase output structures.
package models

import "time"

// SessionStatus represents the lifecycle state of a generation session.
type SessionStatus string

// Session status constants.
const (
	SessionStatusQueued          SessionStatus = "queued"
	SessionStatusProcessing      SessionStatus = "processing"
	SessionStatusWaitingFeedback SessionStatus = "waiting_feedback"
	SessionStatusPaused          SessionStatus = "paused"
	SessionStatusCompleted       SessionStatus = "completed"
	SessionStatusFailed          SessionStatus = "failed"
	SessionStatusCancelled       SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
// Paused and waiting_feedback are resumable, not terminal.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// TotalPhases is the number of pipeline phases a session runs through.
const TotalPhases = 7

// Session is one end-to-end run of the seven-phase pipeline for one user input.
// Mutated only by the orchestrator driver (phase transitions) and the feedback
// handler; the supervisor reads it for projections only.
type Session struct {
	ID           string               `db:"session_id" json:"session_id"`
	UserID       string               `db:"user_id" json:"user_id"`
	Title        string               `db:"title" json:"title"`
	InputText    string               `db:"input_text" json:"input_text"`
	Params       GenerationParameters `db:"-" json:"params"`
	Status       SessionStatus        `db:"status" json:"status"`
	CurrentPhase int                  `db:"current_phase" json:"current_phase"` // 0 = not started, 1..7 while processing
	HITLEnabled  bool                 `db:"hitl_enabled" json:"hitl_enabled"`
	RetryCount   int                  `db:"retry_count" json:"retry_count"`
	ErrorMessage *string              `db:"error_message" json:"error_message,omitempty"`

	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"` // for stale-session detection
	DeletedAt       *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`               // soft delete for retention policy
}
