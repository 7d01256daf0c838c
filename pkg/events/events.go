// Package events carries typed pipeline notifications from the orchestrator
// to in-process subscribers, primarily the websocket streaming layer.
package events

import (
	"time"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// Type identifies an event variant.
type Type string

// Event types.
const (
	TypePhaseStarted      Type = "phase.started"
	TypePhaseCompleted    Type = "phase.completed"
	TypePhaseFailed       Type = "phase.failed"
	TypeFeedbackRequested Type = "feedback.requested"
	TypeSessionQueued     Type = "session.queued"
	TypeSessionPaused     Type = "session.paused"
	TypeSessionResumed    Type = "session.resumed"
	TypeSessionCompleted  Type = "session.completed"
	TypeSessionFailed     Type = "session.failed"
	TypeSessionCancelled  Type = "session.cancelled"
)

// Event is one pipeline notification. Payload holds exactly one of the typed
// payload structs below, matching Type.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// PhaseStarted is emitted when a phase enters running.
type PhaseStarted struct {
	Phase   int    `json:"phase"`
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
}

// PhaseCompleted is emitted when a phase finishes successfully.
type PhaseCompleted struct {
	Phase        int     `json:"phase"`
	Name         string  `json:"name"`
	QualityScore float64 `json:"quality_score"`
	Grade        string  `json:"grade"`
	AIAssisted   bool    `json:"ai_assisted"`
	Preview      string  `json:"preview,omitempty"`
}

// PhaseFailed is emitted when a phase exhausts its recovery options.
type PhaseFailed struct {
	Phase int    `json:"phase"`
	Name  string `json:"name"`
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"` // agent error kind, when known
}

// FeedbackRequested is emitted when a session suspends on the HITL gate.
type FeedbackRequested struct {
	Phase        int     `json:"phase"`
	Preview      string  `json:"preview"`
	QualityScore float64 `json:"quality_score"`
	Reason       string  `json:"reason"` // "below_threshold" or "critical_phase"
}

// SessionStatusChanged carries terminal and lifecycle transitions.
type SessionStatusChanged struct {
	Status models.SessionStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}
