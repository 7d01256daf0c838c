package models

import "time"

// PhaseStatus represents the lifecycle state of a single phase execution.
type PhaseStatus string

// Phase status constants.
const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// PhaseResult records the outcome of one phase execution within a session.
// At most one PhaseResult per (session, phase) exists in a non-failed state.
type PhaseResult struct {
	ID          string      `db:"phase_result_id" json:"phase_result_id"`
	SessionID   string      `db:"session_id" json:"session_id"`
	PhaseNumber int         `db:"phase_number" json:"phase_number"` // 1..7
	Status      PhaseStatus `db:"status" json:"status"`

	Output       *PhaseOutput  `db:"-" json:"output,omitempty"`
	QualityScore *QualityScore `db:"-" json:"quality_score,omitempty"`

	ProcessingDurationMillis *int64  `db:"processing_duration_ms" json:"processing_duration_ms,omitempty"`
	RetryCount               int     `db:"retry_count" json:"retry_count"`
	ErrorMessage             *string `db:"error_message" json:"error_message,omitempty"`

	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	// AIAssisted is true when the model call succeeded; false when the
	// deterministic fallback produced the output.
	AIAssisted bool `db:"ai_assisted" json:"ai_assisted"`
}

// PhaseProgress is the per-phase slice of a progress snapshot.
type PhaseProgress struct {
	PhaseNumber  int         `json:"phase_number"`
	Status       PhaseStatus `json:"status"`
	QualityScore *float64    `json:"quality_score,omitempty"`
	RetryCount   int         `json:"retry_count"`
	AIAssisted   bool        `json:"ai_assisted"`
	ErrorMessage *string     `json:"error_message,omitempty"`
}

// ProgressSnapshot is the read-only projection served by GetProgress.
type ProgressSnapshot struct {
	SessionID      string          `json:"session_id"`
	Status         SessionStatus   `json:"status"`
	CurrentPhase   int             `json:"current_phase"`
	RetryCount     int             `json:"retry_count"`
	Phases         []PhaseProgress `json:"phases"`
	OverallQuality *float64        `json:"overall_quality,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
