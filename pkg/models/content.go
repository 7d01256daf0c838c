package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ContentType classifies a generated artifact.
type ContentType string

// Content types.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeDialogue ContentType = "dialogue"
	ContentTypeLayout   ContentType = "layout"
)

// ContentStatus is the review lifecycle of a generated artifact.
type ContentStatus string

// Content statuses.
const (
	ContentStatusDraft     ContentStatus = "draft"
	ContentStatusGenerated ContentStatus = "generated"
	ContentStatusReviewed  ContentStatus = "reviewed"
	ContentStatusApproved  ContentStatus = "approved"
	ContentStatusRejected  ContentStatus = "rejected"
	ContentStatusFinalized ContentStatus = "finalized"
	ContentStatusArchived  ContentStatus = "archived"
)

// GeneratedContent is a persisted artifact produced during phase execution.
// ContentHash is deterministic in Data; duplicate (session, phase, type, hash)
// rows are deduplicated by the repository.
type GeneratedContent struct {
	ID           string          `db:"content_id" json:"content_id"`
	SessionID    string          `db:"session_id" json:"session_id"`
	PhaseNumber  int             `db:"phase_number" json:"phase_number"`
	ContentType  ContentType     `db:"content_type" json:"content_type"`
	ContentHash  string          `db:"content_hash" json:"content_hash"`
	Data         json.RawMessage `db:"data" json:"data"`
	Status       ContentStatus   `db:"status" json:"status"`
	QualityScore *float64        `db:"quality_score" json:"quality_score,omitempty"`
	GeneratedBy  string          `db:"generated_by" json:"generated_by"` // model identifier or "fallback"
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ArchivedAt   *time.Time      `db:"archived_at" json:"archived_at,omitempty"`
}

// HashContent computes the SHA-256 of the canonical JSON encoding of v.
// encoding/json sorts map keys, so the encoding is deterministic for the
// value shapes used here.
func HashContent(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
