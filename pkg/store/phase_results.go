package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// PhaseResultRepository persists per-phase execution outcomes. The unique
// (session_id, phase_number) constraint makes Save an upsert: a retried or
// re-run phase overwrites its previous row.
type PhaseResultRepository struct {
	db *sqlx.DB
}

type phaseResultRow struct {
	ID                       string     `db:"phase_result_id"`
	SessionID                string     `db:"session_id"`
	PhaseNumber              int        `db:"phase_number"`
	Status                   string     `db:"status"`
	OutputJSON               []byte     `db:"output_json"`
	QualityJSON              []byte     `db:"quality_json"`
	ProcessingDurationMillis *int64     `db:"processing_duration_ms"`
	RetryCount               int        `db:"retry_count"`
	ErrorMessage             *string    `db:"error_message"`
	StartedAt                *time.Time `db:"started_at"`
	CompletedAt              *time.Time `db:"completed_at"`
	AIAssisted               bool       `db:"ai_assisted"`
}

func (r phaseResultRow) toModel() (*models.PhaseResult, error) {
	out := &models.PhaseResult{
		ID:                       r.ID,
		SessionID:                r.SessionID,
		PhaseNumber:              r.PhaseNumber,
		Status:                   models.PhaseStatus(r.Status),
		ProcessingDurationMillis: r.ProcessingDurationMillis,
		RetryCount:               r.RetryCount,
		ErrorMessage:             r.ErrorMessage,
		StartedAt:                r.StartedAt,
		CompletedAt:              r.CompletedAt,
		AIAssisted:               r.AIAssisted,
	}
	if len(r.OutputJSON) > 0 {
		out.Output = &models.PhaseOutput{}
		if err := json.Unmarshal(r.OutputJSON, out.Output); err != nil {
			return nil, fmt.Errorf("decode phase %d output for session %s: %w", r.PhaseNumber, r.SessionID, err)
		}
	}
	if len(r.QualityJSON) > 0 {
		out.QualityScore = &models.QualityScore{}
		if err := json.Unmarshal(r.QualityJSON, out.QualityScore); err != nil {
			return nil, fmt.Errorf("decode phase %d quality for session %s: %w", r.PhaseNumber, r.SessionID, err)
		}
	}
	return out, nil
}

const phaseResultColumns = `phase_result_id, session_id, phase_number, status,
	output_json, quality_json, processing_duration_ms, retry_count,
	error_message, started_at, completed_at, ai_assisted`

// Save upserts the phase result, keyed on (session_id, phase_number).
func (r *PhaseResultRepository) Save(ctx context.Context, p *models.PhaseResult) error {
	var outputJSON, qualityJSON []byte
	var err error
	if p.Output != nil {
		if outputJSON, err = json.Marshal(p.Output); err != nil {
			return fmt.Errorf("encode phase output: %w", err)
		}
	}
	if p.QualityScore != nil {
		if qualityJSON, err = json.Marshal(p.QualityScore); err != nil {
			return fmt.Errorf("encode quality score: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO phase_results (phase_result_id, session_id, phase_number, status,
			output_json, quality_json, processing_duration_ms, retry_count,
			error_message, started_at, completed_at, ai_assisted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id, phase_number) DO UPDATE SET
			status=EXCLUDED.status, output_json=EXCLUDED.output_json,
			quality_json=EXCLUDED.quality_json,
			processing_duration_ms=EXCLUDED.processing_duration_ms,
			retry_count=EXCLUDED.retry_count, error_message=EXCLUDED.error_message,
			started_at=EXCLUDED.started_at, completed_at=EXCLUDED.completed_at,
			ai_assisted=EXCLUDED.ai_assisted`,
		p.ID, p.SessionID, p.PhaseNumber, p.Status,
		outputJSON, qualityJSON, p.ProcessingDurationMillis, p.RetryCount,
		p.ErrorMessage, p.StartedAt, p.CompletedAt, p.AIAssisted)
	if err != nil {
		return fmt.Errorf("save phase result %d for session %s: %w", p.PhaseNumber, p.SessionID, err)
	}
	return nil
}

// Get loads the result of one phase of one session.
func (r *PhaseResultRepository) Get(ctx context.Context, sessionID string, phase int) (*models.PhaseResult, error) {
	var row phaseResultRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+phaseResultColumns+` FROM phase_results
		 WHERE session_id=$1 AND phase_number=$2`, sessionID, phase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phase %d of session %s: %w", phase, sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get phase result: %w", err)
	}
	return row.toModel()
}

// ListBySession returns all phase results of a session in phase order.
func (r *PhaseResultRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.PhaseResult, error) {
	var rows []phaseResultRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+phaseResultColumns+` FROM phase_results
		 WHERE session_id=$1 ORDER BY phase_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list phase results for session %s: %w", sessionID, err)
	}
	out := make([]*models.PhaseResult, 0, len(rows))
	for _, row := range rows {
		m, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
