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

// SessionRepository persists sessions. All reads exclude soft-deleted rows.
type SessionRepository struct {
	db *sqlx.DB
}

type sessionRow struct {
	ID              string     `db:"session_id"`
	UserID          string     `db:"user_id"`
	Title           string     `db:"title"`
	InputText       string     `db:"input_text"`
	ParamsJSON      []byte     `db:"params_json"`
	Status          string     `db:"status"`
	CurrentPhase    int        `db:"current_phase"`
	HITLEnabled     bool       `db:"hitl_enabled"`
	RetryCount      int        `db:"retry_count"`
	ErrorMessage    *string    `db:"error_message"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func (r sessionRow) toModel() (*models.Session, error) {
	var params models.GenerationParameters
	if len(r.ParamsJSON) > 0 {
		if err := json.Unmarshal(r.ParamsJSON, &params); err != nil {
			return nil, fmt.Errorf("decode session %s params: %w", r.ID, err)
		}
	}
	return &models.Session{
		ID:              r.ID,
		UserID:          r.UserID,
		Title:           r.Title,
		InputText:       r.InputText,
		Params:          params,
		Status:          models.SessionStatus(r.Status),
		CurrentPhase:    r.CurrentPhase,
		HITLEnabled:     r.HITLEnabled,
		RetryCount:      r.RetryCount,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
		DeletedAt:       r.DeletedAt,
	}, nil
}

const sessionColumns = `session_id, user_id, title, input_text, params_json, status,
	current_phase, hitl_enabled, retry_count, error_message,
	created_at, updated_at, started_at, completed_at, last_heartbeat_at, deleted_at`

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	params, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, title, input_text, params_json,
			status, current_phase, hitl_enabled, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		s.ID, s.UserID, s.Title, s.InputText, params,
		s.Status, s.CurrentPhase, s.HITLEnabled, s.RetryCount, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Update persists all mutable session fields.
func (r *SessionRepository) Update(ctx context.Context, s *models.Session) error {
	params, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET title=$2, params_json=$3, status=$4, current_phase=$5,
			retry_count=$6, error_message=$7, updated_at=now(),
			started_at=$8, completed_at=$9, last_heartbeat_at=$10
		WHERE session_id=$1 AND deleted_at IS NULL`,
		s.ID, s.Title, params, s.Status, s.CurrentPhase,
		s.RetryCount, s.ErrorMessage, s.StartedAt, s.CompletedAt, s.LastHeartbeatAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	return requireRow(res, s.ID)
}

// GetByID loads one session.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id=$1 AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return row.toModel()
}

// ListByStatus returns sessions in a given status, oldest first.
func (r *SessionRepository) ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]*models.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status=$1 AND deleted_at IS NULL ORDER BY created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status %s: %w", status, err)
	}
	return rowsToModels(rows)
}

// ListByUser returns a user's sessions, newest first.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id=$1 AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}
	return rowsToModels(rows)
}

// UpdateStatus transitions only the status and error message.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status models.SessionStatus, errorMessage *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status=$2, error_message=$3, updated_at=now()
		WHERE session_id=$1 AND deleted_at IS NULL`,
		id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	return requireRow(res, id)
}

// ClaimNextQueued atomically claims the oldest queued session for a worker,
// moving it to processing. Returns ErrNotFound when the queue is empty.
// SKIP LOCKED keeps concurrent workers from serializing on the same row.
func (r *SessionRepository) ClaimNextQueued(ctx context.Context) (*models.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, `
		UPDATE sessions SET status='processing', started_at=COALESCE(started_at, now()),
			last_heartbeat_at=now(), updated_at=now()
		WHERE session_id = (
			SELECT session_id FROM sessions
			WHERE status='queued' AND deleted_at IS NULL
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+sessionColumns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim next queued session: %w", err)
	}
	return row.toModel()
}

// Heartbeat refreshes the liveness timestamp of a processing session.
func (r *SessionRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat_at=$2 WHERE session_id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("heartbeat session %s: %w", id, err)
	}
	return nil
}

// FindStale returns processing sessions whose heartbeat is older than the
// cutoff; their driver is presumed dead.
func (r *SessionRepository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status='processing' AND deleted_at IS NULL
		   AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		 ORDER BY last_heartbeat_at ASC NULLS FIRST LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	return rowsToModels(rows)
}

// CountActive counts sessions currently holding a pipeline slot.
func (r *SessionRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM sessions
		WHERE status IN ('processing', 'waiting_feedback') AND deleted_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ListExpired returns terminal sessions older than the cutoff that have not
// been soft-deleted yet. Cancelled sessions carry no completed_at, so the
// last update stands in for them.
func (r *SessionRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('completed', 'failed', 'cancelled')
		   AND COALESCE(completed_at, updated_at) < $1
		   AND deleted_at IS NULL
		 ORDER BY COALESCE(completed_at, updated_at) ASC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return rowsToModels(rows)
}

// CountQueued counts sessions waiting for a worker.
func (r *SessionRepository) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM sessions
		WHERE status='queued' AND deleted_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("count queued sessions: %w", err)
	}
	return n, nil
}

// SoftDeleteCompletedBefore marks terminal sessions older than the cutoff as
// deleted and returns how many rows were affected. The retention sweep calls
// this on a timer.
func (r *SessionRepository) SoftDeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET deleted_at=now(), updated_at=now()
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND COALESCE(completed_at, updated_at) < $1
		  AND deleted_at IS NULL`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("soft delete sessions: %w", err)
	}
	return res.RowsAffected()
}

func rowsToModels(rows []sessionRow) ([]*models.Session, error) {
	out := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		m, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
