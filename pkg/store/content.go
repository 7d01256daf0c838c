package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// GeneratedContentRepository persists content artifacts with deduplication on
// (session, phase, type, hash): saving a duplicate returns the existing row's
// id instead of inserting.
type GeneratedContentRepository struct {
	db *sqlx.DB
}

const contentColumns = `content_id, session_id, phase_number, content_type, content_hash,
	data, status, quality_score, generated_by, created_at, archived_at`

// Save inserts the artifact, or on a hash collision returns the id of the
// already-stored row. The returned id is authoritative.
func (r *GeneratedContentRepository) Save(ctx context.Context, c *models.GeneratedContent) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO generated_content (content_id, session_id, phase_number, content_type,
			content_hash, data, status, quality_score, generated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, phase_number, content_type, content_hash)
			DO UPDATE SET status=generated_content.status
		RETURNING content_id`,
		c.ID, c.SessionID, c.PhaseNumber, c.ContentType,
		c.ContentHash, []byte(c.Data), c.Status, c.QualityScore, c.GeneratedBy, c.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("save content for session %s phase %d: %w", c.SessionID, c.PhaseNumber, err)
	}
	return id, nil
}

// Get loads one artifact by id.
func (r *GeneratedContentRepository) Get(ctx context.Context, id string) (*models.GeneratedContent, error) {
	var c models.GeneratedContent
	err := r.db.GetContext(ctx, &c,
		`SELECT `+contentColumns+` FROM generated_content WHERE content_id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}
	return &c, nil
}

// ListBySession returns a session's artifacts, optionally filtered by phase
// (phase 0 means all phases).
func (r *GeneratedContentRepository) ListBySession(ctx context.Context, sessionID string, phase int) ([]*models.GeneratedContent, error) {
	query := `SELECT ` + contentColumns + ` FROM generated_content WHERE session_id=$1`
	args := []any{sessionID}
	if phase > 0 {
		query += ` AND phase_number=$2`
		args = append(args, phase)
	}
	query += ` ORDER BY phase_number ASC, created_at ASC`

	var out []*models.GeneratedContent
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list content for session %s: %w", sessionID, err)
	}
	return out, nil
}

// UpdateStatus moves an artifact through its review lifecycle.
func (r *GeneratedContentRepository) UpdateStatus(ctx context.Context, id string, status models.ContentStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE generated_content SET status=$2 WHERE content_id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update content %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveBySession marks all of a session's artifacts archived; the retention
// sweep uses it before soft-deleting the session.
func (r *GeneratedContentRepository) ArchiveBySession(ctx context.Context, sessionID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generated_content SET status='archived', archived_at=now()
		WHERE session_id=$1 AND status != 'archived'`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("archive content for session %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}
