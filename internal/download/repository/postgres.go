package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"downloadgate/internal/download"
)

const sessionColumns = `id, parent_session_id, user_id, subscription_id, file_id, status,
	file_size_bytes, bytes_downloaded, bytes_remaining, resume_position, resumable,
	parts, part_index, range_start, download_attempts, max_attempts, retry_count,
	failure_code, failure_message, token, expires_at, started_at, completed_at,
	version, created_at, updated_at`

type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*download.Session, error) {
	s := &download.Session{}
	var (
		parentID    uuid.NullUUID
		subID       sql.NullInt64
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &parentID, &s.UserID, &subID, &s.FileID, &s.Status,
		&s.FileSizeBytes, &s.BytesDownloaded, &s.BytesRemaining, &s.ResumePosition, &s.Resumable,
		&s.Parts, &s.PartIndex, &s.RangeStart, &s.DownloadAttempts, &s.MaxAttempts, &s.RetryCount,
		&s.FailureCode, &s.FailureMessage, &s.Token, &s.ExpiresAt, &startedAt, &completedAt,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		s.ParentID = &parentID.UUID
	}
	if subID.Valid {
		s.SubscriptionID = &subID.Int64
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

// Create inserts a parent and its parts in one transaction.
func (r *PostgresSessionRepository) Create(ctx context.Context, sessions ...*download.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO download_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, 1, $24, $25)`
	for _, s := range sessions {
		if _, err := tx.ExecContext(ctx, query,
			s.ID, nullUUID(s.ParentID), s.UserID, s.SubscriptionID, s.FileID, s.Status,
			s.FileSizeBytes, s.BytesDownloaded, s.BytesRemaining, s.ResumePosition, s.Resumable,
			s.Parts, s.PartIndex, s.RangeStart, s.DownloadAttempts, s.MaxAttempts, s.RetryCount,
			s.FailureCode, s.FailureMessage, s.Token, s.ExpiresAt, s.StartedAt, s.CompletedAt,
			s.CreatedAt, s.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert session %s: %w", s.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, s := range sessions {
		s.Version = 1
	}
	return nil
}

func (r *PostgresSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM download_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, download.ErrNotFound
	}
	return s, err
}

func (r *PostgresSessionRepository) Update(ctx context.Context, s *download.Session, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE download_sessions SET
		status = $1, bytes_downloaded = $2, bytes_remaining = $3, resume_position = $4,
		download_attempts = $5, retry_count = $6, failure_code = $7, failure_message = $8,
		started_at = $9, completed_at = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		s.Status, s.BytesDownloaded, s.BytesRemaining, s.ResumePosition,
		s.DownloadAttempts, s.RetryCount, s.FailureCode, s.FailureMessage,
		s.StartedAt, s.CompletedAt, s.UpdatedAt,
		s.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return download.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	return nil
}

func (r *PostgresSessionRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*download.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM download_sessions
		WHERE parent_session_id = $1 ORDER BY part_index`, parentID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListExpirable returns open sessions past expiry. Failed rows are included
// only while attempts remain.
func (r *PostgresSessionRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*download.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM download_sessions
		WHERE expires_at < $1
		  AND (status IN ('pending', 'started', 'paused', 'resumed')
		    OR (status = 'failed' AND download_attempts < max_attempts))
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*download.Session, error) {
	defer rows.Close()
	var out []*download.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
