package repository

import (
	"context"
	"database/sql"
	"errors"

	"downloadgate/internal/file"
)

type PostgresFileRepository struct {
	db *sql.DB
}

func NewPostgresFileRepository(db *sql.DB) *PostgresFileRepository {
	return &PostgresFileRepository{db: db}
}

func (r *PostgresFileRepository) Create(ctx context.Context, f *file.File) error {
	query := `
		INSERT INTO files (name, status, is_public, is_premium, resumable, size_bytes, max_downloads,
			package_id, available_from, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, download_count, created_at`

	return r.db.QueryRowContext(ctx, query,
		f.Name, f.Status, f.IsPublic, f.IsPremium, f.Resumable, f.SizeBytes, f.MaxDownloads,
		f.PackageID, f.AvailableFrom, f.ExpiresAt,
	).Scan(&f.ID, &f.DownloadCount, &f.CreatedAt)
}

func (r *PostgresFileRepository) GetByID(ctx context.Context, id int64) (*file.File, error) {
	f := &file.File{}
	var packageID sql.NullInt64
	var availableFrom, expiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, status, is_public, is_premium, resumable, size_bytes, max_downloads, download_count,
			package_id, available_from, expires_at, created_at
		FROM files WHERE id = $1`, id).Scan(
		&f.ID,
		&f.Name,
		&f.Status,
		&f.IsPublic,
		&f.IsPremium,
		&f.Resumable,
		&f.SizeBytes,
		&f.MaxDownloads,
		&f.DownloadCount,
		&packageID,
		&availableFrom,
		&expiresAt,
		&f.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, file.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if packageID.Valid {
		f.PackageID = &packageID.Int64
	}
	if availableFrom.Valid {
		f.AvailableFrom = &availableFrom.Time
	}
	if expiresAt.Valid {
		f.ExpiresAt = &expiresAt.Time
	}
	return f, nil
}

func (r *PostgresFileRepository) IncrementDownloads(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE files SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return file.ErrNotFound
	}
	return nil
}
