package repository

import (
	"context"
	"database/sql"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"downloadgate/internal/file"
)

func TestMemory_IncrementDownloadsConcurrent(t *testing.T) {
	repo := NewMemoryFileRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &file.File{Name: "a.zip", Status: file.StatusActive}))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.IncrementDownloads(ctx, 1))
		}()
	}
	wg.Wait()

	f, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), f.DownloadCount)

	assert.ErrorIs(t, repo.IncrementDownloads(ctx, 9), file.ErrNotFound)
}

func TestPostgres_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresFileRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM files WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "status", "is_public", "is_premium", "resumable", "size_bytes", "max_downloads",
			"download_count", "package_id", "available_from", "expires_at", "created_at",
		}).AddRow(3, "movie.mkv", "active", false, true, true, 1_000_000, 5, 2, nil, now, nil, now))

	f, err := repo.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, file.StatusActive, f.Status)
	assert.True(t, f.IsPremium)
	assert.Nil(t, f.PackageID)
	require.NotNil(t, f.AvailableFrom)
	assert.Nil(t, f.ExpiresAt)

	mock.ExpectQuery("FROM files").WillReturnError(sql.ErrNoRows)
	_, err = repo.GetByID(context.Background(), 4)
	assert.ErrorIs(t, err, file.ErrNotFound)
}

func TestPostgres_IncrementDownloads(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresFileRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("SET download_count = download_count + 1")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.IncrementDownloads(context.Background(), 3))

	mock.ExpectExec("UPDATE files").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.IncrementDownloads(context.Background(), 8), file.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
