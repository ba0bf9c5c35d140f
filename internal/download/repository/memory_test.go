package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"downloadgate/internal/download"
)

func TestMemory_UpdateAndListings(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	now := time.Now()

	parent := download.NewSession(1, 2, 10, true, 3, "p", now, time.Hour)
	parent.Parts = 2
	var parts []*download.Session
	for i := 1; i >= 0; i-- {
		c := download.NewSession(1, 2, 5, true, 3, "c", now, time.Hour)
		c.ParentID = &parent.ID
		c.PartIndex = i
		parts = append(parts, &c)
	}
	require.NoError(t, repo.Create(ctx, append([]*download.Session{&parent}, parts...)...))
	assert.ErrorIs(t, repo.Create(ctx, &parent), download.ErrVersionConflict)

	children, err := repo.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, 0, children[0].PartIndex)

	cur, err := repo.GetByID(ctx, parent.ID)
	require.NoError(t, err)
	cancelled, err := cur.Cancel(now)
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, &cancelled, cur.Version))
	assert.ErrorIs(t, repo.Update(ctx, &cancelled, cur.Version), download.ErrVersionConflict)

	due, err := repo.ListExpirable(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2, "cancelled parent is not expirable")
}
