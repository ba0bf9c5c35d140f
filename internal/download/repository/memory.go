package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"downloadgate/internal/download"
)

type MemorySessionRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*download.Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{items: make(map[uuid.UUID]*download.Session)}
}

// Create stores all sessions or none.
func (r *MemorySessionRepository) Create(_ context.Context, sessions ...*download.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range sessions {
		if _, ok := r.items[s.ID]; ok {
			return download.ErrVersionConflict
		}
	}
	for _, s := range sessions {
		s.Version = 1
		cp := *s
		r.items[s.ID] = &cp
	}
	return nil
}

func (r *MemorySessionRepository) GetByID(_ context.Context, id uuid.UUID) (*download.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.items[id]
	if !ok {
		return nil, download.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemorySessionRepository) Update(_ context.Context, s *download.Session, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[s.ID]
	if !ok {
		return download.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return download.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	cp := *s
	r.items[s.ID] = &cp
	return nil
}

func (r *MemorySessionRepository) ListChildren(_ context.Context, parentID uuid.UUID) ([]*download.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*download.Session
	for _, s := range r.items {
		if s.ParentID != nil && *s.ParentID == parentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartIndex < out[j].PartIndex })
	return out, nil
}

// ListExpirable returns open sessions whose expiry has passed, oldest first.
func (r *MemorySessionRepository) ListExpirable(_ context.Context, now time.Time, limit int) ([]*download.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*download.Session
	for _, s := range r.items {
		if s.IsTerminal() || !s.PastExpiry(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
