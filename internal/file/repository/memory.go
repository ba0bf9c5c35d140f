package repository

import (
	"context"
	"sync"
	"time"

	"downloadgate/internal/file"
)

type MemoryFileRepository struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]*file.File
}

func NewMemoryFileRepository() *MemoryFileRepository {
	return &MemoryFileRepository{items: make(map[int64]*file.File)}
}

func (r *MemoryFileRepository) Create(_ context.Context, f *file.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.ID == 0 {
		r.nextID++
		f.ID = r.nextID
	} else if f.ID > r.nextID {
		r.nextID = f.ID
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	cp := *f
	r.items[f.ID] = &cp
	return nil
}

func (r *MemoryFileRepository) GetByID(_ context.Context, id int64) (*file.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.items[id]
	if !ok {
		return nil, file.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *MemoryFileRepository) IncrementDownloads(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.items[id]
	if !ok {
		return file.ErrNotFound
	}
	f.DownloadCount++
	return nil
}
