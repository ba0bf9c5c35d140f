package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	attempts    int64
	windowStart time.Time
	resetAt     time.Time
}

// MemoryStore keeps counters in process memory. Suitable for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, decay time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &memoryBucket{windowStart: now, resetAt: now.Add(decay)}
		s.buckets[key] = b
	}
	b.attempts++
	return b.attempts, b.resetAt, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !s.now().Before(b.resetAt) {
		return 0, time.Time{}, nil
	}
	return b.attempts, b.resetAt, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Prune removes expired buckets and returns how many were dropped.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, b := range s.buckets {
		if !now.Before(b.resetAt) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked buckets.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
