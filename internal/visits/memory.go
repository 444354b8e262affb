package visits

import (
	"context"
	"sync"
)

const DefaultMemoryCapacity = 1000

// MemoryRepository keeps the most recent visits in a fixed-size ring.
type MemoryRepository struct {
	mu    sync.RWMutex
	ring  []Visit
	next  int
	count int
	byID  map[string]int
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRepository{
		ring: make([]Visit, capacity),
		byID: make(map[string]int, capacity),
	}
}

func (r *MemoryRepository) Save(_ context.Context, v Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.byID[v.ID]; ok {
		r.ring[i] = v
		return nil
	}
	if r.count == len(r.ring) {
		delete(r.byID, r.ring[r.next].ID)
	} else {
		r.count++
	}
	r.ring[r.next] = v
	r.byID[v.ID] = r.next
	r.next = (r.next + 1) % len(r.ring)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byID[id]
	if !ok {
		return Visit{}, ErrNotFound
	}
	return r.ring[i], nil
}

func (r *MemoryRepository) List(_ context.Context, limit int) ([]Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = clampLimit(limit)
	if limit > r.count {
		limit = r.count
	}
	out := make([]Visit, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out, nil
}
