package store

import (
	"context"
	"sort"
	"sync"
)

type memEntry struct {
	value []byte
	seq   uint64
}

// MemoryBackend keeps values in process memory. An optional byte quota makes
// Set fail with ErrQuotaExceeded the way browser storage does when full.
type MemoryBackend struct {
	mu    sync.Mutex
	data  map[string]memEntry
	seq   uint64
	quota int
}

func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithQuota(0)
}

// NewMemoryBackendWithQuota limits the sum of key and value lengths to quota
// bytes; zero means unlimited.
func NewMemoryBackendWithQuota(quota int) *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memEntry), quota: quota}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quota > 0 {
		used := len(key) + len(value)
		for k, e := range b.data {
			if k != key {
				used += len(k) + len(e.value)
			}
		}
		if used > b.quota {
			return ErrQuotaExceeded
		}
	}

	b.seq++
	v := make([]byte, len(value))
	copy(v, value)
	b.data[key] = memEntry{value: v, seq: b.seq}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) EvictOldest(_ context.Context, n int, keep string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	type aged struct {
		key string
		seq uint64
	}
	candidates := make([]aged, 0, len(b.data))
	for k, e := range b.data {
		if k != keep {
			candidates = append(candidates, aged{key: k, seq: e.seq})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	removed := 0
	for _, c := range candidates {
		if removed >= n {
			break
		}
		delete(b.data, c.key)
		removed++
	}
	return removed, nil
}

// Len reports the number of stored keys.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
