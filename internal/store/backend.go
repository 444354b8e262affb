package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("store: key not found")
	// ErrQuotaExceeded is returned by Set when the backend is out of space.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
)

// Backend is a small key-value surface shared by the memory, file and Redis
// implementations. Values are opaque bytes.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// EvictOldest removes up to n of the least recently written keys,
	// never touching keep, and reports how many were removed.
	EvictOldest(ctx context.Context, n int, keep string) (int, error)
}
