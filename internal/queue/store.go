package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/store"
)

const (
	DefaultMaxLength      = 100
	DefaultMaxPayloadSize = 256 << 10
	queueKeySuffix        = ":submission_queue"
	evictBatch            = 3
)

type StoreConfig struct {
	Namespace      string
	MaxLength      int
	MaxPayloadSize int
}

// Store persists the whole queue as one JSON array under a namespaced key.
// It never surfaces backend failures: unreadable data reads as an empty
// queue and failed writes are dropped after one eviction-and-retry.
type Store struct {
	backend    store.Backend
	key        string
	maxLength  int
	maxPayload int
	logger     *slog.Logger
	mu         sync.Mutex
}

func NewStore(backend store.Backend, cfg StoreConfig, logger *slog.Logger) *Store {
	if cfg.Namespace == "" {
		cfg.Namespace = "somatic"
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return &Store{
		backend:    backend,
		key:        cfg.Namespace + queueKeySuffix,
		maxLength:  cfg.MaxLength,
		maxPayload: cfg.MaxPayloadSize,
		logger:     logging.OrDefault(logger).With("component", "queue-store"),
	}
}

// Key is the backend key holding the queue.
func (s *Store) Key() string { return s.key }

// Validate rejects payloads that can never be stored.
func (s *Store) Validate(payload json.RawMessage) error {
	if len(payload) > s.maxPayload {
		return ErrPayloadTooLarge
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return nil
}

func (s *Store) Read(ctx context.Context) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

func (s *Store) Write(ctx context.Context, items []Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(ctx, items)
}

func (s *Store) Len(ctx context.Context) int {
	return len(s.Read(ctx))
}

// Push appends item, evicting the oldest entries beyond the length limit.
func (s *Store) Push(ctx context.Context, item Envelope) error {
	if err := s.Validate(item.Payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := append(s.read(ctx), item)
	if over := len(items) - s.maxLength; over > 0 {
		s.logger.Warn("queue full, evicting oldest submissions", "evicted", over, "max", s.maxLength)
		items = items[over:]
	}
	s.write(ctx, items)
	return nil
}

// Remove deletes the envelope with id; absent ids are ignored.
func (s *Store) Remove(ctx context.Context, id string) {
	s.RemoveWhere(ctx, func(e Envelope) bool { return e.ID == id })
}

// RemoveWhere deletes every envelope matching pred and reports how many went.
func (s *Store) RemoveWhere(ctx context.Context, pred func(Envelope) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.read(ctx)
	kept := items[:0]
	for _, it := range items {
		if !pred(it) {
			kept = append(kept, it)
		}
	}
	removed := len(items) - len(kept)
	if removed > 0 {
		s.write(ctx, kept)
	}
	return removed
}

// Update applies fn to the envelope with id and persists the result. It
// reports false, without writing, when id is absent.
func (s *Store) Update(ctx context.Context, id string, fn func(*Envelope)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.read(ctx)
	for i := range items {
		if items[i].ID == id {
			fn(&items[i])
			s.write(ctx, items)
			return true
		}
	}
	return false
}

// UpdateWhere applies fn to every envelope matching pred.
func (s *Store) UpdateWhere(ctx context.Context, pred func(Envelope) bool, fn func(*Envelope)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.read(ctx)
	n := 0
	for i := range items {
		if pred(items[i]) {
			fn(&items[i])
			n++
		}
	}
	if n > 0 {
		s.write(ctx, items)
	}
	return n
}

func (s *Store) read(ctx context.Context) []Envelope {
	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("queue unreadable, treating as empty", "error", err)
		}
		return []Envelope{}
	}

	var items []Envelope
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.Warn("queue corrupted, treating as empty", "error", err)
		return []Envelope{}
	}

	out := items[:0]
	for _, it := range items {
		if it.ID != "" {
			out = append(out, it)
		}
	}
	return out
}

func (s *Store) write(ctx context.Context, items []Envelope) {
	raw, err := json.Marshal(items)
	if err != nil {
		s.logger.Error("queue not serializable, dropping write", "error", err)
		return
	}

	err = s.backend.Set(ctx, s.key, raw)
	if err == nil {
		return
	}
	s.logger.Warn("queue write failed, evicting old keys", "error", err)

	if n, evictErr := s.backend.EvictOldest(ctx, evictBatch, s.key); evictErr != nil {
		s.logger.Warn("eviction failed", "error", evictErr)
	} else {
		s.logger.Info("evicted stale keys", "count", n)
	}

	if err := s.backend.Set(ctx, s.key, raw); err != nil {
		s.logger.Error("queue write dropped", "error", err, "items", len(items))
	}
}
