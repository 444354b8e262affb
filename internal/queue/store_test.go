package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zyn-codes/somatic/internal/store"
)

func newEnvelope(id string) Envelope {
	return Envelope{
		ID:        id,
		CreatedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Status:    StatusPending,
		Payload:   json.RawMessage(`{"id":"` + id + `"}`),
	}
}

func TestStoreReadToleratesMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	s := NewStore(backend, StoreConfig{Namespace: "t"}, nil)

	if got := s.Read(ctx); len(got) != 0 {
		t.Fatalf("missing key should read empty, got %d", len(got))
	}

	_ = backend.Set(ctx, s.Key(), []byte("{not json"))
	if got := s.Read(ctx); len(got) != 0 {
		t.Fatalf("corrupt key should read empty, got %d", len(got))
	}

	_ = backend.Set(ctx, s.Key(), []byte(`[{"id":""},{"id":"ok","status":"pending","payload":{}}]`))
	got := s.Read(ctx)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("entries without id should be skipped, got %+v", got)
	}
}

func TestStorePushEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryBackend(), StoreConfig{Namespace: "t", MaxLength: 3}, nil)

	for i := 1; i <= 5; i++ {
		if err := s.Push(ctx, newEnvelope(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Read(ctx)
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0].ID != "e3" || got[2].ID != "e5" {
		t.Fatalf("expected e3..e5, got %s..%s", got[0].ID, got[2].ID)
	}
}

func TestStorePushRejectsOversize(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	s := NewStore(backend, StoreConfig{Namespace: "t", MaxPayloadSize: 32}, nil)

	if err := s.Push(ctx, newEnvelope("small")); err != nil {
		t.Fatal(err)
	}
	before, _ := backend.Get(ctx, s.Key())

	big := newEnvelope("big")
	big.Payload = json.RawMessage(`{"blob":"` + string(bytes.Repeat([]byte("x"), 64)) + `"}`)
	err := s.Push(ctx, big)
	if !errors.Is(err, ErrPayloadTooLarge) || !errors.Is(err, ErrFatal) {
		t.Fatalf("expected fatal oversize error, got %v", err)
	}

	after, _ := backend.Get(ctx, s.Key())
	if !bytes.Equal(before, after) {
		t.Fatal("store changed after rejected push")
	}
}

func TestStoreRemoveAndUpdateAbsentID(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryBackend(), StoreConfig{Namespace: "t"}, nil)
	_ = s.Push(ctx, newEnvelope("a"))

	s.Remove(ctx, "nope")
	if ok := s.Update(ctx, "nope", func(e *Envelope) { e.Attempts = 9 }); ok {
		t.Fatal("update of absent id should report false")
	}

	got := s.Read(ctx)
	if len(got) != 1 || got[0].Attempts != 0 {
		t.Fatalf("store should be untouched, got %+v", got)
	}

	s.Update(ctx, "a", func(e *Envelope) { e.Attempts = 2 })
	if got := s.Read(ctx); got[0].Attempts != 2 {
		t.Fatalf("update not persisted: %+v", got[0])
	}
	s.Remove(ctx, "a")
	if s.Len(ctx) != 0 {
		t.Fatal("remove did not delete")
	}
}

func TestStoreWriteEvictsUnrelatedKeysOnQuota(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackendWithQuota(400)
	s := NewStore(backend, StoreConfig{Namespace: "t"}, nil)

	filler := bytes.Repeat([]byte("f"), 100)
	for i := 0; i < 3; i++ {
		if err := backend.Set(ctx, fmt.Sprintf("t:cache%d", i), filler); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Push(ctx, newEnvelope("a")); err != nil {
		t.Fatal(err)
	}
	got := s.Read(ctx)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("push should succeed after eviction, got %+v", got)
	}
	if _, err := backend.Get(ctx, "t:cache0"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("oldest unrelated key should have been evicted, got %v", err)
	}
}

func TestStoreWriteDropsSilentlyWhenStillFull(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackendWithQuota(40)
	s := NewStore(backend, StoreConfig{Namespace: "t"}, nil)

	// nothing to evict and the envelope alone exceeds the quota
	if err := s.Push(ctx, newEnvelope("a")); err != nil {
		t.Fatalf("write failures must not surface, got %v", err)
	}
	if got := s.Read(ctx); len(got) != 0 {
		t.Fatalf("write should have been dropped, got %+v", got)
	}
}

func TestStoreValidateRejectsInvalidJSON(t *testing.T) {
	s := NewStore(store.NewMemoryBackend(), StoreConfig{}, nil)
	if err := s.Validate(json.RawMessage(`{"a":`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}
