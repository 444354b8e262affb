package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func exerciseBackend(t *testing.T, b Backend, ns string) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, ns+":missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if err := b.Set(ctx, ns+":"+k, []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
		time.Sleep(15 * time.Millisecond) // distinct mtimes / idle times
	}

	got, err := b.Get(ctx, ns+":b")
	if err != nil || string(got) != "b" {
		t.Fatalf("get b: %q %v", got, err)
	}

	removed, err := b.EvictOldest(ctx, 1, ns+":a")
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := b.Get(ctx, ns+":a"); err != nil {
		t.Fatalf("kept key must survive eviction: %v", err)
	}

	if err := b.Delete(ctx, ns+":c"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, ns+":c"); err != nil {
		t.Fatalf("deleting twice should be fine: %v", err)
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend(), "t")
}

func TestMemoryBackendEvictsInWriteOrder(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	_ = b.Set(ctx, "first", []byte("1"))
	_ = b.Set(ctx, "second", []byte("2"))
	_ = b.Set(ctx, "third", []byte("3"))

	if n, _ := b.EvictOldest(ctx, 2, "first"); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	if _, err := b.Get(ctx, "third"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("third should be gone, got %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("expected only the kept key, got %d keys", b.Len())
	}
}

func TestMemoryBackendQuota(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackendWithQuota(20)

	if err := b.Set(ctx, "k", []byte("0123456789")); err != nil {
		t.Fatalf("first set fits: %v", err)
	}
	if err := b.Set(ctx, "other", []byte("0123456789")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	// replacing an existing key only counts the new value
	if err := b.Set(ctx, "k", []byte("abcdefghij")); err != nil {
		t.Fatalf("overwrite should fit: %v", err)
	}
}

func TestFileBackend(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exerciseBackend(t, b, "somatic")
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set (integration test)")
	}

	ns := "somatic_test_" + time.Now().UTC().Format("150405.000000")
	b, err := NewRedisBackend(context.Background(), addr, 0, ns)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	t.Cleanup(func() {
		ctx := context.Background()
		for _, k := range []string{"a", "b", "c"} {
			_ = b.Delete(ctx, ns+":"+k)
		}
	})

	// OBJECT IDLETIME has one-second resolution
	ctx := context.Background()
	_ = b.Set(ctx, ns+":a", []byte("a"))
	_ = b.Set(ctx, ns+":b", []byte("b"))
	time.Sleep(1100 * time.Millisecond)
	_ = b.Set(ctx, ns+":c", []byte("c"))

	removed, err := b.EvictOldest(ctx, 1, ns+":a")
	if err != nil || removed != 1 {
		t.Fatalf("evict: %d %v", removed, err)
	}
	if _, err := b.Get(ctx, ns+":b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle key b should be evicted, got %v", err)
	}
	if _, err := b.Get(ctx, ns+":c"); err != nil {
		t.Fatalf("fresh key c should survive: %v", err)
	}
}

func TestFileBackendEvictSweepsStaleTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, "q:keep", []byte("x")); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(dir, tempPrefix+"crashed")
	fresh := filepath.Join(dir, tempPrefix+"inflight")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("partial"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * staleTempAge)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := b.EvictOldest(ctx, 1, "q:keep")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale temp file not swept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("temp file of a write in progress must survive")
	}
	if _, err := b.Get(ctx, "q:keep"); err != nil {
		t.Fatal("kept key evicted")
	}
}
