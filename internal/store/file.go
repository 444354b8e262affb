package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	fileSuffix = ".json"
	tempPrefix = ".tmp-"
	// temp files older than this were abandoned by an interrupted Set
	staleTempAge = time.Minute
)

// FileBackend stores one file per key inside a directory. Writes go through a
// temp file and rename so a crash never leaves a half-written value.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, url.QueryEscape(key)+fileSuffix)
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(b.dir, tempPrefix+"*")
	if err != nil {
		return wrapDiskErr(key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return wrapDiskErr(key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return wrapDiskErr(key, err)
	}
	if err := os.Rename(tmpName, b.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return wrapDiskErr(key, err)
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// EvictOldest also sweeps stale temp files; they count toward the result but
// not toward n.
func (b *FileBackend) EvictOldest(_ context.Context, n int, keep string) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("list store dir: %w", err)
	}

	keepName := filepath.Base(b.path(keep))
	type aged struct {
		name string
		mod  time.Time
	}
	candidates := make([]aged, 0, len(entries))
	staleBefore := time.Now().Add(-staleTempAge)
	temps := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == keepName {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(name, tempPrefix) {
			if info.ModTime().Before(staleBefore) && os.Remove(filepath.Join(b.dir, name)) == nil {
				temps++
			}
			continue
		}
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		candidates = append(candidates, aged{name: name, mod: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mod.Before(candidates[j].mod) })

	removed := 0
	for _, c := range candidates {
		if removed >= n {
			break
		}
		if err := os.Remove(filepath.Join(b.dir, c.name)); err == nil {
			removed++
		}
	}
	return removed + temps, nil
}

func wrapDiskErr(key string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("write %s: %w", key, ErrQuotaExceeded)
	}
	return fmt.Errorf("write %s: %w", key, err)
}
