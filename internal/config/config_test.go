package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")

	cfg := Load()
	if cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Delivery.Timeout != 25*time.Second {
		t.Fatalf("expected 25s delivery timeout, got %s", cfg.Delivery.Timeout)
	}
	if cfg.IPIntel.CacheTTL != 600*time.Second {
		t.Fatalf("expected 600s cache ttl, got %s", cfg.IPIntel.CacheTTL)
	}
	if cfg.Queue.MaxAge != 7*24*time.Hour {
		t.Fatalf("expected 7d max age, got %s", cfg.Queue.MaxAge)
	}
	if cfg.Limits.API != (RateLimitConfig{Requests: 50, Window: 5 * time.Minute}) {
		t.Fatalf("unexpected api limit %+v", cfg.Limits.API)
	}
	if cfg.Admin.MaxFailedAttempts != 5 || cfg.Admin.LockoutDuration != 15*time.Minute {
		t.Fatalf("unexpected admin lockout %+v", cfg.Admin)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "somatic.yaml")
	body := []byte(`
queue:
  backend: redis
  maxRetries: 7
  sweepInterval: 10s
ipintel:
  ipInfoToken: from-file
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(configPathEnv, path)
	t.Setenv("QUEUE_MAX_RETRIES", "9")
	t.Setenv("QUEUE_MIN_BACKOFF", "4")
	t.Setenv("BACKEND_URL", "https://api.example.org/")

	cfg := Load()
	if cfg.Queue.Backend != "redis" {
		t.Fatalf("expected backend from file, got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxRetries != 9 {
		t.Fatalf("env must win over file, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.SweepInterval != 10*time.Second {
		t.Fatalf("expected 10s sweep interval, got %s", cfg.Queue.SweepInterval)
	}
	if cfg.Queue.MinBackoff != 4*time.Second {
		t.Fatalf("plain seconds should parse, got %s", cfg.Queue.MinBackoff)
	}
	if cfg.IPIntel.IPInfoToken != "from-file" {
		t.Fatalf("expected token from file, got %q", cfg.IPIntel.IPInfoToken)
	}
	if cfg.Delivery.BaseURL != "https://api.example.org" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.Delivery.BaseURL)
	}
	// untouched defaults survive the overlay
	if cfg.Queue.MaxLength != 100 {
		t.Fatalf("expected default max length, got %d", cfg.Queue.MaxLength)
	}
}

func TestLoadBrokenFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("queue: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configPathEnv, path)

	cfg := Load()
	if cfg.Queue.Backend != "file" {
		t.Fatalf("expected defaults after parse error, got %q", cfg.Queue.Backend)
	}
}
