package ipintel

import (
	"sync"
	"time"
)

const DefaultCacheTTL = 600 * time.Second

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Cache holds merged results per input IP for a fixed TTL. Failure-only
// results are cached too.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache builds a cache; now may be nil.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

func (c *Cache) Get(ip string) (Result, bool) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.entries[ip]
	c.mu.RUnlock()
	if !ok || !now.Before(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result.clone(), true
}

// Set stores result and prunes expired entries.
func (c *Cache) Set(ip string, result Result) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[ip] = cacheEntry{result: result.clone(), expiresAt: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// clone copies the slices so cached entries never share backing arrays
// with callers.
func (r Result) clone() Result {
	if r.Reasons != nil {
		r.Reasons = append([]string(nil), r.Reasons...)
	}
	if r.Providers != nil {
		r.Providers = append([]string(nil), r.Providers...)
	}
	return r
}
