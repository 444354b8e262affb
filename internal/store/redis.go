package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps values as plain Redis strings. Eviction is limited to
// keys under the namespace prefix.
type RedisBackend struct {
	client    *redis.Client
	namespace string
}

// NewRedisBackend connects and pings before returning.
func NewRedisBackend(ctx context.Context, addr string, db int, namespace string) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}
	return NewRedisBackendFromClient(rdb, namespace), nil
}

func NewRedisBackendFromClient(rdb *redis.Client, namespace string) *RedisBackend {
	return &RedisBackend{client: rdb, namespace: namespace}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		// maxmemory with noeviction answers "OOM command not allowed ..."
		if strings.HasPrefix(err.Error(), "OOM") {
			return fmt.Errorf("redis set %s: %w", key, ErrQuotaExceeded)
		}
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) EvictOldest(ctx context.Context, n int, keep string) (int, error) {
	type aged struct {
		key  string
		idle time.Duration
	}

	var candidates []aged
	iter := b.client.Scan(ctx, 0, b.namespace+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == keep {
			continue
		}
		idle, err := b.client.ObjectIdleTime(ctx, key).Result()
		if err != nil {
			continue
		}
		candidates = append(candidates, aged{key: key, idle: idle})
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan %s: %w", b.namespace, err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].idle > candidates[j].idle })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	removed, err := b.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis evict: %w", err)
	}
	return int(removed), nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
