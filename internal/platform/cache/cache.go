// Package cache is the cache-aside port used by read paths, keyed by tenant and id.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is keyed by tenant and id. When T implements Versioned, Put keeps
// the entry with the highest version, so a reader that loaded an older row
// cannot overwrite a newer one written through after an update.
type Cache[T any] interface {
	Get(ctx context.Context, tenantID, id string) (T, bool, error)
	Put(ctx context.Context, tenantID, id string, value T) error
	Invalidate(ctx context.Context, tenantID, id string) error
}

type Versioned interface {
	CacheVersion() int64
}

// supersedes reports whether next may replace current.
func supersedes[T any](current, next T) bool {
	cv, ok := any(current).(Versioned)
	if !ok {
		return true
	}
	nv, ok := any(next).(Versioned)
	if !ok {
		return true
	}
	return nv.CacheVersion() >= cv.CacheVersion()
}

func key(namespace, tenantID, id string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, tenantID, id)
}

// RedisCache stores JSON-encoded values with a fixed TTL.
type RedisCache[T any] struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

func NewRedisCache[T any](client redis.UniversalClient, namespace string, ttl time.Duration) *RedisCache[T] {
	return &RedisCache[T]{client: client, namespace: namespace, ttl: ttl}
}

func (c *RedisCache[T]) Get(ctx context.Context, tenantID, id string) (T, bool, error) {
	var zero T
	raw, err := c.client.Get(ctx, key(c.namespace, tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache get: %w", err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, false, fmt.Errorf("cache decode: %w", err)
	}
	return value, true, nil
}

func (c *RedisCache[T]) Put(ctx context.Context, tenantID, id string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	k := key(c.namespace, tenantID, id)
	if _, ok := any(value).(Versioned); !ok {
		if err := c.client.Set(ctx, k, raw, c.ttl).Err(); err != nil {
			return fmt.Errorf("cache put: %w", err)
		}
		return nil
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, k).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var current T
			if json.Unmarshal(existing, &current) == nil && !supersedes(current, value) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return p.Set(ctx, k, raw, c.ttl).Err()
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost to a concurrent writer; drop the key so the next read reloads.
		return c.Invalidate(ctx, tenantID, id)
	}
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *RedisCache[T]) Invalidate(ctx context.Context, tenantID, id string) error {
	if err := c.client.Del(ctx, key(c.namespace, tenantID, id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryCache is a process-local cache used in tests and memory-mode runs.
type MemoryCache[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry[T]
}

func NewMemoryCache[T any](ttl time.Duration) *MemoryCache[T] {
	return &MemoryCache[T]{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry[T])}
}

func (c *MemoryCache[T]) Get(_ context.Context, tenantID, id string) (T, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key("", tenantID, id)]
	c.mu.RUnlock()

	var zero T
	if !ok {
		return zero, false, nil
	}
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key("", tenantID, id))
		c.mu.Unlock()
		return zero, false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache[T]) Put(_ context.Context, tenantID, id string, value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key("", tenantID, id)
	if entry, ok := c.entries[k]; ok && (c.ttl <= 0 || !c.now().After(entry.expiresAt)) && !supersedes(entry.value, value) {
		return nil
	}
	c.entries[k] = memoryEntry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache[T]) Invalidate(_ context.Context, tenantID, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key("", tenantID, id))
	return nil
}

// Noop never stores anything; every Get is a miss.
type Noop[T any] struct{}

func (Noop[T]) Get(context.Context, string, string) (T, bool, error) {
	var zero T
	return zero, false, nil
}
func (Noop[T]) Put(context.Context, string, string, T) error    { return nil }
func (Noop[T]) Invalidate(context.Context, string, string) error { return nil }
