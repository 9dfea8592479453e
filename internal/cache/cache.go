// Package cache provides Redis caching utilities for the application.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forum/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	FeedKeyPrefix = "feed:%s"
	feedIndexKey  = "feed:keys"
)

// Cache is a JSON cache over Redis. A nil client turns every call into a
// pass-through so the service keeps working without a cache.
type Cache struct {
	client *redis.Client
	prefix string
}

// New returns a Cache storing keys under prefix.
func New(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// GetJSON attempts to get the key from Redis and unmarshal into dest.
// Returns (true, nil) if found and unmarshaled, (false, nil) if not found.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	s, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and sets the key with TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), b, ttl).Err()
}

// Aside tries Redis first, on miss it calls fetch (which should populate dest),
// then stores the result in Redis with ttl. fetch must write into dest.
func (c *Cache) Aside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	found, err := c.GetJSON(ctx, key, dest)
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if found {
		observability.FeedCacheResults.WithLabelValues("hit").Inc()
		return nil
	}
	observability.FeedCacheResults.WithLabelValues("miss").Inc()

	if err := fetch(); err != nil {
		return err
	}

	if ttl <= 0 {
		return nil
	}
	// Best-effort store.
	if err := c.SetJSON(ctx, key, dest, ttl); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, c.key(key))
}

// FeedKey builds the cache key of one feed query.
func FeedKey(sort string, limit int, search string) string {
	return fmt.Sprintf(FeedKeyPrefix, fmt.Sprintf("%s:%d:%s", sort, limit, strings.ToLower(search)))
}

// FeedAside is Aside for feed keys; each key is tracked so InvalidateFeeds
// can drop all of them at once.
func (c *Cache) FeedAside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	if err := c.Aside(ctx, key, dest, ttl, fetch); err != nil {
		return err
	}
	if c != nil && c.client != nil && ttl > 0 {
		c.client.SAdd(ctx, c.key(feedIndexKey), key)
	}
	return nil
}

// InvalidateFeeds drops every cached feed query.
func (c *Cache) InvalidateFeeds(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	keys, err := c.client.SMembers(ctx, c.key(feedIndexKey)).Result()
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "feed cache invalidation failed", slog.String("error", err.Error()))
		return
	}
	full := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		full = append(full, c.key(k))
	}
	full = append(full, c.key(feedIndexKey))
	c.client.Del(ctx, full...)
}
