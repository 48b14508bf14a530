package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of answers kept in process.
const DefaultCacheSize = 256

// AnswerCache stores generated answers by key.
type AnswerCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, answer string)
	Close() error
}

// LRUCache keeps answers in process memory.
type LRUCache struct {
	cache *lru.Cache[string, string]
}

// NewLRUCache creates an in-process cache holding up to size answers.
func NewLRUCache(size int) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, string](size)
	return &LRUCache{cache: cache}
}

// Get implements AnswerCache.
func (c *LRUCache) Get(_ context.Context, key string) (string, bool) {
	return c.cache.Get(key)
}

// Set implements AnswerCache.
func (c *LRUCache) Set(_ context.Context, key, answer string) {
	c.cache.Add(key, answer)
}

// Len returns the number of cached answers.
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Close implements AnswerCache.
func (c *LRUCache) Close() error {
	c.cache.Purge()
	return nil
}

const redisKeyPrefix = "docindex:answer:"

// RedisCache shares answers between processes through Redis.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to addr and verifies the connection with a PING.
func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

// Get implements AnswerCache. Lookup failures count as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	answer, err := c.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("answer_cache_get_failed", slog.String("error", err.Error()))
		}
		return "", false
	}
	return answer, true
}

// Set implements AnswerCache.
func (c *RedisCache) Set(ctx context.Context, key, answer string) {
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, answer, c.ttl).Err(); err != nil {
		slog.Warn("answer_cache_set_failed", slog.String("error", err.Error()))
	}
}

// Close implements AnswerCache.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// CachedGenerator serves repeated queries from an AnswerCache and collapses
// concurrent identical queries into one call to the wrapped generator.
type CachedGenerator struct {
	inner Generator
	cache AnswerCache
	model string
	group singleflight.Group
}

// NewCachedGenerator wraps inner. model is folded into cache keys so answers
// from different models never mix.
func NewCachedGenerator(inner Generator, cache AnswerCache, model string) *CachedGenerator {
	return &CachedGenerator{inner: inner, cache: cache, model: model}
}

// Generate implements Generator. Failures are never cached.
func (c *CachedGenerator) Generate(ctx context.Context, query string) (string, error) {
	key := c.cacheKey(query)
	if answer, ok := c.cache.Get(ctx, key); ok {
		return answer, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		if answer, ok := c.cache.Get(ctx, key); ok {
			return answer, nil
		}
		answer, err := c.inner.Generate(ctx, query)
		if err != nil {
			return "", err
		}
		c.cache.Set(ctx, key, answer)
		return answer, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("fallback_answer_shared", slog.String("key", key[:12]))
	}
	return v.(string), nil
}

// cacheKey normalizes whitespace and case so trivially different spellings
// of a query share one answer.
func (c *CachedGenerator) cacheKey(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	hash := sha256.Sum256([]byte(c.model + "\x00" + normalized))
	return hex.EncodeToString(hash[:])
}
