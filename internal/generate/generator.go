// Package generate produces fallback answers for queries that match no
// indexed document.
//
// The default pipeline is an Ollama client guarded by a circuit breaker,
// fronted by an answer cache with concurrent identical queries collapsed
// into a single model call.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/docindex/internal/config"
)

// Generator produces a free-text answer for a query.
type Generator interface {
	Generate(ctx context.Context, query string) (string, error)
}

// New assembles the configured fallback pipeline. It returns a nil
// Generator when the fallback is disabled. The returned func releases the
// answer cache.
func New(cfg config.FallbackConfig) (Generator, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, noop, fmt.Errorf("invalid fallback timeout %q: %w", cfg.Timeout, err)
	}

	ollama := NewOllamaGenerator(OllamaConfig{
		Host:        cfg.Host,
		Model:       cfg.Model,
		Timeout:     timeout,
		Temperature: cfg.Temperature,
		TopK:        cfg.TopK,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	})
	guarded := NewGuardedGenerator(ollama)

	var cache AnswerCache
	if cfg.RedisAddr != "" {
		ttl, err := time.ParseDuration(cfg.RedisTTL)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid redis ttl %q: %w", cfg.RedisTTL, err)
		}
		rc, err := NewRedisCache(cfg.RedisAddr, ttl)
		if err != nil {
			// Shared cache is optional; fall back to process-local answers
			slog.Warn("answer_cache_redis_unavailable",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()))
		} else {
			cache = rc
		}
	}
	if cache == nil {
		if cfg.CacheSize <= 0 {
			return guarded, noop, nil
		}
		cache = NewLRUCache(cfg.CacheSize)
	}

	cached := NewCachedGenerator(guarded, cache, cfg.Model)
	return cached, cache.Close, nil
}
