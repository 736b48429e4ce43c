package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/redis"
)

// KV is the slice of the Redis client the cache uses.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// CachedService serves repeated queries from Redis. Partial top-documents
// results are returned but never stored. Cache errors degrade to a direct
// query.
type CachedService struct {
	next    Service
	kv      KV
	ttl     time.Duration
	prefix  string
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCachedService(next Service, kv KV, ttl time.Duration, prefix string, m *metrics.Metrics) *CachedService {
	if m == nil {
		m = metrics.Discard()
	}
	return &CachedService{
		next:    next,
		kv:      kv,
		ttl:     ttl,
		prefix:  prefix,
		metrics: m,
		logger:  logger.WithComponent("query-cache"),
	}
}

func (c *CachedService) TopWords(ctx context.Context, docID int64, limit int) (*TopWordsResult, error) {
	key := c.prefix + "tw:" + strconv.FormatInt(docID, 10) + ":" + strconv.Itoa(limit)
	return getOrCompute(ctx, c, key, func(ctx context.Context) (*TopWordsResult, bool, error) {
		r, err := c.next.TopWords(ctx, docID, limit)
		return r, err == nil, err
	})
}

func (c *CachedService) TopDocuments(ctx context.Context, word string, limit int) (*TopDocumentsResult, error) {
	key := c.prefix + "td:" + strconv.Itoa(limit) + ":" + tokenizer.Normalize(word)
	return getOrCompute(ctx, c, key, func(ctx context.Context) (*TopDocumentsResult, bool, error) {
		r, err := c.next.TopDocuments(ctx, word, limit)
		return r, err == nil && !r.Partial, err
	})
}

// Invalidate drops every cached result. Called after a shard is rebuilt.
func (c *CachedService) Invalidate(ctx context.Context) error {
	deleted, err := c.kv.FlushByPattern(ctx, c.prefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating query cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

// Stats returns hit and miss counts since start.
func (c *CachedService) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// getOrCompute collapses concurrent misses on key into one computation. The
// shared call runs detached from any single caller so that one client going
// away does not fail the others; each caller still stops waiting when its own
// ctx ends. The merger's per-shard timeout bounds the detached call.
func getOrCompute[T any](ctx context.Context, c *CachedService, key string, compute func(context.Context) (*T, bool, error)) (*T, error) {
	if v, ok := cacheGet[T](ctx, c, key); ok {
		return v, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := cacheGet[T](shared, c, key); ok {
			return v, nil
		}
		v, cacheable, err := compute(shared)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.set(shared, key, v)
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*T), nil
	}
}

func cacheGet[T any](ctx context.Context, c *CachedService, key string) (*T, bool) {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.Inc()
	return &v, true
}

func (c *CachedService) miss() {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.Inc()
}

func (c *CachedService) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}
