package scheduler

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/tools"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis cache implements the Cache interface with Redis as the
// backend, for agents that share cached tool results across processes.
// Expiry is delegated to Redis key TTLs, so there is no sweep and no
// capacity bound. The keys namespace is organized as follows:
// - `/<prefix>/toolcache/result/<key>` for result snapshots
// - `/<prefix>/toolcache/stat/accesses` and `/<prefix>/toolcache/stat/hits` for counters
type redisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed result cache. The client is owned
// by the caller and is not closed by Close.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) Cache {
	return &redisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *redisCache) resultKey(key string) string {
	return path.Join(c.prefix, "toolcache", "result", key)
}

func (c *redisCache) statKey(name string) string {
	return path.Join(c.prefix, "toolcache", "stat", name)
}

func (c *redisCache) Get(ctx context.Context, key string) (*tools.ToolResult, bool) {
	data, err := c.client.Get(ctx, c.resultKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "redis_get", "err", err.Error())
		}
		return nil, false
	}

	var res tools.ToolResult
	if err := json.Unmarshal(data, &res); err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal result", "err", err.Error())
		return nil, false
	}

	pipe := c.client.Pipeline()
	pipe.Incr(ctx, c.statKey("accesses"))
	pipe.Incr(ctx, c.statKey("hits"))
	if _, err := pipe.Exec(ctx); err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "redis_incr", "err", err.Error())
	}
	return &res, true
}

func (c *redisCache) Set(ctx context.Context, key string, res *tools.ToolResult) {
	if res == nil || !res.Success {
		// Invariant: the cache never stores failed results.
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "marshal result", "err", err.Error())
		return
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.resultKey(key), data, c.ttl)
	pipe.Incr(ctx, c.statKey("accesses"))
	if _, err := pipe.Exec(ctx); err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "redis_set", "err", err.Error())
	}
}

func (c *redisCache) Stats(ctx context.Context) CacheStats {
	stats := CacheStats{}

	keys, err := c.client.Keys(ctx, c.resultKey("*")).Result()
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "redis_keys", "err", err.Error())
	} else {
		stats.Size = len(keys)
	}

	if accesses, err := c.client.Get(ctx, c.statKey("accesses")).Uint64(); err == nil {
		stats.Accesses = accesses
	}
	if hits, err := c.client.Get(ctx, c.statKey("hits")).Uint64(); err == nil {
		stats.Hits = hits
	}
	return stats
}

func (c *redisCache) Close() {
	// The Redis client is owned by the caller; expiry is handled by Redis.
}
