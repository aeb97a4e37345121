package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const rebuildCachePrefix = "core:store:rebuild:"

type cachedRebuild struct {
	AggregateType string          `json:"aggregateType"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
}

// RebuildCache keeps the latest rebuilt aggregate state per stream in
// Redis so repeat rebuilds only replay events appended since. Appends
// evict the entry. Cache failures degrade to a plain rebuild.
type RebuildCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRebuildCache creates a cache with the given TTL.
func NewRebuildCache(client *redis.Client, ttl time.Duration) *RebuildCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RebuildCache{redis: client, ttl: ttl}
}

func (c *RebuildCache) load(ctx context.Context, streamID, aggregateType string) (cachedRebuild, bool) {
	if c == nil || c.redis == nil {
		return cachedRebuild{}, false
	}
	data, err := c.redis.Get(ctx, rebuildCachePrefix+streamID).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, rebuildCachePrefix+streamID).Err()
		}
		return cachedRebuild{}, false
	}
	var entry cachedRebuild
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = c.redis.Del(ctx, rebuildCachePrefix+streamID).Err()
		return cachedRebuild{}, false
	}
	if entry.AggregateType != aggregateType {
		return cachedRebuild{}, false
	}
	return entry, true
}

func (c *RebuildCache) store(ctx context.Context, streamID string, entry cachedRebuild) {
	if c == nil || c.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, rebuildCachePrefix+streamID, data, c.ttl).Err()
}

func (c *RebuildCache) evict(ctx context.Context, streamID string) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, rebuildCachePrefix+streamID).Err()
}
