package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "core:bus:dedupe:"

// RedisDeduper stores published idempotency keys in Redis so all
// instances can suppress duplicate publishes of the same logical event.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Check records key -> eventID if the key is new and returns the id that
// owns the key. fresh is false when the key had already been recorded.
func (r *RedisDeduper) Check(ctx context.Context, key, eventID string) (string, bool, error) {
	set, err := r.client.SetNX(ctx, dedupeKeyPrefix+key, eventID, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if set {
		return eventID, true, nil
	}
	existing, err := r.client.Get(ctx, dedupeKeyPrefix+key).Result()
	if err == redis.Nil {
		// Key expired between SetNX and Get; treat the publish as fresh.
		return eventID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
