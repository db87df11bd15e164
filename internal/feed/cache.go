package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitchside/market-engine/internal/model"
)

const liveMatchesKey = "matches:live"

// RedisCache keeps the last live match list in Redis so a restarted engine
// can serve matches before the first successful feed poll.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a cache entry that expires after ttl.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Load implements Cache. A missing key is not an error.
func (c *RedisCache) Load(ctx context.Context) ([]model.Match, error) {
	data, err := c.rdb.Get(ctx, liveMatchesKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", liveMatchesKey, err)
	}
	var matches []model.Match
	if err := json.Unmarshal(data, &matches); err != nil {
		// Corrupt entry: drop it, next refresh re-populates.
		c.rdb.Del(ctx, liveMatchesKey)
		return nil, nil
	}
	return matches, nil
}

// Store implements Cache.
func (c *RedisCache) Store(ctx context.Context, matches []model.Match) error {
	data, err := json.Marshal(matches)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, liveMatchesKey, data, c.ttl).Err()
}
