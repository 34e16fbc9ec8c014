package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/model"
)

// RedisCache is the shared tier: every replica of the service reads the
// reports the others computed. Entries expire after ttl.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed report cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "ledger:",
	}
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) Get(ctx context.Context, key string) (*model.AnalysisReport, error) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var r model.AnalysisReport
	if err := json.Unmarshal(data, &r); err != nil {
		// A payload from an older release is as good as absent.
		return nil, ErrMiss
	}
	return &r, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, r *model.AnalysisReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, data, c.ttl).Err()
}
