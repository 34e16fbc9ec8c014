package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/atmx/ledger-engine/internal/model"
)

// LocalCache is the in-process tier backed by bigcache. bigcache applies one
// TTL to every entry and caps memory at maxMB.
type LocalCache struct {
	bc *bigcache.BigCache
}

// NewLocalCache creates an in-process cache holding at most maxMB megabytes.
func NewLocalCache(ctx context.Context, ttl time.Duration, maxMB int) (*LocalCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.HardMaxCacheSize = maxMB
	// Reports run to hundreds of KB for long daily series; few large shards
	// keep a single entry under the per-shard limit.
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 10000
	cfg.MaxEntrySize = 4096
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false

	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init bigcache: %w", err)
	}
	return &LocalCache{bc: bc}, nil
}

func (c *LocalCache) Name() string { return "local" }

func (c *LocalCache) Get(_ context.Context, key string) (*model.AnalysisReport, error) {
	data, err := c.bc.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var r model.AnalysisReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, ErrMiss
	}
	return &r, nil
}

func (c *LocalCache) Set(_ context.Context, key string, r *model.AnalysisReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.bc.Set(key, data)
}

// Close releases bigcache's cleanup goroutine.
func (c *LocalCache) Close() error {
	return c.bc.Close()
}
