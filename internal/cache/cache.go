// Package cache stores computed analysis reports. Reports are immutable and
// keyed by everything they depend on (portfolio version included), so entries
// are only ever replaced or expired, never edited.
package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/ledger-engine/internal/model"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache: miss")

// ReportCache is one cache tier.
type ReportCache interface {
	// Name identifies the tier in logs and metrics.
	Name() string
	Get(ctx context.Context, key string) (*model.AnalysisReport, error)
	Set(ctx context.Context, key string, r *model.AnalysisReport) error
}

// Tiered checks its tiers in order (fastest first). A hit in a lower tier is
// copied back into the tiers above it. Tier errors other than ErrMiss are
// logged and treated as misses: the cache never fails a request.
type Tiered struct {
	tiers  []ReportCache
	logger *slog.Logger
}

// NewTiered builds a tiered cache. Nil tiers are skipped, so callers can pass
// optional tiers unconditionally.
func NewTiered(logger *slog.Logger, tiers ...ReportCache) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tiered{logger: logger}
	for _, c := range tiers {
		if c != nil {
			t.tiers = append(t.tiers, c)
		}
	}
	return t
}

// Enabled reports whether any tier is configured.
func (t *Tiered) Enabled() bool {
	return len(t.tiers) > 0
}

// Lookup returns the cached report and the name of the tier that served it.
func (t *Tiered) Lookup(ctx context.Context, key string) (*model.AnalysisReport, string, error) {
	for i, c := range t.tiers {
		r, err := c.Get(ctx, key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			t.logger.WarnContext(ctx, "cache read failed", "tier", c.Name(), "key", key, "err", err)
			continue
		}
		for _, upper := range t.tiers[:i] {
			if err := upper.Set(ctx, key, r); err != nil {
				t.logger.WarnContext(ctx, "cache backfill failed", "tier", upper.Name(), "key", key, "err", err)
			}
		}
		return r, c.Name(), nil
	}
	return nil, "", ErrMiss
}

// Store writes r to every tier.
func (t *Tiered) Store(ctx context.Context, key string, r *model.AnalysisReport) {
	for _, c := range t.tiers {
		if err := c.Set(ctx, key, r); err != nil {
			t.logger.WarnContext(ctx, "cache write failed", "tier", c.Name(), "key", key, "err", err)
		}
	}
}
