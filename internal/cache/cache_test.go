package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// mapCache is an in-memory tier that can be told to fail.
type mapCache struct {
	name    string
	entries map[string]*model.AnalysisReport
	fail    error
	sets    int
}

func newMapCache(name string) *mapCache {
	return &mapCache{name: name, entries: make(map[string]*model.AnalysisReport)}
}

func (m *mapCache) Name() string { return m.name }

func (m *mapCache) Get(_ context.Context, key string) (*model.AnalysisReport, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	r, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	return r, nil
}

func (m *mapCache) Set(_ context.Context, key string, r *model.AnalysisReport) error {
	m.sets++
	if m.fail != nil {
		return m.fail
	}
	m.entries[key] = r
	return nil
}

func report(version int64) *model.AnalysisReport {
	return &model.AnalysisReport{PortfolioID: "p1", Version: version,
		PnLSummary: model.PnLSummary{TotalPnL: decimal.NewFromInt(550)}}
}

func TestTiered_BackfillsUpperTiers(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newMapCache("l1"), newMapCache("l2")
	l2.entries["k"] = report(3)

	c := NewTiered(nil, l1, l2)
	r, tier, err := c.Lookup(ctx, "k")
	if err != nil || tier != "l2" || r.Version != 3 {
		t.Fatalf("expected l2 hit, got %v %q %v", r, tier, err)
	}
	if _, ok := l1.entries["k"]; !ok {
		t.Error("l1 should be backfilled")
	}

	if _, tier, _ = c.Lookup(ctx, "k"); tier != "l1" {
		t.Errorf("second lookup should hit l1, got %q", tier)
	}
}

func TestTiered_ErrorsDegradeToMiss(t *testing.T) {
	ctx := context.Background()
	broken := newMapCache("broken")
	broken.fail = errors.New("connection refused")
	ok := newMapCache("ok")

	c := NewTiered(nil, broken, nil, ok)
	if _, _, err := c.Lookup(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected a miss, got %v", err)
	}

	c.Store(ctx, "k", report(1))
	if broken.sets != 1 || ok.entries["k"] == nil {
		t.Error("store should attempt every tier and keep going after a failure")
	}
	if r, tier, err := c.Lookup(ctx, "k"); err != nil || tier != "ok" || r.Version != 1 {
		t.Errorf("expected hit in the healthy tier, got %v %q %v", r, tier, err)
	}
}

func TestTiered_Empty(t *testing.T) {
	c := NewTiered(nil)
	if c.Enabled() {
		t.Error("no tiers should report disabled")
	}
	if _, _, err := c.Lookup(context.Background(), "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestLocalCache_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lc, err := NewLocalCache(ctx, time.Minute, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer lc.Close()

	if _, err := lc.Get(ctx, "absent"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
	if err := lc.Set(ctx, "k", report(7)); err != nil {
		t.Fatal(err)
	}
	r, err := lc.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if r.Version != 7 || !r.PnLSummary.TotalPnL.Equal(decimal.NewFromInt(550)) {
		t.Errorf("unexpected report %+v", r)
	}
}
