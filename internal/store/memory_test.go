package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

var day0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

func newTrade(id, asset string, side model.Side, at time.Time) *model.Trade {
	return &model.Trade{ID: id, PortfolioID: "p1", AssetID: asset, Side: side,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(10), TradeDate: at}
}

func TestMemoryStore_CreateAssignsSeqAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v, err := s.CreateTrade(ctx, newTrade("t1", "AAPL", model.Buy, day0), 0)
	if err != nil || v != 1 {
		t.Fatalf("create: v=%d err=%v", v, err)
	}
	second := newTrade("t2", "AAPL", model.Buy, day0)
	if v, err = s.CreateTrade(ctx, second, 1); err != nil || v != 2 {
		t.Fatalf("create: v=%d err=%v", v, err)
	}
	if second.Seq <= 1 || second.CreatedAt.IsZero() {
		t.Errorf("expected seq and created_at assigned, got %d %s", second.Seq, second.CreatedAt)
	}

	if _, err := s.CreateTrade(ctx, newTrade("t3", "AAPL", model.Buy, day0), 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale version should conflict, got %v", err)
	}
	if _, err := s.CreateTrade(ctx, newTrade("t1", "AAPL", model.Buy, day0), 2); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate id should fail, got %v", err)
	}

	snap, err := s.Snapshot(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 2 || len(snap.Trades) != 2 {
		t.Errorf("snapshot: expected version 2 with 2 trades, got %d / %d", snap.Version, len(snap.Trades))
	}
	if snap.Trades[0].ID != "t1" || snap.Trades[1].ID != "t2" {
		t.Errorf("same-date trades should keep insertion order, got %s, %s", snap.Trades[0].ID, snap.Trades[1].ID)
	}
}

func TestMemoryStore_ListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, tr := range []*model.Trade{
		newTrade("late", "AAPL", model.Sell, day0.AddDate(0, 0, 5)),
		newTrade("early", "AAPL", model.Buy, day0),
		newTrade("msft", "MSFT", model.Buy, day0.AddDate(0, 0, 2)),
	} {
		if _, err := s.CreateTrade(ctx, tr, int64(i)); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := s.ListTrades(ctx, "p1", model.TradeFilter{})
	var ids []string
	for _, tr := range all {
		ids = append(ids, tr.ID)
	}
	if got := strings.Join(ids, ","); got != "early,msft,late" {
		t.Errorf("expected date order, got %s", got)
	}

	aapl, _ := s.ListTrades(ctx, "p1", model.TradeFilter{AssetID: "AAPL", Side: model.Sell})
	if len(aapl) != 1 || aapl[0].ID != "late" {
		t.Errorf("asset+side filter: got %+v", aapl)
	}

	window, _ := s.ListTrades(ctx, "p1", model.TradeFilter{StartDate: day0.AddDate(0, 0, 1), EndDate: day0.AddDate(0, 0, 5)})
	if len(window) != 2 {
		t.Errorf("date filter should be inclusive of the end, got %d trades", len(window))
	}

	none, _ := s.ListTrades(ctx, "unknown", model.TradeFilter{})
	if none == nil || len(none) != 0 {
		t.Errorf("unknown portfolio should list an empty, non-nil slice")
	}
}

func TestMemoryStore_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	orig := newTrade("t1", "AAPL", model.Buy, day0)
	if _, err := s.CreateTrade(ctx, orig, 0); err != nil {
		t.Fatal(err)
	}

	edit := newTrade("t1", "AAPL", model.Buy, day0)
	edit.Quantity = decimal.NewFromInt(7)
	v, err := s.UpdateTrade(ctx, edit, 1)
	if err != nil || v != 2 {
		t.Fatalf("update: v=%d err=%v", v, err)
	}
	got, _ := s.GetTrade(ctx, "p1", "t1")
	if !got.Quantity.Equal(decimal.NewFromInt(7)) || got.Seq != orig.Seq {
		t.Errorf("update should change quantity and keep seq, got %+v", got)
	}

	if _, err := s.UpdateTrade(ctx, newTrade("nope", "AAPL", model.Buy, day0), 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.DeleteTrade(ctx, "p1", "t1", 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale delete should conflict, got %v", err)
	}
	if v, err := s.DeleteTrade(ctx, "p1", "t1", 2); err != nil || v != 3 {
		t.Fatalf("delete: v=%d err=%v", v, err)
	}
	if _, err := s.GetTrade(ctx, "p1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted trade should be gone, got %v", err)
	}
	if v, _ := s.Version(ctx, "p1"); v != 3 {
		t.Errorf("expected version 3, got %d", v)
	}
}

func TestMemoryStore_RiskTargets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.RiskTarget{ID: "rt1", PortfolioID: "p1", AssetID: "MSFT", IsActive: true,
		StopLoss: decimal.NewNullDecimal(decimal.NewFromInt(300))}
	if err := s.UpsertRiskTarget(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRiskTarget(ctx, &model.RiskTarget{ID: "rt2", PortfolioID: "p1", AssetID: "AAPL"}); err != nil {
		t.Fatal(err)
	}

	replace := &model.RiskTarget{ID: "ignored", PortfolioID: "p1", AssetID: "MSFT", IsActive: true,
		TakeProfit: decimal.NewNullDecimal(decimal.NewFromInt(500))}
	if err := s.UpsertRiskTarget(ctx, replace); err != nil {
		t.Fatal(err)
	}
	if replace.ID != "rt1" {
		t.Errorf("upsert should keep the existing id, got %s", replace.ID)
	}

	targets, _ := s.ListRiskTargets(ctx, "p1")
	if len(targets) != 2 || targets[0].AssetID != "AAPL" || targets[1].StopLoss.Valid {
		t.Errorf("expected 2 targets with MSFT replaced, got %+v", targets)
	}

	if err := s.DeleteRiskTarget(ctx, "p1", "AAPL"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRiskTarget(ctx, "p1", "AAPL"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildFilteredQuery(t *testing.T) {
	q, args := buildFilteredQuery("SELECT * FROM trades WHERE portfolio_id = $1", []any{"p1"},
		model.TradeFilter{AssetID: "AAPL", Side: model.Buy, EndDate: day0})

	want := "SELECT * FROM trades WHERE portfolio_id = $1 AND asset_id = $2 AND side = $3 AND trade_date <= $4"
	if q != want {
		t.Errorf("query:\n got %s\nwant %s", q, want)
	}
	if len(args) != 4 || args[2] != "BUY" {
		t.Errorf("unexpected args %v", args)
	}
}
