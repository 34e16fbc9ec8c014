package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func lot(id, asset string, remaining, cost float64, opened time.Time) model.Lot {
	return model.Lot{ID: id, OriginTradeID: id, AssetID: asset,
		OpenQuantity: d(remaining), RemainingQuantity: d(remaining),
		CostPricePerUnit: d(cost), OpenedAt: opened}
}

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestCompute_WeightedAverageCost(t *testing.T) {
	positions := Compute([]model.Lot{
		lot("b1", "AAPL", 10, 100, t0),
		lot("b2", "AAPL", 30, 120, t0.AddDate(0, 0, 1)),
	}, map[string]decimal.Decimal{"AAPL": d(130)})

	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if !p.Quantity.Equal(d(40)) {
		t.Errorf("quantity: expected 40, got %s", p.Quantity)
	}
	// (10*100 + 30*120) / 40 = 115
	if !p.AvgCost.Equal(d(115)) {
		t.Errorf("avg cost: expected 115, got %s", p.AvgCost)
	}
	if !p.MarketValue.Valid || !p.MarketValue.Decimal.Equal(d(5200)) {
		t.Errorf("market value: expected 5200, got %+v", p.MarketValue)
	}
	if !p.UnrealizedPL.Valid || !p.UnrealizedPL.Decimal.Equal(d(600)) {
		t.Errorf("unrealized: expected 600, got %+v", p.UnrealizedPL)
	}
	if p.OpenLots != 2 || !p.OldestLotDate.Equal(t0) {
		t.Errorf("expected 2 lots opened from %s, got %d from %s", t0, p.OpenLots, p.OldestLotDate)
	}
	if p.PriceMissing {
		t.Error("price is known, should not be flagged missing")
	}
}

func TestCompute_MissingPriceDoesNotFail(t *testing.T) {
	positions := Compute([]model.Lot{
		lot("b1", "AAPL", 5, 100, t0),
		lot("b2", "MSFT", 2, 300, t0),
	}, map[string]decimal.Decimal{"AAPL": d(110)})

	msft, ok := Find(positions, "MSFT")
	if !ok {
		t.Fatal("MSFT position should still be returned")
	}
	if !msft.PriceMissing {
		t.Error("MSFT should be flagged price missing")
	}
	if msft.MarketValue.Valid || msft.UnrealizedPL.Valid {
		t.Error("market fields should be null when price is missing")
	}
	if !msft.ValueOrCost().Equal(d(600)) {
		t.Errorf("value-or-cost should fall back to cost basis, got %s", msft.ValueOrCost())
	}

	if missing := MissingPrices(positions); len(missing) != 1 || missing[0] != "MSFT" {
		t.Errorf("expected [MSFT] missing, got %v", missing)
	}
}

func TestCompute_SkipsClosedLotsAndSorts(t *testing.T) {
	closed := lot("b0", "ZZZ", 0, 10, t0)
	closed.Closed = true

	positions := Compute([]model.Lot{
		closed,
		lot("b1", "MSFT", 1, 10, t0),
		lot("b2", "AAPL", 1, 10, t0),
	}, nil)

	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].AssetID != "AAPL" || positions[1].AssetID != "MSFT" {
		t.Errorf("expected positions sorted by asset, got %s, %s", positions[0].AssetID, positions[1].AssetID)
	}
}

func TestCompute_Empty(t *testing.T) {
	positions := Compute(nil, nil)
	if positions == nil || len(positions) != 0 {
		t.Errorf("expected an empty, non-nil slice, got %#v", positions)
	}
}
