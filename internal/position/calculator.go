// Package position derives open positions from FIFO lots and market prices.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// percentScale is the number of decimal places kept on percentages.
const percentScale int32 = 4

var hundred = decimal.NewFromInt(100)

// Compute aggregates open lots per asset. avgCost is weighted by remaining
// quantity. An asset with no price in prices is still returned, with null
// market fields and PriceMissing set; the caller decides whether that is fatal.
// Positions are sorted by asset id.
func Compute(lots []model.Lot, prices map[string]decimal.Decimal) []model.Position {
	type agg struct {
		qty    decimal.Decimal
		cost   decimal.Decimal
		lots   int
		oldest model.Lot
	}

	byAsset := make(map[string]*agg)
	for _, l := range lots {
		if !l.RemainingQuantity.IsPositive() {
			continue
		}
		a, ok := byAsset[l.AssetID]
		if !ok {
			a = &agg{oldest: l}
			byAsset[l.AssetID] = a
		}
		a.qty = a.qty.Add(l.RemainingQuantity)
		a.cost = a.cost.Add(l.RemainingCost())
		a.lots++
		if l.OpenedAt.Before(a.oldest.OpenedAt) {
			a.oldest = l
		}
	}

	positions := make([]model.Position, 0, len(byAsset))
	for assetID, a := range byAsset {
		p := model.Position{
			AssetID:       assetID,
			Quantity:      a.qty,
			AvgCost:       a.cost.Div(a.qty),
			CostBasis:     a.cost,
			OpenLots:      a.lots,
			OldestLotDate: a.oldest.OpenedAt,
		}

		price, ok := prices[assetID]
		if !ok || !price.IsPositive() {
			p.PriceMissing = true
			positions = append(positions, p)
			continue
		}

		value := a.qty.Mul(price)
		pnl := value.Sub(a.cost)
		p.MarketPrice = decimal.NewNullDecimal(price)
		p.MarketValue = decimal.NewNullDecimal(value)
		p.UnrealizedPL = decimal.NewNullDecimal(pnl)
		if a.cost.IsPositive() {
			p.UnrealizedPLPercent = decimal.NewNullDecimal(pnl.Div(a.cost).Mul(hundred).Round(percentScale))
		}
		positions = append(positions, p)
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].AssetID < positions[j].AssetID
	})
	return positions
}

// Find returns the position for assetID, if any.
func Find(positions []model.Position, assetID string) (model.Position, bool) {
	for _, p := range positions {
		if p.AssetID == assetID {
			return p, true
		}
	}
	return model.Position{}, false
}

// MissingPrices lists the asset ids of positions flagged PriceMissing.
func MissingPrices(positions []model.Position) []string {
	var missing []string
	for _, p := range positions {
		if p.PriceMissing {
			missing = append(missing, p.AssetID)
		}
	}
	return missing
}
