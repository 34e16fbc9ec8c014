// Package ledger turns a portfolio's trade history into cost-basis lots and
// realized matches using first-in, first-out ordering.
//
// Matching is a pure function of the trade list: no clock, no randomness, no
// shared state. All quantity and price arithmetic uses shopspring/decimal.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Options tunes cost-basis construction.
type Options struct {
	// CapitalizeBuyFees folds a BUY's fee and tax into the lot's per-unit
	// cost. When false the lot cost is the trade price.
	CapitalizeBuyFees bool
}

// Matcher matches SELL trades against open BUY lots, oldest lot first.
type Matcher struct {
	opts Options
}

// NewMatcher creates a FIFO matcher.
func NewMatcher(opts Options) *Matcher {
	return &Matcher{opts: opts}
}

// Result holds every lot in opening order (fully consumed lots are flagged
// Closed) and every match in the order it was produced.
type Result struct {
	Lots    []model.Lot
	Matches []model.Match
}

// OpenLots returns the lots with remaining quantity, in opening order.
func (r Result) OpenLots() []model.Lot {
	open := make([]model.Lot, 0, len(r.Lots))
	for _, l := range r.Lots {
		if !l.Closed {
			open = append(open, l)
		}
	}
	return open
}

// OpenQuantity sums remaining quantity over the asset's lots.
func (r Result) OpenQuantity(assetID string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lots {
		if l.AssetID == assetID && !l.Closed {
			total = total.Add(l.RemainingQuantity)
		}
	}
	return total
}

// SortChronological returns a copy of trades ordered by trade date, then by
// store sequence. The sort is stable, so trades that tie on both keep the
// order they were given in.
func SortChronological(trades []model.Trade) []model.Trade {
	sorted := make([]model.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.TradeDate.Equal(b.TradeDate) {
			return a.TradeDate.Before(b.TradeDate)
		}
		return a.Seq < b.Seq
	})
	return sorted
}

// Match validates and replays trades in chronological order.
//
// A malformed trade fails the whole call with a *ValidationError before any
// matching happens. A SELL larger than the asset's open quantity stops
// matching with an *InsufficientLotsError; the returned Result then holds the
// lots and matches produced by every earlier trade, and nothing from the
// offending SELL.
func (m *Matcher) Match(trades []model.Trade) (Result, error) {
	if err := ValidateAll(trades); err != nil {
		return Result{}, err
	}

	var (
		lots      []model.Lot
		matches   []model.Match
		queues    = make(map[string]*lotQueue)
		available = make(map[string]decimal.Decimal)
	)

	for _, t := range SortChronological(trades) {
		switch t.Side {
		case model.Buy:
			q, ok := queues[t.AssetID]
			if !ok {
				q = &lotQueue{}
				queues[t.AssetID] = q
			}
			lots = append(lots, m.openLot(t))
			q.push(len(lots) - 1)
			available[t.AssetID] = available[t.AssetID].Add(t.Quantity)

		case model.Sell:
			open := available[t.AssetID]
			if t.Quantity.GreaterThan(open) {
				return Result{Lots: lots, Matches: matches}, &InsufficientLotsError{
					TradeID:   t.ID,
					AssetID:   t.AssetID,
					Requested: t.Quantity,
					Available: open,
				}
			}
			matches = consume(queues[t.AssetID], lots, matches, t)
			available[t.AssetID] = open.Sub(t.Quantity)
		}
	}

	return Result{Lots: lots, Matches: matches}, nil
}

func (m *Matcher) openLot(t model.Trade) model.Lot {
	cost := t.Price
	if m.opts.CapitalizeBuyFees && t.Costs().IsPositive() {
		cost = cost.Add(t.Costs().Div(t.Quantity))
	}
	return model.Lot{
		ID:                t.ID,
		OriginTradeID:     t.ID,
		AssetID:           t.AssetID,
		OpenQuantity:      t.Quantity,
		RemainingQuantity: t.Quantity,
		CostPricePerUnit:  cost,
		OpenedAt:          t.TradeDate,
	}
}

// consume allocates sell against the front of q. The caller guarantees the
// queue holds at least sell.Quantity. SELL fee and tax are prorated by
// matched quantity; the final match takes the rounding residual so the
// prorated amounts sum exactly to the trade's costs.
func consume(q *lotQueue, lots []model.Lot, matches []model.Match, sell model.Trade) []model.Match {
	toAllocate := sell.Quantity
	totalCosts := sell.Costs()
	allocatedCosts := decimal.Zero

	for toAllocate.IsPositive() {
		lot := &lots[q.front()]

		take := decimal.Min(toAllocate, lot.RemainingQuantity)
		toAllocate = toAllocate.Sub(take)

		fees := totalCosts.Sub(allocatedCosts)
		if toAllocate.IsPositive() {
			fees = totalCosts.Mul(take).Div(sell.Quantity)
		}
		allocatedCosts = allocatedCosts.Add(fees)

		costBasis := take.Mul(lot.CostPricePerUnit)
		proceeds := take.Mul(sell.Price).Sub(fees)

		matches = append(matches, model.Match{
			SellTradeID:      sell.ID,
			LotID:            lot.ID,
			AssetID:          sell.AssetID,
			MatchedQuantity:  take,
			CostPricePerUnit: lot.CostPricePerUnit,
			SellPrice:        sell.Price,
			Fees:             fees,
			CostBasis:        costBasis,
			Proceeds:         proceeds,
			RealizedPL:       proceeds.Sub(costBasis),
			OpenedAt:         lot.OpenedAt,
			ClosedAt:         sell.TradeDate,
		})

		lot.RemainingQuantity = lot.RemainingQuantity.Sub(take)
		if lot.RemainingQuantity.IsZero() {
			lot.Closed = true
			q.pop()
		}
	}
	return matches
}
