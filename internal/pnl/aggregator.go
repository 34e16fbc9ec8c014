// Package pnl aggregates realized and unrealized P&L over a time window:
// the portfolio summary, trading statistics, the per-period series, the
// per-asset breakdown and the best/worst matches.
//
// An empty input produces a well-formed, zero-valued result.
package pnl

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// RankSize is the length of the top and worst trade lists.
const RankSize = 5

const (
	rateScale   int32 = 2
	returnScale int32 = 8
)

var hundred = decimal.NewFromInt(100)

// Input is everything the aggregator reads. Trades is the full history of
// the portfolio (not only the window) so period marks and the capital base
// can be reconstructed; Lots and Matches come from the same matcher run.
type Input struct {
	Trades      []model.Trade
	Lots        []model.Lot
	Matches     []model.Match
	Positions   []model.Position
	Granularity model.Granularity
	Window      model.Window
}

// Result is the aggregated view of one window.
type Result struct {
	Summary     model.PnLSummary
	Statistics  model.Statistics
	Periods     []model.PeriodPerformance
	Assets      []model.AssetPerformance
	TopTrades   []model.TradeResult
	WorstTrades []model.TradeResult
}

// Aggregate computes every section of the result.
func Aggregate(in Input) Result {
	if in.Granularity == "" {
		in.Granularity = model.Monthly
	}

	var windowMatches []model.Match
	for _, m := range in.Matches {
		if in.Window.Contains(m.ClosedAt) {
			windowMatches = append(windowMatches, m)
		}
	}
	var windowTrades []model.Trade
	for _, t := range in.Trades {
		if in.Window.Contains(t.TradeDate) {
			windowTrades = append(windowTrades, t)
		}
	}

	return Result{
		Summary:     summarize(windowMatches, windowTrades, in.Positions),
		Statistics:  statistics(windowMatches, windowTrades),
		Periods:     periods(in, windowMatches),
		Assets:      assets(windowMatches, windowTrades, in.Positions),
		TopTrades:   rank(windowMatches, true),
		WorstTrades: rank(windowMatches, false),
	}
}

// WinRate is winning/total expressed 0-100, and 0 when total is 0.
func WinRate(winning, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(winning)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(hundred).
		Round(rateScale)
}

func summarize(matches []model.Match, trades []model.Trade, positions []model.Position) model.PnLSummary {
	s := model.PnLSummary{}

	winning := 0
	for _, m := range matches {
		s.TotalRealizedPnL = s.TotalRealizedPnL.Add(m.RealizedPL)
		if m.Winning() {
			winning++
		}
	}
	s.WinRate = WinRate(winning, len(matches))

	for _, p := range positions {
		s.TotalCostBasis = s.TotalCostBasis.Add(p.CostBasis)
		if p.UnrealizedPL.Valid {
			s.TotalUnrealizedPnL = s.TotalUnrealizedPnL.Add(p.UnrealizedPL.Decimal)
		}
		if p.MarketValue.Valid {
			s.TotalMarketValue = s.TotalMarketValue.Add(p.MarketValue.Decimal)
		}
	}
	for _, t := range trades {
		s.TotalFees = s.TotalFees.Add(t.Costs())
	}

	s.TotalPnL = s.TotalRealizedPnL.Add(s.TotalUnrealizedPnL)
	return s
}

func statistics(matches []model.Match, trades []model.Trade) model.Statistics {
	st := model.Statistics{TotalTrades: len(trades), MatchesCount: len(matches)}

	for _, t := range trades {
		switch t.Side {
		case model.Buy:
			st.BuyTrades++
		case model.Sell:
			st.SellTrades++
		}
		st.TotalVolume = st.TotalVolume.Add(t.Notional())
		st.TotalFees = st.TotalFees.Add(t.Costs())
	}

	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	holdingHours := 0.0
	for _, m := range matches {
		switch {
		case m.RealizedPL.IsPositive():
			st.WinningMatches++
			grossProfit = grossProfit.Add(m.RealizedPL)
			st.LargestWin = decimal.Max(st.LargestWin, m.RealizedPL)
		case m.RealizedPL.IsNegative():
			st.LosingMatches++
			loss := m.RealizedPL.Neg()
			grossLoss = grossLoss.Add(loss)
			st.LargestLoss = decimal.Max(st.LargestLoss, loss)
		}
		holdingHours += m.ClosedAt.Sub(m.OpenedAt).Hours()
	}

	if st.WinningMatches > 0 {
		st.AverageWin = grossProfit.Div(decimal.NewFromInt(int64(st.WinningMatches))).Round(returnScale)
	}
	if st.LosingMatches > 0 {
		st.AverageLoss = grossLoss.Div(decimal.NewFromInt(int64(st.LosingMatches))).Round(returnScale)
		st.ProfitFactor = decimal.NewNullDecimal(grossProfit.Div(grossLoss).Round(4))
	}
	if len(matches) > 0 {
		st.AverageHoldingDays = decimal.NewFromFloat(holdingHours / 24 / float64(len(matches))).Round(rateScale)
	}
	return st
}

func assets(matches []model.Match, trades []model.Trade, positions []model.Position) []model.AssetPerformance {
	type agg struct {
		perf    model.AssetPerformance
		matches int
		winning int
	}
	byAsset := make(map[string]*agg)
	get := func(assetID string) *agg {
		a, ok := byAsset[assetID]
		if !ok {
			a = &agg{perf: model.AssetPerformance{AssetID: assetID}}
			byAsset[assetID] = a
		}
		return a
	}

	for _, m := range matches {
		a := get(m.AssetID)
		a.perf.RealizedPnL = a.perf.RealizedPnL.Add(m.RealizedPL)
		a.matches++
		if m.Winning() {
			a.winning++
		}
	}
	for _, t := range trades {
		a := get(t.AssetID)
		a.perf.TradesCount++
		a.perf.TotalVolume = a.perf.TotalVolume.Add(t.Notional())
	}
	for _, p := range positions {
		a := get(p.AssetID)
		a.perf.Quantity = p.Quantity
		a.perf.AvgCost = p.AvgCost
		a.perf.MarketValue = p.MarketValue
		if p.UnrealizedPL.Valid {
			a.perf.UnrealizedPnL = p.UnrealizedPL.Decimal
		}
	}

	out := make([]model.AssetPerformance, 0, len(byAsset))
	for _, a := range byAsset {
		a.perf.TotalPnL = a.perf.RealizedPnL.Add(a.perf.UnrealizedPnL)
		a.perf.WinRate = WinRate(a.winning, a.matches)
		out = append(out, a.perf)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalPnL.Cmp(out[j].TotalPnL); c != 0 {
			return c > 0
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

// rank returns the RankSize matches with the highest (best) or lowest
// realized P&L. Ties go to the most recent sell first.
func rank(matches []model.Match, best bool) []model.TradeResult {
	sorted := make([]model.Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.RealizedPL.Cmp(b.RealizedPL); c != 0 {
			if best {
				return c > 0
			}
			return c < 0
		}
		if !a.ClosedAt.Equal(b.ClosedAt) {
			return a.ClosedAt.After(b.ClosedAt)
		}
		if a.SellTradeID != b.SellTradeID {
			return a.SellTradeID < b.SellTradeID
		}
		return a.LotID < b.LotID
	})

	n := min(RankSize, len(sorted))
	out := make([]model.TradeResult, 0, n)
	for _, m := range sorted[:n] {
		out = append(out, tradeResult(m))
	}
	return out
}

func tradeResult(m model.Match) model.TradeResult {
	r := model.TradeResult{
		SellTradeID: m.SellTradeID,
		LotID:       m.LotID,
		AssetID:     m.AssetID,
		Quantity:    m.MatchedQuantity,
		CostBasis:   m.CostBasis,
		Proceeds:    m.Proceeds,
		RealizedPL:  m.RealizedPL,
		TradeDate:   m.ClosedAt,
		HoldingDays: int(m.ClosedAt.Sub(m.OpenedAt).Hours() / 24),
	}
	if m.CostBasis.IsPositive() {
		r.ReturnPercent = m.RealizedPL.Div(m.CostBasis).Mul(hundred).Round(rateScale)
	}
	return r
}
