package pnl

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
)

// periods builds the contiguous bucket series from the bucket of the first
// activity in the window through the bucket holding the window end. A window
// with no trades and no lots open at its start has no series.
//
// Realized P&L is bucketed by the SELL trade date. The unrealized snapshot at
// a bucket's end marks the lots open at that instant at the latest trade price
// of their asset; the last bucket uses the live positions instead. The first
// bucket measures from the window start, so events before it never reach the
// series.
func periods(in Input, windowMatches []model.Match) []model.PeriodPerformance {
	history := ledger.SortChronological(in.Trades)
	matches := byCloseTime(windowMatches)
	if len(history) == 0 {
		return []model.PeriodPerformance{}
	}

	end := in.Window.End
	if end.IsZero() {
		end = history[len(history)-1].TradeDate
	}
	start := history[0].TradeDate
	if in.Window.Start.After(start) {
		start = in.Window.Start
	}
	if start.After(end) {
		return []model.PeriodPerformance{}
	}

	g := in.Granularity
	sw := newSweep(history, in.Lots, byCloseTime(in.Matches))

	first := g.BucketStart(start)
	last := g.BucketStart(end)

	baseline := first
	if in.Window.Start.After(baseline) {
		baseline = in.Window.Start
	}
	sw.advance(baseline)
	if len(sw.open) == 0 && !anyWithin(history, in.Window) {
		return []model.PeriodPerformance{}
	}
	prevUnrealized := sw.unrealized()
	cumulative := decimal.Zero

	var out []model.PeriodPerformance
	mi, ti := 0, 0
	for bucket := first; !bucket.After(last); bucket = g.Next(bucket) {
		next := g.Next(bucket)

		p := model.PeriodPerformance{
			Period:      g.Label(bucket),
			Start:       bucket,
			End:         next,
			CapitalBase: sw.openCost(),
		}

		winning := 0
		for ; mi < len(matches) && matches[mi].ClosedAt.Before(next); mi++ {
			m := matches[mi]
			if m.ClosedAt.Before(bucket) {
				continue
			}
			p.RealizedPnL = p.RealizedPnL.Add(m.RealizedPL)
			p.Matches++
			if m.Winning() {
				winning++
			}
		}
		p.WinRate = WinRate(winning, p.Matches)

		for ; ti < len(history) && history[ti].TradeDate.Before(next); ti++ {
			t := history[ti]
			if t.TradeDate.Before(bucket) || !in.Window.Contains(t.TradeDate) {
				continue
			}
			p.Volume = p.Volume.Add(t.Notional())
		}

		p.CapitalBase = p.CapitalBase.Add(sw.advance(next))
		if bucket.Equal(last) {
			p.UnrealizedPnL = liveUnrealized(in.Positions)
		} else {
			p.UnrealizedPnL = sw.unrealized()
		}

		p.TotalPnL = p.RealizedPnL.Add(p.UnrealizedPnL)
		p.PeriodPnL = p.RealizedPnL.Add(p.UnrealizedPnL.Sub(prevUnrealized))
		cumulative = cumulative.Add(p.PeriodPnL)
		p.CumulativePnL = cumulative
		if p.CapitalBase.IsPositive() {
			p.Return = p.PeriodPnL.Div(p.CapitalBase).Round(returnScale)
		}

		prevUnrealized = p.UnrealizedPnL
		out = append(out, p)
	}
	return out
}

func anyWithin(trades []model.Trade, w model.Window) bool {
	for _, t := range trades {
		if w.Contains(t.TradeDate) {
			return true
		}
	}
	return false
}

func byCloseTime(matches []model.Match) []model.Match {
	sorted := make([]model.Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ClosedAt.Before(sorted[j].ClosedAt)
	})
	return sorted
}

func liveUnrealized(positions []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.UnrealizedPL.Valid {
			total = total.Add(p.UnrealizedPL.Decimal)
		}
	}
	return total
}

// sweep replays lot openings, match consumption and trade prices in time
// order so open lots and marks can be read at any bucket boundary.
type sweep struct {
	trades  []model.Trade
	lots    []model.Lot
	matches []model.Match
	ti, li  int
	mi      int

	open      map[string]*openLot
	lastPrice map[string]decimal.Decimal
}

type openLot struct {
	assetID   string
	remaining decimal.Decimal
	cost      decimal.Decimal
}

func newSweep(trades []model.Trade, lots []model.Lot, matches []model.Match) *sweep {
	return &sweep{
		trades:    trades,
		lots:      lots,
		matches:   matches,
		open:      make(map[string]*openLot),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// advance applies every event strictly before until and returns the cost of
// the lots opened along the way.
func (s *sweep) advance(until time.Time) decimal.Decimal {
	opened := decimal.Zero

	for ; s.ti < len(s.trades) && s.trades[s.ti].TradeDate.Before(until); s.ti++ {
		t := s.trades[s.ti]
		s.lastPrice[t.AssetID] = t.Price
	}
	for ; s.li < len(s.lots) && s.lots[s.li].OpenedAt.Before(until); s.li++ {
		l := s.lots[s.li]
		s.open[l.ID] = &openLot{assetID: l.AssetID, remaining: l.OpenQuantity, cost: l.CostPricePerUnit}
		opened = opened.Add(l.OpenQuantity.Mul(l.CostPricePerUnit))
	}
	for ; s.mi < len(s.matches) && s.matches[s.mi].ClosedAt.Before(until); s.mi++ {
		m := s.matches[s.mi]
		if ol, ok := s.open[m.LotID]; ok {
			ol.remaining = ol.remaining.Sub(m.MatchedQuantity)
			if !ol.remaining.IsPositive() {
				delete(s.open, m.LotID)
			}
		}
	}
	return opened
}

func (s *sweep) openCost() decimal.Decimal {
	total := decimal.Zero
	for _, ol := range s.open {
		total = total.Add(ol.remaining.Mul(ol.cost))
	}
	return total
}

func (s *sweep) unrealized() decimal.Decimal {
	total := decimal.Zero
	for _, ol := range s.open {
		price, ok := s.lastPrice[ol.assetID]
		if !ok {
			continue
		}
		total = total.Add(ol.remaining.Mul(price.Sub(ol.cost)))
	}
	return total
}
