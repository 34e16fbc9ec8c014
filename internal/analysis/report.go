package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/pnl"
	"github.com/atmx/ledger-engine/internal/riskmetrics"
)

// GetAnalysis builds the report for one timeframe and granularity.
//
// Reports are cached under a key made of everything they depend on: the
// portfolio version, the filters, a fingerprint of the prices used and the
// day the window ends. The prices of the open assets are always fetched to
// build the key; the replay behind them is reused while the version holds.
// Concurrent identical requests share one computation.
func (s *Service) GetAnalysis(ctx context.Context, portfolioID string, tf model.Timeframe, g model.Granularity) (*model.AnalysisReport, error) {
	if tf == "" {
		tf = model.TimeframeAll
	}
	if g == "" {
		g = model.Monthly
	}

	st, err := s.load(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	open := st.result.OpenLots()
	prices := s.marketPrices(ctx, open, nil)

	now := s.now().UTC()
	window := dayAligned(tf.Window(now))
	key := reportKey(portfolioID, tf, g, st.snapshot.Version, prices, now)

	if s.cache.Enabled() {
		r, tier, err := s.cache.Lookup(ctx, key)
		if err == nil {
			metrics.CacheLookups.WithLabelValues(tier).Inc()
			return restamped(r, window, now), nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	v, err, shared := s.flight.Do(key, func() (interface{}, error) {
		r := s.buildReport(portfolioID, tf, g, window, now, st, prices)
		if s.cache.Enabled() {
			// Detached from the request so a cancelled caller does not
			// lose the write for the requests sharing this flight.
			s.cache.Store(context.WithoutCancel(ctx), key, r)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.DebugContext(ctx, "analysis computation shared", "portfolio", portfolioID, "key", key)
	}
	return v.(*model.AnalysisReport), nil
}

func (s *Service) buildReport(portfolioID string, tf model.Timeframe, g model.Granularity, window model.Window,
	now time.Time, st ledgerState, prices map[string]decimal.Decimal) *model.AnalysisReport {

	start := time.Now()
	defer func() {
		metrics.AnalysisDuration.WithLabelValues(string(g)).Observe(time.Since(start).Seconds())
	}()

	open := st.result.OpenLots()
	positions := s.pricePositions(open, prices)

	agg := pnl.Aggregate(pnl.Input{
		Trades:      st.snapshot.Trades,
		Lots:        st.result.Lots,
		Matches:     st.result.Matches,
		Positions:   positions,
		Granularity: g,
		Window:      window,
	})

	currentValue := decimal.Zero
	for _, p := range positions {
		currentValue = currentValue.Add(p.ValueOrCost())
	}
	risk := s.risk.Compute(riskmetrics.FromPeriods(agg.Periods), currentValue, g)

	r := &model.AnalysisReport{
		PortfolioID:        portfolioID,
		Timeframe:          tf,
		Granularity:        g,
		PeriodEnd:          window.End,
		GeneratedAt:        now,
		Version:            st.snapshot.Version,
		PnLSummary:         agg.Summary,
		Statistics:         agg.Statistics,
		RiskMetrics:        risk,
		MonthlyPerformance: agg.Periods,
		AssetPerformance:   agg.Assets,
		TopTrades:          agg.TopTrades,
		WorstTrades:        agg.WorstTrades,
		Warnings:           missingPriceWarnings(positions),
	}
	if !window.Start.IsZero() {
		ps := window.Start
		r.PeriodStart = &ps
	}

	s.logger.Debug("analysis computed",
		"portfolio", portfolioID, "timeframe", string(tf), "granularity", string(g),
		"version", st.snapshot.Version, "trades", len(st.snapshot.Trades), "matches", len(st.result.Matches))
	return r
}

// restamped copies a cached report with the current request's generation
// time and window end. Everything else is fixed by the cache key.
func restamped(r *model.AnalysisReport, window model.Window, now time.Time) *model.AnalysisReport {
	out := *r
	out.GeneratedAt = now
	out.PeriodEnd = window.End
	return &out
}

func missingPriceWarnings(positions []model.Position) []model.Warning {
	warnings := []model.Warning{}
	for _, p := range positions {
		if p.PriceMissing {
			warnings = append(warnings, model.Warning{
				Code:    model.WarningMissingPrice,
				AssetID: p.AssetID,
				Message: fmt.Sprintf("no market price for %s; unrealized P&L excluded and cost basis used for value", p.AssetID),
			})
		}
	}
	return warnings
}

// dayAligned moves a bounded window's start to the start of its UTC day so
// every request on the same day sees the same trades.
func dayAligned(w model.Window) model.Window {
	if !w.Start.IsZero() {
		w.Start = model.Daily.BucketStart(w.Start)
	}
	return w
}

// reportKey is analysis:{portfolio}:{timeframe}:{granularity}:v{version}:{prices}:{day}.
func reportKey(portfolioID string, tf model.Timeframe, g model.Granularity, version int64,
	prices map[string]decimal.Decimal, now time.Time) string {
	return fmt.Sprintf("analysis:%s:%s:%s:v%d:%016x:%s",
		portfolioID, tf, g, version, priceFingerprint(prices), now.UTC().Format("20060102"))
}

// priceFingerprint hashes the price map in asset order.
func priceFingerprint(prices map[string]decimal.Decimal) uint64 {
	ids := make([]string, 0, len(prices))
	for id := range prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := xxhash.New()
	for _, id := range ids {
		h.WriteString(id)
		h.WriteString("=")
		h.WriteString(prices[id].String())
		h.WriteString(";")
	}
	return h.Sum64()
}
