package riskmetrics

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func series(pnl []float64, returns []float64) []Point {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Point, len(returns))
	for i := range returns {
		out[i] = Point{Date: start.AddDate(0, i, 0), PnL: d(pnl[i]), Return: d(returns[i])}
	}
	return out
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCompute_EmptySeries(t *testing.T) {
	rm := mustEngine(t, DefaultConfig()).Compute(nil, d(10000), model.Monthly)

	if !rm.Volatility.IsZero() || !rm.MaxDrawdown.IsZero() || !rm.VaR95.IsZero() {
		t.Errorf("expected zero metrics, got %+v", rm)
	}
	if rm.SharpeRatio.Valid {
		t.Errorf("sharpe should be null, got %s", rm.SharpeRatio.Decimal)
	}
	if rm.Observations != 0 || rm.Method != "historical" {
		t.Errorf("unexpected method/observations: %s/%d", rm.Method, rm.Observations)
	}
}

func TestCompute_SinglePointIsDegenerate(t *testing.T) {
	rm := mustEngine(t, DefaultConfig()).Compute(series([]float64{-20}, []float64{-0.02}), d(1000), model.Daily)

	if !rm.Volatility.IsZero() {
		t.Errorf("volatility should be 0 with one point, got %s", rm.Volatility)
	}
	if rm.SharpeRatio.Valid {
		t.Error("sharpe should be null with one point")
	}
	// The only observation is the 5th percentile.
	if !rm.VaR95.Equal(d(20)) {
		t.Errorf("var95: expected 20, got %s", rm.VaR95)
	}
}

func TestCompute_MonthlySeries(t *testing.T) {
	s := series([]float64{100, -50, 30, -100}, []float64{0.1, -0.05, 0.02, 0.03})
	rm := mustEngine(t, DefaultConfig()).Compute(s, d(10000), model.Monthly)

	if !rm.Volatility.Equal(d(0.2126)) {
		t.Errorf("volatility: expected 0.2126, got %s", rm.Volatility)
	}
	if !rm.SharpeRatio.Valid || !rm.SharpeRatio.Decimal.Equal(d(1.4111)) {
		t.Errorf("sharpe: expected 1.4111, got %+v", rm.SharpeRatio)
	}
	// cumulative 100, 50, 80, -20 against a peak of 100
	if !rm.MaxDrawdown.Equal(d(120)) {
		t.Errorf("max drawdown: expected 120, got %s", rm.MaxDrawdown)
	}
	if !rm.MaxDrawdownPercent.Equal(d(120)) {
		t.Errorf("max drawdown percent: expected 120, got %s", rm.MaxDrawdownPercent)
	}
	// -0.05 + 0.15 * (0.02 - -0.05) = -0.0395
	if !rm.VaR95.Equal(d(395)) {
		t.Errorf("historical var95: expected 395, got %s", rm.VaR95)
	}
	if rm.Observations != 4 {
		t.Errorf("expected 4 observations, got %d", rm.Observations)
	}
}

func TestCompute_Parametric(t *testing.T) {
	s := series([]float64{100, -50, 30, -100}, []float64{0.1, -0.05, 0.02, 0.03})
	rm := mustEngine(t, Config{Method: Parametric, Confidence: 0.95}).Compute(s, d(10000), model.Monthly)

	// 0.025 - 1.6449 * 0.061373
	if !rm.VaR95.Equal(d(759.5)) {
		t.Errorf("parametric var95: expected 759.50, got %s", rm.VaR95)
	}
	if rm.Method != "parametric" {
		t.Errorf("expected parametric method, got %s", rm.Method)
	}
}

func TestCompute_DailyAnnualizationAndRiskFreeRate(t *testing.T) {
	s := series([]float64{1, 2, -3}, []float64{0.01, 0.02, -0.03})
	rm := mustEngine(t, Config{Method: Historical, Confidence: 0.95, RiskFreeRate: 0.02}).Compute(s, d(100), model.Daily)

	if !rm.Volatility.Equal(d(0.42)) {
		t.Errorf("volatility: expected 0.42, got %s", rm.Volatility)
	}
	if !rm.SharpeRatio.Decimal.Equal(d(-0.0476)) {
		t.Errorf("sharpe: expected -0.0476, got %s", rm.SharpeRatio.Decimal)
	}
}

func TestCompute_NegligibleVolatilityHasNullSharpe(t *testing.T) {
	s := series([]float64{1, 3}, []float64{0.000001, 0.000002})
	rm := mustEngine(t, DefaultConfig()).Compute(s, d(1000), model.Monthly)

	if !rm.Volatility.IsZero() {
		t.Fatalf("expected volatility to round to 0, got %s", rm.Volatility)
	}
	if rm.SharpeRatio.Valid {
		t.Errorf("sharpe must be null next to zero volatility, got %s", rm.SharpeRatio.Decimal)
	}
}

func TestCompute_FlatReturnsHaveNullSharpe(t *testing.T) {
	s := series([]float64{10, 10, 10}, []float64{0.01, 0.01, 0.01})
	rm := mustEngine(t, DefaultConfig()).Compute(s, d(1000), model.Weekly)

	if !rm.Volatility.IsZero() || rm.SharpeRatio.Valid {
		t.Errorf("constant returns: expected zero volatility and null sharpe, got %s / %+v", rm.Volatility, rm.SharpeRatio)
	}
	if !rm.VaR95.IsZero() {
		t.Errorf("positive returns carry no VaR, got %s", rm.VaR95)
	}
	if !rm.MaxDrawdown.IsZero() {
		t.Errorf("monotonic P&L has no drawdown, got %s", rm.MaxDrawdown)
	}
}

func TestCompute_NonNegativeOnRandomSeries(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	p := mustEngine(t, Config{Method: Parametric, Confidence: 0.99})
	for seed := int64(1); seed <= 25; seed++ {
		r := rand.New(rand.NewSource(seed))
		n := r.Intn(40)
		pnl := make([]float64, n)
		ret := make([]float64, n)
		for i := range ret {
			ret[i] = r.NormFloat64() * 0.05
			pnl[i] = ret[i] * 1000
		}
		for _, eng := range []*Engine{e, p} {
			rm := eng.Compute(series(pnl, ret), d(5000), model.Monthly)
			if rm.Volatility.IsNegative() || rm.VaR95.IsNegative() || rm.MaxDrawdown.IsNegative() {
				t.Fatalf("seed %d: negative metric %+v", seed, rm)
			}
		}
	}
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	if _, err := NewEngine(Config{Confidence: 1}); !errors.Is(err, ErrInvalidConfidence) {
		t.Errorf("expected ErrInvalidConfidence, got %v", err)
	}
	if _, err := NewEngine(Config{Method: "montecarlo", Confidence: 0.95}); err == nil {
		t.Error("expected an error for an unknown method")
	}
	e, err := NewEngine(Config{Confidence: 0.9})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if rm := e.Compute(nil, decimal.Zero, model.Monthly); rm.Method != string(Historical) {
		t.Errorf("empty method should default to historical, got %q", rm.Method)
	}
}

func TestParseMethod(t *testing.T) {
	if m, err := ParseMethod(" Parametric "); err != nil || m != Parametric {
		t.Errorf("expected parametric, got %q, %v", m, err)
	}
	if m, err := ParseMethod(""); err != nil || m != Historical {
		t.Errorf("expected historical default, got %q, %v", m, err)
	}
	if _, err := ParseMethod("garch"); err == nil {
		t.Error("expected an error")
	}
}

func TestFromPeriods(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := FromPeriods([]model.PeriodPerformance{
		{Start: start, PeriodPnL: d(10), Return: d(0.01)},
		{Start: start.AddDate(0, 1, 0), PeriodPnL: d(-5), Return: d(-0.005)},
	})
	if len(pts) != 2 || !pts[1].PnL.Equal(d(-5)) || !pts[1].Return.Equal(d(-0.005)) || !pts[0].Date.Equal(start) {
		t.Errorf("unexpected points %+v", pts)
	}
}
