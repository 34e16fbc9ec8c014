// Package riskmetrics computes portfolio risk statistics from the periodic
// P&L series: annualized volatility, Sharpe ratio, max drawdown and VaR.
//
// Money stays in shopspring/decimal. The statistics themselves (square roots,
// the normal quantile) are computed in float64 and converted back to decimal
// at the boundary, rounded to a fixed scale.
package riskmetrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Method selects how VaR is estimated.
type Method string

const (
	// Historical takes the empirical quantile of observed returns.
	Historical Method = "historical"
	// Parametric assumes normally distributed returns: mean + z·σ.
	Parametric Method = "parametric"
)

// ParseMethod accepts historical|parametric. An empty string yields Historical.
func ParseMethod(v string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(v))); m {
	case "":
		return Historical, nil
	case Historical, Parametric:
		return m, nil
	default:
		return "", fmt.Errorf("riskmetrics: unknown VaR method %q", v)
	}
}

// ErrInvalidConfidence is returned when the VaR confidence is outside (0, 1).
var ErrInvalidConfidence = errors.New("riskmetrics: confidence must be between 0 and 1")

const (
	ratioScale int32 = 4
	moneyScale int32 = 2
)

// Config is the risk methodology.
type Config struct {
	Method       Method
	Confidence   float64 // VaR confidence level, e.g. 0.95
	RiskFreeRate float64 // annual, as a fraction
}

// DefaultConfig is historical VaR at 95% with a zero risk-free rate.
func DefaultConfig() Config {
	return Config{Method: Historical, Confidence: 0.95}
}

// Point is one observation of the P&L series.
type Point struct {
	Date   time.Time
	PnL    decimal.Decimal // P&L earned during the period
	Return decimal.Decimal // PnL relative to the capital employed in the period
}

// FromPeriods converts aggregated buckets into a series.
func FromPeriods(periods []model.PeriodPerformance) []Point {
	out := make([]Point, 0, len(periods))
	for _, p := range periods {
		out = append(out, Point{Date: p.Start, PnL: p.PeriodPnL, Return: p.Return})
	}
	return out
}

// PeriodsPerYear is the annualization factor for a granularity.
func PeriodsPerYear(g model.Granularity) float64 {
	switch g {
	case model.Daily:
		return 252
	case model.Weekly:
		return 52
	default:
		return 12
	}
}

// Engine computes RiskMetrics. It holds no state besides its Config and is
// safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg. A zero Method defaults to Historical.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Method == "" {
		cfg.Method = Historical
	}
	if cfg.Method != Historical && cfg.Method != Parametric {
		return nil, fmt.Errorf("riskmetrics: unknown VaR method %q", cfg.Method)
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		return nil, ErrInvalidConfidence
	}
	return &Engine{cfg: cfg}, nil
}

// Compute derives risk metrics from series. currentValue scales the VaR
// quantile into currency. Fewer than two observations give zero volatility
// and a null Sharpe ratio; no result is ever NaN or infinite.
func (e *Engine) Compute(series []Point, currentValue decimal.Decimal, g model.Granularity) model.RiskMetrics {
	rm := model.RiskMetrics{
		Method:       string(e.cfg.Method),
		Observations: len(series),
	}

	returns := make([]float64, 0, len(series))
	for _, p := range series {
		returns = append(returns, p.Return.InexactFloat64())
	}

	n := PeriodsPerYear(g)
	mean, std := meanStd(returns)
	rm.Volatility = finite(std * math.Sqrt(n)).Round(ratioScale)
	if !rm.Volatility.IsZero() {
		sharpe := (mean*n - e.cfg.RiskFreeRate) / (std * math.Sqrt(n))
		rm.SharpeRatio = decimal.NewNullDecimal(finite(sharpe).Round(ratioScale))
	}

	rm.MaxDrawdown, rm.MaxDrawdownPercent = drawdown(series)

	if q, ok := e.quantile(returns, mean, std); ok && q < 0 && currentValue.IsPositive() {
		rm.VaR95 = currentValue.Mul(finite(-q)).Round(moneyScale)
	}
	return rm
}

// quantile returns the (1 - confidence) return quantile for the configured
// method, and false when there is not enough data to estimate it.
func (e *Engine) quantile(returns []float64, mean, std float64) (float64, bool) {
	p := 1 - e.cfg.Confidence
	switch e.cfg.Method {
	case Parametric:
		if len(returns) < 2 {
			return 0, false
		}
		return mean + normalQuantile(p)*std, true
	default:
		if len(returns) == 0 {
			return 0, false
		}
		return percentile(returns, p), true
	}
}

// meanStd returns the mean and the sample (n-1) standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// percentile interpolates linearly between the closest order statistics.
func percentile(xs []float64, p float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// normalQuantile is the inverse standard normal CDF.
func normalQuantile(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// drawdown walks the cumulative P&L from zero and returns the largest
// peak-to-trough decline, in currency and as a percent of the peak.
func drawdown(series []Point) (decimal.Decimal, decimal.Decimal) {
	cumulative, peak := decimal.Zero, decimal.Zero
	maxDD, maxPct := decimal.Zero, decimal.Zero
	for _, p := range series {
		cumulative = cumulative.Add(p.PnL)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
			continue
		}
		dd := peak.Sub(cumulative)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if peak.IsPositive() {
			if pct := dd.Div(peak).Mul(decimal.NewFromInt(100)).Round(moneyScale); pct.GreaterThan(maxPct) {
				maxPct = pct
			}
		}
	}
	return maxDD, maxPct
}

func finite(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}
