// Package risktarget checks stop-loss and take-profit targets against open
// positions and live prices.
package risktarget

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// ErrInvalidThreshold is returned for a negative near threshold.
var ErrInvalidThreshold = errors.New("risktarget: near threshold must not be negative")

// DefaultNearThreshold flags a target as NEAR within 5% of the price.
var DefaultNearThreshold = decimal.NewFromFloat(0.05)

// distanceScale is the number of decimal places kept on distances.
const distanceScale int32 = 8

// Monitor evaluates risk targets. The zero value is not usable; call NewMonitor.
type Monitor struct {
	nearThreshold decimal.Decimal
}

// NewMonitor creates a monitor. A zero threshold disables NEAR alerts.
func NewMonitor(nearThreshold decimal.Decimal) (*Monitor, error) {
	if nearThreshold.IsNegative() {
		return nil, ErrInvalidThreshold
	}
	return &Monitor{nearThreshold: nearThreshold}, nil
}

// Assess returns the status of every active target that has an open, priced
// position. Inactive targets, targets without any level, and positions
// without a market price are skipped.
func (m *Monitor) Assess(positions []model.Position, targets []model.RiskTarget) []model.Alert {
	byAsset := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		byAsset[p.AssetID] = p
	}

	out := make([]model.Alert, 0, len(targets))
	for _, t := range targets {
		if !t.IsActive || (!t.StopLoss.Valid && !t.TakeProfit.Valid) {
			continue
		}
		p, ok := byAsset[t.AssetID]
		if !ok || !p.Quantity.IsPositive() || p.PriceMissing || !p.MarketPrice.Valid || !p.MarketPrice.Decimal.IsPositive() {
			continue
		}
		out = append(out, m.assess(t, p))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if si, sj := out[i].Level.Severity(), out[j].Level.Severity(); si != sj {
			return si > sj
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

// Evaluate returns only the targets at NEAR or TRIGGERED.
func (m *Monitor) Evaluate(positions []model.Position, targets []model.RiskTarget) []model.Alert {
	all := m.Assess(positions, targets)
	out := make([]model.Alert, 0, len(all))
	for _, a := range all {
		if a.Level != model.LevelOK {
			out = append(out, a)
		}
	}
	return out
}

func (m *Monitor) assess(t model.RiskTarget, p model.Position) model.Alert {
	price := p.MarketPrice.Decimal
	a := model.Alert{
		TargetID:    t.ID,
		AssetID:     t.AssetID,
		MarketPrice: price,
		Quantity:    p.Quantity,
		StopLoss:    t.StopLoss,
		TakeProfit:  t.TakeProfit,
		Level:       model.LevelOK,
	}

	if t.StopLoss.Valid {
		dist := price.Sub(t.StopLoss.Decimal).Div(price).Round(distanceScale)
		a.StopLossDistance = decimal.NewNullDecimal(dist)
		a.StopLossTriggered = price.LessThanOrEqual(t.StopLoss.Decimal)
		a.NearStopLoss = !a.StopLossTriggered && m.near(dist)
	}
	if t.TakeProfit.Valid {
		dist := t.TakeProfit.Decimal.Sub(price).Div(price).Round(distanceScale)
		a.TakeProfitDistance = decimal.NewNullDecimal(dist)
		a.TakeProfitTriggered = price.GreaterThanOrEqual(t.TakeProfit.Decimal)
		a.NearTakeProfit = !a.TakeProfitTriggered && m.near(dist)
	}

	switch {
	case a.Triggered():
		a.Level = model.LevelTriggered
	case a.NearStopLoss || a.NearTakeProfit:
		a.Level = model.LevelNear
	}
	return a
}

func (m *Monitor) near(dist decimal.Decimal) bool {
	return m.nearThreshold.IsPositive() && dist.Abs().LessThanOrEqual(m.nearThreshold)
}
