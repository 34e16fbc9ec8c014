// Package model defines the core domain types shared across the ledger engine.
// All monetary values and quantities use shopspring/decimal; never float64 for money.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side int

const (
	// Buy opens (or adds to) a cost-basis lot.
	Buy Side = iota + 1
	// Sell consumes open lots in FIFO order.
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is one of the two trade sides.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide parses "BUY" or "SELL" (case-insensitive).
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown trade side: %q", v)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid side %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseSide(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Trade is an immutable record of an executed buy or sell. It changes only
// through an explicit edit or delete.
type Trade struct {
	ID            string          `json:"id"`
	PortfolioID   string          `json:"portfolio_id"`
	AssetID       string          `json:"asset_id"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Tax           decimal.Decimal `json:"tax"`
	TradeDate     time.Time       `json:"trade_date"`
	Exchange      string          `json:"exchange,omitempty"`
	FundingSource string          `json:"funding_source,omitempty"`
	// Seq is assigned by the store on insert and breaks trade-date ties.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Notional is quantity × price, before fees.
func (t Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// Costs is fee + tax.
func (t Trade) Costs() decimal.Decimal {
	return t.Fee.Add(t.Tax)
}

// TradeFilter narrows a TradeStore listing. Zero values mean "no filter".
type TradeFilter struct {
	AssetID   string
	Side      Side
	StartDate time.Time
	EndDate   time.Time
}

// Matches reports whether t passes the filter. EndDate is inclusive.
func (f TradeFilter) Matches(t Trade) bool {
	if f.AssetID != "" && t.AssetID != f.AssetID {
		return false
	}
	if f.Side.Valid() && t.Side != f.Side {
		return false
	}
	if !f.StartDate.IsZero() && t.TradeDate.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && t.TradeDate.After(f.EndDate) {
		return false
	}
	return true
}

// Lot is the slice of a BUY trade not yet consumed by later SELLs.
type Lot struct {
	ID                string          `json:"id"`
	OriginTradeID     string          `json:"origin_trade_id"`
	AssetID           string          `json:"asset_id"`
	OpenQuantity      decimal.Decimal `json:"open_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	CostPricePerUnit  decimal.Decimal `json:"cost_price_per_unit"`
	OpenedAt          time.Time       `json:"opened_at"`
	Closed            bool            `json:"closed"`
}

// RemainingCost is remainingQuantity × costPricePerUnit.
func (l Lot) RemainingCost() decimal.Decimal {
	return l.RemainingQuantity.Mul(l.CostPricePerUnit)
}

// Match records part (or all) of a SELL allocated against one lot.
type Match struct {
	SellTradeID      string          `json:"sell_trade_id"`
	LotID            string          `json:"lot_id"`
	AssetID          string          `json:"asset_id"`
	MatchedQuantity  decimal.Decimal `json:"matched_quantity"`
	CostPricePerUnit decimal.Decimal `json:"cost_price_per_unit"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	Fees             decimal.Decimal `json:"fees"` // prorated SELL fee + tax
	CostBasis        decimal.Decimal `json:"cost_basis"`
	Proceeds         decimal.Decimal `json:"proceeds"`
	RealizedPL       decimal.Decimal `json:"realized_pl"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at"` // SELL trade date
}

// Winning reports whether the match realized a strictly positive P&L.
func (m Match) Winning() bool {
	return m.RealizedPL.IsPositive()
}

// Position is an asset's open quantity, derived on every query.
type Position struct {
	AssetID             string              `json:"asset_id"`
	Quantity            decimal.Decimal     `json:"quantity"`
	AvgCost             decimal.Decimal     `json:"avg_cost"`
	CostBasis           decimal.Decimal     `json:"cost_basis"`
	MarketPrice         decimal.NullDecimal `json:"market_price"`
	MarketValue         decimal.NullDecimal `json:"market_value"`
	UnrealizedPL        decimal.NullDecimal `json:"unrealized_pl"`
	UnrealizedPLPercent decimal.NullDecimal `json:"unrealized_pl_percent"`
	PriceMissing        bool                `json:"price_missing"`
	OpenLots            int                 `json:"open_lots"`
	OldestLotDate       time.Time           `json:"oldest_lot_date"`
}

// ValueOrCost returns the market value, or the cost basis when the price is missing.
func (p Position) ValueOrCost() decimal.Decimal {
	if p.MarketValue.Valid {
		return p.MarketValue.Decimal
	}
	return p.CostBasis
}

// RiskTarget is a user-defined stop-loss / take-profit pair for one asset.
type RiskTarget struct {
	ID          string              `json:"id"`
	PortfolioID string              `json:"portfolio_id"`
	AssetID     string              `json:"asset_id"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
	TakeProfit  decimal.NullDecimal `json:"take_profit"`
	IsActive    bool                `json:"is_active"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// AlertLevel grades how close a price is to a target.
type AlertLevel string

const (
	LevelOK        AlertLevel = "OK"
	LevelNear      AlertLevel = "NEAR"
	LevelTriggered AlertLevel = "TRIGGERED"
)

// Severity orders levels; higher is more urgent.
func (l AlertLevel) Severity() int {
	switch l {
	case LevelTriggered:
		return 2
	case LevelNear:
		return 1
	default:
		return 0
	}
}

// Alert is the evaluated state of one risk target against a live price.
// Distances are computed at query time and never stored.
type Alert struct {
	TargetID            string              `json:"target_id"`
	AssetID             string              `json:"asset_id"`
	MarketPrice         decimal.Decimal     `json:"market_price"`
	Quantity            decimal.Decimal     `json:"quantity"`
	StopLoss            decimal.NullDecimal `json:"stop_loss"`
	TakeProfit          decimal.NullDecimal `json:"take_profit"`
	StopLossDistance    decimal.NullDecimal `json:"stop_loss_distance"`
	TakeProfitDistance  decimal.NullDecimal `json:"take_profit_distance"`
	StopLossTriggered   bool                `json:"stop_loss_triggered"`
	TakeProfitTriggered bool                `json:"take_profit_triggered"`
	NearStopLoss        bool                `json:"near_stop_loss"`
	NearTakeProfit      bool                `json:"near_take_profit"`
	Level               AlertLevel          `json:"level"`
}

// Triggered reports whether either side of the target fired.
func (a Alert) Triggered() bool {
	return a.StopLossTriggered || a.TakeProfitTriggered
}
