package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnalysisReport is a time-bounded, fully derived view of a portfolio.
// It has no lifecycle beyond the request that produced it.
type AnalysisReport struct {
	PortfolioID        string              `json:"portfolio_id"`
	Timeframe          Timeframe           `json:"timeframe"`
	Granularity        Granularity         `json:"granularity"`
	PeriodStart        *time.Time          `json:"period_start"`
	PeriodEnd          time.Time           `json:"period_end"`
	GeneratedAt        time.Time           `json:"generated_at"`
	Version            int64               `json:"version"`
	PnLSummary         PnLSummary          `json:"pnl_summary"`
	Statistics         Statistics          `json:"statistics"`
	RiskMetrics        RiskMetrics         `json:"risk_metrics"`
	MonthlyPerformance []PeriodPerformance `json:"monthly_performance"`
	AssetPerformance   []AssetPerformance  `json:"asset_performance"`
	TopTrades          []TradeResult       `json:"top_trades"`
	WorstTrades        []TradeResult       `json:"worst_trades"`
	Warnings           []Warning           `json:"warnings"`
}

// PnLSummary splits P&L into realized and unrealized parts.
type PnLSummary struct {
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	WinRate            decimal.Decimal `json:"win_rate"` // 0-100
	TotalCostBasis     decimal.Decimal `json:"total_cost_basis"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalFees          decimal.Decimal `json:"total_fees"`
}

// Statistics describes trading activity inside the window.
type Statistics struct {
	TotalTrades        int                 `json:"total_trades"`
	BuyTrades          int                 `json:"buy_trades"`
	SellTrades         int                 `json:"sell_trades"`
	TotalVolume        decimal.Decimal     `json:"total_volume"`
	TotalFees          decimal.Decimal     `json:"total_fees"`
	MatchesCount       int                 `json:"matches_count"`
	WinningMatches     int                 `json:"winning_matches"`
	LosingMatches      int                 `json:"losing_matches"`
	AverageWin         decimal.Decimal     `json:"average_win"`
	AverageLoss        decimal.Decimal     `json:"average_loss"`
	LargestWin         decimal.Decimal     `json:"largest_win"`
	LargestLoss        decimal.Decimal     `json:"largest_loss"`
	ProfitFactor       decimal.NullDecimal `json:"profit_factor"`
	AverageHoldingDays decimal.Decimal     `json:"average_holding_days"`
}

// RiskMetrics summarizes the P&L series. SharpeRatio is null when
// volatility is zero.
type RiskMetrics struct {
	Volatility         decimal.Decimal     `json:"volatility"`
	SharpeRatio        decimal.NullDecimal `json:"sharpe_ratio"`
	MaxDrawdown        decimal.Decimal     `json:"max_drawdown"`
	MaxDrawdownPercent decimal.Decimal     `json:"max_drawdown_percent"`
	VaR95              decimal.Decimal     `json:"var95"`
	Method             string              `json:"method"`
	Observations       int                 `json:"observations"`
}

// PeriodPerformance is one granularity bucket of the P&L series.
type PeriodPerformance struct {
	Period        string          `json:"period"`
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // snapshot at bucket end
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	PeriodPnL     decimal.Decimal `json:"period_pnl"` // realized + change in unrealized
	CumulativePnL decimal.Decimal `json:"cumulative_pnl"`
	CapitalBase   decimal.Decimal `json:"capital_base"`
	Return        decimal.Decimal `json:"return"`
	Matches       int             `json:"matches"`
	WinRate       decimal.Decimal `json:"win_rate"`
	Volume        decimal.Decimal `json:"volume"`
}

// AssetPerformance groups matches and the open position of one asset.
type AssetPerformance struct {
	AssetID       string              `json:"asset_id"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal     `json:"total_pnl"`
	TradesCount   int                 `json:"trades_count"`
	WinRate       decimal.Decimal     `json:"win_rate"`
	TotalVolume   decimal.Decimal     `json:"total_volume"`
	Quantity      decimal.Decimal     `json:"quantity"`
	AvgCost       decimal.Decimal     `json:"avg_cost"`
	MarketValue   decimal.NullDecimal `json:"market_value"`
}

// TradeResult is a ranked match used for top/worst trade lists.
type TradeResult struct {
	SellTradeID   string          `json:"sell_trade_id"`
	LotID         string          `json:"lot_id"`
	AssetID       string          `json:"asset_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Proceeds      decimal.Decimal `json:"proceeds"`
	RealizedPL    decimal.Decimal `json:"realized_pl"`
	ReturnPercent decimal.Decimal `json:"return_percent"`
	TradeDate     time.Time       `json:"trade_date"`
	HoldingDays   int             `json:"holding_days"`
}

// WarningMissingPrice flags an open position with no market price.
const WarningMissingPrice = "MISSING_PRICE"

// Warning is a non-fatal condition surfaced alongside a report.
type Warning struct {
	Code    string `json:"code"`
	AssetID string `json:"asset_id,omitempty"`
	Message string `json:"message"`
}
