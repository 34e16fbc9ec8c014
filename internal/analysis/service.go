// Package analysis answers portfolio queries by replaying the trade history:
// FIFO matching, positions, P&L aggregation, risk metrics and risk-target
// monitoring. It is the only package that talks to stores, the price
// provider and the report cache.
//
// Derived data (lots, matches, positions, reports) is recomputed from a
// consistent store snapshot whenever the portfolio version moves; nothing
// derived is persisted.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/ledger-engine/internal/cache"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/price"
	"github.com/atmx/ledger-engine/internal/riskmetrics"
	"github.com/atmx/ledger-engine/internal/risktarget"
	"github.com/atmx/ledger-engine/internal/store"
)

// ErrNoPosition is returned when an asset has no open quantity.
var ErrNoPosition = errors.New("analysis: no open position")

// Deps are the collaborators of a Service. Trades and Targets are required.
type Deps struct {
	Trades  store.TradeStore
	Targets store.RiskTargetStore
	Prices  price.Provider // nil: only caller-supplied prices are used
	Cache   *cache.Tiered  // nil: reports are never cached
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Config is the computation methodology.
type Config struct {
	Matcher       ledger.Options
	Risk          riskmetrics.Config
	NearThreshold decimal.Decimal
}

// DefaultConfig matches the service's documented defaults.
func DefaultConfig() Config {
	return Config{
		Risk:          riskmetrics.DefaultConfig(),
		NearThreshold: risktarget.DefaultNearThreshold,
	}
}

// Service orchestrates the engine. It is safe for concurrent use.
type Service struct {
	trades  store.TradeStore
	targets store.RiskTargetStore
	prices  price.Provider
	cache   *cache.Tiered
	logger  *slog.Logger
	now     func() time.Time

	matcher *ledger.Matcher
	risk    *riskmetrics.Engine
	monitor *risktarget.Monitor

	flight  singleflight.Group
	replays *replayMemo
}

// NewService wires a Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Trades == nil || deps.Targets == nil {
		return nil, errors.New("analysis: trade and risk target stores are required")
	}
	risk, err := riskmetrics.NewEngine(cfg.Risk)
	if err != nil {
		return nil, err
	}
	monitor, err := risktarget.NewMonitor(cfg.NearThreshold)
	if err != nil {
		return nil, err
	}

	s := &Service{
		trades:  deps.Trades,
		targets: deps.Targets,
		prices:  deps.Prices,
		cache:   deps.Cache,
		logger:  deps.Logger,
		now:     deps.Clock,
		matcher: ledger.NewMatcher(cfg.Matcher),
		risk:    risk,
		monitor: monitor,
		replays: newReplayMemo(),
	}
	if s.cache == nil {
		s.cache = cache.NewTiered(deps.Logger)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// ledgerState is one matcher run over a store snapshot.
type ledgerState struct {
	snapshot store.Snapshot
	result   ledger.Result
}

// load returns the ledger state at the portfolio's current version. The last
// replay is reused while the version is unchanged; derived data is read-only
// so it is shared between requests.
func (s *Service) load(ctx context.Context, portfolioID string) (ledgerState, error) {
	if version, err := s.trades.Version(ctx, portfolioID); err == nil {
		if st, ok := s.replays.get(portfolioID, version); ok {
			return st, nil
		}
	}
	snap, err := s.trades.Snapshot(ctx, portfolioID)
	if err != nil {
		return ledgerState{}, fmt.Errorf("load trades: %w", err)
	}
	st, err := s.replay(portfolioID, snap)
	if err != nil {
		return ledgerState{}, err
	}
	s.replays.put(portfolioID, st)
	return st, nil
}

func (s *Service) replay(portfolioID string, snap store.Snapshot) (ledgerState, error) {
	metrics.MatchedTrades.Observe(float64(len(snap.Trades)))
	res, err := s.matcher.Match(snap.Trades)
	if err != nil {
		s.logger.Error("ledger replay failed", "portfolio", portfolioID, "version", snap.Version, "err", err)
		return ledgerState{}, err
	}
	return ledgerState{snapshot: snap, result: res}, nil
}

// marketPrices resolves prices for the open assets: supplied prices win, the
// provider fills the rest. A provider failure is logged and degrades to
// missing prices.
func (s *Service) marketPrices(ctx context.Context, lots []model.Lot, supplied map[string]decimal.Decimal) map[string]decimal.Decimal {
	var need []string
	seen := make(map[string]bool)
	for _, l := range lots {
		if seen[l.AssetID] {
			continue
		}
		seen[l.AssetID] = true
		if _, ok := supplied[l.AssetID]; !ok {
			need = append(need, l.AssetID)
		}
	}
	sort.Strings(need)

	if len(need) == 0 || s.prices == nil {
		return price.Merge(nil, supplied)
	}
	fetched, err := s.prices.Prices(ctx, need)
	if err != nil {
		metrics.PriceFetchErrors.Inc()
		s.logger.WarnContext(ctx, "price lookup failed, reporting prices as missing", "assets", need, "err", err)
		fetched = nil
	}
	return price.Merge(fetched, supplied)
}

func (s *Service) positions(ctx context.Context, st ledgerState, supplied map[string]decimal.Decimal) []model.Position {
	open := st.result.OpenLots()
	return s.pricePositions(open, s.marketPrices(ctx, open, supplied))
}

func (s *Service) pricePositions(open []model.Lot, prices map[string]decimal.Decimal) []model.Position {
	positions := position.Compute(open, prices)
	if missing := position.MissingPrices(positions); len(missing) > 0 {
		metrics.MissingPrices.Add(float64(len(missing)))
	}
	return positions
}

// ListTrades returns the portfolio's trades passing filter.
func (s *Service) ListTrades(ctx context.Context, portfolioID string, filter model.TradeFilter) ([]model.Trade, error) {
	return s.trades.ListTrades(ctx, portfolioID, filter)
}

// GetPositions returns every open position. prices may be nil; any asset it
// does not cover is priced by the provider.
func (s *Service) GetPositions(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) ([]model.Position, error) {
	st, err := s.load(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return s.positions(ctx, st, prices), nil
}

// GetPositionByAsset returns one open position. marketPrice may be nil.
func (s *Service) GetPositionByAsset(ctx context.Context, portfolioID, assetID string, marketPrice *decimal.Decimal) (model.Position, error) {
	st, err := s.load(ctx, portfolioID)
	if err != nil {
		return model.Position{}, err
	}

	var lots []model.Lot
	for _, l := range st.result.OpenLots() {
		if l.AssetID == assetID {
			lots = append(lots, l)
		}
	}
	if len(lots) == 0 {
		return model.Position{}, fmt.Errorf("%s: %w", assetID, ErrNoPosition)
	}

	var supplied map[string]decimal.Decimal
	if marketPrice != nil {
		supplied = map[string]decimal.Decimal{assetID: *marketPrice}
	}
	p, _ := position.Find(s.pricePositions(lots, s.marketPrices(ctx, lots, supplied)), assetID)
	return p, nil
}

// AssessRiskTargets returns the live status of every active target with a
// priced open position.
func (s *Service) AssessRiskTargets(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) ([]model.Alert, error) {
	positions, targets, err := s.positionsAndTargets(ctx, portfolioID, prices)
	if err != nil {
		return nil, err
	}
	return s.monitor.Assess(positions, targets), nil
}

// MonitorRiskTargets returns the targets that are triggered or near.
func (s *Service) MonitorRiskTargets(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) ([]model.Alert, error) {
	positions, targets, err := s.positionsAndTargets(ctx, portfolioID, prices)
	if err != nil {
		return nil, err
	}
	alerts := s.monitor.Evaluate(positions, targets)
	for _, a := range alerts {
		metrics.RiskAlerts.WithLabelValues(string(a.Level)).Inc()
		if a.Level == model.LevelTriggered {
			s.logger.InfoContext(ctx, "risk target triggered",
				"portfolio", portfolioID, "asset", a.AssetID, "price", a.MarketPrice.String())
		}
	}
	return alerts, nil
}

func (s *Service) positionsAndTargets(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) ([]model.Position, []model.RiskTarget, error) {
	var (
		st      ledgerState
		targets []model.RiskTarget
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		st, err = s.load(gctx, portfolioID)
		return err
	})
	g.Go(func() error {
		var err error
		if targets, err = s.targets.ListRiskTargets(gctx, portfolioID); err != nil {
			return fmt.Errorf("load risk targets: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return s.positions(ctx, st, prices), targets, nil
}

// ListRiskTargets returns the stored targets.
func (s *Service) ListRiskTargets(ctx context.Context, portfolioID string) ([]model.RiskTarget, error) {
	return s.targets.ListRiskTargets(ctx, portfolioID)
}

// UpsertRiskTarget validates and stores t.
func (s *Service) UpsertRiskTarget(ctx context.Context, t *model.RiskTarget) error {
	if err := ValidateRiskTarget(*t); err != nil {
		return err
	}
	return s.targets.UpsertRiskTarget(ctx, t)
}

// DeleteRiskTarget removes the target for an asset.
func (s *Service) DeleteRiskTarget(ctx context.Context, portfolioID, assetID string) error {
	return s.targets.DeleteRiskTarget(ctx, portfolioID, assetID)
}

// ValidateRiskTarget requires positive levels with the stop below the take.
func ValidateRiskTarget(t model.RiskTarget) error {
	invalid := func(field, reason string) error {
		return &ledger.ValidationError{Field: field, Reason: reason}
	}
	switch {
	case t.AssetID == "":
		return invalid("asset_id", "is required")
	case t.StopLoss.Valid && !t.StopLoss.Decimal.IsPositive():
		return invalid("stop_loss", "must be positive")
	case t.TakeProfit.Valid && !t.TakeProfit.Decimal.IsPositive():
		return invalid("take_profit", "must be positive")
	case t.StopLoss.Valid && t.TakeProfit.Valid && !t.StopLoss.Decimal.LessThan(t.TakeProfit.Decimal):
		return invalid("stop_loss", "must be below take_profit")
	}
	return nil
}
