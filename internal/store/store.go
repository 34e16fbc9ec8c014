// Package store defines the persistence interfaces for the ledger engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
//
// Every trade mutation bumps a per-portfolio version. Readers take a
// Snapshot (trades plus the version they belong to) and writers pass the
// version they validated against, so a mutation computed from a stale
// snapshot fails with ErrVersionConflict instead of being applied.
package store

import (
	"context"
	"errors"

	"github.com/atmx/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a trade or risk target does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a trade whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrVersionConflict is returned when the portfolio changed since the
	// version a mutation was validated against.
	ErrVersionConflict = errors.New("store: portfolio version changed")
)

// Snapshot is a consistent point-in-time read of a portfolio's trades.
type Snapshot struct {
	Trades  []model.Trade // ordered by trade date, then seq
	Version int64
}

// TradeStore persists trades.
type TradeStore interface {
	// ListTrades returns the portfolio's trades passing filter, ordered by
	// trade date then seq.
	ListTrades(ctx context.Context, portfolioID string, filter model.TradeFilter) ([]model.Trade, error)

	// Snapshot returns every trade of the portfolio together with its version.
	Snapshot(ctx context.Context, portfolioID string) (Snapshot, error)

	// GetTrade retrieves one trade.
	GetTrade(ctx context.Context, portfolioID, tradeID string) (*model.Trade, error)

	// CreateTrade inserts t, assigning Seq and CreatedAt, if the portfolio is
	// still at version. It returns the new version.
	CreateTrade(ctx context.Context, t *model.Trade, version int64) (int64, error)

	// UpdateTrade replaces the mutable fields of an existing trade. Seq and
	// CreatedAt are preserved.
	UpdateTrade(ctx context.Context, t *model.Trade, version int64) (int64, error)

	// DeleteTrade removes a trade.
	DeleteTrade(ctx context.Context, portfolioID, tradeID string, version int64) (int64, error)

	// Version returns the portfolio's current version (0 if it has never
	// been written).
	Version(ctx context.Context, portfolioID string) (int64, error)
}

// RiskTargetStore persists stop-loss / take-profit targets, one per asset.
type RiskTargetStore interface {
	ListRiskTargets(ctx context.Context, portfolioID string) ([]model.RiskTarget, error)

	// UpsertRiskTarget creates or replaces the target for (PortfolioID, AssetID).
	// An existing target keeps its ID.
	UpsertRiskTarget(ctx context.Context, t *model.RiskTarget) error

	DeleteRiskTarget(ctx context.Context, portfolioID, assetID string) error
}

// Store is both stores. Both implementations in this package satisfy it.
type Store interface {
	TradeStore
	RiskTargetStore
}
