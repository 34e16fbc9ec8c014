package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The schema lives in migrations/.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const tradeColumns = `id, portfolio_id, asset_id, side,
	quantity::TEXT, price::TEXT, fee::TEXT, tax::TEXT,
	trade_date, exchange, funding_source, seq, created_at`

const uniqueViolation = "23505"

func (s *PostgresStore) ListTrades(ctx context.Context, portfolioID string, filter model.TradeFilter) ([]model.Trade, error) {
	query, args := buildFilteredQuery(
		`SELECT `+tradeColumns+` FROM trades WHERE portfolio_id = $1`,
		[]any{portfolioID},
		filter,
	)
	query += " ORDER BY trade_date, seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", portfolioID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Snapshot reads the version and the trades inside one REPEATABLE READ
// transaction so both describe the same instant.
func (s *PostgresStore) Snapshot(ctx context.Context, portfolioID string) (Snapshot, error) {
	var snap Snapshot
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly},
		func(tx pgx.Tx) error {
			v, err := readVersion(ctx, tx, portfolioID)
			if err != nil {
				return err
			}
			rows, err := tx.Query(ctx,
				`SELECT `+tradeColumns+` FROM trades WHERE portfolio_id = $1 ORDER BY trade_date, seq`,
				portfolioID)
			if err != nil {
				return err
			}
			defer rows.Close()
			trades, err := scanTrades(rows)
			if err != nil {
				return err
			}
			snap = Snapshot{Trades: trades, Version: v}
			return nil
		})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", portfolioID, err)
	}
	return snap, nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, portfolioID, tradeID string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE portfolio_id = $1 AND id = $2`,
		portfolioID, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", tradeID, err)
	}
	return t, nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade, version int64) (int64, error) {
	var next int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if next, err = bumpVersion(ctx, tx, t.PortfolioID, version); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO trades (id, portfolio_id, asset_id, side, quantity, price, fee, tax,
			                     trade_date, exchange, funding_source)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)
			 RETURNING seq, created_at`,
			t.ID, t.PortfolioID, t.AssetID, t.Side.String(),
			t.Quantity.String(), t.Price.String(), t.Fee.String(), t.Tax.String(),
			t.TradeDate, t.Exchange, t.FundingSource,
		).Scan(&t.Seq, &t.CreatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return 0, fmt.Errorf("trade %s: %w", t.ID, ErrAlreadyExists)
	}
	if err != nil {
		return 0, wrapMutation("create trade", t.ID, err)
	}
	return next, nil
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, t *model.Trade, version int64) (int64, error) {
	var next int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if next, err = bumpVersion(ctx, tx, t.PortfolioID, version); err != nil {
			return err
		}
		err = tx.QueryRow(ctx,
			`UPDATE trades
			 SET asset_id = $3, side = $4,
			     quantity = $5::NUMERIC, price = $6::NUMERIC, fee = $7::NUMERIC, tax = $8::NUMERIC,
			     trade_date = $9, exchange = $10, funding_source = $11
			 WHERE portfolio_id = $1 AND id = $2
			 RETURNING seq, created_at`,
			t.PortfolioID, t.ID, t.AssetID, t.Side.String(),
			t.Quantity.String(), t.Price.String(), t.Fee.String(), t.Tax.String(),
			t.TradeDate, t.Exchange, t.FundingSource,
		).Scan(&t.Seq, &t.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return 0, wrapMutation("update trade", t.ID, err)
	}
	return next, nil
}

func (s *PostgresStore) DeleteTrade(ctx context.Context, portfolioID, tradeID string, version int64) (int64, error) {
	var next int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if next, err = bumpVersion(ctx, tx, portfolioID, version); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM trades WHERE portfolio_id = $1 AND id = $2`, portfolioID, tradeID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, wrapMutation("delete trade", tradeID, err)
	}
	return next, nil
}

func (s *PostgresStore) Version(ctx context.Context, portfolioID string) (int64, error) {
	return readVersion(ctx, s.pool, portfolioID)
}

func (s *PostgresStore) ListRiskTargets(ctx context.Context, portfolioID string) ([]model.RiskTarget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, asset_id, stop_loss::TEXT, take_profit::TEXT, is_active, updated_at
		 FROM risk_targets WHERE portfolio_id = $1 ORDER BY asset_id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list risk targets %s: %w", portfolioID, err)
	}
	defer rows.Close()

	targets := []model.RiskTarget{}
	for rows.Next() {
		var t model.RiskTarget
		var stopS, takeS *string
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.AssetID, &stopS, &takeS, &t.IsActive, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if t.StopLoss, err = nullDecimal(stopS); err != nil {
			return nil, err
		}
		if t.TakeProfit, err = nullDecimal(takeS); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *PostgresStore) UpsertRiskTarget(ctx context.Context, t *model.RiskTarget) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO risk_targets (id, portfolio_id, asset_id, stop_loss, take_profit, is_active, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, now())
		 ON CONFLICT (portfolio_id, asset_id) DO UPDATE
		 SET stop_loss = EXCLUDED.stop_loss, take_profit = EXCLUDED.take_profit,
		     is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
		 RETURNING id, updated_at`,
		t.ID, t.PortfolioID, t.AssetID, nullString(t.StopLoss), nullString(t.TakeProfit), t.IsActive,
	).Scan(&t.ID, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert risk target %s/%s: %w", t.PortfolioID, t.AssetID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteRiskTarget(ctx context.Context, portfolioID, assetID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM risk_targets WHERE portfolio_id = $1 AND asset_id = $2`, portfolioID, assetID)
	if err != nil {
		return fmt.Errorf("delete risk target %s/%s: %w", portfolioID, assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("risk target %s: %w", assetID, ErrNotFound)
	}
	return nil
}

// --- query helpers ---

// buildFilteredQuery appends a clause per non-zero filter field, numbering
// placeholders after baseArgs.
func buildFilteredQuery(baseQuery string, baseArgs []any, f model.TradeFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(baseQuery)
	args := baseArgs

	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}
	if f.AssetID != "" {
		add("asset_id = $%d", f.AssetID)
	}
	if f.Side.Valid() {
		add("side = $%d", f.Side.String())
	}
	if !f.StartDate.IsZero() {
		add("trade_date >= $%d", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		add("trade_date <= $%d", f.EndDate)
	}
	return sb.String(), args
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readVersion(ctx context.Context, q querier, portfolioID string) (int64, error) {
	var v int64
	err := q.QueryRow(ctx,
		`SELECT version FROM portfolio_versions WHERE portfolio_id = $1`, portfolioID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// bumpVersion advances the portfolio version when it still equals expected.
func bumpVersion(ctx context.Context, tx pgx.Tx, portfolioID string, expected int64) (int64, error) {
	var next int64
	err := tx.QueryRow(ctx,
		`INSERT INTO portfolio_versions (portfolio_id, version) VALUES ($1, 1)
		 ON CONFLICT (portfolio_id) DO UPDATE
		 SET version = portfolio_versions.version + 1
		 WHERE portfolio_versions.version = $2
		 RETURNING version`,
		portfolioID, expected).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && next != expected+1) {
		return 0, ErrVersionConflict
	}
	return next, err
}

func wrapMutation(op, id string, err error) error {
	switch {
	case errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	default:
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrade(row scannable) (*model.Trade, error) {
	var t model.Trade
	var side, qtyS, priceS, feeS, taxS string

	if err := row.Scan(&t.ID, &t.PortfolioID, &t.AssetID, &side,
		&qtyS, &priceS, &feeS, &taxS,
		&t.TradeDate, &t.Exchange, &t.FundingSource, &t.Seq, &t.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if t.Side, err = model.ParseSide(side); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.Quantity, qtyS}, {&t.Price, priceS}, {&t.Fee, feeS}, {&t.Tax, taxS}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
	}
	t.TradeDate = t.TradeDate.UTC()
	return &t, nil
}

func nullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
