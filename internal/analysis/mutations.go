package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// mutationAttempts bounds the retries of a mutation that lost a version race.
const mutationAttempts = 3

// Processed is the ledger state of one asset after a trade mutation.
type Processed struct {
	Trade   model.Trade   `json:"trade"`
	Version int64         `json:"version"`
	Lots    []model.Lot   `json:"lots"`
	Matches []model.Match `json:"matches"`
}

type mutation struct {
	op    string
	trade model.Trade // the trade being written (or deleted)
	// apply returns the trade list after the mutation.
	apply func(trades []model.Trade) ([]model.Trade, error)
	// write persists the mutation if the portfolio is still at version.
	write func(ctx context.Context, version int64) (int64, error)
}

// ProcessTrade replays the portfolio as if t were recorded, without storing
// it, and returns the resulting lots and matches of t's asset.
func (s *Service) ProcessTrade(ctx context.Context, t model.Trade) (Processed, error) {
	if err := ledger.Validate(t); err != nil {
		return Processed{}, err
	}
	snap, err := s.trades.Snapshot(ctx, t.PortfolioID)
	if err != nil {
		return Processed{}, fmt.Errorf("load trades: %w", err)
	}
	next, err := upsertTrade(snap.Trades, t, true)
	if err != nil {
		return Processed{}, err
	}
	res, err := s.matcher.Match(next)
	if err != nil {
		return Processed{}, err
	}
	return processed(t, snap.Version, res), nil
}

// RecordTrade stores a new trade if the history stays consistent with it.
func (s *Service) RecordTrade(ctx context.Context, t *model.Trade) (Processed, error) {
	return s.mutate(ctx, t.PortfolioID, mutation{
		op:    "create",
		trade: *t,
		apply: func(trades []model.Trade) ([]model.Trade, error) {
			return upsertTrade(trades, *t, true)
		},
		write: func(ctx context.Context, version int64) (int64, error) {
			return s.trades.CreateTrade(ctx, t, version)
		},
	}, t)
}

// UpdateTrade replaces an existing trade. Its position in the insertion
// order is kept.
func (s *Service) UpdateTrade(ctx context.Context, t *model.Trade) (Processed, error) {
	return s.mutate(ctx, t.PortfolioID, mutation{
		op:    "update",
		trade: *t,
		apply: func(trades []model.Trade) ([]model.Trade, error) {
			return upsertTrade(trades, *t, false)
		},
		write: func(ctx context.Context, version int64) (int64, error) {
			return s.trades.UpdateTrade(ctx, t, version)
		},
	}, t)
}

// DeleteTrade removes a trade unless a later SELL depends on it.
func (s *Service) DeleteTrade(ctx context.Context, portfolioID, tradeID string) (Processed, error) {
	existing, err := s.trades.GetTrade(ctx, portfolioID, tradeID)
	if err != nil {
		return Processed{}, err
	}
	return s.mutate(ctx, portfolioID, mutation{
		op:    "delete",
		trade: *existing,
		apply: func(trades []model.Trade) ([]model.Trade, error) {
			return removeTrade(trades, tradeID)
		},
		write: func(ctx context.Context, version int64) (int64, error) {
			return s.trades.DeleteTrade(ctx, portfolioID, tradeID, version)
		},
	}, nil)
}

// mutate validates m against a snapshot, replays the mutated history and
// writes it at the snapshot's version, retrying when another writer got
// there first.
func (s *Service) mutate(ctx context.Context, portfolioID string, m mutation, written *model.Trade) (Processed, error) {
	if m.op != "delete" {
		if err := ledger.Validate(m.trade); err != nil {
			return Processed{}, s.reject(ctx, m, err)
		}
	}

	for attempt := 1; ; attempt++ {
		snap, err := s.trades.Snapshot(ctx, portfolioID)
		if err != nil {
			return Processed{}, fmt.Errorf("load trades: %w", err)
		}
		next, err := m.apply(snap.Trades)
		if err != nil {
			return Processed{}, s.reject(ctx, m, err)
		}
		res, err := s.matcher.Match(next)
		if err != nil {
			return Processed{}, s.reject(ctx, m, err)
		}

		version, err := m.write(ctx, snap.Version)
		if errors.Is(err, store.ErrVersionConflict) && attempt < mutationAttempts {
			s.logger.DebugContext(ctx, "trade mutation lost version race, retrying",
				"portfolio", portfolioID, "trade_id", m.trade.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return Processed{}, s.reject(ctx, m, err)
		}

		trade := m.trade
		if written != nil {
			trade = *written
		}
		metrics.TradesTotal.WithLabelValues(m.op, trade.Side.String()).Inc()
		s.logger.InfoContext(ctx, "trade "+m.op+"d",
			"portfolio", portfolioID, "trade_id", trade.ID, "asset", trade.AssetID,
			"side", trade.Side.String(), "version", version)
		return processed(trade, version, res), nil
	}
}

func (s *Service) reject(ctx context.Context, m mutation, err error) error {
	reason := "store"
	switch {
	case errors.Is(err, ledger.ErrValidation):
		reason = "validation"
	case errors.Is(err, ledger.ErrInsufficientLots):
		reason = "insufficient_lots"
	case errors.Is(err, store.ErrVersionConflict):
		reason = "version_conflict"
	case errors.Is(err, store.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, store.ErrAlreadyExists):
		reason = "already_exists"
	}
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	s.logger.WarnContext(ctx, "trade "+m.op+" rejected",
		"portfolio", m.trade.PortfolioID, "trade_id", m.trade.ID, "reason", reason, "err", err)
	return err
}

// upsertTrade returns a copy of trades with t added (create) or swapped in
// for the trade with the same id (update).
func upsertTrade(trades []model.Trade, t model.Trade, create bool) ([]model.Trade, error) {
	out := make([]model.Trade, 0, len(trades)+1)
	found := false
	for _, cur := range trades {
		if cur.ID != t.ID {
			out = append(out, cur)
			continue
		}
		found = true
		if create {
			return nil, fmt.Errorf("trade %s: %w", t.ID, store.ErrAlreadyExists)
		}
		t.Seq = cur.Seq
		t.CreatedAt = cur.CreatedAt
		out = append(out, t)
	}
	if create {
		if t.Seq == 0 {
			t.Seq = nextSeq(trades)
		}
		return append(out, t), nil
	}
	if !found {
		return nil, fmt.Errorf("trade %s: %w", t.ID, store.ErrNotFound)
	}
	return out, nil
}

func removeTrade(trades []model.Trade, id string) ([]model.Trade, error) {
	out := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if t.ID != id {
			out = append(out, t)
		}
	}
	if len(out) == len(trades) {
		return nil, fmt.Errorf("trade %s: %w", id, store.ErrNotFound)
	}
	return out, nil
}

// nextSeq places an unsaved trade after every stored one, as the store will.
func nextSeq(trades []model.Trade) int64 {
	var last int64
	for _, t := range trades {
		last = max(last, t.Seq)
	}
	return last + 1
}

func processed(t model.Trade, version int64, res ledger.Result) Processed {
	p := Processed{Trade: t, Version: version, Lots: []model.Lot{}, Matches: []model.Match{}}
	for _, l := range res.Lots {
		if l.AssetID == t.AssetID {
			p.Lots = append(p.Lots, l)
		}
	}
	for _, m := range res.Matches {
		if m.AssetID == t.AssetID {
			p.Matches = append(p.Matches, m)
		}
	}
	return p
}
