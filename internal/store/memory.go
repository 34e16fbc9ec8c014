package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*memPortfolio
	seq        int64
}

type memPortfolio struct {
	version int64
	trades  map[string]model.Trade
	targets map[string]model.RiskTarget // by asset id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{portfolios: make(map[string]*memPortfolio)}
}

// portfolio returns the portfolio, creating it when create is set.
// Callers hold the lock.
func (s *MemoryStore) portfolio(id string, create bool) *memPortfolio {
	p, ok := s.portfolios[id]
	if !ok && create {
		p = &memPortfolio{
			trades:  make(map[string]model.Trade),
			targets: make(map[string]model.RiskTarget),
		}
		s.portfolios[id] = p
	}
	return p
}

func (s *MemoryStore) ListTrades(_ context.Context, portfolioID string, filter model.TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.trades(portfolioID, filter), nil
}

func (s *MemoryStore) Snapshot(_ context.Context, portfolioID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Trades: s.trades(portfolioID, model.TradeFilter{})}
	if p := s.portfolio(portfolioID, false); p != nil {
		snap.Version = p.version
	}
	return snap, nil
}

func (s *MemoryStore) trades(portfolioID string, filter model.TradeFilter) []model.Trade {
	out := []model.Trade{}
	p := s.portfolio(portfolioID, false)
	if p == nil {
		return out
	}
	for _, t := range p.trades {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].TradeDate.Before(out[j].TradeDate)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (s *MemoryStore) GetTrade(_ context.Context, portfolioID, tradeID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.portfolio(portfolioID, false)
	if p == nil {
		return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	t, ok := p.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portfolio(t.PortfolioID, true)
	if p.version != version {
		return p.version, ErrVersionConflict
	}
	if _, exists := p.trades[t.ID]; exists {
		return p.version, fmt.Errorf("trade %s: %w", t.ID, ErrAlreadyExists)
	}

	s.seq++
	t.Seq = s.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	p.trades[t.ID] = *t
	p.version++
	return p.version, nil
}

func (s *MemoryStore) UpdateTrade(_ context.Context, t *model.Trade, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portfolio(t.PortfolioID, false)
	if p == nil {
		return 0, fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	if p.version != version {
		return p.version, ErrVersionConflict
	}
	existing, ok := p.trades[t.ID]
	if !ok {
		return p.version, fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}

	t.Seq = existing.Seq
	t.CreatedAt = existing.CreatedAt
	p.trades[t.ID] = *t
	p.version++
	return p.version, nil
}

func (s *MemoryStore) DeleteTrade(_ context.Context, portfolioID, tradeID string, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portfolio(portfolioID, false)
	if p == nil {
		return 0, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	if p.version != version {
		return p.version, ErrVersionConflict
	}
	if _, ok := p.trades[tradeID]; !ok {
		return p.version, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}

	delete(p.trades, tradeID)
	p.version++
	return p.version, nil
}

func (s *MemoryStore) Version(_ context.Context, portfolioID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p := s.portfolio(portfolioID, false); p != nil {
		return p.version, nil
	}
	return 0, nil
}

func (s *MemoryStore) ListRiskTargets(_ context.Context, portfolioID string) ([]model.RiskTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.RiskTarget{}
	p := s.portfolio(portfolioID, false)
	if p == nil {
		return out, nil
	}
	for _, t := range p.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *MemoryStore) UpsertRiskTarget(_ context.Context, t *model.RiskTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portfolio(t.PortfolioID, true)
	if existing, ok := p.targets[t.AssetID]; ok {
		t.ID = existing.ID
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	p.targets[t.AssetID] = *t
	return nil
}

func (s *MemoryStore) DeleteRiskTarget(_ context.Context, portfolioID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portfolio(portfolioID, false)
	if p == nil {
		return fmt.Errorf("risk target %s: %w", assetID, ErrNotFound)
	}
	if _, ok := p.targets[assetID]; !ok {
		return fmt.Errorf("risk target %s: %w", assetID, ErrNotFound)
	}
	delete(p.targets, assetID)
	return nil
}
