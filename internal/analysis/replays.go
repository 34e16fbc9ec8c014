package analysis

import "sync"

// maxReplays bounds the number of portfolios whose last replay is kept.
const maxReplays = 1024

// replayMemo keeps the most recent matcher run of each portfolio. An entry
// is only served while the store still reports the version it was built at,
// so a mutation makes it unreachable.
type replayMemo struct {
	mu          sync.Mutex
	byPortfolio map[string]ledgerState
}

func newReplayMemo() *replayMemo {
	return &replayMemo{byPortfolio: make(map[string]ledgerState)}
}

func (m *replayMemo) get(portfolioID string, version int64) (ledgerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.byPortfolio[portfolioID]
	if !ok || st.snapshot.Version != version {
		return ledgerState{}, false
	}
	return st, true
}

func (m *replayMemo) put(portfolioID string, st ledgerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byPortfolio[portfolioID]; ok && cur.snapshot.Version > st.snapshot.Version {
		return
	}
	if _, ok := m.byPortfolio[portfolioID]; !ok && len(m.byPortfolio) >= maxReplays {
		// Evict an arbitrary entry; a miss only costs one replay.
		for id := range m.byPortfolio {
			delete(m.byPortfolio, id)
			break
		}
	}
	m.byPortfolio[portfolioID] = st
}
