package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	trades    []model.Trade
	positions map[string]*model.Position
	seq       int64

	// txMu serializes transactions. Distinct from mu so tx bodies can call
	// regular store methods without deadlocking.
	txMu sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, ticker string) string {
	return userID + "/" + ticker
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t.Seq = s.seq
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) DeleteTrade(_ context.Context, id, userID string) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.trades {
		if t.ID == id && t.UserID == userID {
			removed := t
			s.trades = append(s.trades[:i], s.trades[i+1:]...)
			return &removed, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID, ticker string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID && t.Ticker == ticker {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

func sortTrades(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Date.Equal(trades[j].Date) {
			return trades[i].Date.Before(trades[j].Date)
		}
		return trades[i].Seq < trades[j].Seq
	})
}

func (s *MemoryStore) SetTradeOutcome(_ context.Context, id string, costBasis, realizedPnL *decimal.Decimal, oversold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.trades {
		if s.trades[i].ID == id {
			s.trades[i].CostBasis = costBasis
			s.trades[i].RealizedPnL = realizedPnL
			s.trades[i].Oversold = oversold
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, ticker string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, ticker)]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ticker < result[j].Ticker })
	return result, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey(p.UserID, p.Ticker)
	copy := *p
	// Quote fields belong to the price updater; keep them across upserts.
	if existing, ok := s.positions[key]; ok {
		copy.CurrentPrice = existing.CurrentPrice
		copy.LastPriceUpdate = existing.LastPriceUpdate
	}
	s.positions[key] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, userID, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, posKey(userID, ticker))
	return nil
}

func (s *MemoryStore) SetTickerPrice(_ context.Context, ticker string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.positions {
		if p.Ticker == ticker {
			p.CurrentPrice = &price
			p.LastPriceUpdate = &at
		}
	}
	return nil
}

func (s *MemoryStore) ListOpenTickers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var tickers []string
	for _, p := range s.positions {
		if !seen[p.Ticker] {
			seen[p.Ticker] = true
			tickers = append(tickers, p.Ticker)
		}
	}
	sort.Strings(tickers)
	return tickers, nil
}

// RunInTradeTx serializes all transactions behind a single mutex and restores
// a snapshot of the store when fn fails, approximating the rollback semantics
// of the PostgreSQL implementation closely enough for tests.
func (s *MemoryStore) RunInTradeTx(ctx context.Context, _, _ string, fn func(ctx context.Context, tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(ctx, s); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	trades    []model.Trade
	positions map[string]*model.Position
	seq       int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memSnapshot{
		trades:    make([]model.Trade, len(s.trades)),
		positions: make(map[string]*model.Position, len(s.positions)),
		seq:       s.seq,
	}
	copy(snap.trades, s.trades)
	for k, p := range s.positions {
		cp := *p
		snap.positions[k] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = snap.trades
	s.positions = snap.positions
	s.seq = snap.seq
}
