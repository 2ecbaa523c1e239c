package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position reads — the hot path behind the dashboard. Ledger
// mutations and price updates invalidate the affected user's entry; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func positionsKey(userID string) string { return fmt.Sprintf("positions:%s", userID) }

// --- Cached reads ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Invalidating writes ---

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, userID, ticker string) error {
	if err := s.primary.DeletePosition(ctx, userID, ticker); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID))
	return nil
}

// SetTickerPrice crosses user boundaries, so no single cache entry can be
// invalidated here; stale quotes age out with the (short) TTL instead.
func (s *CachedStore) SetTickerPrice(ctx context.Context, ticker string, price decimal.Decimal, at time.Time) error {
	return s.primary.SetTickerPrice(ctx, ticker, price, at)
}

// RunInTradeTx delegates to the primary store; the transaction body sees
// uncached primary access, and the user's cache entry is dropped once the
// transaction commits.
func (s *CachedStore) RunInTradeTx(ctx context.Context, userID, ticker string, fn func(ctx context.Context, tx Store) error) error {
	if err := s.primary.RunInTradeTx(ctx, userID, ticker, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(t.UserID))
	return nil
}

func (s *CachedStore) DeleteTrade(ctx context.Context, id, userID string) (*model.Trade, error) {
	t, err := s.primary.DeleteTrade(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if t != nil {
		s.rdb.Del(ctx, positionsKey(userID))
	}
	return t, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, userID, ticker string) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, ticker)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) SetTradeOutcome(ctx context.Context, id string, costBasis, realizedPnL *decimal.Decimal, oversold bool) error {
	return s.primary.SetTradeOutcome(ctx, id, costBasis, realizedPnL, oversold)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, ticker)
}

func (s *CachedStore) ListOpenTickers(ctx context.Context) ([]string, error) {
	return s.primary.ListOpenTickers(ctx)
}
