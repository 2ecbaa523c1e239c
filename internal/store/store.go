// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for position reads), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/model"
)

// ErrTxConflict is returned when a recalculation transaction keeps losing to
// concurrent writers for the same (user, ticker) after all retries.
var ErrTxConflict = errors.New("store: transaction conflict after retries")

// Store is the persistence interface. Trades form an append-mostly immutable
// ledger ordered by (date, seq); positions are derived rows owned by the
// recalculation engine, at most one per (user, ticker).
type Store interface {
	// --- Trade ledger ---

	// InsertTrade persists a trade, assigning its insertion sequence.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// DeleteTrade removes a trade scoped to its owner and returns the removed
	// record, or nil when the id does not exist or belongs to another user.
	// Ownership mismatch is indistinguishable from absence on purpose.
	DeleteTrade(ctx context.Context, id, userID string) (*model.Trade, error)

	// ListTrades returns all trades for the pair ascending by (date, seq).
	// This is the sole read path the recalculation engine uses.
	ListTrades(ctx context.Context, userID, ticker string) ([]model.Trade, error)

	// ListTradesByUser returns all of a user's trades across tickers,
	// ascending by (date, seq).
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// SetTradeOutcome writes the recomputed cost basis and realized P&L onto
	// a SELL trade. Nil values clear the fields.
	SetTradeOutcome(ctx context.Context, id string, costBasis, realizedPnL *decimal.Decimal, oversold bool) error

	// --- Positions ---

	// GetPosition returns the position for the pair, or nil when closed.
	GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error)

	// ListPositions returns all open positions for a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// UpsertPosition inserts or fully replaces the position row. Price fields
	// written by the quote updater are preserved across upserts.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the position row; absent rows are a no-op.
	DeletePosition(ctx context.Context, userID, ticker string) error

	// SetTickerPrice writes the latest quote onto every open position holding
	// the ticker, across users. Called only by the quote updater, never by
	// the recalculation engine.
	SetTickerPrice(ctx context.Context, ticker string, price decimal.Decimal, at time.Time) error

	// ListOpenTickers returns the distinct tickers across all open positions,
	// the quote updater's refresh set.
	ListOpenTickers(ctx context.Context) ([]string, error)

	// --- Transactions ---

	// RunInTradeTx executes fn inside a transaction serialized against other
	// recalculations for the same (user, ticker). Writes made through the
	// Store passed to fn become visible atomically on return; an error from
	// fn discards them. Returns ErrTxConflict once serialization retries are
	// exhausted.
	RunInTradeTx(ctx context.Context, userID, ticker string, fn func(ctx context.Context, tx Store) error) error
}
