// Package ledger implements the position recalculation engine: every trade
// insert or delete replays the full (user, ticker) ledger through the FIFO
// algorithm and atomically persists the derived position and per-SELL
// realized P&L.
//
// The engine is synchronous — positions are consistent with the ledger the
// moment any mutating call returns. All work for one mutation happens inside
// a single store transaction so a partial write (position updated but P&L
// fields stale, or vice versa) cannot be observed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/swingfolio/portfolio-engine/internal/fifo"
	"github.com/swingfolio/portfolio-engine/internal/model"
	"github.com/swingfolio/portfolio-engine/internal/store"
)

var (
	// ErrInvalidTrade is returned for malformed trade input, wrapped with
	// field detail. Rejected before any write; no recalculation runs.
	ErrInvalidTrade = errors.New("ledger: invalid trade")

	// ErrInsufficientShares is returned when inserting a SELL that would
	// consume more shares than the BUY lots available at its point in the
	// ledger.
	ErrInsufficientShares = fifo.ErrInsufficientShares
)

// tickerPattern bounds ticker symbols to exchange-style shapes (BRK.B, BTC-USD).
var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,11}$`)

// Engine derives positions and realized P&L from the trade ledger. It is the
// only writer of position rows and SELL outcome fields.
type Engine struct {
	store store.Store
	log   *slog.Logger
}

// NewEngine creates a recalculation engine on top of the given store.
func NewEngine(st store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, log: log}
}

// ValidateTrade checks a trade payload before it touches the ledger.
func ValidateTrade(t *model.Trade) error {
	if t.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidTrade)
	}
	if !tickerPattern.MatchString(strings.ToUpper(t.Ticker)) {
		return fmt.Errorf("%w: malformed ticker %q", ErrInvalidTrade, t.Ticker)
	}
	if !t.Action.Valid() {
		return fmt.Errorf("%w: action must be BUY or SELL", ErrInvalidTrade)
	}
	if !t.Shares.IsPositive() {
		return fmt.Errorf("%w: shares must be positive", ErrInvalidTrade)
	}
	if !t.PricePerShare.IsPositive() {
		return fmt.Errorf("%w: price per share must be positive", ErrInvalidTrade)
	}
	if t.Fee.IsNegative() {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidTrade)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidTrade)
	}
	return nil
}

// RecordTrade validates and inserts a trade, then recalculates the pair's
// position in the same transaction. A SELL that would oversell a ledger that
// was consistent before the insert is rejected with ErrInsufficientShares and
// nothing is written. Returns the recalculated position, or nil when the
// trade closed it.
func (e *Engine) RecordTrade(ctx context.Context, t *model.Trade) (*model.Position, error) {
	if err := ValidateTrade(t); err != nil {
		return nil, err
	}
	t.Ticker = strings.ToUpper(t.Ticker)
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	t.FillDerived()

	var pos *model.Position
	err := e.store.RunInTradeTx(ctx, t.UserID, t.Ticker, func(ctx context.Context, tx store.Store) error {
		existing, err := tx.ListTrades(ctx, t.UserID, t.Ticker)
		if err != nil {
			return err
		}

		// Pre-check with the candidate appended. Its final seq is assigned on
		// insert, but any new seq sorts after every existing trade, so the
		// placeholder below replays identically.
		candidate := *t
		candidate.Seq = maxSeq(existing) + 1
		next := fifo.Replay(append(append([]model.Trade{}, existing...), candidate))

		if next.Inconsistent && !fifo.Replay(existing).Inconsistent {
			return fmt.Errorf("%w: %s %s shares of %s", ErrInsufficientShares,
				t.Action, t.Shares, t.Ticker)
		}

		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}

		pos, err = e.persist(ctx, tx, t.UserID, t.Ticker,
			append(append([]model.Trade{}, existing...), *t), next)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("trade recorded",
		"trade_id", t.ID,
		"user", t.UserID,
		"ticker", t.Ticker,
		"action", string(t.Action),
		"shares", t.Shares.String(),
		"price", t.PricePerShare.String(),
	)
	return pos, nil
}

// DeleteTrade removes a trade scoped to its owner and recalculates the
// affected pair in the same transaction. A missing or foreign id is a no-op
// success (found=false). Deleting a BUY that later SELLs depended on does not
// fail: the replay clamps those SELLs and flags the position inconsistent.
func (e *Engine) DeleteTrade(ctx context.Context, id, userID string) (*model.Position, bool, error) {
	var (
		pos   *model.Position
		found bool
	)
	// The ticker is unknown until the row is read; the transaction scopes
	// itself by the deleted trade's pair once resolved.
	err := e.store.RunInTradeTx(ctx, userID, "", func(ctx context.Context, tx store.Store) error {
		deleted, err := tx.DeleteTrade(ctx, id, userID)
		if err != nil {
			return err
		}
		if deleted == nil {
			return nil
		}
		found = true

		trades, err := tx.ListTrades(ctx, userID, deleted.Ticker)
		if err != nil {
			return err
		}
		pos, err = e.persist(ctx, tx, userID, deleted.Ticker, trades, fifo.Replay(trades))
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if found {
		e.log.Info("trade deleted", "trade_id", id, "user", userID)
	}
	return pos, found, nil
}

// Recalculate replays the full ledger for the pair and persists the result.
// Idempotent: with no intervening mutation, repeated calls produce identical
// state. An empty ledger deletes any stale position and returns nil.
func (e *Engine) Recalculate(ctx context.Context, userID, ticker string) (*model.Position, error) {
	ticker = strings.ToUpper(ticker)

	var pos *model.Position
	err := e.store.RunInTradeTx(ctx, userID, ticker, func(ctx context.Context, tx store.Store) error {
		trades, err := tx.ListTrades(ctx, userID, ticker)
		if err != nil {
			return err
		}
		pos, err = e.persist(ctx, tx, userID, ticker, trades, fifo.Replay(trades))
		return err
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// persist writes the replay result: SELL outcomes onto their trade rows, then
// the position upsert or delete. Must run inside the caller's transaction.
func (e *Engine) persist(ctx context.Context, tx store.Store, userID, ticker string, trades []model.Trade, res *fifo.Result) (*model.Position, error) {
	for _, out := range res.Outcomes {
		basis := out.CostBasis
		pnl := out.RealizedPnL
		if err := tx.SetTradeOutcome(ctx, out.TradeID, &basis, &pnl, out.Oversold); err != nil {
			return nil, err
		}
	}

	if !res.Open() {
		if err := tx.DeletePosition(ctx, userID, ticker); err != nil {
			return nil, err
		}
		return nil, nil
	}

	pos := &model.Position{
		UserID:       userID,
		Ticker:       ticker,
		TotalShares:  res.OpenShares,
		AveragePrice: res.AveragePrice(),
		TotalCost:    res.OpenCost,
		Inconsistent: res.Inconsistent,
	}
	if last := latestTrade(trades); last != nil {
		pos.Currency = last.Currency
		pos.Company = last.Company
		pos.Logo = last.Logo
	}
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// latestTrade returns the trade with the greatest (date, seq), the source of
// the position's denormalized display fields.
func latestTrade(trades []model.Trade) *model.Trade {
	var last *model.Trade
	for i := range trades {
		t := &trades[i]
		if last == nil || t.Date.After(last.Date) ||
			(t.Date.Equal(last.Date) && t.Seq > last.Seq) {
			last = t
		}
	}
	return last
}

func maxSeq(trades []model.Trade) int64 {
	var max int64
	for _, t := range trades {
		if t.Seq > max {
			max = t.Seq
		}
	}
	return max
}
