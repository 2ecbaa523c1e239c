// Package model defines the core domain types shared across the portfolio
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of a trade.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether the action is one of the two known directions.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Trade is an immutable record in the per-(user, ticker) ledger. Trades are
// never edited in place; an edit is a delete followed by a reinsert. Seq is
// the insertion sequence and breaks ties between trades sharing a date, so
// FIFO lot consumption is deterministic across recalculations.
//
// CostBasis and RealizedPnL are populated only on SELL trades, written by the
// recalculation engine; nil on BUY trades and on SELLs awaiting recomputation.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Ticker        string          `json:"ticker" db:"ticker"`
	Action        Action          `json:"action" db:"action"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"` // shares * pricePerShare
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`   // cash impact: value+fee for BUY, value-fee for SELL
	Currency      string          `json:"currency" db:"currency"`
	Company       string          `json:"company,omitempty" db:"company"`
	Logo          string          `json:"logo,omitempty" db:"logo"`
	Date          time.Time       `json:"date" db:"date"`
	Seq           int64           `json:"seq" db:"seq"`

	CostBasis   *decimal.Decimal `json:"cost_basis,omitempty" db:"cost_basis"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`

	// Oversold marks a SELL whose quantity exceeded the BUY lots available at
	// its point in the ledger, after the history was edited underneath it.
	Oversold bool `json:"oversold,omitempty" db:"oversold"`
}

// FillDerived computes TotalValue and TotalCost from the primary fields.
func (t *Trade) FillDerived() {
	t.TotalValue = t.Shares.Mul(t.PricePerShare)
	if t.Action == ActionSell {
		t.TotalCost = t.TotalValue.Sub(t.Fee)
	} else {
		t.TotalCost = t.TotalValue.Add(t.Fee)
	}
}

// Position is the derived aggregate holding for one (user, ticker) pair.
// A row exists iff TotalShares > 0; the recalculation engine owns every field
// except CurrentPrice/LastPriceUpdate, which the quote updater writes on its
// own schedule and the engine never reads.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	Ticker       string          `json:"ticker" db:"ticker"`
	TotalShares  decimal.Decimal `json:"total_shares" db:"total_shares"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // totalCost / totalShares
	TotalCost    decimal.Decimal `json:"total_cost" db:"total_cost"`       // remaining basis of open lots, BUY fees included
	Currency     string          `json:"currency" db:"currency"`
	Company      string          `json:"company,omitempty" db:"company"`
	Logo         string          `json:"logo,omitempty" db:"logo"`

	// Inconsistent flags a position whose ledger oversold at some point and
	// was clamped during replay; surfaced so the UI can warn the user.
	Inconsistent bool `json:"inconsistent,omitempty" db:"inconsistent"`

	CurrentPrice    *decimal.Decimal `json:"current_price,omitempty" db:"current_price"`
	LastPriceUpdate *time.Time       `json:"last_price_update,omitempty" db:"last_price_update"`
}

// UnrealizedPnL is the paper gain against the last known quote, or zero when
// no quote has been recorded yet. Display only; FIFO never reads it.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.CurrentPrice == nil {
		return decimal.Zero
	}
	return p.CurrentPrice.Mul(p.TotalShares).Sub(p.TotalCost)
}

// MarketValue is shares times the last known quote, or zero without one.
func (p *Position) MarketValue() decimal.Decimal {
	if p.CurrentPrice == nil {
		return decimal.Zero
	}
	return p.CurrentPrice.Mul(p.TotalShares)
}
