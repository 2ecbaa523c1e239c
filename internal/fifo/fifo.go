// Package fifo implements first-in-first-out cost-basis replay for a single
// (user, ticker) trade ledger.
//
// The whole ledger is replayed from scratch on every call: BUY trades push
// lots onto an ordered queue, SELL trades consume lots from the front, and
// each SELL's realized P&L is the proceeds minus the basis of the exact lots
// it consumed. Full replay keeps the engine idempotent and correct under
// backdated inserts and deletes anywhere in the history — the alternative,
// incremental lot snapshots, would need to re-derive all downstream state on
// such edits anyway.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Lots are transient: they exist only for the duration of a replay and are
// never persisted.
package fifo

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/model"
)

// ErrInsufficientShares signals a SELL consuming more shares than the BUY
// lots available at its point in date order. Replay itself never returns it —
// an oversold ledger is clamped and flagged instead; the recalculation engine
// raises this sentinel when rejecting the insert that would introduce the
// oversell.
var ErrInsufficientShares = errors.New("fifo: sell quantity exceeds shares available")

// Lot is an open purchase parcel awaiting consumption. UnitCost excludes the
// BUY fee: fees are a cash-flow cost, not part of the per-share basis used
// for lot matching, so a large fee cannot reorder which shares count as
// cheap or expensive.
type Lot struct {
	Remaining decimal.Decimal
	UnitCost  decimal.Decimal
	Date      int64 // unix nanos of the originating BUY, for debugging
}

// SellOutcome is the computed result for one SELL trade in the ledger.
type SellOutcome struct {
	TradeID     string
	CostBasis   decimal.Decimal
	RealizedPnL decimal.Decimal

	// Oversold is set when the queue ran dry before the SELL was satisfied.
	// The consumption is clamped: CostBasis covers only what was available
	// and the unfilled remainder carries zero basis.
	Oversold bool
}

// Result is the outcome of replaying one (user, ticker) ledger.
type Result struct {
	// OpenShares is the sum of remaining lot quantities. Never negative.
	OpenShares decimal.Decimal
	// OpenCost is the remaining cost basis of open lots. BUY fees are
	// included here (they affect average price) even though they are
	// excluded from per-lot unit cost.
	OpenCost decimal.Decimal
	// Outcomes holds one entry per SELL trade, in ledger order.
	Outcomes []SellOutcome
	// Lots is the surviving queue, oldest first.
	Lots []Lot
	// Inconsistent is set when any SELL oversold and was clamped.
	Inconsistent bool
}

// AveragePrice returns OpenCost / OpenShares, or zero for an empty position.
func (r *Result) AveragePrice() decimal.Decimal {
	if r.OpenShares.IsPositive() {
		return r.OpenCost.Div(r.OpenShares)
	}
	return decimal.Zero
}

// Open reports whether any shares remain held after the replay.
func (r *Result) Open() bool {
	return r.OpenShares.IsPositive()
}

// Replay runs the FIFO algorithm over the given trades. The input is sorted
// stably by (date, seq) first, so the result is deterministic regardless of
// the order the caller assembled the slice in; seq is the insertion sequence
// and settles same-day ties.
//
// Oversells never fail the replay: the offending SELL is clamped at zero
// available basis and flagged, so a history broken by deleting an earlier BUY
// still recomputes to a well-defined state.
func Replay(trades []model.Trade) *Result {
	ordered := make([]model.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	res := &Result{
		OpenShares: decimal.Zero,
		OpenCost:   decimal.Zero,
	}
	var queue []Lot

	for _, t := range ordered {
		switch t.Action {
		case model.ActionBuy:
			queue = append(queue, Lot{
				Remaining: t.Shares,
				UnitCost:  t.PricePerShare,
				Date:      t.Date.UnixNano(),
			})
			res.OpenShares = res.OpenShares.Add(t.Shares)
			res.OpenCost = res.OpenCost.Add(t.Shares.Mul(t.PricePerShare).Add(t.Fee))

		case model.ActionSell:
			outcome := SellOutcome{TradeID: t.ID}
			basis := decimal.Zero
			toConsume := t.Shares

			for toConsume.IsPositive() && len(queue) > 0 {
				lot := &queue[0]
				consumed := toConsume
				if lot.Remaining.LessThan(consumed) {
					consumed = lot.Remaining
				}
				basis = basis.Add(consumed.Mul(lot.UnitCost))
				lot.Remaining = lot.Remaining.Sub(consumed)
				toConsume = toConsume.Sub(consumed)

				res.OpenShares = res.OpenShares.Sub(consumed)
				res.OpenCost = res.OpenCost.Sub(consumed.Mul(lot.UnitCost))

				if lot.Remaining.IsZero() {
					queue = queue[1:]
				}
			}

			if toConsume.IsPositive() {
				outcome.Oversold = true
				res.Inconsistent = true
			}

			proceeds := t.Shares.Mul(t.PricePerShare).Sub(t.Fee)
			outcome.CostBasis = basis
			outcome.RealizedPnL = proceeds.Sub(basis)
			res.Outcomes = append(res.Outcomes, outcome)
		}
	}

	res.Lots = queue
	return res
}

// Available returns the share quantity still open after replaying the given
// trades, i.e. the most a new SELL dated after every existing trade could
// consume.
func Available(trades []model.Trade) decimal.Decimal {
	return Replay(trades).OpenShares
}
