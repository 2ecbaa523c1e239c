package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/ledger"
	"github.com/swingfolio/portfolio-engine/internal/model"
	"github.com/swingfolio/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func day(n int) time.Time {
	return time.Date(2025, 3, n, 0, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T) (*ledger.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.NewEngine(ms, nil), ms
}

func newTrade(action model.Action, shares, price, fee float64, date time.Time) *model.Trade {
	return &model.Trade{
		UserID:        "u1",
		Ticker:        "AAPL",
		Action:        action,
		Shares:        d(shares),
		PricePerShare: d(price),
		Fee:           d(fee),
		Currency:      "USD",
		Company:       "Apple Inc.",
		Date:          date,
	}
}

func record(t *testing.T, e *ledger.Engine, tr *model.Trade) *model.Position {
	t.Helper()
	pos, err := e.RecordTrade(context.Background(), tr)
	if err != nil {
		t.Fatalf("record trade: %v", err)
	}
	return pos
}

// --- Validation ---

func TestRecordTrade_Validation(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		name   string
		mutate func(*model.Trade)
	}{
		{"zero shares", func(tr *model.Trade) { tr.Shares = decimal.Zero }},
		{"negative shares", func(tr *model.Trade) { tr.Shares = d(-1) }},
		{"zero price", func(tr *model.Trade) { tr.PricePerShare = decimal.Zero }},
		{"negative fee", func(tr *model.Trade) { tr.Fee = d(-0.5) }},
		{"bad action", func(tr *model.Trade) { tr.Action = "HOLD" }},
		{"empty ticker", func(tr *model.Trade) { tr.Ticker = "" }},
		{"missing user", func(tr *model.Trade) { tr.UserID = "" }},
		{"missing date", func(tr *model.Trade) { tr.Date = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTrade(model.ActionBuy, 10, 100, 0, day(1))
			tt.mutate(tr)
			_, err := e.RecordTrade(context.Background(), tr)
			if !errors.Is(err, ledger.ErrInvalidTrade) {
				t.Errorf("expected ErrInvalidTrade, got %v", err)
			}
		})
	}
}

func TestRecordTrade_AssignsIDAndDerivedFields(t *testing.T) {
	e, _ := newTestEngine(t)
	tr := newTrade(model.ActionBuy, 10, 100, 2.5, day(1))

	record(t, e, tr)

	if tr.ID == "" {
		t.Error("expected assigned trade id")
	}
	if !tr.TotalValue.Equal(d(1000)) {
		t.Errorf("expected total value 1000, got %s", tr.TotalValue)
	}
	if !tr.TotalCost.Equal(d(1002.5)) {
		t.Errorf("expected total cost 1002.5, got %s", tr.TotalCost)
	}
}

func TestRecordTrade_LowercaseTickerNormalized(t *testing.T) {
	e, ms := newTestEngine(t)
	tr := newTrade(model.ActionBuy, 5, 10, 0, day(1))
	tr.Ticker = "aapl"

	pos := record(t, e, tr)
	if pos.Ticker != "AAPL" {
		t.Errorf("expected normalized ticker AAPL, got %s", pos.Ticker)
	}
	stored, _ := ms.GetPosition(context.Background(), "u1", "AAPL")
	if stored == nil {
		t.Fatal("expected position under normalized ticker")
	}
}

// --- Position lifecycle ---

func TestRecordTrade_BuyOpensPosition(t *testing.T) {
	e, _ := newTestEngine(t)

	pos := record(t, e, newTrade(model.ActionBuy, 10, 100, 0, day(1)))
	if pos == nil {
		t.Fatal("expected a position")
	}
	if !pos.TotalShares.Equal(d(10)) {
		t.Errorf("expected 10 shares, got %s", pos.TotalShares)
	}
	if !pos.AveragePrice.Equal(d(100)) {
		t.Errorf("expected average 100, got %s", pos.AveragePrice)
	}
	if pos.Company != "Apple Inc." {
		t.Errorf("expected denormalized company, got %q", pos.Company)
	}
}

func TestRecordTrade_FullClosureDeletesPosition(t *testing.T) {
	e, ms := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 100, 0, day(1)))
	record(t, e, newTrade(model.ActionBuy, 5, 120, 0, day(2)))
	pos := record(t, e, newTrade(model.ActionSell, 15, 130, 0, day(3)))

	if pos != nil {
		t.Errorf("expected nil position after full closure, got %s shares", pos.TotalShares)
	}
	stored, _ := ms.GetPosition(context.Background(), "u1", "AAPL")
	if stored != nil {
		t.Error("expected position row deleted after full closure")
	}
}

func TestRecordTrade_SellWritesRealizedPnL(t *testing.T) {
	e, ms := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 10, 0, day(1)))
	record(t, e, newTrade(model.ActionBuy, 10, 20, 0, day(2)))
	sellTrade := newTrade(model.ActionSell, 15, 30, 0, day(3))
	pos := record(t, e, sellTrade)

	trades, _ := ms.ListTrades(context.Background(), "u1", "AAPL")
	var sold *model.Trade
	for i := range trades {
		if trades[i].ID == sellTrade.ID {
			sold = &trades[i]
		}
	}
	if sold == nil {
		t.Fatal("sell trade not found in ledger")
	}
	if sold.RealizedPnL == nil || !sold.RealizedPnL.Equal(d(250)) {
		t.Errorf("expected realized pnl 250 persisted, got %v", sold.RealizedPnL)
	}
	if sold.CostBasis == nil || !sold.CostBasis.Equal(d(200)) {
		t.Errorf("expected cost basis 200 persisted, got %v", sold.CostBasis)
	}
	if !pos.TotalShares.Equal(d(5)) || !pos.AveragePrice.Equal(d(20)) {
		t.Errorf("expected 5 shares @ 20, got %s @ %s", pos.TotalShares, pos.AveragePrice)
	}
}

// --- Oversell rejection ---

func TestRecordTrade_OversellRejected(t *testing.T) {
	e, ms := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 5, 100, 0, day(1)))

	_, err := e.RecordTrade(context.Background(), newTrade(model.ActionSell, 8, 120, 0, day(2)))
	if !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	// Nothing may have been written.
	trades, _ := ms.ListTrades(context.Background(), "u1", "AAPL")
	if len(trades) != 1 {
		t.Errorf("rejected sell must not be persisted, ledger has %d trades", len(trades))
	}
	pos, _ := ms.GetPosition(context.Background(), "u1", "AAPL")
	if pos == nil || !pos.TotalShares.Equal(d(5)) {
		t.Error("position must be untouched by rejected sell")
	}
}

func TestRecordTrade_BackdatedSellRejectedWhenInsufficientAtThatPoint(t *testing.T) {
	e, _ := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 5, 100, 0, day(5)))

	// Dated before the buy exists: nothing to sell at that point.
	_, err := e.RecordTrade(context.Background(), newTrade(model.ActionSell, 3, 120, 0, day(2)))
	if !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for backdated sell, got %v", err)
	}
}

// --- Delete ---

func TestDeleteTrade_Symmetry(t *testing.T) {
	e, _ := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 100, 1, day(1)))
	before, _ := e.Recalculate(context.Background(), "u1", "AAPL")

	extra := newTrade(model.ActionBuy, 3, 150, 2, day(2))
	record(t, e, extra)

	after, found, err := e.DeleteTrade(context.Background(), extra.ID, "u1")
	if err != nil || !found {
		t.Fatalf("delete failed: found=%v err=%v", found, err)
	}

	if !after.TotalShares.Equal(before.TotalShares) ||
		!after.TotalCost.Equal(before.TotalCost) ||
		!after.AveragePrice.Equal(before.AveragePrice) {
		t.Errorf("delete did not restore prior state: before=%+v after=%+v", before, after)
	}
}

func TestDeleteTrade_OnlyTradeDeletesPosition(t *testing.T) {
	e, ms := newTestEngine(t)

	tr := newTrade(model.ActionBuy, 10, 100, 0, day(1))
	record(t, e, tr)

	pos, found, err := e.DeleteTrade(context.Background(), tr.ID, "u1")
	if err != nil || !found {
		t.Fatalf("delete failed: found=%v err=%v", found, err)
	}
	if pos != nil {
		t.Error("expected nil position after deleting the only trade")
	}
	stored, _ := ms.GetPosition(context.Background(), "u1", "AAPL")
	if stored != nil {
		t.Error("expected position row removed")
	}
}

func TestDeleteTrade_NotFoundIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t)

	_, found, err := e.DeleteTrade(context.Background(), "missing-id", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected found=false for missing id")
	}
}

func TestDeleteTrade_OwnershipScoped(t *testing.T) {
	e, ms := newTestEngine(t)

	tr := newTrade(model.ActionBuy, 10, 100, 0, day(1))
	record(t, e, tr)

	// Another user deleting by the same id must be a silent no-op.
	_, found, err := e.DeleteTrade(context.Background(), tr.ID, "intruder")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("foreign delete must report not-found")
	}
	trades, _ := ms.ListTrades(context.Background(), "u1", "AAPL")
	if len(trades) != 1 {
		t.Error("trade must survive a foreign delete attempt")
	}
}

func TestDeleteTrade_EarlierBuyClampsAndFlags(t *testing.T) {
	e, ms := newTestEngine(t)

	b1 := newTrade(model.ActionBuy, 10, 10, 0, day(1))
	record(t, e, b1)
	record(t, e, newTrade(model.ActionBuy, 10, 20, 0, day(2)))
	record(t, e, newTrade(model.ActionSell, 15, 30, 0, day(3)))

	// Deleting the first buy leaves the sell oversold by 5 shares. The replay
	// must complete: the sell is clamped to the 10 shares that exist, open
	// shares reach zero, and the position row goes away. The inconsistency
	// stays visible on the trade.
	pos, found, err := e.DeleteTrade(context.Background(), b1.ID, "u1")
	if err != nil || !found {
		t.Fatalf("delete failed: found=%v err=%v", found, err)
	}
	if pos != nil {
		t.Errorf("expected position deleted at zero open shares, got %+v", pos)
	}

	trades, _ := ms.ListTrades(context.Background(), "u1", "AAPL")
	for _, tr := range trades {
		if tr.Action != model.ActionSell {
			continue
		}
		if !tr.Oversold {
			t.Error("expected sell flagged oversold")
		}
		// Clamped basis covers the 10 available @ 20; pnl = 450 - 200.
		if tr.CostBasis == nil || !tr.CostBasis.Equal(d(200)) {
			t.Errorf("expected clamped basis 200, got %v", tr.CostBasis)
		}
		if tr.RealizedPnL == nil || !tr.RealizedPnL.Equal(d(250)) {
			t.Errorf("expected pnl 250, got %v", tr.RealizedPnL)
		}
	}
}

func TestDeleteTrade_ClampedLedgerWithSurvivingPosition(t *testing.T) {
	e, ms := newTestEngine(t)

	b1 := newTrade(model.ActionBuy, 10, 10, 0, day(1))
	record(t, e, b1)
	record(t, e, newTrade(model.ActionBuy, 10, 20, 0, day(2)))
	sl := newTrade(model.ActionSell, 15, 30, 0, day(3))
	record(t, e, sl)
	record(t, e, newTrade(model.ActionBuy, 8, 25, 0, day(4)))

	// Without the day-1 lot, the sell can only consume the 10 @ 20; the day-4
	// buy still leaves a real holding behind the flagged history.
	pos, _, err := e.DeleteTrade(context.Background(), b1.ID, "u1")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a surviving position")
	}
	if !pos.Inconsistent {
		t.Error("expected inconsistent flag on the position")
	}
	if !pos.TotalShares.Equal(d(8)) {
		t.Errorf("expected 8 open shares, got %s", pos.TotalShares)
	}
	if !pos.AveragePrice.Equal(d(25)) {
		t.Errorf("expected average 25, got %s", pos.AveragePrice)
	}

	trades, _ := ms.ListTrades(context.Background(), "u1", "AAPL")
	for _, tr := range trades {
		if tr.ID == sl.ID {
			if !tr.Oversold {
				t.Error("expected sell flagged oversold")
			}
			// Clamped: 10 @ 20 consumed, the remaining 5 carry zero basis.
			if tr.CostBasis == nil || !tr.CostBasis.Equal(d(200)) {
				t.Errorf("expected clamped basis 200, got %v", tr.CostBasis)
			}
			if tr.RealizedPnL == nil || !tr.RealizedPnL.Equal(d(250)) {
				t.Errorf("expected pnl 250, got %v", tr.RealizedPnL)
			}
		}
	}
}

func TestRecordTrade_IntoInconsistentLedgerNotSpuriouslyRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	b1 := newTrade(model.ActionBuy, 10, 10, 0, day(1))
	record(t, e, b1)
	record(t, e, newTrade(model.ActionSell, 10, 15, 0, day(2)))
	record(t, e, newTrade(model.ActionBuy, 5, 12, 0, day(3)))

	// Break the history: the day-2 sell is now oversold.
	if _, _, err := e.DeleteTrade(context.Background(), b1.ID, "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// A later buy into the flagged ledger must still be accepted.
	pos, err := e.RecordTrade(context.Background(), newTrade(model.ActionBuy, 2, 14, 0, day(4)))
	if err != nil {
		t.Fatalf("buy into inconsistent ledger rejected: %v", err)
	}
	if !pos.TotalShares.Equal(d(7)) {
		t.Errorf("expected 7 open shares, got %s", pos.TotalShares)
	}
}

// --- Recalculate ---

func TestRecalculate_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 100, 1, day(1)))
	record(t, e, newTrade(model.ActionSell, 4, 110, 1, day(2)))

	first, err := e.Recalculate(context.Background(), "u1", "AAPL")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	second, err := e.Recalculate(context.Background(), "u1", "AAPL")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if !first.TotalShares.Equal(second.TotalShares) ||
		!first.TotalCost.Equal(second.TotalCost) ||
		!first.AveragePrice.Equal(second.AveragePrice) {
		t.Errorf("recalculate not idempotent: %+v vs %+v", first, second)
	}
}

func TestRecalculate_EmptyLedgerDeletesPosition(t *testing.T) {
	e, ms := newTestEngine(t)

	// Stale position with no backing trades.
	ms.UpsertPosition(context.Background(), &model.Position{
		UserID: "u1", Ticker: "AAPL",
		TotalShares: d(3), AveragePrice: d(10), TotalCost: d(30),
	})

	pos, err := e.Recalculate(context.Background(), "u1", "AAPL")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if pos != nil {
		t.Error("expected nil position for empty ledger")
	}
	stored, _ := ms.GetPosition(context.Background(), "u1", "AAPL")
	if stored != nil {
		t.Error("expected stale position deleted")
	}
}

func TestRecalculate_PreservesQuoteFields(t *testing.T) {
	e, ms := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 100, 0, day(1)))

	now := time.Now().UTC()
	ms.SetTickerPrice(context.Background(), "AAPL", d(123.45), now)

	pos, err := e.Recalculate(context.Background(), "u1", "AAPL")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	stored, _ := ms.GetPosition(context.Background(), "u1", "AAPL")
	if stored.CurrentPrice == nil || !stored.CurrentPrice.Equal(d(123.45)) {
		t.Errorf("recalculation must not clobber quote fields, got %v", stored.CurrentPrice)
	}
	_ = pos
}

// --- Isolation between pairs ---

func TestRecordTrade_PairsAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 100, 0, day(1)))

	other := newTrade(model.ActionBuy, 3, 50, 0, day(1))
	other.Ticker = "MSFT"
	record(t, e, other)

	// Selling MSFT must not see AAPL's lots.
	badSell := newTrade(model.ActionSell, 5, 60, 0, day(2))
	badSell.Ticker = "MSFT"
	_, err := e.RecordTrade(context.Background(), badSell)
	if !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Errorf("FIFO state leaked across tickers: %v", err)
	}
}

func TestRecordTrade_UsersAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t)

	record(t, e, newTrade(model.ActionBuy, 10, 100, 0, day(1)))

	otherUser := newTrade(model.ActionSell, 5, 110, 0, day(2))
	otherUser.UserID = "u2"
	_, err := e.RecordTrade(context.Background(), otherUser)
	if !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Errorf("FIFO state leaked across users: %v", err)
	}
}
