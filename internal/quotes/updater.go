package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/metrics"
	"github.com/swingfolio/portfolio-engine/internal/store"
)

// cacheTTL is how long a fetched quote is reused before hitting the provider
// again. Free-tier market data APIs rate-limit aggressively.
const cacheTTL = 5 * time.Minute

// Updater periodically refreshes quotes for every ticker with an open
// position and writes the prices back onto the position rows. Redis fronts
// the provider when configured; without Redis every refresh hits the
// provider directly.
type Updater struct {
	store    store.Store
	provider Provider
	rdb      *redis.Client // optional
	hub      *Hub          // optional
	interval time.Duration
	log      *slog.Logger
}

// NewUpdater creates a quote updater. Pass nil for rdb or hub to disable
// caching or broadcasting.
func NewUpdater(st store.Store, provider Provider, rdb *redis.Client, hub *Hub, interval time.Duration, log *slog.Logger) *Updater {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Updater{
		store:    st,
		provider: provider,
		rdb:      rdb,
		hub:      hub,
		interval: interval,
		log:      log,
	}
}

// Run refreshes all open tickers on the configured interval until the
// context is cancelled. Must be called in a goroutine.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.RefreshAll(ctx); err != nil {
				u.log.Error("quote refresh cycle failed", "err", err)
			}
		}
	}
}

// RefreshAll fetches a quote for every distinct open ticker and writes it
// onto each holding position. Individual ticker failures are logged and
// skipped so one bad symbol cannot starve the rest.
func (u *Updater) RefreshAll(ctx context.Context) error {
	tickers, err := u.store.ListOpenTickers(ctx)
	if err != nil {
		return fmt.Errorf("quotes: list open tickers: %w", err)
	}

	for _, ticker := range tickers {
		price, err := u.Lookup(ctx, ticker)
		if err != nil {
			metrics.QuoteRefreshes.WithLabelValues("error").Inc()
			u.log.Warn("quote fetch failed", "ticker", ticker, "err", err)
			continue
		}
		if err := u.apply(ctx, ticker, price); err != nil {
			u.log.Warn("quote write-back failed", "ticker", ticker, "err", err)
			continue
		}
		metrics.QuoteRefreshes.WithLabelValues("ok").Inc()
	}
	return nil
}

// Lookup returns the price for one ticker, consulting the Redis cache before
// the provider.
func (u *Updater) Lookup(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if u.rdb != nil {
		cached, err := u.rdb.Get(ctx, quoteKey(ticker)).Result()
		if err == nil {
			if price, perr := decimal.NewFromString(cached); perr == nil {
				return price, nil
			}
		}
	}

	price, err := u.provider.Quote(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}

	if u.rdb != nil {
		u.rdb.Set(ctx, quoteKey(ticker), price.String(), cacheTTL)
	}
	return price, nil
}

// apply writes the quote onto every position holding the ticker and
// broadcasts the update.
func (u *Updater) apply(ctx context.Context, ticker string, price decimal.Decimal) error {
	now := time.Now().UTC()
	if err := u.store.SetTickerPrice(ctx, ticker, price, now); err != nil {
		return err
	}

	if u.hub != nil {
		u.hub.Broadcast(Message{
			Type:   "quote",
			Ticker: ticker,
			Price:  price.String(),
			At:     now.Format(time.RFC3339),
		})
	}
	return nil
}

func quoteKey(ticker string) string { return fmt.Sprintf("quote:%s", ticker) }
