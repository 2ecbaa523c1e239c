// Package quotes is the live-price collaborator: it fetches market quotes
// from an external provider, caches them, writes currentPrice and
// lastPriceUpdate back onto open positions, and broadcasts updates over
// WebSocket. It runs on its own schedule and never reads or participates in
// FIFO recalculation state.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrQuoteUnavailable is returned when the provider has no price for a ticker.
var ErrQuoteUnavailable = errors.New("quotes: no quote available")

// Provider fetches the latest price for one ticker.
type Provider interface {
	Quote(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// HTTPProvider queries an Alpha-Vantage-style GLOBAL_QUOTE endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider against the given base URL. An empty
// baseURL defaults to the Alpha Vantage public API.
func NewHTTPProvider(baseURL, apiKey string, client *http.Client) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://www.alphavantage.co"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{baseURL: baseURL, apiKey: apiKey, client: client}
}

type globalQuoteResponse struct {
	GlobalQuote struct {
		Price string `json:"05. price"`
	} `json:"Global Quote"`
}

func (p *HTTPProvider) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		p.baseURL, url.QueryEscape(ticker), url.QueryEscape(p.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quotes: fetch %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quotes: fetch %s: status %d", ticker, resp.StatusCode)
	}

	var body globalQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("quotes: parse %s: %w", ticker, err)
	}
	if body.GlobalQuote.Price == "" {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrQuoteUnavailable, ticker)
	}

	price, err := decimal.NewFromString(body.GlobalQuote.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quotes: parse %s price %q: %w", ticker, body.GlobalQuote.Price, err)
	}
	return price, nil
}
