// Package portfolio provides the HTTP handlers for recording trades,
// querying positions, and serving the dashboard summary.
//
// Handlers resolve the authenticated user from the request context and pass
// it down explicitly; no business logic lives here beyond response shaping.
package portfolio

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/swingfolio/portfolio-engine/internal/auth"
	"github.com/swingfolio/portfolio-engine/internal/ledger"
	"github.com/swingfolio/portfolio-engine/internal/metrics"
	"github.com/swingfolio/portfolio-engine/internal/model"
	"github.com/swingfolio/portfolio-engine/internal/quotes"
	"github.com/swingfolio/portfolio-engine/internal/store"
)

// Service handles portfolio HTTP requests.
type Service struct {
	engine  *ledger.Engine
	store   store.Store
	updater *quotes.Updater // optional; quote endpoint returns 503 without it
}

// NewService creates a portfolio service. Pass nil for updater if live
// quotes are not configured.
func NewService(engine *ledger.Engine, st store.Store, updater *quotes.Updater) *Service {
	return &Service{engine: engine, store: st, updater: updater}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	Ticker        string          `json:"ticker"`
	Action        model.Action    `json:"action"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Fee           decimal.Decimal `json:"fee"`
	Date          time.Time       `json:"date"`
	Currency      string          `json:"currency"`
	Company       string          `json:"company"`
	Logo          string          `json:"logo"`
}

// TradeResponse is returned from POST /api/v1/trades.
type TradeResponse struct {
	Trade    *model.Trade    `json:"trade"`
	Position *model.Position `json:"position"` // nil when the trade closed it
}

// DeleteResponse is returned from DELETE /api/v1/trades/{tradeID}.
type DeleteResponse struct {
	Deleted  bool            `json:"deleted"`
	Position *model.Position `json:"position"`
}

// Dashboard aggregates a user's portfolio for the overview page.
type Dashboard struct {
	Positions     []model.Position `json:"positions"`
	OpenPositions int              `json:"open_positions"`
	TotalCost     decimal.Decimal  `json:"total_cost"`
	MarketValue   decimal.Decimal  `json:"market_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
}

// --- HTTP Handlers ---

// RecordTrade handles POST /api/v1/trades.
func (s *Service) RecordTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade := &model.Trade{
		UserID:        userID,
		Ticker:        req.Ticker,
		Action:        req.Action,
		Shares:        req.Shares,
		PricePerShare: req.PricePerShare,
		Fee:           req.Fee,
		Date:          req.Date,
		Currency:      req.Currency,
		Company:       req.Company,
		Logo:          req.Logo,
	}

	start := time.Now()
	position, err := s.engine.RecordTrade(r.Context(), trade)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidTrade):
			metrics.TradesRejected.WithLabelValues("validation").Inc()
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ledger.ErrInsufficientShares):
			metrics.TradesRejected.WithLabelValues("insufficient_shares").Inc()
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrTxConflict):
			writeError(w, "concurrent update, please retry", http.StatusConflict)
		default:
			writeError(w, "failed to record trade", http.StatusInternalServerError)
		}
		return
	}
	metrics.RecalcLatency.Observe(time.Since(start).Seconds())
	metrics.TradesRecorded.WithLabelValues(string(trade.Action)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TradeResponse{Trade: trade, Position: position})
}

// ListTrades handles GET /api/v1/trades, optionally filtered by ?ticker=.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var (
		trades []model.Trade
		err    error
	)
	if ticker := r.URL.Query().Get("ticker"); ticker != "" {
		trades, err = s.store.ListTrades(r.Context(), userID, ticker)
	} else {
		trades, err = s.store.ListTradesByUser(r.Context(), userID)
	}
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// DeleteTrade handles DELETE /api/v1/trades/{tradeID}. A missing or foreign
// id reports deleted=false with status 200; existence is not leaked through
// the status code.
func (s *Service) DeleteTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	tradeID := chi.URLParam(r, "tradeID")

	start := time.Now()
	position, found, err := s.engine.DeleteTrade(r.Context(), tradeID, userID)
	if err != nil {
		if errors.Is(err, store.ErrTxConflict) {
			writeError(w, "concurrent update, please retry", http.StatusConflict)
			return
		}
		writeError(w, "failed to delete trade", http.StatusInternalServerError)
		return
	}
	if found {
		metrics.RecalcLatency.Observe(time.Since(start).Seconds())
		if position != nil && position.Inconsistent {
			metrics.OversoldFlags.Inc()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeleteResponse{Deleted: found, Position: position})
}

// ListPositions handles GET /api/v1/positions.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	positions, err := s.store.ListPositions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetPosition handles GET /api/v1/positions/{ticker}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))

	position, err := s.store.GetPosition(r.Context(), userID, ticker)
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	if position == nil {
		writeError(w, "no open position for "+ticker, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(position)
}

// RecalculatePosition handles POST /api/v1/positions/{ticker}/recalculate.
// Manual recompute; the result is identical to what the last mutation already
// persisted unless rows were changed out of band.
func (s *Service) RecalculatePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ticker := chi.URLParam(r, "ticker")

	start := time.Now()
	position, err := s.engine.Recalculate(r.Context(), userID, ticker)
	if err != nil {
		if errors.Is(err, store.ErrTxConflict) {
			writeError(w, "concurrent update, please retry", http.StatusConflict)
			return
		}
		writeError(w, "failed to recalculate", http.StatusInternalServerError)
		return
	}
	metrics.RecalcLatency.Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]*model.Position{"position": position})
}

// GetDashboard handles GET /api/v1/dashboard.
func (s *Service) GetDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	trades, err := s.store.ListTradesByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}

	dash := Dashboard{
		Positions:     positions,
		OpenPositions: len(positions),
		TotalCost:     decimal.Zero,
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}
	if dash.Positions == nil {
		dash.Positions = []model.Position{}
	}

	for i := range positions {
		p := &positions[i]
		dash.TotalCost = dash.TotalCost.Add(p.TotalCost)
		dash.MarketValue = dash.MarketValue.Add(p.MarketValue())
		dash.UnrealizedPnL = dash.UnrealizedPnL.Add(p.UnrealizedPnL())
	}
	for i := range trades {
		if pnl := trades[i].RealizedPnL; pnl != nil {
			dash.RealizedPnL = dash.RealizedPnL.Add(*pnl)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dash)
}

// GetQuote handles GET /api/v1/quotes/{ticker}: cache first, then provider.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserID(r.Context()); !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if s.updater == nil {
		writeError(w, "quotes not configured", http.StatusServiceUnavailable)
		return
	}
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))

	price, err := s.updater.Lookup(r.Context(), ticker)
	if err != nil {
		if errors.Is(err, quotes.ErrQuoteUnavailable) {
			writeError(w, "no quote for "+ticker, http.StatusNotFound)
			return
		}
		slog.Warn("quote lookup failed", "ticker", ticker, "err", err)
		writeError(w, "quote provider unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"ticker": ticker, "price": price.String()})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
