// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesRecorded counts trades accepted into the ledger, by action.
	TradesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swingfolio_trades_recorded_total",
		Help: "Total number of trades recorded",
	}, []string{"action"})

	// TradesRejected counts trades rejected before the ledger, by reason.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swingfolio_trades_rejected_total",
		Help: "Trades rejected by validation or oversell checks",
	}, []string{"reason"})

	// RecalcLatency tracks full-replay recalculation latency.
	RecalcLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swingfolio_recalc_latency_seconds",
		Help:    "Position recalculation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OversoldFlags counts replays that clamped an oversold SELL.
	OversoldFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swingfolio_oversold_flags_total",
		Help: "Recalculations that flagged an inconsistent ledger",
	})

	// QuoteRefreshes counts quote updater fetches, by outcome.
	QuoteRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swingfolio_quote_refreshes_total",
		Help: "Quote fetches performed by the price updater",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swingfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swingfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swingfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
