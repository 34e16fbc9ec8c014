// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts accepted trade mutations by operation and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Trade mutations accepted, by operation and side",
	}, []string{"op", "side"})

	// TradeRejections counts mutations refused, by reason
	// (validation, insufficient_lots, version_conflict).
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trade_rejections_total",
		Help: "Trade mutations rejected, by reason",
	}, []string{"reason"})

	// AnalysisDuration tracks full report computation time.
	AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_analysis_duration_seconds",
		Help:    "Analysis report computation time in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"granularity"})

	// MatchedTrades is the size of the trade history replayed per computation.
	MatchedTrades = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_matched_trades",
		Help:    "Trades replayed by the FIFO matcher per computation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// CacheLookups counts analysis cache lookups by tier ("miss" when none hit).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_analysis_cache_lookups_total",
		Help: "Analysis cache lookups by serving tier",
	}, []string{"tier"})

	// MissingPrices counts positions reported without a market price.
	MissingPrices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_missing_prices_total",
		Help: "Positions returned without a market price",
	})

	// PriceFetchErrors counts failed price provider calls.
	PriceFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_price_fetch_errors_total",
		Help: "Price provider calls that failed",
	})

	// RiskAlerts counts alerts raised, by level.
	RiskAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_risk_alerts_total",
		Help: "Risk target alerts raised, by level",
	}, []string{"level"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by the matched chi pattern (".../trades/{tradeID}")
// rather than the raw path, which would carry ids.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the WebSocket upgrade through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
