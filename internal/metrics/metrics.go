// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// OperationsTotal counts committed ledger operations by kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operations_total",
		Help: "Total number of committed ledger operations",
	}, []string{"kind"})

	// RejectionsTotal counts rejected API operations by error kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_rejections_total",
		Help: "Operations rejected by the ledger",
	}, []string{"op", "kind"})

	// OperationLatency tracks ledger operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// LiquidationsTotal counts liquidations per market.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Total number of liquidations",
	}, []string{"symbol"})

	// TradeVolume tracks cumulative absolute quote volume per market.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trade_volume_quote_total",
		Help: "Cumulative trade volume in quote units",
	}, []string{"symbol"})

	// MarkPrice tracks the last mark price per market.
	MarkPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_mark_price",
		Help: "Last mark price of the pool",
	}, []string{"symbol"})

	// FundingRate tracks the last funding rate paid per market.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_funding_rate",
		Help: "Last funding rate applied to the market",
	}, []string{"symbol"})

	// ActiveMarkets tracks the number of registered markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of registered markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route to keep label cardinality low.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
