// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// TradesTotal counts total trades executed, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction"})

	// TradeLatency tracks trade execution latency including persistence.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeRejections counts trades rejected before execution, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trade_rejections_total",
		Help: "Trades rejected by validation, margin or limits",
	}, []string{"reason"})

	// ActiveMarkets tracks the number of listed markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of listed markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// MarketVolume tracks cumulative traded base amount per market, in
	// whole base units.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_market_volume_total",
		Help: "Cumulative trade volume in base units",
	}, []string{"market", "direction"})

	// MarkPrice tracks the last mark price per market, in quote units.
	MarkPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_mark_price",
		Help: "Last mark price",
	}, []string{"market"})

	// FundingRateUpdates counts funding rate updates per market.
	FundingRateUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_funding_rate_updates_total",
		Help: "Funding rate updates applied",
	}, []string{"market"})

	// FundingPayments counts settled funding payments.
	FundingPayments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_funding_payments_total",
		Help: "Funding payments settled against positions",
	})

	// LiquidationPriceQueries counts liquidation price queries by outcome.
	LiquidationPriceQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidation_price_queries_total",
		Help: "Liquidation price queries",
	}, []string{"outcome"})

	// TradeFees tracks exchange fees charged on trades, in quote units.
	TradeFees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trade_fees_total",
		Help: "Exchange fees charged on trades",
	}, []string{"market"})

	// Liquidations counts executed liquidations by type.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Liquidations executed",
	}, []string{"type"})

	// LiquidationPenalties tracks penalties taken from liquidated accounts,
	// in quote units, by recipient.
	LiquidationPenalties = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidation_penalties_total",
		Help: "Liquidation penalties paid out",
	}, []string{"recipient"})

	// EventPublishFailures counts ledger batches that failed to publish.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_event_publish_failures_total",
		Help: "Ledger batches that failed to publish",
	})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route, e.g. /api/v1/markets/{index},
// or "unmatched" when no route matched.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
