// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks time spent inside the ledger for one trade.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pitchside_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	}, []string{"side"})

	// TradeRejections counts trades rejected before any mutation, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_trade_rejections_total",
		Help: "Trades rejected by validation or business rules",
	}, []string{"reason"})

	// TradeVolume tracks cumulative traded shares per instrument.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_trade_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"instrument_id", "side"})

	// PricePropagations counts price changes applied to the ledger.
	PricePropagations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pitchside_price_propagations_total",
		Help: "Instrument price changes propagated to holdings",
	})

	// HoldingsRevalued counts holdings re-valued by price propagation.
	HoldingsRevalued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pitchside_holdings_revalued_total",
		Help: "Holdings re-valued after a price change",
	})

	// Instruments tracks the number of listed instruments.
	Instruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pitchside_instruments",
		Help: "Number of listed instruments",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pitchside_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// WebSocketMessages counts outbound messages by type.
	WebSocketMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_websocket_messages_total",
		Help: "Outbound WebSocket messages queued",
	}, []string{"type"})

	// WebSocketDropped counts outbound messages dropped on a full send queue.
	WebSocketDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pitchside_websocket_dropped_total",
		Help: "Outbound WebSocket messages dropped for slow clients",
	})

	// FeedFailures counts failed upstream fetches by feed.
	FeedFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_feed_failures_total",
		Help: "Upstream feed fetch failures",
	}, []string{"feed"})

	// JournalWrites counts transactions exported to the audit journal.
	JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_journal_writes_total",
		Help: "Transactions exported to the audit journal",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitchside_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pitchside_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
