// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// OperationsTotal counts units of work by method and outcome (ok or the
	// error category).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operations_total",
		Help: "Total number of units of work executed",
	}, []string{"method", "status"})

	// OperationLatency tracks unit-of-work latency, including commit effects.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_operation_latency_seconds",
		Help:    "Unit of work latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// EventsTotal counts journaled events by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_total",
		Help: "Total events journaled",
	}, []string{"kind"})

	// PersistErrors counts journal, index and snapshot writes that failed
	// after commit.
	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_persist_errors_total",
		Help: "Failed writes to the store after commit",
	}, []string{"what"})

	// VaultTotalAssets tracks the vault's total assets.
	VaultTotalAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_vault_total_assets",
		Help: "Total assets managed by the vault",
	})

	// VaultTotalShares tracks the vault's share supply.
	VaultTotalShares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_vault_total_shares",
		Help: "Total vault shares outstanding",
	})

	// QueuedUnits tracks units waiting for settlement per queue.
	QueuedUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_queue_queued_units",
		Help: "Units queued and not yet settled",
	}, []string{"queue"})

	// UnclaimedAssets tracks settled assets reserved for claims per queue.
	UnclaimedAssets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_queue_unclaimed_assets",
		Help: "Settled assets not yet claimed",
	}, []string{"queue"})

	// SyntheticSupply tracks the synthetic token's share supply.
	SyntheticSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_synthetic_total_shares",
		Help: "Synthetic token shares outstanding",
	})

	// HarvestNonce tracks the last nonce the vault applied.
	HarvestNonce = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_harvest_nonce",
		Help: "Last rewards nonce applied by the vault",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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

		// Route pattern keeps ticket IDs and addresses out of the labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
