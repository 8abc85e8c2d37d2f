// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders reaching a status, partitioned by type, side and status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_orders_total",
		Help: "Orders by type, side and resulting status",
	}, []string{"type", "side", "status"})

	// FillsTotal counts executed fills by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_fills_total",
		Help: "Total number of fills executed",
	}, []string{"side"})

	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_fill_latency_seconds",
		Help:    "Fill execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// PairVolume tracks cumulative filled quantity per pair.
	PairVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_pair_volume_total",
		Help: "Cumulative filled quantity in base units",
	}, []string{"pair", "side"})

	// ReservationFailures counts orders rejected for lack of funds.
	ReservationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reservation_failures_total",
		Help: "Orders rejected because the reservation failed",
	}, []string{"currency"})

	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_postings_total",
		Help: "Ledger postings applied, by operation",
	}, []string{"op"})

	OrderConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_order_conflicts_total",
		Help: "Order updates lost to a concurrent writer",
	})

	QuoteFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_quote_fetch_errors_total",
		Help: "Failed market data requests by source",
	}, []string{"source"})

	QuoteCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_quote_cache_hits_total",
		Help: "Quotes served from cache, fresh or stale",
	}, []string{"kind"})

	// ReplicationAttempts counts per-follower copy outcomes: copied, skipped, failed.
	ReplicationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_replication_attempts_total",
		Help: "Copy-trade replication attempts by outcome",
	}, []string{"outcome"})

	BotCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_bot_cycles_total",
		Help: "Bot cycles by outcome",
	}, []string{"outcome"})

	BotDeactivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_bot_deactivations_total",
		Help: "Bots deactivated by the daily loss guard",
	})

	ResumeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_resume_failures_total",
		Help: "Orders crash recovery could not repair",
	})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_scheduler_runs_total",
		Help: "Scheduler job runs by job and result",
	}, []string{"job", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_notifications_dropped_total",
		Help: "Notifications dropped because a buffer was full",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
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

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes through so websocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
