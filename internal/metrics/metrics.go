// Package metrics provides Prometheus instrumentation for the settlement
// engine.
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
	// SettlementsTotal counts settled trades, partitioned by transfer type.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shx_settlements_total",
		Help: "Total number of settled trades",
	}, []string{"transfer_type"})

	// SettlementLatency tracks the duration of the settlement transaction.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shx_settlement_latency_seconds",
		Help:    "Settlement transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"transfer_type"})

	// SettlementFailures counts aborted settlements by error kind.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shx_settlement_failures_total",
		Help: "Settlement transactions aborted",
	}, []string{"reason"})

	// ListingsCreated counts listings, partitioned by kind.
	ListingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shx_listings_created_total",
		Help: "Listings created",
	}, []string{"kind"})

	// OffersCreated counts purchase offers tendered.
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shx_offers_created_total",
		Help: "Purchase offers created",
	})

	// OffersClosed counts offers reaching a terminal state, by outcome.
	OffersClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shx_offers_closed_total",
		Help: "Offers reaching a terminal state",
	}, []string{"outcome"})

	// AdminActions counts administrative mediations by action.
	AdminActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shx_admin_actions_total",
		Help: "Administrative mediation actions",
	}, []string{"action"})

	// NotifyFailures counts post-commit notification failures (logged,
	// never fatal).
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shx_notify_failures_total",
		Help: "Notification sends that failed post-commit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shx_http_request_duration_seconds",
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

		// Use the raw path for the label; the route space is small.
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
