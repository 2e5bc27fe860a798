// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energypool/pool-engine/internal/model"
)

var (
	// PoolCapacity exposes the four ledger counters per pool, in MW.
	PoolCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "epool_pool_capacity_mw",
		Help: "Pool capacity counters in megawatts",
	}, []string{"pool_id", "bucket"})

	// ReservationsTotal counts ledger reservation transitions by outcome.
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epool_reservations_total",
		Help: "Reservation transitions by outcome",
	}, []string{"outcome"})

	// OrdersTotal counts placed orders by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epool_orders_total",
		Help: "Total number of trading orders placed",
	}, []string{"side"})

	// OrderRejections counts orders refused at placement, by error kind.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epool_order_rejections_total",
		Help: "Trading orders rejected at placement",
	}, []string{"kind"})

	// TransfersTotal counts transfers by final state.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epool_transfers_total",
		Help: "Transfers by final state",
	}, []string{"state"})

	// MatchLatency tracks the duration of a full matching pass.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "epool_match_latency_seconds",
		Help:    "Matching pass latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SweepReleased counts reservations released by the sweeper.
	SweepReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epool_sweep_released_total",
		Help: "Expired reservations released by the sweeper",
	})

	// OrdersExpired counts orders expired by the sweeper.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epool_orders_expired_total",
		Help: "Trading orders expired by the sweeper",
	})

	// FeedPublishFailures counts transfer feed deliveries that failed.
	FeedPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epool_feed_publish_failures_total",
		Help: "Transfer feed publish failures by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epool_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "epool_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePool publishes a pool's counters.
func ObservePool(p *model.Pool) {
	PoolCapacity.WithLabelValues(p.ID, "total").Set(p.Total.Decimal().InexactFloat64())
	PoolCapacity.WithLabelValues(p.ID, "available").Set(p.Available.Decimal().InexactFloat64())
	PoolCapacity.WithLabelValues(p.ID, "reserved").Set(p.Reserved.Decimal().InexactFloat64())
	PoolCapacity.WithLabelValues(p.ID, "utilized").Set(p.Utilized.Decimal().InexactFloat64())
}

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
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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
