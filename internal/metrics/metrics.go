// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TicksTotal counts completed simulation ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcadex_ticks_total",
		Help: "Total number of completed simulation ticks",
	})

	// TickErrors counts ticks that failed and were swallowed by the scheduler.
	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcadex_tick_errors_total",
		Help: "Total number of failed simulation ticks",
	})

	// TickDuration tracks wall time per simulation tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arcadex_tick_duration_seconds",
		Help:    "Simulation tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TradesTotal counts executed trades by instrument and action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcadex_trades_total",
		Help: "Total number of trades executed",
	}, []string{"instrument", "action"})

	// TradeLatency tracks trade execution latency by instrument.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arcadex_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"instrument"})

	// ImpactClampsTotal counts impact events whose factor hit the [0.5, 1.5]
	// stability bounds.
	ImpactClampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcadex_impact_clamps_total",
		Help: "Impact events clamped at the adjustment factor bounds",
	})

	// TrackedSecurities reports the number of configured securities.
	TrackedSecurities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcadex_tracked_securities",
		Help: "Number of securities under simulation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcadex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcadex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arcadex_http_request_duration_seconds",
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

		// Use the raw path for the label; route shapes are low-cardinality.
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
