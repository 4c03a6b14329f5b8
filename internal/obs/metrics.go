package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Access-control metrics.
var (
	AccessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acsg_access_decisions_total",
			Help: "Access decisions by entity, action and outcome.",
		},
		[]string{"entity", "action", "outcome"},
	)

	SessionEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acsg_session_evictions_total",
		Help: "Sessions force-replaced by a newer login.",
	})

	SessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acsg_sessions_reaped_total",
		Help: "Sessions removed by the idle reaper.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acsg_active_sessions",
		Help: "Distinct principals with an active session.",
	})

	LockChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acsg_lock_checks_total",
			Help: "License lock evaluations by result.",
		},
		[]string{"result"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		AccessDecisions, SessionEvictions, SessionsReaped, ActiveSessions, LockChecks,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an http.Handler with request count/latency/in-flight
// measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
