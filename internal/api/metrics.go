package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// Route patterns that get special treatment in the metrics middleware.
	outputStreamRoute = "/v1/dispatches/{id}/output"
	metricsRoute      = "/metrics"
)

// Outcomes of POST /v1/dispatches.
const (
	submitAccepted    = "accepted"
	submitRejected    = "rejected"
	submitUnavailable = "unavailable"
	submitError       = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_http_requests_total",
			Help: "Total number of HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobrunner_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding output streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	apiSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_api_submissions_total",
			Help: "Command lines submitted over HTTP by outcome.",
		},
		[]string{"outcome"},
	)

	outputStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobrunner_api_output_streams_active",
		Help: "Number of clients currently streaming dispatch output.",
	})

	outputStreamLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobrunner_api_output_stream_lines_total",
		Help: "Output lines delivered to streaming clients.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(apiSubmissionsTotal)
	prometheus.MustRegister(outputStreamsActive)
	prometheus.MustRegister(outputStreamLines)

	for _, outcome := range []string{submitAccepted, submitRejected, submitUnavailable, submitError} {
		apiSubmissionsTotal.WithLabelValues(outcome)
	}
}

// metricsMiddleware counts requests by chi route pattern. Output streams
// stay open for the life of a dispatch, so they are tracked by the stream
// gauge rather than the duration histogram. Scrapes of /metrics itself are
// not recorded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		if route == metricsRoute {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if route != outputStreamRoute {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern returns the matched chi route pattern, or "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
