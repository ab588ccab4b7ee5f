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

const unmatched = "unmatched"

// Submission outcomes for runsSubmitted.
const (
	submitAccepted = "accepted"
	submitRejected = "rejected"
	submitFailed   = "failed"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrun_http_requests_total",
			Help: "Total number of HTTP requests by route pattern.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrun_http_request_duration_seconds",
			Help:    "Latency of run queries and submissions, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	logStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrun_http_log_streams_open",
			Help: "Number of clients currently following a run's output.",
		},
	)

	logStreamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelrun_http_log_stream_duration_seconds",
			Help:    "How long clients followed a run's output before it finished or they left.",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
		},
	)

	runsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrun_http_runs_submitted_total",
			Help: "Runs posted to the API by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(logStreamsOpen)
	prometheus.MustRegister(logStreamDuration)
	prometheus.MustRegister(runsSubmitted)

	for _, outcome := range []string{submitAccepted, submitRejected, submitFailed} {
		runsSubmitted.WithLabelValues(outcome)
	}
}

// metricsMiddleware labels requests by chi route pattern, so
// /v1/runs/{id}/results is one series however many runs exist. A log stream
// stays open until its run finishes, which says nothing about API latency;
// its lifetime goes to logStreamDuration instead of the request histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		switch {
		case route != logStreamRoute:
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
		case status == http.StatusOK:
			logStreamDuration.Observe(elapsed)
		}
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// runIDParam returns the run a request addressed, or "" for routes without
// one. It is only populated once routing has run.
func runIDParam(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam("id")
	}
	return ""
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
