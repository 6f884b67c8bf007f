package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestTotal counts requests by route and status code
	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "composer_http_requests_total",
		Help: "Total HTTP requests by route and status code",
	}, []string{"route", "code"})

	// requestDuration tracks request latency by route
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "composer_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	}, []string{"route"})

	// mutationTotal counts applied document changes by kind
	mutationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "composer_mutations_total",
		Help: "Total applied pipeline mutations by change kind",
	}, []string{"kind"})

	// validationIssues tracks the number of field errors found per validation
	validationIssues = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "composer_validation_issues",
		Help:    "Number of field errors per validated document",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records the count and latency of requests to a route.
func instrument(route string) middleware {
	return func(f http.HandlerFunc) http.HandlerFunc {
		return func(rw http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}

			f(rec, req)

			requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			requestTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	}
}
