package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/meter-reading/metering"
)

// Metrics holds the Prometheus collectors of one server. Each Metrics has its
// own registry so tests can build as many routers as they like.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	readingsCommitted    prometheus.Counter
	readingsFailed       *prometheus.CounterVec
	metersCreated        prometheus.Counter
	assignmentsAllocated prometheus.Counter
	assignmentsCompleted prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "How many HTTP requests processed, partitioned by status code and HTTP method.",
			},
			[]string{"code", "method", "url"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "request_duration_seconds",
				Help: "The HTTP request latencies in seconds.",
			},
			[]string{"code", "method", "url"},
		),
		readingsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meter_readings_committed_total",
			Help: "Readings written to storage.",
		}),
		readingsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_readings_failed_total",
				Help: "Submitted rows that were not written, by error code.",
			},
			[]string{"code"},
		),
		metersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meters_created_total",
			Help: "Meters provisioned on first reading.",
		}),
		assignmentsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assignments_allocated_total",
			Help: "Assignments created.",
		}),
		assignmentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assignments_completed_total",
			Help: "Assignments marked complete, manually or by the scheduler.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.readingsCommitted,
		m.readingsFailed,
		m.metersCreated,
		m.assignmentsAllocated,
		m.assignmentsCompleted,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware updates the request metrics. The chi route pattern is used as
// the url label to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		url := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			url = rctx.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		elapsed := time.Since(start).Seconds()

		m.requestDuration.WithLabelValues(status, r.Method, url).Observe(elapsed)
		m.requestCount.WithLabelValues(status, r.Method, url).Inc()
	})
}

// observeSubmit records the outcome of one batch.
func (m *Metrics) observeSubmit(res *metering.SubmitResult) {
	m.readingsCommitted.Add(float64(len(res.Committed)))
	m.metersCreated.Add(float64(res.MetersCreated))
	for _, f := range res.Failed {
		m.readingsFailed.WithLabelValues(failureCode(f.Err)).Inc()
	}
}

func failureCode(err error) string {
	var ve *metering.ValidationError
	switch {
	case errors.As(err, &ve):
		return string(ve.Code)
	case metering.IsRetryable(err):
		return "retryable"
	default:
		return "internal"
	}
}
