// Package metrics exposes Prometheus collectors for the tree manager and
// the HTTP layer on a private registry.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"branchchat/backend/internal/tree"
)

const namespace = "branchchat"

type Metrics struct {
	registry      *prometheus.Registry
	treeOps       *prometheus.CounterVec
	treeLatency   *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	rateLimitHits prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		treeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "operations_total",
			Help:      "Conversation tree operations by name and outcome.",
		}, []string{"op", "result"}),
		treeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "operation_duration_seconds",
			Help:      "Latency of conversation tree operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.treeOps,
		m.treeLatency,
		m.httpRequests,
		m.httpLatency,
		m.rateLimitHits,
	)
	return m
}

// ObserveOperation implements tree.Recorder.
func (m *Metrics) ObserveOperation(op string, duration time.Duration, err error) {
	m.treeOps.WithLabelValues(op, resultLabel(err)).Inc()
	m.treeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

func (m *Metrics) RateLimited() {
	m.rateLimitHits.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tree.ErrNotFound):
		return "not_found"
	case errors.Is(err, tree.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, tree.ErrConflict):
		return "conflict"
	case errors.Is(err, tree.ErrInvariantViolation), errors.Is(err, tree.ErrCorruptTree):
		return "corrupt"
	default:
		return "error"
	}
}
