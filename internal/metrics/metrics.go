// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/congo-pay/settlement/internal/settlement"
)

const namespace = "settlement"

// Metrics implements settlement.Metrics and carries the HTTP collectors.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	MoverCalls    *prometheus.CounterVec
	MoverDuration *prometheus.HistogramVec
	SweptRecords  prometheus.Counter
	Sweeps        prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

var _ settlement.Metrics = (*Metrics)(nil)

// New registers every collector on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Settlement record state transitions by request kind and target state.",
		}, []string{"kind", "state"}),
		MoverCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mover_calls_total",
			Help:      "External mover calls by mover and result.",
		}, []string{"mover", "result"}),
		MoverDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mover_call_duration_seconds",
			Help:      "Latency of external mover calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"mover"}),
		SweptRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_records_total",
			Help:      "Records examined by the reconciliation sweeper.",
		}),
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeper passes.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) Transition(kind settlement.Kind, state settlement.State) {
	m.Transitions.WithLabelValues(string(kind), string(state)).Inc()
}

func (m *Metrics) MoverCall(mover, result string, elapsed time.Duration) {
	m.MoverCalls.WithLabelValues(mover, result).Inc()
	m.MoverDuration.WithLabelValues(mover).Observe(elapsed.Seconds())
}

func (m *Metrics) Swept(count int) {
	m.Sweeps.Inc()
	m.SweptRecords.Add(float64(count))
}

// ObserveHTTP implements middleware.HTTPObserver.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
