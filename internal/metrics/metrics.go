package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const namespace = "imagegen"

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheRequests *prometheus.CounterVec
	loads         *prometheus.CounterVec
	loadDuration  *prometheus.HistogramVec
	evictions     *prometheus.CounterVec
	closeFailures prometheus.Counter
	resident      prometheus.Gauge
	leased        prometheus.Gauge
	generations   *prometheus.CounterVec
	genDuration   *prometheus.HistogramVec
	requests      *prometheus.CounterVec
}

func NewMetrics(_ *do.Injector) (*Metrics, error) {
	return New(), nil
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "requests_total",
			Help: "Pipeline cache lookups by result.",
		}, []string{"model", "result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "loads_total",
			Help: "Pipeline constructions by outcome.",
		}, []string{"model", "outcome"}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cache", Name: "load_duration_seconds",
			Help:    "Time spent constructing pipelines.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"model"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Idle pipelines evicted by the sweep.",
		}, []string{"model"}),
		closeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "close_failures_total",
			Help: "Pipelines that failed to release on eviction or shutdown.",
		}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "resident",
			Help: "Pipelines currently loaded.",
		}),
		leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "leased",
			Help: "Pipeline leases currently checked out.",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "generations_total",
			Help: "Image generations by outcome.",
		}, []string{"model", "outcome"}),
		genDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generation_duration_seconds",
			Help:    "Time spent inside the pipeline generate call.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"model"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheRequests, m.loads, m.loadDuration, m.evictions, m.closeFailures,
		m.resident, m.leased, m.generations, m.genDuration, m.requests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	return lo.Ternary(err == nil, "success", "failure")
}

func (m *Metrics) CacheHit(model string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(model, "hit").Inc()
}

func (m *Metrics) CacheMiss(model string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(model, "miss").Inc()
}

func (m *Metrics) Loaded(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(model, outcome(err)).Inc()
	m.loadDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) Evicted(model string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(model).Inc()
}

func (m *Metrics) CloseFailed() {
	if m == nil {
		return
	}
	m.closeFailures.Inc()
}

func (m *Metrics) SetResident(n int) {
	if m == nil {
		return
	}
	m.resident.Set(float64(n))
}

func (m *Metrics) LeaseAcquired() {
	if m == nil {
		return
	}
	m.leased.Inc()
}

func (m *Metrics) LeaseReleased() {
	if m == nil {
		return
	}
	m.leased.Dec()
}

func (m *Metrics) Generated(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(model, outcome(err)).Inc()
	m.genDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
