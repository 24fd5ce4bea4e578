package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exports the request lifecycle as Prometheus metrics. It
// implements EventSink, so it plugs into the client as an observability
// sink. Safe for concurrent use.
type MetricsCollector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	cacheStale      *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	circuitOpened   *prometheus.CounterVec
	circuitClosed   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	dedupHits       *prometheus.CounterVec
	revalidations   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer, which keeps test registrations isolated.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_requests_total",
				Help: "Total number of logical fetches",
			},
			[]string{"service", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_request_duration_seconds",
				Help:    "Duration of logical fetches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "endpoint"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_cache_hits_total",
				Help: "Total number of fresh cache hits",
			},
			[]string{"service", "endpoint"},
		),
		cacheStale: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_cache_stale_total",
				Help: "Total number of stale cache serves",
			},
			[]string{"service", "endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"service", "endpoint"},
		),
		rateLimited: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_rate_limited_total",
				Help: "Total number of locally rejected requests",
			},
			[]string{"service"},
		),
		circuitOpened: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_circuit_opened_total",
				Help: "Total number of circuit open transitions",
			},
			[]string{"service"},
		),
		circuitClosed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_circuit_closed_total",
				Help: "Total number of circuit close transitions",
			},
			[]string{"service"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"service", "endpoint"},
		),
		dedupHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight call",
			},
			[]string{"service", "endpoint"},
		),
		revalidations: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_revalidations_total",
				Help: "Total number of background cache revalidations",
			},
			[]string{"service", "endpoint"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_errors_total",
				Help: "Total number of surfaced errors by kind",
			},
			[]string{"service", "kind"},
		),
	}
}

// Emit implements EventSink.
func (mc *MetricsCollector) Emit(ev Event) {
	if mc == nil {
		return
	}
	switch ev.Type {
	case EventRequestStart:
		mc.requestsTotal.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	case EventRequestEnd:
		mc.requestDuration.WithLabelValues(ev.Service, ev.Endpoint).Observe(ev.Duration.Seconds())
		if ev.ErrorKind != "" {
			mc.errorsTotal.WithLabelValues(ev.Service, ev.ErrorKind).Inc()
		}
	case EventCacheHit:
		mc.cacheHits.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	case EventCacheStale:
		mc.cacheStale.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	case EventCacheMiss:
		mc.cacheMisses.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	case EventRateLimited:
		mc.rateLimited.WithLabelValues(ev.Service).Inc()
	case EventCircuitOpened:
		mc.circuitOpened.WithLabelValues(ev.Service).Inc()
	case EventCircuitClosed:
		mc.circuitClosed.WithLabelValues(ev.Service).Inc()
	case EventRetryAttempt:
		mc.retriesTotal.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	case EventDedupHit:
		mc.dedupHits.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	case EventRevalidation:
		mc.revalidations.WithLabelValues(ev.Service, ev.Endpoint).Inc()
	}
}
