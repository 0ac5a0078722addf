// Package metrics exports navigation, synchronisation and cache metrics in
// the Prometheus text format.
//
// A Collector owns its own registry so several servers (and tests) can run
// in one process without colliding on the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qtinav"

// Collector implements engine.Recorder, syncsvc.Recorder and
// itemstore.Observer.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	syncActions     *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	cacheEvents     *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_requests_total",
			Help:      "Navigation requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_request_duration_seconds",
			Help:      "Navigation request latency by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		syncActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_actions_total",
			Help:      "Synchronised offline actions by action type and outcome.",
		}, []string{"action", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_action_duration_seconds",
			Help:      "Time to apply one synchronised action.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"action"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Item and test map cache hits, misses and evictions.",
		}, []string{"cache", "event"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestDuration,
		c.syncActions,
		c.syncDuration,
		c.cacheEvents,
	)
	return c
}

// ObserveRequest records one navigation request.
func (c *Collector) ObserveRequest(kind, outcome string, elapsed time.Duration) {
	c.requests.WithLabelValues(kind, outcome).Inc()
	c.requestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveSync records one synchronised action.
func (c *Collector) ObserveSync(action, outcome string, elapsed time.Duration) {
	c.syncActions.WithLabelValues(action, outcome).Inc()
	if elapsed > 0 {
		c.syncDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}

// ObserveCache records one cache event.
func (c *Collector) ObserveCache(cache, event string) {
	c.cacheEvents.WithLabelValues(cache, event).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
