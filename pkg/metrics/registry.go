// Package metrics wraps a Prometheus registry exposing counters and
// gauges for the cache, connection pool and worker pool (SPEC_FULL.md
// §6 diagnostics endpoint). It is a passive observer: nothing here
// touches the cache or pool mutex directly, it only receives pushed
// updates through the small interfaces those packages already define.
//
// Grounded on _examples/hemzaz-freightliner/pkg/metrics/registry.go's
// Registry wrapper shape (one struct holding the Prometheus collectors,
// one constructor registering them all, thin Record*/Set* methods).
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a Prometheus registry with the proxy's metrics.
type Registry struct {
	registry *prometheus.Registry

	cacheHitsTotal           prometheus.Counter
	cacheMissesTotal         prometheus.Counter
	cacheEvictionsTotal      prometheus.Counter
	cacheInsertRejectedTotal prometheus.Counter

	poolBorrowHitsTotal   prometheus.Counter
	poolBorrowMissesTotal prometheus.Counter
	poolDialsTotal        prometheus.Counter
	poolClosesTotal       prometheus.Counter

	workerQueueDepth    prometheus.Gauge
	workerInFlight      prometheus.Gauge
	submitRejectedTotal prometheus.Counter

	requestsTotal *prometheus.CounterVec
}

// NewRegistry builds and registers every proxy metric.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,

		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_cache_hits_total",
			Help: "Total response cache hits.",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_cache_misses_total",
			Help: "Total response cache misses (including lazily-expired entries).",
		}),
		cacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_cache_evictions_total",
			Help: "Total entries evicted from the LRU tail to satisfy the byte budget.",
		}),
		cacheInsertRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_cache_insert_rejected_total",
			Help: "Total inserts rejected for exceeding max element or max total bytes.",
		}),

		poolBorrowHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_pool_borrow_hits_total",
			Help: "Total upstream connection pool borrows satisfied by a pooled socket.",
		}),
		poolBorrowMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_pool_borrow_misses_total",
			Help: "Total upstream connection pool borrows requiring a fresh dial.",
		}),
		poolDialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_pool_dials_total",
			Help: "Total fresh upstream dials.",
		}),
		poolClosesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_pool_closes_total",
			Help: "Total pooled sockets closed (non-keep-alive return, idle sweep, or pool full).",
		}),

		workerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpcacheproxy_worker_queue_depth",
			Help: "Current depth of the worker pool's FIFO task queue.",
		}),
		workerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpcacheproxy_worker_in_flight",
			Help: "Current number of in-flight requests (concurrency-limit semaphore usage).",
		}),
		submitRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpcacheproxy_submit_rejected_total",
			Help: "Total task submissions rejected because the queue was full or the pool was shut down.",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpcacheproxy_requests_total",
			Help: "Total requests served, labelled by response status code.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		r.cacheHitsTotal, r.cacheMissesTotal, r.cacheEvictionsTotal, r.cacheInsertRejectedTotal,
		r.poolBorrowHitsTotal, r.poolBorrowMissesTotal, r.poolDialsTotal, r.poolClosesTotal,
		r.workerQueueDepth, r.workerInFlight, r.submitRejectedTotal,
		r.requestsTotal,
	)

	return r
}

// GetRegistry exposes the underlying Prometheus registry, for wiring
// into promhttp.HandlerFor.
func (r *Registry) GetRegistry() *prometheus.Registry { return r.registry }

// Handler returns an http.Handler serving the Prometheus text exposition
// format (SPEC_FULL.md §6 GET /metrics).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// --- cache.Metrics ---

func (r *Registry) CacheHit()            { r.cacheHitsTotal.Inc() }
func (r *Registry) CacheMiss()           { r.cacheMissesTotal.Inc() }
func (r *Registry) CacheEviction()       { r.cacheEvictionsTotal.Inc() }
func (r *Registry) CacheInsertRejected() { r.cacheInsertRejectedTotal.Inc() }

// --- connpool.Metrics ---

func (r *Registry) PoolBorrowHit()  { r.poolBorrowHitsTotal.Inc() }
func (r *Registry) PoolBorrowMiss() { r.poolBorrowMissesTotal.Inc() }
func (r *Registry) PoolDial()       { r.poolDialsTotal.Inc() }
func (r *Registry) PoolClose()      { r.poolClosesTotal.Inc() }

// --- workerpool.Metrics ---

func (r *Registry) QueueDepth(n int)  { r.workerQueueDepth.Set(float64(n)) }
func (r *Registry) InFlight(delta int) {
	if delta >= 0 {
		r.workerInFlight.Add(float64(delta))
	} else {
		r.workerInFlight.Sub(float64(-delta))
	}
}
func (r *Registry) SubmitRejected() { r.submitRejectedTotal.Inc() }

// --- pipeline.Metrics ---

func (r *Registry) RequestServed(status int) {
	r.requestsTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
}
