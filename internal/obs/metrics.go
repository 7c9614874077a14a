// Package obs wires batchling's ambient observability: Prometheus
// metrics and OpenTelemetry tracing/metrics export.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments the batching engine and
// cache update as requests flow through.
type Collector struct {
	requestsQueued    *prometheus.CounterVec
	batchesSubmitted  *prometheus.CounterVec
	batchSubmitSize   *prometheus.HistogramVec
	batchPollDuration *prometheus.HistogramVec
	batchLatency      *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	deferredExits     prometheus.Counter
}

// NewCollector registers batchling's instruments under namespace (e.g.
// "batchling") with the given Prometheus registerer. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestsQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_queued_total",
				Help:      "Requests enqueued for batching, by provider and queue key.",
			},
			[]string{"provider", "endpoint", "model"},
		),
		batchesSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_submitted_total",
				Help:      "Batches submitted to a provider, by provider and trigger.",
			},
			[]string{"provider", "trigger"}, // trigger: size, window, close
		),
		batchSubmitSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_submit_size",
				Help:      "Number of requests in a submitted batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"provider"},
		),
		batchPollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_poll_duration_seconds",
				Help:      "Time from the start of polling a batch to a terminal poll result.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
			},
			[]string{"provider"},
		),
		batchLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "End-to-end latency a caller observes for a batched request.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "cache"}, // cache: hit, miss
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Fingerprint cache hits.",
			},
			[]string{"provider"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Fingerprint cache misses.",
			},
			[]string{"provider"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending requests per queue key.",
			},
			[]string{"provider", "endpoint", "model"},
		),
		deferredExits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_exits_total",
				Help:      "Times the process exited deferred after idle-only polling.",
			},
		),
	}
}

func (c *Collector) RequestQueued(provider, endpoint, model string) {
	c.requestsQueued.WithLabelValues(provider, endpoint, model).Inc()
}

func (c *Collector) BatchSubmitted(provider, trigger string, size int) {
	c.batchesSubmitted.WithLabelValues(provider, trigger).Inc()
	c.batchSubmitSize.WithLabelValues(provider).Observe(float64(size))
}

func (c *Collector) PollCompleted(provider string, d time.Duration) {
	c.batchPollDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) RequestResolved(provider string, cacheHit bool, d time.Duration) {
	label := "miss"
	if cacheHit {
		label = "hit"
		c.cacheHits.WithLabelValues(provider).Inc()
	} else {
		c.cacheMisses.WithLabelValues(provider).Inc()
	}
	c.batchLatency.WithLabelValues(provider, label).Observe(d.Seconds())
}

func (c *Collector) SetQueueDepth(provider, endpoint, model string, depth int) {
	c.queueDepth.WithLabelValues(provider, endpoint, model).Set(float64(depth))
}

func (c *Collector) DeferredExit() {
	c.deferredExits.Inc()
}
