// Package metrics exposes falcon-gas's Prometheus metrics: token-ring
// lifecycle counters (forwards, consensus events, cancellations) and engine
// work-item throughput, in the same Collector-wraps-prometheus.Counter/
// Gauge/Histogram style the teacher uses for its job-queue metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the Prometheus metrics for one falcon-gas process.
// It implements internal/termination.Metrics directly, so it can be wired
// straight into termination.NewDetector via termination.WithMetrics.
type Collector struct {
	tokenForwards    prometheus.Counter
	consensusReached prometheus.Counter
	cancellations    prometheus.Counter

	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	itemLatency    prometheus.Histogram

	threadsIdle prometheus.Gauge
	queueDepth  prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		tokenForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falcongas_token_forwards_total",
			Help: "Total number of times this process forwarded the termination-detection token",
		}),
		consensusReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falcongas_consensus_reached_total",
			Help: "Total number of times this process observed global termination consensus",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falcongas_cancellations_total",
			Help: "Total number of times idle waiters were cancelled on this process",
		}),
		itemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falcongas_work_items_processed_total",
			Help: "Total number of WorkItems run to completion by the engine pool",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falcongas_work_items_failed_total",
			Help: "Total number of WorkItems that errored during Gather/Apply/Scatter",
		}),
		itemLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "falcongas_work_item_latency_seconds",
			Help:    "WorkItem gather-apply-scatter latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		threadsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falcongas_engine_threads_idle",
			Help: "Current number of engine threads asserting idleness to the detector",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falcongas_engine_queue_depth",
			Help: "Current number of WorkItems buffered in the engine pool's local queue",
		}),
	}

	prometheus.MustRegister(
		c.tokenForwards,
		c.consensusReached,
		c.cancellations,
		c.itemsProcessed,
		c.itemsFailed,
		c.itemLatency,
		c.threadsIdle,
		c.queueDepth,
	)

	return c
}

// RecordTokenForwarded implements termination.Metrics.
func (c *Collector) RecordTokenForwarded() { c.tokenForwards.Inc() }

// RecordConsensusReached implements termination.Metrics.
func (c *Collector) RecordConsensusReached() { c.consensusReached.Inc() }

// RecordCancelled implements termination.Metrics.
func (c *Collector) RecordCancelled() { c.cancellations.Inc() }

// RecordItemProcessed records a successfully completed WorkItem and its
// gather-apply-scatter latency.
func (c *Collector) RecordItemProcessed(latency time.Duration) {
	c.itemsProcessed.Inc()
	c.itemLatency.Observe(latency.Seconds())
}

// RecordItemFailed records a WorkItem that errored out of the pipeline.
func (c *Collector) RecordItemFailed() { c.itemsFailed.Inc() }

// SetThreadsIdle sets the current idle-engine-thread gauge.
func (c *Collector) SetThreadsIdle(n int) { c.threadsIdle.Set(float64(n)) }

// SetQueueDepth sets the current local queue-depth gauge.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// StartServer starts the Prometheus /metrics HTTP endpoint on port. It
// blocks, so callers run it in its own goroutine.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
