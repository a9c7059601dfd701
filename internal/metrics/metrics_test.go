package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.tokenForwards, "tokenForwards counter should be initialized")
	assert.NotNil(t, collector.consensusReached, "consensusReached counter should be initialized")
	assert.NotNil(t, collector.cancellations, "cancellations counter should be initialized")
	assert.NotNil(t, collector.itemsProcessed, "itemsProcessed counter should be initialized")
	assert.NotNil(t, collector.itemsFailed, "itemsFailed counter should be initialized")
	assert.NotNil(t, collector.itemLatency, "itemLatency histogram should be initialized")
	assert.NotNil(t, collector.threadsIdle, "threadsIdle gauge should be initialized")
	assert.NotNil(t, collector.queueDepth, "queueDepth gauge should be initialized")
}

func TestRecordTokenForwarded(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTokenForwarded()
	}, "RecordTokenForwarded should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordTokenForwarded()
	}
}

func TestRecordConsensusReached(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordConsensusReached()
	}, "RecordConsensusReached should not panic")
}

func TestRecordCancelled(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCancelled()
	}, "RecordCancelled should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordCancelled()
	}
}

func TestRecordItemProcessed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []time.Duration{time.Millisecond, 10 * time.Millisecond, time.Second}
	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordItemProcessed(latency)
		}, "RecordItemProcessed should not panic with latency %s", latency)
	}
}

func TestRecordItemFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordItemFailed()
	}, "RecordItemFailed should not panic")
}

func TestSetThreadsIdleAndQueueDepth(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name  string
		idle  int
		depth int
	}{
		{"zero values", 0, 0},
		{"normal values", 2, 10},
		{"high depth", 1, 1000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.SetThreadsIdle(tc.idle)
				collector.SetQueueDepth(tc.depth)
			}, "setting gauges should not panic")
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordTokenForwarded()
			collector.RecordItemProcessed(time.Millisecond)
			collector.SetQueueDepth(5)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector registering the same metric names against the
	// same registry panics on duplicate registration — one collector per
	// process, by design.
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestMetricOperationSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetQueueDepth(1)
		collector.SetThreadsIdle(0)

		collector.RecordItemProcessed(5 * time.Millisecond)
		collector.SetQueueDepth(0)

		collector.SetThreadsIdle(1)
		collector.RecordTokenForwarded()
		collector.RecordConsensusReached()
	}, "a full token-lap-then-consensus sequence should not panic")
}

func TestMetricOperationWithFailure(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetQueueDepth(1)
		collector.RecordItemFailed()
		collector.RecordCancelled()
	}, "a failed work item followed by a cancellation should not panic")
}

func TestZeroAndNegativeValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordItemProcessed(0)
		collector.SetQueueDepth(0)
		collector.SetThreadsIdle(0)
		collector.SetQueueDepth(-1) // negative values shouldn't happen, but must not panic
	}, "edge case values should not panic")
}
