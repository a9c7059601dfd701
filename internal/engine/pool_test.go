package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-gas/internal/fabric"
	"github.com/ChuLiYu/falcon-gas/internal/termination"
	"github.com/ChuLiYu/falcon-gas/pkg/types"
)

// fakeMetrics is a test double for Metrics that counts invocations instead
// of talking to Prometheus, so tests can assert the pool actually reports
// through the interface rather than just compiling against it.
type fakeMetrics struct {
	itemsProcessed atomic.Int64
	itemsFailed    atomic.Int64
	threadsIdleSet atomic.Int64
	queueDepthSet  atomic.Int64
}

func (f *fakeMetrics) RecordItemProcessed(time.Duration) { f.itemsProcessed.Add(1) }
func (f *fakeMetrics) RecordItemFailed()                 { f.itemsFailed.Add(1) }
func (f *fakeMetrics) SetThreadsIdle(n int)              { f.threadsIdleSet.Add(1) }
func (f *fakeMetrics) SetQueueDepth(n int)               { f.queueDepthSet.Add(1) }

// failingProgram always fails at Apply, so process's error path is exercised.
type failingProgram struct{}

func (failingProgram) Gather(ctx context.Context, item types.WorkItem) error { return nil }
func (failingProgram) Apply(ctx context.Context, item types.WorkItem) error {
	return errors.New("apply always fails")
}
func (failingProgram) Scatter(ctx context.Context, item types.WorkItem) ([]types.WorkItem, error) {
	return nil, nil
}

// countingProgram counts how many WorkItems it processed and never
// scatters follow-on work, so a pool running it always drains to idle.
type countingProgram struct {
	processed atomic.Int64
}

func (c *countingProgram) Gather(ctx context.Context, item types.WorkItem) error { return nil }
func (c *countingProgram) Apply(ctx context.Context, item types.WorkItem) error {
	c.processed.Add(1)
	return nil
}
func (c *countingProgram) Scatter(ctx context.Context, item types.WorkItem) ([]types.WorkItem, error) {
	return nil, nil
}

// fanOutProgram scatters exactly one follow-on item per vertex until depth
// is exhausted, so a pool running it processes a bounded but
// more-than-one-shot amount of work before going idle.
type fanOutProgram struct {
	depth     int
	processed atomic.Int64
}

func (f *fanOutProgram) Gather(ctx context.Context, item types.WorkItem) error { return nil }
func (f *fanOutProgram) Apply(ctx context.Context, item types.WorkItem) error {
	f.processed.Add(1)
	return nil
}
func (f *fanOutProgram) Scatter(ctx context.Context, item types.WorkItem) ([]types.WorkItem, error) {
	if int(item.Superstep) >= f.depth {
		return nil, nil
	}
	return []types.WorkItem{{Vertex: item.Vertex, Superstep: item.Superstep + 1}}, nil
}

func newSingleNodeDetector(t *testing.T, required int) *termination.Detector {
	t.Helper()
	ring := fabric.NewLoopbackRing(1)[0]
	det := termination.NewDetector(ring, ring, required, termination.WithControlCallTimeout(time.Second))
	ring.SetDetector(det)
	return det
}

func TestPoolDrainsQueueThenReachesConsensus(t *testing.T) {
	det := newSingleNodeDetector(t, 2)
	prog := &countingProgram{}
	pool := NewPool(prog, det, 16)
	require.NoError(t, pool.Start(2))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Enqueue(types.WorkItem{Vertex: types.VertexID(i)}))
	}

	pool.Stop()
	assert.Equal(t, int64(10), prog.processed.Load())
}

func TestPoolFanOutProcessesAllGeneratedWork(t *testing.T) {
	det := newSingleNodeDetector(t, 3)
	prog := &fanOutProgram{depth: 3}
	pool := NewPool(prog, det, 64)
	require.NoError(t, pool.Start(3))

	require.NoError(t, pool.Enqueue(types.WorkItem{Vertex: 1, Superstep: 0}))

	deadline := time.Now().Add(2 * time.Second)
	for prog.processed.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(4), prog.processed.Load())

	pool.Stop()
}

func TestPoolEnqueueBeforeStartFails(t *testing.T) {
	det := newSingleNodeDetector(t, 1)
	pool := NewPool(NoOpProgram{}, det, 1)
	assert.ErrorIs(t, pool.Enqueue(types.WorkItem{}), ErrPoolNotStarted)
}

func TestPoolEnqueueAfterStopFails(t *testing.T) {
	det := newSingleNodeDetector(t, 1)
	pool := NewPool(NoOpProgram{}, det, 1)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	assert.ErrorIs(t, pool.Enqueue(types.WorkItem{}), ErrPoolClosed)
}

func TestPoolDoubleStartFails(t *testing.T) {
	det := newSingleNodeDetector(t, 1)
	pool := NewPool(NoOpProgram{}, det, 1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrAlreadyStarted)
}

func TestPoolReportsSuccessfulItemsToMetrics(t *testing.T) {
	det := newSingleNodeDetector(t, 2)
	prog := &countingProgram{}
	fm := &fakeMetrics{}
	pool := NewPool(prog, det, 16, WithMetrics(fm))
	require.NoError(t, pool.Start(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Enqueue(types.WorkItem{Vertex: types.VertexID(i)}))
	}

	pool.Stop()
	assert.Equal(t, int64(5), prog.processed.Load())
	assert.Equal(t, int64(5), fm.itemsProcessed.Load())
	assert.Equal(t, int64(0), fm.itemsFailed.Load())
	assert.Greater(t, fm.threadsIdleSet.Load(), int64(0), "idle threads should be reported at least once")
	assert.Greater(t, fm.queueDepthSet.Load(), int64(0), "queue depth should be reported at least once")
}

func TestPoolReportsFailedItemsToMetrics(t *testing.T) {
	det := newSingleNodeDetector(t, 2)
	fm := &fakeMetrics{}
	pool := NewPool(failingProgram{}, det, 16, WithMetrics(fm))
	require.NoError(t, pool.Start(2))

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Enqueue(types.WorkItem{Vertex: types.VertexID(i)}))
	}

	pool.Stop()
	assert.Equal(t, int64(3), fm.itemsFailed.Load())
	assert.Equal(t, int64(0), fm.itemsProcessed.Load())
}

func TestPoolProcessReturnsOutcome(t *testing.T) {
	det := newSingleNodeDetector(t, 1)
	pool := NewPool(&fanOutProgram{depth: 1}, det, 4)
	outcome := pool.process(context.Background(), types.WorkItem{Vertex: 7, Superstep: 0}, pool.logger)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, types.VertexID(7), outcome.Vertex)
	require.Len(t, outcome.Scattered, 1)
	assert.Equal(t, types.VertexID(7), outcome.Scattered[0].Vertex)
	assert.Equal(t, uint64(1), outcome.Scattered[0].Superstep)
}

func TestPoolProcessReturnsWrappedError(t *testing.T) {
	det := newSingleNodeDetector(t, 1)
	pool := NewPool(failingProgram{}, det, 4)
	outcome := pool.process(context.Background(), types.WorkItem{Vertex: 1}, pool.logger)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "apply:")
}
