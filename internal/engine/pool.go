// Package engine is the minimal GAS worker pool that drives a Program and,
// whenever a thread finds no local work, files into the termination
// detector's critical section exactly as spec.md section 4.1 describes —
// the engine thread side of the protocol whose other half lives in
// internal/termination.
//
// Structurally this adapts the teacher's worker.Pool/worker.Worker split
// (fixed goroutine count, shared work channel, graceful Stop via
// sync.WaitGroup) to GAS semantics: "tasks" become WorkItems run through a
// Program's Gather/Apply/Scatter, and an idle worker doesn't just block on
// an empty channel — it asserts idleness to the Detector and waits for
// ring-wide consensus or cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-gas/internal/termination"
	"github.com/ChuLiYu/falcon-gas/pkg/types"
)

// ErrPoolNotStarted is returned by Enqueue before Start has run.
var ErrPoolNotStarted = errors.New("engine: pool not started")

// ErrPoolClosed is returned by Enqueue after Stop.
var ErrPoolClosed = errors.New("engine: pool closed")

// ErrAlreadyStarted is returned by a second Start call.
var ErrAlreadyStarted = errors.New("engine: pool already started")

// Metrics is the subset of internal/metrics.Collector's engine-facing
// surface that Pool reports into. A narrower interface than *metrics.Collector
// itself so tests can supply a stub without dragging in Prometheus.
type Metrics interface {
	RecordItemProcessed(latency time.Duration)
	RecordItemFailed()
	SetThreadsIdle(n int)
	SetQueueDepth(n int)
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithMetrics reports per-item outcomes and pool occupancy to m. Without
// this option a Pool runs with no metrics reporting at all.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool runs a fixed number of engine-thread goroutines pulling WorkItems
// off a shared queue and running them through a Program. When a thread
// drains the queue it enters the detector's critical section instead of
// just blocking on the channel, so the rest of the ring can detect global
// quiescence.
type Pool struct {
	program  Program
	detector *termination.Detector
	logger   *slog.Logger
	metrics  Metrics

	queue chan types.WorkItem

	mu        sync.Mutex
	started   bool
	stopped   bool
	wg        sync.WaitGroup
	idleCount int
}

// setIdle adjusts the idle-thread count by delta and reports it to the
// metrics gauge, if one is configured.
func (p *Pool) setIdle(delta int) {
	p.mu.Lock()
	p.idleCount += delta
	n := p.idleCount
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.SetThreadsIdle(n)
	}
}

// NewPool builds a pool that runs program and asserts idleness to detector.
// queueSize bounds how much locally-scattered work can queue up before
// Enqueue blocks.
func NewPool(program Program, detector *termination.Detector, queueSize int, opts ...Option) *Pool {
	p := &Pool{
		program:  program,
		detector: detector,
		logger:   slog.With("component", "engine"),
		queue:    make(chan types.WorkItem, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// reportQueueDepth pushes the current queue length to the metrics gauge, if
// one is configured.
func (p *Pool) reportQueueDepth() {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(len(p.queue))
	}
}

// Start launches n engine-thread goroutines.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	for i := 0; i < n; i++ {
		id := i
		p.wg.Add(1)
		go p.runThread(id)
	}
	return nil
}

// Stop closes the work queue and waits for every engine thread to exit.
// Blocked idle threads are released via Cancel so they notice the queue
// closing instead of waiting for ring-wide consensus that may never come.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.queue)
	p.detector.Cancel()
	p.wg.Wait()
}

// Enqueue schedules a WorkItem for processing by the next free engine
// thread.
func (p *Pool) Enqueue(item types.WorkItem) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}
	p.queue <- item
	p.reportQueueDepth()
	return nil
}

// runThread is one engine thread's main loop: drain the queue until it's
// empty, then claim idleness through the detector's critical-section
// protocol. A return of true from EndCriticalSection means ring-wide
// consensus was reached and this thread exits; false means either new work
// showed up locally (stillIdle reported false before blocking) or the wait
// was cancelled (e.g. by Stop), so the thread loops back to check the queue
// again.
func (p *Pool) runThread(id int) {
	defer p.wg.Done()
	ctx := context.Background()
	log := p.logger.With("thread", id)

	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, item, log)
			continue
		default:
		}

		p.detector.BeginCriticalSection()
		p.setIdle(1)
		select {
		case item, ok := <-p.queue:
			if !ok {
				p.setIdle(-1)
				p.detector.EndCriticalSection(false)
				return
			}
			p.setIdle(-1)
			p.detector.EndCriticalSection(false)
			p.process(ctx, item, log)
			continue
		default:
		}

		consensus := p.detector.EndCriticalSection(true)
		p.setIdle(-1)
		if consensus {
			log.Debug("engine thread observed global consensus")
			return
		}
		// cancelled: loop around and re-check the queue.
	}
}

// process runs one WorkItem through Gather/Apply/Scatter and reports the
// result as a types.Outcome: Err set on the first stage that failed,
// Scattered populated with whatever follow-on work Scatter generated.
// Successes and failures are both reported to the configured Metrics.
func (p *Pool) process(ctx context.Context, item types.WorkItem, log *slog.Logger) types.Outcome {
	start := time.Now()
	outcome := types.Outcome{Vertex: item.Vertex}

	if err := p.program.Gather(ctx, item); err != nil {
		outcome.Err = fmt.Errorf("gather: %w", err)
	} else if err := p.program.Apply(ctx, item); err != nil {
		outcome.Err = fmt.Errorf("apply: %w", err)
	} else if follow, err := p.program.Scatter(ctx, item); err != nil {
		outcome.Err = fmt.Errorf("scatter: %w", err)
	} else {
		outcome.Scattered = follow
	}

	if outcome.Err != nil {
		log.Warn("work item failed", "vertex", item.Vertex, "error", outcome.Err)
		if p.metrics != nil {
			p.metrics.RecordItemFailed()
		}
		return outcome
	}

	if p.metrics != nil {
		p.metrics.RecordItemProcessed(time.Since(start))
	}

	for _, next := range outcome.Scattered {
		select {
		case p.queue <- next:
		default:
			log.Warn("scatter queue full, dropping follow-on work", "vertex", next.Vertex)
		}
	}
	p.reportQueueDepth()

	return outcome
}
