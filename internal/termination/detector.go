// Package termination implements the Dijkstra-style token-ring termination
// detector that the rest of falcon-gas coordinates around: the asynchronous
// consensus answering "is every process idle, with every RPC it ever sent
// already received?" without stopping the world.
//
// A single Token circulates the process ring. Each holder folds in whatever
// its attached send/receive counters moved since the token last left, and
// passes it on once all of its local engine threads have gone idle. A full
// lap that returns to a process with the tally unchanged and sent==received
// means no message is in flight anywhere — termination.
package termination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultControlCallTimeout = 2 * time.Second

// Token is the singleton value passed once per full ring traversal.
type Token struct {
	TotalCallsSent     uint64 `json:"total_calls_sent"`
	TotalCallsReceived uint64 `json:"total_calls_received"`
	// LastChange is the process id of the last worker whose accounting
	// altered either total.
	LastChange int `json:"last_change"`
}

// Ring is the thin slice of the RPC fabric the detector needs: its own
// position, the ring size, and a way to reach ReceiveToken/DeclareConsensus
// on a peer. internal/fabric.GRPCFabric and internal/fabric.LoopbackFabric
// both implement it.
type Ring interface {
	ProcID() int
	NumProcs() int
	SendToken(ctx context.Context, target int, tok Token) error
	DeclareConsensus(ctx context.Context, target int) error
}

// Metrics receives detector lifecycle events for observability. All methods
// are called with the detector mutex held, so implementations must not call
// back into the Detector. A nil Metrics is a valid no-op.
type Metrics interface {
	RecordTokenForwarded()
	RecordConsensusReached()
	RecordCancelled()
}

// Snapshot is a read-only copy of a Detector's state, for status reporting.
// It is JSON-tagged so internal/cli can export and query it over HTTP for
// `falcon-gas status`.
type Snapshot struct {
	HasToken              bool  `json:"has_token"`
	ThreadsInDone         int   `json:"threads_in_done"`
	RequiredThreadsInDone int   `json:"required_threads_in_done"`
	Complete              bool  `json:"complete"`
	Token                 Token `json:"token"`
}

// Option configures a Detector at construction time.
type Option func(*Detector)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithMetrics wires a Metrics collector into the detector.
func WithMetrics(m Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithControlCallTimeout overrides the per-control-call context timeout used
// when forwarding the token or broadcasting consensus.
func WithControlCallTimeout(d time.Duration) Option {
	return func(det *Detector) { det.controlTimeout = d }
}

// Detector is the per-process termination-detection state described in
// spec section 3. All mutable state is guarded by mu; correctness depends on
// counter reads and token forwarding being serialized by a single mutex —
// do not split it without re-proving snapshot atomicity.
type Detector struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring           Ring
	fabricCounters CounterSource
	attached       CounterSource

	hasToken bool
	curToken Token

	lastCallsSent     uint64
	lastCallsReceived uint64

	requiredThreadsInDone int
	threadsInDone         int
	waitingOnDone         bool
	cancelled             bool
	complete              bool

	logger         *slog.Logger
	metrics        Metrics
	controlTimeout time.Duration
}

// NewDetector creates a detector for one process in a ring of ring.NumProcs()
// peers. fabricCounters is the fallback, fabric-wide CounterSource; a
// narrower source can later be swapped in with Attach. requiredThreadsInDone
// is the number of local engine threads that must all be idle before this
// process is willing to forward the token.
func NewDetector(ring Ring, fabricCounters CounterSource, requiredThreadsInDone int, opts ...Option) *Detector {
	d := &Detector{
		ring:                  ring,
		fabricCounters:        fabricCounters,
		requiredThreadsInDone: requiredThreadsInDone,
		hasToken:              ring.ProcID() == 0,
		logger:                slog.With("component", "termination", "procid", ring.ProcID()),
		controlTimeout:        defaultControlCallTimeout,
	}
	d.cond = sync.NewCond(&d.mu)

	if d.hasToken {
		// The initial last_change = numprocs-1 guarantees the very first
		// forward from process 0 can't spuriously terminate before the
		// token has traversed the ring once.
		d.curToken = Token{LastChange: ring.NumProcs() - 1}
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Done is a convenience wrapper equivalent to
// BeginCriticalSection(); EndCriticalSection(true).
func (d *Detector) Done() bool {
	d.BeginCriticalSection()
	return d.EndCriticalSection(true)
}

// BeginCriticalSection declares that the calling engine thread is about to
// test for termination. Entry is serialized through the detector's mutex —
// the mutex stays held until the matching EndCriticalSection call, so at
// most one thread is ever between Begin and End.
func (d *Detector) BeginCriticalSection() {
	d.mu.Lock()
}

// EndCriticalSection consumes the critical section opened by
// BeginCriticalSection on the same goroutine.
//
// If stillIdle is false, this is the "I found more work after all" escape:
// the section is released and false is returned immediately.
//
// If stillIdle is true, the calling thread joins the idle set and blocks
// until global consensus is reached (returns true) or the cancel path fires
// (returns false). Calling EndCriticalSection without a prior
// BeginCriticalSection aborts the process with the runtime's fatal
// "unlock of unlocked mutex" error — a contract violation, not a
// recoverable runtime condition.
func (d *Detector) EndCriticalSection(stillIdle bool) bool {
	if !stillIdle {
		d.mu.Unlock()
		return false
	}

	// The thread that observes threads_in_done == 0 on entry is the
	// bookkeeper responsible for clearing `cancelled` on wake (see Cancel).
	isBookkeeper := d.threadsInDone == 0
	d.threadsInDone++

	for !d.complete {
		d.waitingOnDone = d.threadsInDone > 0
		if d.threadsInDone == d.requiredThreadsInDone && d.hasToken {
			d.passTheToken()
			if d.complete {
				break
			}
		}
		d.cond.Wait()
		// Spurious wakeups are possible; only complete/cancelled are exit
		// conditions, so loop back around otherwise.
		if d.complete || d.cancelled {
			if isBookkeeper {
				d.cancelled = false
				d.waitingOnDone = d.threadsInDone > 0
			}
			break
		}
	}

	result := d.complete
	d.mu.Unlock()
	return result
}

// Cancel wakes all currently blocked idle threads with a false return and
// clears threads_in_done. It never sets complete, and it never resets the
// token or counter snapshots — the next Done() attempt resumes from the
// current token state. Idempotent when no one is waiting.
func (d *Detector) Cancel() {
	d.mu.Lock()
	if d.waitingOnDone {
		d.cancelled = true
		d.threadsInDone = 0
		d.cond.Broadcast()
		if d.metrics != nil {
			d.metrics.RecordCancelled()
		}
	}
	d.mu.Unlock()
}

// CancelOne wakes exactly one blocked idle thread. It zeroes threads_in_done
// the same way Cancel does, so every other waiter is left blocked with
// waiting_on_done false until something wakes them again. This asymmetry is
// carried over unchanged from the original implementation it's grounded
// on — see DESIGN.md.
func (d *Detector) CancelOne() {
	d.mu.Lock()
	if d.waitingOnDone {
		d.cancelled = true
		d.threadsInDone = 0
		d.cond.Signal()
		if d.metrics != nil {
			d.metrics.RecordCancelled()
		}
	}
	d.mu.Unlock()
}

// ReceiveToken is the inbound control entry point invoked by the fabric when
// the previous ring neighbour forwards the token.
func (d *Detector) ReceiveToken(tok Token) {
	d.mu.Lock()
	d.hasToken = true
	d.curToken = tok
	if d.waitingOnDone && d.threadsInDone == d.requiredThreadsInDone {
		d.passTheToken()
	}
	d.mu.Unlock()
}

// DeclareConsensus is the inbound control entry point announcing that some
// process already observed global completion. complete is monotonic and
// never cleared, so this is safe to call from any state, any number of
// times, concurrently with anything else.
func (d *Detector) DeclareConsensus() {
	d.mu.Lock()
	d.complete = true
	d.threadsInDone = 0
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Attach scopes consensus to a narrower CounterSource than the fabric-wide
// counters, e.g. a single logical message channel. The detector holds a
// plain reference, not ownership — if the source's owner tears it down, the
// caller must Detach first; Attach/Detach never dereference past that.
func (d *Detector) Attach(src CounterSource) {
	d.mu.Lock()
	d.attached = src
	d.mu.Unlock()
}

// Detach falls back to the fabric-wide counters.
func (d *Detector) Detach() {
	d.mu.Lock()
	d.attached = nil
	d.mu.Unlock()
}

// Snapshot returns a read-only copy of the detector's current state.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		HasToken:              d.hasToken,
		ThreadsInDone:         d.threadsInDone,
		RequiredThreadsInDone: d.requiredThreadsInDone,
		Complete:              d.complete,
		Token:                 d.curToken,
	}
}

// passTheToken implements spec section 4.2's Forwarding and Termination
// rule. The caller must hold mu; it does not release or reacquire it.
func (d *Detector) passTheToken() {
	if !d.hasToken {
		panic("termination: passTheToken invoked without holding the token")
	}

	procID := d.ring.ProcID()

	if d.curToken.LastChange == procID && d.curToken.TotalCallsSent == d.curToken.TotalCallsReceived {
		d.broadcastConsensus(procID)
		d.complete = true
		d.threadsInDone = 0
		d.cond.Broadcast()
		if d.metrics != nil {
			d.metrics.RecordConsensusReached()
		}
		return
	}

	sent, recv := d.snapshotCounters()
	if sent != d.lastCallsSent || recv != d.lastCallsReceived {
		d.curToken.TotalCallsSent += sent - d.lastCallsSent
		d.curToken.TotalCallsReceived += recv - d.lastCallsReceived
		d.curToken.LastChange = procID
	}
	d.lastCallsSent = sent
	d.lastCallsReceived = recv

	d.hasToken = false
	tok := d.curToken
	target := (procID + 1) % d.ring.NumProcs()

	d.fireControlCall(func(ctx context.Context) error {
		return d.ring.SendToken(ctx, target, tok)
	}, "receive_token", target)

	if d.metrics != nil {
		d.metrics.RecordTokenForwarded()
	}
}

// broadcastConsensus fires declare_consensus at every other process.
func (d *Detector) broadcastConsensus(procID int) {
	numProcs := d.ring.NumProcs()
	for i := 0; i < numProcs; i++ {
		if i == procID {
			continue
		}
		target := i
		d.fireControlCall(func(ctx context.Context) error {
			return d.ring.DeclareConsensus(ctx, target)
		}, "declare_consensus", target)
	}
}

// fireControlCall dispatches a control call asynchronously: control calls
// are fire-and-forget per the fabric contract, so we never block the holder
// of the detector mutex on network round trips.
func (d *Detector) fireControlCall(call func(ctx context.Context) error, method string, target int) {
	timeout := d.controlTimeout
	logger := d.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := call(ctx); err != nil {
			logger.Warn("control call failed", "method", method, "target", target, "error", err)
		}
	}()
}

// snapshotCounters reads the active counter source and enforces that it
// never regresses — a decrease means the fabric is broken, per spec
// section 7's error taxonomy, and is not recoverable here.
func (d *Detector) snapshotCounters() (sent, recv uint64) {
	src := d.activeCounterSource()
	sent = src.SentCounter()
	recv = src.ReceivedCounter()
	if sent < d.lastCallsSent {
		panic(fmt.Sprintf("termination: sent counter regressed from %d to %d", d.lastCallsSent, sent))
	}
	if recv < d.lastCallsReceived {
		panic(fmt.Sprintf("termination: received counter regressed from %d to %d", d.lastCallsReceived, recv))
	}
	return sent, recv
}

func (d *Detector) activeCounterSource() CounterSource {
	if d.attached != nil {
		return d.attached
	}
	return d.fabricCounters
}
