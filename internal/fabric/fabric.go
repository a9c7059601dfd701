// Package fabric is the RPC Fabric collaborator the termination detector
// talks to: process identity, ring size, monotonic send/receive counters,
// and a single fire-and-forget control call used to carry ReceiveToken and
// DeclareConsensus between peers.
package fabric

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCounterRegressed means SentCounter or ReceivedCounter reported a value
// lower than previously observed. Per spec section 7, that means the fabric
// itself is broken; it is not a condition any caller can recover from.
var ErrCounterRegressed = errors.New("fabric: counter regressed")

// Fabric is the external collaborator internal/termination.Ring is built on
// top of. GRPCFabric and LoopbackFabric both implement it.
type Fabric interface {
	ProcID() int
	NumProcs() int
	ControlCall(ctx context.Context, target int, method string, payload []byte) error
	SentCounter() uint64
	ReceivedCounter() uint64
}

// Counters is the plain atomic counter pair every Fabric implementation
// embeds for its process-wide traffic tally. User RPC sends/receives bump
// these; control calls (ReceiveToken, DeclareConsensus) never do.
type Counters struct {
	sent uint64
	recv uint64
}

// RecordSent bumps the sent counter by one, for every outbound user RPC.
func (c *Counters) RecordSent() { atomic.AddUint64(&c.sent, 1) }

// RecordReceived bumps the received counter by one, for every inbound user RPC.
func (c *Counters) RecordReceived() { atomic.AddUint64(&c.recv, 1) }

// Sent returns the current sent count.
func (c *Counters) Sent() uint64 { return atomic.LoadUint64(&c.sent) }

// Received returns the current received count.
func (c *Counters) Received() uint64 { return atomic.LoadUint64(&c.recv) }

// Channel is a named sub-fabric: its own pair of counters, scoping
// consensus to one logical message stream (e.g. one superstep's RPCs)
// instead of the whole fabric's traffic. It satisfies
// internal/termination.CounterSource directly.
type Channel struct {
	Name string
	Counters
}

// NewChannel creates a named, independently-countable channel.
func NewChannel(name string) *Channel {
	return &Channel{Name: name}
}

// SentCounter implements termination.CounterSource.
func (c *Channel) SentCounter() uint64 { return c.Sent() }

// ReceivedCounter implements termination.CounterSource.
func (c *Channel) ReceivedCounter() uint64 { return c.Received() }
