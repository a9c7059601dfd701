package termination

// CounterSource exposes the two monotonic counters the detector needs to
// observe in order to snapshot outstanding RPC traffic: how many user RPCs
// this process has sent, and how many it has received. Both must be
// non-decreasing and must eventually reflect every completed send/receive.
//
// A Fabric (internal/fabric) is itself a CounterSource — that's the default,
// process-wide pair a Detector reads. Callers that want to scope consensus to
// a single logical channel instead of the whole fabric can Attach a narrower
// CounterSource (see Detector.Attach).
type CounterSource interface {
	SentCounter() uint64
	ReceivedCounter() uint64
}

// counterSourceFunc adapts two plain functions into a CounterSource, used by
// tests that don't want to build a whole fabric just to supply counters.
type counterSourceFunc struct {
	sent, recv func() uint64
}

func (c counterSourceFunc) SentCounter() uint64     { return c.sent() }
func (c counterSourceFunc) ReceivedCounter() uint64 { return c.recv() }

// CounterSourceFunc builds a CounterSource from two accessor functions.
func CounterSourceFunc(sent, recv func() uint64) CounterSource {
	return counterSourceFunc{sent: sent, recv: recv}
}
