package fabric

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/falcon-gas/internal/termination"
)

// serviceName is the gRPC service falcon-gas nodes register. There is no
// .proto file behind it — see wire.go and codec.go for why the ring's single
// method is hand-framed instead of generated.
const serviceName = "falcongas.fabric.TokenRing"

// ServiceDesc is the hand-declared grpc.ServiceDesc for the ring's one
// method: Control. grpc.Server.RegisterService takes this directly, the way
// a generated _grpc.pb.go file would, minus the codegen.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Control",
			Handler:    controlHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/fabric/service.go",
}

// controlServer is the interface RegisterControlServer requires; GRPCFabric
// implements it by dispatching straight into its bound termination.Detector.
type controlServer interface {
	Control(ctx context.Context, env ControlEnvelope) (ControlEnvelope, error)
}

func controlHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var env ControlEnvelope
	if err := dec(&env); err != nil {
		return nil, err
	}
	reply, err := srv.(controlServer).Control(ctx, env)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// RegisterControlServer attaches f's Control handler to a grpc.Server.
func RegisterControlServer(s *grpc.Server, f *GRPCFabric) {
	s.RegisterService(&ServiceDesc, f)
}

// PeerDialer resolves a process id to a dialable address. Supplied by the
// caller at construction; GRPCFabric caches one *grpc.ClientConn per peer.
type PeerDialer func(procID int) (addr string, err error)

// GRPCFabric is the production Fabric/Ring implementation: a ring of gRPC
// connections cached by peer process id, mirroring the teacher's
// GrpcTransport.getClient connection-caching pattern. Counters tally user
// RPCs only; Control (ReceiveToken/DeclareConsensus) traffic never touches
// them, per spec section 6/9.
type GRPCFabric struct {
	Counters

	procID   int
	numProcs int
	dial     PeerDialer
	detector Dispatcher

	mu    sync.Mutex
	conns map[int]*grpc.ClientConn
}

// NewGRPCFabric builds a fabric for process procID in a ring of numProcs
// peers, resolving peer addresses through dial. SetDetector must be called
// before the fabric starts receiving inbound Control calls.
func NewGRPCFabric(procID, numProcs int, dial PeerDialer) *GRPCFabric {
	return &GRPCFabric{
		procID:   procID,
		numProcs: numProcs,
		dial:     dial,
		conns:    make(map[int]*grpc.ClientConn),
	}
}

// SetDetector binds the detector that inbound Control calls are dispatched
// to. A fabric with no detector bound rejects inbound calls.
func (f *GRPCFabric) SetDetector(d Dispatcher) {
	f.mu.Lock()
	f.detector = d
	f.mu.Unlock()
}

// ProcID implements Fabric and termination.Ring.
func (f *GRPCFabric) ProcID() int { return f.procID }

// NumProcs implements Fabric and termination.Ring.
func (f *GRPCFabric) NumProcs() int { return f.numProcs }

// SentCounter implements termination.CounterSource.
func (f *GRPCFabric) SentCounter() uint64 { return f.Sent() }

// ReceivedCounter implements termination.CounterSource.
func (f *GRPCFabric) ReceivedCounter() uint64 { return f.Received() }

// ControlCall implements Fabric: it dials (or reuses) a connection to
// target and issues a fire-and-forget Control RPC. Control calls are
// infrastructure traffic and never touch the Counters pair.
func (f *GRPCFabric) ControlCall(ctx context.Context, target int, method string, payload []byte) error {
	conn, err := f.clientFor(target)
	if err != nil {
		return fmt.Errorf("fabric: dial peer %d: %w", target, err)
	}
	env := ControlEnvelope{Method: method, Payload: payload}
	var reply ControlEnvelope
	return conn.Invoke(ctx, "/"+serviceName+"/Control", env, &reply, grpc.CallContentSubtype(codecName))
}

// SendToken implements termination.Ring by framing the token and issuing a
// control call for the receive_token method.
func (f *GRPCFabric) SendToken(ctx context.Context, target int, tok termination.Token) error {
	return f.ControlCall(ctx, target, MethodReceiveToken, EncodeToken(tok))
}

// DeclareConsensus implements termination.Ring.
func (f *GRPCFabric) DeclareConsensus(ctx context.Context, target int) error {
	return f.ControlCall(ctx, target, MethodDeclareConsensus, nil)
}

// Control implements controlServer: the inbound half of every Control RPC,
// dispatched to the bound detector via Dispatch.
func (f *GRPCFabric) Control(ctx context.Context, env ControlEnvelope) (ControlEnvelope, error) {
	f.mu.Lock()
	d := f.detector
	f.mu.Unlock()
	if d == nil {
		return ControlEnvelope{}, status.Error(codes.FailedPrecondition, "fabric: no detector bound")
	}
	if err := Dispatch(d, env); err != nil {
		return ControlEnvelope{}, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return ControlEnvelope{}, nil
}

func (f *GRPCFabric) clientFor(target int) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.conns[target]; ok {
		return conn, nil
	}
	addr, err := f.dial(target)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	f.conns[target] = conn
	return conn, nil
}

// Close tears down every cached peer connection.
func (f *GRPCFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for id, conn := range f.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.conns, id)
	}
	return firstErr
}

// LoopbackFabric is an in-process Fabric/Ring for single-node runs and for
// deterministic ring simulation in tests (the "mock fabric" spec section 2
// budgets as part of the test harness). Peers are wired together by
// NewLoopbackRing, which hands every node a reference to all the others so
// ControlCall is a direct method call instead of a network round trip.
type LoopbackFabric struct {
	Counters

	procID int
	peers  []*LoopbackFabric

	mu       sync.Mutex
	detector Dispatcher
}

// NewLoopbackRing builds n in-process fabrics wired into a ring. Callers
// bind each one's detector with SetDetector before driving the ring.
func NewLoopbackRing(n int) []*LoopbackFabric {
	fabrics := make([]*LoopbackFabric, n)
	for i := range fabrics {
		fabrics[i] = &LoopbackFabric{procID: i}
	}
	for _, f := range fabrics {
		f.peers = fabrics
	}
	return fabrics
}

// SetDetector binds the detector that inbound Control calls are dispatched to.
func (f *LoopbackFabric) SetDetector(d Dispatcher) {
	f.mu.Lock()
	f.detector = d
	f.mu.Unlock()
}

// ProcID implements Fabric and termination.Ring.
func (f *LoopbackFabric) ProcID() int { return f.procID }

// NumProcs implements Fabric and termination.Ring.
func (f *LoopbackFabric) NumProcs() int { return len(f.peers) }

// SentCounter implements termination.CounterSource.
func (f *LoopbackFabric) SentCounter() uint64 { return f.Sent() }

// ReceivedCounter implements termination.CounterSource.
func (f *LoopbackFabric) ReceivedCounter() uint64 { return f.Received() }

// ControlCall implements Fabric by calling directly into the target peer's
// Control method — no network, no goroutine hop, so tests can drive the
// ring deterministically.
func (f *LoopbackFabric) ControlCall(ctx context.Context, target int, method string, payload []byte) error {
	if target < 0 || target >= len(f.peers) {
		return fmt.Errorf("fabric: target %d out of range [0,%d)", target, len(f.peers))
	}
	peer := f.peers[target]
	peer.mu.Lock()
	d := peer.detector
	peer.mu.Unlock()
	if d == nil {
		return fmt.Errorf("fabric: peer %d has no detector bound", target)
	}
	return Dispatch(d, ControlEnvelope{Method: method, Payload: payload})
}

// SendToken implements termination.Ring.
func (f *LoopbackFabric) SendToken(ctx context.Context, target int, tok termination.Token) error {
	return f.ControlCall(ctx, target, MethodReceiveToken, EncodeToken(tok))
}

// DeclareConsensus implements termination.Ring.
func (f *LoopbackFabric) DeclareConsensus(ctx context.Context, target int) error {
	return f.ControlCall(ctx, target, MethodDeclareConsensus, nil)
}
