package fabric

import (
	"fmt"

	"github.com/ChuLiYu/falcon-gas/internal/termination"
)

// Dispatcher is the inbound half of the control-call contract: whatever a
// decoded ControlEnvelope ends up calling. *termination.Detector satisfies
// this directly.
type Dispatcher interface {
	ReceiveToken(tok termination.Token)
	DeclareConsensus()
}

// Dispatch decodes env's payload (if any) and invokes the matching method
// on d. It is the single place that maps wire method names to Dispatcher
// calls, shared by the gRPC service handler and LoopbackFabric.
func Dispatch(d Dispatcher, env ControlEnvelope) error {
	switch env.Method {
	case MethodReceiveToken:
		tok, err := DecodeToken(env.Payload)
		if err != nil {
			return err
		}
		d.ReceiveToken(tok)
		return nil
	case MethodDeclareConsensus:
		d.DeclareConsensus()
		return nil
	default:
		return fmt.Errorf("fabric: unknown control method %q", env.Method)
	}
}
