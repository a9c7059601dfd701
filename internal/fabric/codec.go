package fabric

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package registers under. There
// is no .proto file and no generated marshaler; ControlEnvelope already
// knows how to turn itself into wire bytes via protowire, so the codec is a
// thin adapter gRPC can call into.
const codecName = "tokenring"

func init() {
	encoding.RegisterCodec(tokenringCodec{})
}

type tokenringCodec struct{}

func (tokenringCodec) Name() string { return codecName }

func (tokenringCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case ControlEnvelope:
		return EncodeEnvelope(m), nil
	case *ControlEnvelope:
		return EncodeEnvelope(*m), nil
	default:
		return nil, fmt.Errorf("fabric: tokenring codec cannot marshal %T", v)
	}
}

func (tokenringCodec) Unmarshal(data []byte, v any) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	switch p := v.(type) {
	case *ControlEnvelope:
		*p = env
		return nil
	default:
		return fmt.Errorf("fabric: tokenring codec cannot unmarshal into %T", v)
	}
}
