package fabric

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/falcon-gas/internal/termination"
)

// ControlEnvelope is the single message shape every control call travels in:
// a method name picking the detector callback, and an opaque payload only
// that callback knows how to decode. No .proto-generated type backs this —
// see DESIGN.md for why protowire is used directly instead.
type ControlEnvelope struct {
	Method  string
	Payload []byte
}

// Control call method names, dispatched by internal/fabric/service.go.
const (
	MethodReceiveToken     = "receive_token"
	MethodDeclareConsensus = "declare_consensus"
)

// Field numbers are fixed by convention, not by a .proto file; changing them
// is a wire-format break.
const (
	envelopeFieldMethod  = protowire.Number(1)
	envelopeFieldPayload = protowire.Number(2)

	tokenFieldSent       = protowire.Number(1)
	tokenFieldReceived   = protowire.Number(2)
	tokenFieldLastChange = protowire.Number(3)
)

// EncodeEnvelope serializes a ControlEnvelope as two length-delimited
// protobuf fields, in declared order.
func EncodeEnvelope(env ControlEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envelopeFieldMethod, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(env.Method))
	b = protowire.AppendTag(b, envelopeFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload)
	return b
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope.
func DecodeEnvelope(b []byte) (ControlEnvelope, error) {
	var env ControlEnvelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ControlEnvelope{}, fmt.Errorf("fabric: malformed envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == envelopeFieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ControlEnvelope{}, fmt.Errorf("fabric: malformed envelope method: %w", protowire.ParseError(n))
			}
			env.Method = string(v)
			b = b[n:]
		case num == envelopeFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ControlEnvelope{}, fmt.Errorf("fabric: malformed envelope payload: %w", protowire.ParseError(n))
			}
			env.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ControlEnvelope{}, fmt.Errorf("fabric: malformed envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return env, nil
}

// EncodeToken writes a termination.Token as three varints in declared field
// order — spec section 6's wire format, with no framing beyond what the
// control-call transport already provides.
func EncodeToken(tok termination.Token) []byte {
	var b []byte
	b = protowire.AppendTag(b, tokenFieldSent, protowire.VarintType)
	b = protowire.AppendVarint(b, tok.TotalCallsSent)
	b = protowire.AppendTag(b, tokenFieldReceived, protowire.VarintType)
	b = protowire.AppendVarint(b, tok.TotalCallsReceived)
	b = protowire.AppendTag(b, tokenFieldLastChange, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tok.LastChange))
	return b
}

// DecodeToken parses bytes produced by EncodeToken.
func DecodeToken(b []byte) (termination.Token, error) {
	var tok termination.Token
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return termination.Token{}, fmt.Errorf("fabric: malformed token tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return termination.Token{}, fmt.Errorf("fabric: malformed token field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return termination.Token{}, fmt.Errorf("fabric: malformed token varint for field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case tokenFieldSent:
			tok.TotalCallsSent = v
		case tokenFieldReceived:
			tok.TotalCallsReceived = v
		case tokenFieldLastChange:
			tok.LastChange = int(v)
		}
	}
	return tok, nil
}
