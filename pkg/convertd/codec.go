package convertd

import (
	"encoding"
	"fmt"

	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the convertd protocol travels
// under. Clients must dial with grpc.CallContentSubtype(CodecName) so
// the server resolves the registered codec; NewConvertDaemonClient
// applies it to every call.
const CodecName = "imgarr"

// rpcCodec marshals convertd messages through their binary encoding.
// Every message type in this package implements BinaryMarshaler and
// BinaryUnmarshaler, so the codec needs no per-type knowledge.
type rpcCodec struct{}

func (rpcCodec) Name() string {
	return CodecName
}

func (rpcCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("convertd codec: %T does not implement encoding.BinaryMarshaler", v)
	}
	return m.MarshalBinary()
}

func (rpcCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("convertd codec: %T does not implement encoding.BinaryUnmarshaler", v)
	}
	return m.UnmarshalBinary(data)
}

func init() {
	grpcencoding.RegisterCodec(rpcCodec{})
}
