package serverlink

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is registered as a gRPC call content-subtype so every
// message on the link stream travels as an opaque byte slice — the
// length-delimited protobuf-wire framing pkg/controlapi applies on top
// is what actually structures the payload, not gRPC's own message
// framing.
const rawCodecName = "raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

type rawCodec struct{}

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("serverlink: raw codec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("serverlink: raw codec cannot unmarshal into %T", v)
	}
	*b = append([]byte(nil), data...)
	return nil
}
