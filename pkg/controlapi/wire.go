package controlapi

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Small hand-rolled encode/decode helpers shared by every message type
// in this package, built directly on protowire's tag/varint/bytes
// primitives — this file is the closest thing to "generated code" here,
// written by hand because no .proto/protoc step runs in this repo.

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendRepeatedString(b []byte, num protowire.Number, vals []string) []byte {
	for _, v := range vals {
		b = appendStringField(b, num, v)
	}
	return b
}

// field is one decoded (number, wire-type, value) triple yielded while
// walking a message buffer.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte // the raw bytes-type payload, if typ == BytesType
	u64 uint64 // the varint value, if typ == VarintType
}

// walkFields decodes every top-level field in b, calling visit for each.
// Unknown field numbers are simply passed to visit, which ignores them —
// this is how wire-compatible evolution works without codegen.
func walkFields(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("controlapi: invalid tag at offset %d", len(b))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("controlapi: invalid bytes field %d", num)
			}
			b = b[n:]
			if err := visit(field{num: num, typ: typ, raw: val}); err != nil {
				return err
			}
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("controlapi: invalid varint field %d", num)
			}
			b = b[n:]
			if err := visit(field{num: num, typ: typ, u64: val}); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("controlapi: cannot skip field %d of wire type %d", num, typ)
			}
			b = b[n:]
		}
	}
	return nil
}

func fieldString(f field) string { return string(f.raw) }
