// Package controlapi implements the length-delimited wire framing shared
// by the FIFO control interface and the server link, plus hand-rolled
// protobuf wire-format messages for both directions of each. No .proto
// file is compiled here; the wire layout is specified directly in Go
// using google.golang.org/protobuf/encoding/protowire's low-level
// varint and tag primitives, the same primitives a generated file would
// use underneath.
package controlapi

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

// maxVarintLen bounds a length prefix at 19 bytes, per §6.
const maxVarintLen = 19

// maxFrameSize guards against a corrupt or hostile length prefix turning
// into an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes payload preceded by its length as an unsigned
// varint; the size excludes the prefix itself.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := protowire.AppendVarint(nil, uint64(len(payload)))
	if _, err := w.Write(buf); err != nil {
		return &types.ControlInterfaceError{Kind: types.CIErrorFraming, Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		return &types.ControlInterfaceError{Kind: types.CIErrorFraming, Err: err}
	}
	return nil
}

// ReadFrame reads one length-delimited frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length, err := readVarint(r)
	if err != nil {
		return nil, &types.ControlInterfaceError{Kind: types.CIErrorFraming, Err: err}
	}
	if length > maxFrameSize {
		return nil, &types.ControlInterfaceError{Kind: types.CIErrorFraming, Err: fmt.Errorf("frame length %d exceeds %d", length, maxFrameSize)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &types.ControlInterfaceError{Kind: types.CIErrorFraming, Err: err}
	}
	return payload, nil
}

// readVarint reads an unsigned varint byte-by-byte (protowire.ConsumeVarint
// needs the whole buffer up front, which a streaming FIFO reader doesn't
// have), then re-validates it through protowire against the consumed
// bytes so both readers agree on the encoding.
func readVarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for i := 0; i < maxVarintLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			value, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, fmt.Errorf("invalid varint length prefix")
			}
			return value, nil
		}
	}
	return 0, fmt.Errorf("varint length prefix exceeds %d bytes", maxVarintLen)
}
