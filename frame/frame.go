// Package frame provides the non-blocking byte codecs shared by the
// rendezvous and CSP state machines: a length-delimited frame decoder
// (u32-LE header), a fixed-length frame decoder, an outgoing frame
// encoder, and a cursor-based reader for the fixed sub-fields inside a
// decoded frame's payload.
//
// Every decoder consumes bytes via AddChunk and yields frames via
// DecodeNext/Next without blocking; the host drives them from whatever
// transport it owns.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/threema-ch/libthreema-go/protoerr"
)

const lengthDelimitedHeaderLength = 4

type lengthDelimitedDecoderState int

const (
	statePartialHeader lengthDelimitedDecoderState = iota
	statePartialFrame
)

// LengthDelimitedDecoder reassembles u32-LE length-prefixed frames from an
// arbitrarily chunked byte stream.
type LengthDelimitedDecoder struct {
	data          []byte
	state         lengthDelimitedDecoderState
	pendingLength uint32
}

// NewLengthDelimitedDecoder creates an empty decoder.
func NewLengthDelimitedDecoder() *LengthDelimitedDecoder {
	return &LengthDelimitedDecoder{state: statePartialHeader}
}

// AddChunk appends a chunk of bytes received from the transport. Never fails.
func (d *LengthDelimitedDecoder) AddChunk(chunk []byte) {
	d.data = append(d.data, chunk...)
}

// DecodeNext returns the next complete frame, or (nil, nil) if more bytes
// are needed. maxLength bounds the announced frame length; exceeding it is
// a fatal FrameTooLarge error and the decoder must not be reused afterwards.
func (d *LengthDelimitedDecoder) DecodeNext(maxLength uint32) ([]byte, error) {
	if d.state == statePartialHeader {
		if len(d.data) < lengthDelimitedHeaderLength {
			return nil, nil
		}
		length := binary.LittleEndian.Uint32(d.data[:lengthDelimitedHeaderLength])
		if length > maxLength {
			return nil, &protoerr.FrameTooLarge{Max: maxLength, Announced: length}
		}
		d.pendingLength = length
		d.state = statePartialFrame
	}

	// statePartialFrame
	if uint32(len(d.data)-lengthDelimitedHeaderLength) < d.pendingLength {
		return nil, nil
	}

	frame := make([]byte, d.pendingLength)
	copy(frame, d.data[lengthDelimitedHeaderLength:lengthDelimitedHeaderLength+d.pendingLength])
	d.data = d.data[lengthDelimitedHeaderLength+d.pendingLength:]
	d.state = statePartialHeader
	d.pendingLength = 0
	return frame, nil
}

const lengthDelimitedHeaderLengthU16 = 2

// LengthDelimitedDecoderU16 reassembles u16-LE length-prefixed frames from
// an arbitrarily chunked byte stream, as used by the CSP post-handshake
// frame pump.
type LengthDelimitedDecoderU16 struct {
	data          []byte
	state         lengthDelimitedDecoderState
	pendingLength uint16
}

// NewLengthDelimitedDecoderU16 creates an empty decoder.
func NewLengthDelimitedDecoderU16() *LengthDelimitedDecoderU16 {
	return &LengthDelimitedDecoderU16{state: statePartialHeader}
}

// AddChunk appends a chunk of bytes received from the transport. Never fails.
func (d *LengthDelimitedDecoderU16) AddChunk(chunk []byte) {
	d.data = append(d.data, chunk...)
}

// RequiredLength returns how many more bytes are needed before DecodeNext
// can yield a frame (0 if a complete frame is already buffered).
func (d *LengthDelimitedDecoderU16) RequiredLength() int {
	if len(d.data) < lengthDelimitedHeaderLengthU16 {
		return lengthDelimitedHeaderLengthU16 - len(d.data)
	}
	total := lengthDelimitedHeaderLengthU16 + int(binary.LittleEndian.Uint16(d.data[:lengthDelimitedHeaderLengthU16]))
	if len(d.data) >= total {
		return 0
	}
	return total - len(d.data)
}

// DecodeNext returns the next complete frame, or (nil, nil) if more bytes
// are needed.
func (d *LengthDelimitedDecoderU16) DecodeNext(maxLength uint16) ([]byte, error) {
	if d.state == statePartialHeader {
		if len(d.data) < lengthDelimitedHeaderLengthU16 {
			return nil, nil
		}
		length := binary.LittleEndian.Uint16(d.data[:lengthDelimitedHeaderLengthU16])
		if length > maxLength {
			return nil, &protoerr.FrameTooLarge{Max: uint32(maxLength), Announced: uint32(length)}
		}
		d.pendingLength = length
		d.state = statePartialFrame
	}

	if len(d.data)-lengthDelimitedHeaderLengthU16 < int(d.pendingLength) {
		return nil, nil
	}

	frame := make([]byte, d.pendingLength)
	copy(frame, d.data[lengthDelimitedHeaderLengthU16:lengthDelimitedHeaderLengthU16+int(d.pendingLength)])
	d.data = d.data[lengthDelimitedHeaderLengthU16+int(d.pendingLength):]
	d.state = statePartialHeader
	d.pendingLength = 0
	return frame, nil
}

// FixedLengthDecoder reassembles fixed-size frames from an arbitrarily
// chunked byte stream.
type FixedLengthDecoder struct {
	data   []byte
	length int
}

// NewFixedLengthDecoder creates a decoder that yields frames of exactly length bytes.
func NewFixedLengthDecoder(length int) *FixedLengthDecoder {
	return &FixedLengthDecoder{length: length}
}

// AddChunk appends a chunk of bytes received from the transport. Never fails.
func (d *FixedLengthDecoder) AddChunk(chunk []byte) {
	d.data = append(d.data, chunk...)
}

// RequiredLength returns how many more bytes are needed before Next can
// yield a frame (0 if Next is already ready).
func (d *FixedLengthDecoder) RequiredLength() int {
	if len(d.data) >= d.length {
		return 0
	}
	return d.length - len(d.data)
}

// Drain empties the decoder, returning any buffered bytes beyond the
// frames already yielded. Used when the expected frame size changes
// mid-stream and the remainder belongs to the successor decoder.
func (d *FixedLengthDecoder) Drain() []byte {
	rest := d.data
	d.data = nil
	return rest
}

// Next returns the next complete frame, or (nil, false) if not enough
// bytes have been buffered yet.
func (d *FixedLengthDecoder) Next() ([]byte, bool) {
	if len(d.data) < d.length {
		return nil, false
	}
	frame := make([]byte, d.length)
	copy(frame, d.data[:d.length])
	d.data = d.data[d.length:]
	return frame, true
}

// EncodeOutgoing prepends a u32-LE length header to payload, producing the
// wire form of an outgoing length-delimited frame.
func EncodeOutgoing(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("frame payload exceeds u32 length: %d bytes", len(payload))
	}
	out := make([]byte, lengthDelimitedHeaderLength+len(payload))
	binary.LittleEndian.PutUint32(out[:lengthDelimitedHeaderLength], uint32(len(payload)))
	copy(out[lengthDelimitedHeaderLength:], payload)
	return out, nil
}

// EncodeOutgoingU16 prepends a u16-LE length header to payload, as used by
// the CSP post-handshake frame pump.
func EncodeOutgoingU16(payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("frame payload exceeds u16 length: %d bytes", len(payload))
	}
	out := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(out[:2], uint16(len(payload)))
	copy(out[2:], payload)
	return out, nil
}
