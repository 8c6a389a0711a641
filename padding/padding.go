// Package padding appends deterministic, bounded-random padding to
// serialized protobuf payloads so that the total encoded length does
// not leak which content variant was sent.
//
// Each padded message type declares a padding field tag and a
// (minimum_total_length, maximum_padding_length) constraint. Encoding
// proceeds by: sampling a padding length uniformly in
// [0, maximum_padding_length), clamping upward so the total meets
// minimum_total_length, then appending a length-delimited bytes field
// at the declared tag whose content is the constant byte 0x33.
package padding

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"
)

// fillByte is the constant padding content byte ("33emafill" in the
// reference implementation's own comment).
const fillByte = 0x33

// Constraint bounds how much padding a message type receives.
type Constraint struct {
	// MinimumTotalLength is the smallest total encoded length (message +
	// padding field) that must always be met.
	MinimumTotalLength uint16
	// MaximumPaddingLength is the exclusive upper bound on the sampled
	// padding length before clamping.
	MaximumPaddingLength uint16
}

// AppendPadded appends a padding-tag length-delimited bytes field to an
// already-encoded protobuf message so the result's total length falls
// within the declared constraint. encoded must be the raw encoded message
// with no existing field at paddingTag.
func AppendPadded(encoded []byte, paddingTag uint32, constraint Constraint) ([]byte, error) {
	paddingLength, err := sampleLength(constraint.MaximumPaddingLength)
	if err != nil {
		return nil, fmt.Errorf("sample padding length: %w", err)
	}

	if int(paddingLength)+len(encoded) < int(constraint.MinimumTotalLength) {
		paddingLength = constraint.MinimumTotalLength - uint16(len(encoded))
	}

	out := make([]byte, len(encoded), len(encoded)+10+int(paddingLength))
	copy(out, encoded)
	out = protowire.AppendTag(out, protowire.Number(paddingTag), protowire.BytesType)
	out = protowire.AppendVarint(out, uint64(paddingLength))
	padStart := len(out)
	out = append(out, make([]byte, paddingLength)...)
	for i := padStart; i < len(out); i++ {
		out[i] = fillByte
	}
	return out, nil
}

// sampleLength draws a uniform random value in [0, exclusiveMax).
func sampleLength(exclusiveMax uint16) (uint16, error) {
	if exclusiveMax == 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(exclusiveMax)))
	if err != nil {
		return 0, err
	}
	return uint16(n.Int64()), nil
}
