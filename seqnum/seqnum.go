// Package seqnum provides monotonic sequence-number counters used to
// derive AEAD nonces and to allocate reflect-ids. Overflow is always a
// fatal error for the caller to propagate.
package seqnum

import (
	"math"

	"github.com/threema-ch/libthreema-go/protoerr"
)

// U32 is a monotonic 32-bit counter, used for rendezvous path nonces.
//
// get_and_increment yields the value at the max of the range exactly once
// before overflowing: the value is returned first, the overflow is only
// reported on the following call that would need to advance past it.
type U32 struct {
	value      uint32
	overflowed bool
}

// NewU32 creates a counter starting at start.
func NewU32(start uint32) U32 {
	return U32{value: start}
}

// GetAndIncrement returns the current value, then increments it.
// Returns SequenceNumberOverflow if the counter has already been exhausted.
func (s *U32) GetAndIncrement() (uint32, error) {
	if s.overflowed {
		return 0, &protoerr.SequenceNumberOverflow{}
	}
	current := s.value
	if current == math.MaxUint32 {
		s.overflowed = true
	} else {
		s.value = current + 1
	}
	return current, nil
}

// Peek returns the current value without incrementing it.
func (s U32) Peek() uint32 { return s.value }

// U64 is a monotonic 64-bit counter, used for CSP transport nonces. See
// U32 for the overflow-on-next-call semantics.
type U64 struct {
	value      uint64
	overflowed bool
}

// NewU64 creates a counter starting at start.
func NewU64(start uint64) U64 {
	return U64{value: start}
}

// GetAndIncrement returns the current value, then increments it.
// Returns SequenceNumberOverflow if the counter has already been exhausted.
func (s *U64) GetAndIncrement() (uint64, error) {
	if s.overflowed {
		return 0, &protoerr.SequenceNumberOverflow{}
	}
	current := s.value
	if current == math.MaxUint64 {
		s.overflowed = true
	} else {
		s.value = current + 1
	}
	return current, nil
}

// Peek returns the current value without incrementing it.
func (s U64) Peek() uint64 { return s.value }
