package csp

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/threema-ch/libthreema-go/protoerr"
	"github.com/threema-ch/libthreema-go/seqnum"
)

// ReflectMessage is a single outgoing message addressed to the user's other
// devices via the server's reflection queue.
type ReflectMessage struct {
	ReflectID uint32
	Payload   []byte
	Ephemeral bool
}

// OutgoingReflectMessage is a host-supplied message awaiting a reflect-id.
type OutgoingReflectMessage struct {
	Payload   []byte
	Ephemeral bool
}

// ReflectBatch is the instruction emitted when a batch of reflect messages
// is ready to send: the messages themselves, plus the subset of reflect-ids
// whose acknowledgement the sub-task now expects.
type ReflectBatch struct {
	Messages     []ReflectMessage
	ExpectedAcks []uint32
}

// ReflectSubtask batches outgoing reflect messages and tracks which
// non-ephemeral reflect-ids still await acknowledgement from the server.
// Reflect-ids come from the same monotonic counter type that drives the
// AEAD nonces; running out of ids is fatal like any other overflow.
type ReflectSubtask struct {
	logger  *slog.Logger
	nextID  seqnum.U32
	pending []uint32
}

// NewReflectSubtask constructs an empty reflect sub-task.
func NewReflectSubtask(logger *slog.Logger) *ReflectSubtask {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReflectSubtask{logger: logger}
}

// Batch allocates reflect-ids for payloads in order and returns the
// resulting instruction. Ephemeral messages are not added to the expected
// acknowledgement set.
func (s *ReflectSubtask) Batch(payloads []OutgoingReflectMessage) (ReflectBatch, error) {
	messages := make([]ReflectMessage, 0, len(payloads))
	for _, p := range payloads {
		id, err := s.nextID.GetAndIncrement()
		if err != nil {
			return ReflectBatch{}, err
		}
		messages = append(messages, ReflectMessage{
			ReflectID: id,
			Payload:   p.Payload,
			Ephemeral: p.Ephemeral,
		})
		if !p.Ephemeral {
			s.pending = append(s.pending, id)
		}
	}
	s.logger.Debug("reflect batch built", "count", len(messages), "expected_acks", len(s.pending))
	return ReflectBatch{Messages: messages, ExpectedAcks: append([]uint32(nil), s.pending...)}, nil
}

// Acknowledge removes each acknowledged id from the expected set, preserving
// the order of the remaining ids. Extra acknowledgements (ids not currently
// pending) are logged and tolerated. Any id still pending once the bookkeeping
// for this response is applied is not itself an error here: the caller
// determines desync by calling RequireFullyAcknowledged when appropriate.
func (s *ReflectSubtask) Acknowledge(ids []uint32) {
	acked := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}

	remaining := s.pending[:0:0]
	for _, id := range s.pending {
		if acked[id] {
			delete(acked, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	s.pending = remaining

	for id := range acked {
		s.logger.Info("extra reflect acknowledgement tolerated", "reflect_id", id)
	}
}

// RequireFullyAcknowledged fails with a DesyncError naming every
// still-pending reflect-id, in order, if any expected acknowledgement is
// missing.
func (s *ReflectSubtask) RequireFullyAcknowledged() error {
	if len(s.pending) == 0 {
		return nil
	}
	return &protoerr.DesyncError{Reason: unacknowledgedReason(s.pending)}
}

func unacknowledgedReason(ids []uint32) string {
	label := "unacknowledged reflect-id"
	if len(ids) > 1 {
		label = "unacknowledged reflect-ids"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return label + " " + strings.Join(parts, ", ")
}
