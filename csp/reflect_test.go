package csp

import (
	"errors"
	"testing"

	"github.com/threema-ch/libthreema-go/protoerr"
	"github.com/threema-ch/libthreema-go/seqnum"
)

// TestReflectSubtaskScenarioC reproduces End-to-end scenario C: reflect_ids
// {10,11,12,13} where 12 is ephemeral; response {10,11,13} succeeds;
// response {10,13} fails with DesyncError naming 11 as unacknowledged.
func TestReflectSubtaskScenarioC(t *testing.T) {
	sub := NewReflectSubtask(nil)
	sub.nextID = seqnum.NewU32(10)

	batch, err := sub.Batch([]OutgoingReflectMessage{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
		{Payload: []byte("c"), Ephemeral: true},
		{Payload: []byte("d")},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if len(batch.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(batch.Messages))
	}
	wantIDs := []uint32{10, 11, 12, 13}
	for i, m := range batch.Messages {
		if m.ReflectID != wantIDs[i] {
			t.Fatalf("message %d: reflect id = %d, want %d", i, m.ReflectID, wantIDs[i])
		}
	}
	if !batch.Messages[2].Ephemeral {
		t.Fatalf("message 2 (reflect-id 12) should be ephemeral")
	}
	if got := batch.ExpectedAcks; len(got) != 3 || got[0] != 10 || got[1] != 11 || got[2] != 13 {
		t.Fatalf("expected acks [10 11 13], got %v", got)
	}

	sub.Acknowledge([]uint32{10, 11, 13})
	if err := sub.RequireFullyAcknowledged(); err != nil {
		t.Fatalf("expected full acknowledgement, got %v", err)
	}
}

func TestReflectSubtaskMissingAcknowledgementIsFatal(t *testing.T) {
	sub := NewReflectSubtask(nil)
	sub.nextID = seqnum.NewU32(10)

	if _, err := sub.Batch([]OutgoingReflectMessage{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
		{Payload: []byte("c"), Ephemeral: true},
		{Payload: []byte("d")},
	}); err != nil {
		t.Fatalf("batch: %v", err)
	}

	sub.Acknowledge([]uint32{10, 13})

	err := sub.RequireFullyAcknowledged()
	var desync *protoerr.DesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("expected DesyncError, got %v", err)
	}
	if desync.Reason != "unacknowledged reflect-id 11" {
		t.Fatalf("reason = %q, want mention of reflect-id 11", desync.Reason)
	}
}

func TestReflectSubtaskExtraAcknowledgementTolerated(t *testing.T) {
	sub := NewReflectSubtask(nil)
	sub.nextID = seqnum.NewU32(1)

	if _, err := sub.Batch([]OutgoingReflectMessage{{Payload: []byte("a")}}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	sub.Acknowledge([]uint32{1, 99})

	if err := sub.RequireFullyAcknowledged(); err != nil {
		t.Fatalf("expected success despite extra ack, got %v", err)
	}
}
