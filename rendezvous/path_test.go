package rendezvous

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/threema-ch/libthreema-go/protoerr"
)

// TestPathCloseZeroizesSecrets checks that Close wipes the authentication
// key and the ephemeral private key in place, per invariant I5 and the
// secret lifecycle policy.
func TestPathCloseZeroizesSecrets(t *testing.T) {
	ak := testKey(11)
	p, err := newPath(1, roleRID, ak, true)
	if err != nil {
		t.Fatalf("new path: %v", err)
	}

	p.Close()

	var zero [32]byte
	if p.ak != zero {
		t.Fatalf("ak not zeroed after Close")
	}
	if p.ownETKPriv != zero {
		t.Fatalf("ephemeral private key not zeroed after Close")
	}
	if p.state != stateClosed {
		t.Fatalf("state = %v, want Closed", p.state)
	}
}

// TestPathRejectsOperationsAfterClose checks that a closed path refuses
// further frame processing rather than operating on zeroed key material.
func TestPathRejectsOperationsAfterClose(t *testing.T) {
	ak := testKey(3)
	p, err := newPath(1, roleRID, ak, true)
	if err != nil {
		t.Fatalf("new path: %v", err)
	}
	p.Close()

	if _, err := p.processFrame(); err == nil {
		t.Fatalf("expected processFrame on a closed path to fail")
	}
}

// TestOversizedHandshakeFrameIsFatal checks the state-specific frame cap:
// a handshake-phase path must reject a frame announcing far more bytes
// than any handshake message can carry.
func TestOversizedHandshakeFrameIsFatal(t *testing.T) {
	ak := testKey(7)
	p, err := newPath(1, roleRID, ak, true)
	if err != nil {
		t.Fatalf("new path: %v", err)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], maxHandshakeFrameLength+1)
	p.addChunk(header[:])

	_, err = p.processFrame()
	var tooLarge *protoerr.FrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
	if p.state != stateClosed {
		t.Fatalf("path should be closed after an oversized frame")
	}
}

// TestCoordinatorCloseZeroizesAllPaths checks that closing a coordinator
// zeroes every path it owns, not just the nominated one.
func TestCoordinatorCloseZeroizesAllPaths(t *testing.T) {
	ak := testKey(5)
	c, err := NewAsRID(true, ak, []uint32{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("new as rid: %v", err)
	}

	c.Close()

	var zero [32]byte
	if c.ak != zero {
		t.Fatalf("coordinator ak not zeroed after Close")
	}
	for pid, p := range c.paths {
		if p.state != stateClosed {
			t.Fatalf("path %d state = %v, want Closed", pid, p.state)
		}
		if p.ak != zero {
			t.Fatalf("path %d ak not zeroed", pid)
		}
	}
}
