package rendezvous

import (
	"fmt"
	"time"

	"github.com/threema-ch/libthreema-go/crypto"
	"github.com/threema-ch/libthreema-go/frame"
	"github.com/threema-ch/libthreema-go/protoerr"
)

// Per-state bounds on the announced length of a single path frame;
// exceeding the cap for the current state is fatal (FrameTooLarge).
// Handshake-phase frames carry at most a key and a tag, so anything
// larger announces a desynchronized or hostile peer early.
const (
	maxHandshakeFrameLength = 256
	maxULPFrameLength       = 1 << 20
)

// Message type tags carried as the first byte of a path frame's plaintext.
const (
	msgTypeHello    byte = 1
	msgTypeAuth     byte = 2
	msgTypeNominate byte = 3
	msgTypeULP      byte = 4
)

type role int

const (
	roleRID role = iota
	roleRRD
)

type pathState int

const (
	stateAwaitingHandshake pathState = iota
	stateAwaitingAuth
	stateAwaitingNominate
	stateNominated
	stateClosed
)

// StateUpdateKind identifies which (if any) of the two externally visible
// path state transitions a PathResult reports.
type StateUpdateKind int

const (
	// StateUpdateNone means the call produced no new externally visible state.
	StateUpdateNone StateUpdateKind = iota
	StateUpdateAwaitingNominate
	StateUpdateNominated
)

// StateUpdate is the at-most-one state transition surfaced by a path
// operation, mirroring the CSP session's Instruction.state_update.
type StateUpdate struct {
	Kind        StateUpdateKind
	MeasuredRTT time.Duration
	RPH         PathHash
}

// PathResult is the result of a rendezvous path operation: at most one
// state update, at most one outgoing frame to send on this path, and at
// most one decrypted user-layer payload.
type PathResult struct {
	StateUpdate     *StateUpdate
	OutgoingFrame   []byte
	IncomingULPData []byte
}

// Path is one candidate transport path in a rendezvous coordinator's
// lifecycle: AwaitingHandshake -> AwaitingAuth -> AwaitingNominate ->
// Nominated, with any decrypt/sequence/length failure fatal to Closed.
type Path struct {
	id          uint32
	role        role
	ak          AuthenticationKey
	isNominator bool

	state   pathState
	decoder *frame.LengthDelimitedDecoder

	preAuth  preAuthContexts
	postAuth *postAuthContexts

	// The ephemeral X25519 keypair whose public half is exchanged during
	// the handshake; the ETK itself is the shared secret both halves agree
	// on, derived in completeAuth and consumed by the rekey.
	ownETKPriv crypto.Key
	ownETKPub  crypto.Key
	peerETKPub *crypto.Key
	rph        PathHash

	challengeSentAt time.Time
}

// Close zeroes this path's secret key material. Call it once the path is no
// longer needed, mirroring invariant I5: pre- and post-authentication keys
// must not outlive the context that used them. Closed paths reject further
// operations.
func (p *Path) Close() {
	p.fail()
}

// fail zeroes secret key material and transitions the path to Closed; every
// fatal error path runs through this.
func (p *Path) fail() {
	p.zeroizeSecrets()
	p.state = stateClosed
}

func (p *Path) zeroizeSecrets() {
	clear(p.ak[:])
	clear(p.ownETKPriv[:])
	p.postAuth = nil
}

func newPath(id uint32, r role, ak AuthenticationKey, isNominator bool) (*Path, error) {
	etkPriv, etkPub, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate path %d etk keypair: %w", id, err)
	}

	var pre preAuthContexts
	switch r {
	case roleRID:
		pre, err = newPreAuthContextsForRID(ak, id)
	case roleRRD:
		pre, err = newPreAuthContextsForRRD(ak, id)
	}
	if err != nil {
		return nil, fmt.Errorf("derive path %d pre-auth contexts: %w", id, err)
	}

	return &Path{
		id:          id,
		role:        r,
		ak:          ak,
		isNominator: isNominator,
		state:       stateAwaitingHandshake,
		decoder:     frame.NewLengthDelimitedDecoder(),
		preAuth:     pre,
		ownETKPriv:  etkPriv,
		ownETKPub:   etkPub,
	}, nil
}

// initialHello builds the RRD-side hello frame emitted at construction time.
func (p *Path) initialHello() ([]byte, error) {
	if p.role != roleRRD {
		return nil, fmt.Errorf("initial hello is only emitted by RRD")
	}
	p.challengeSentAt = time.Now()
	return p.encodeAndEncryptPreAuth(msgTypeHello, p.ownETKPub[:])
}

func (p *Path) encodeAndEncryptPreAuth(msgType byte, payload []byte) ([]byte, error) {
	plaintext := append([]byte{msgType}, payload...)
	ciphertext, err := p.preAuth.encrypt.Encrypt(plaintext)
	if err != nil {
		p.fail()
		return nil, err
	}
	return frame.EncodeOutgoing(ciphertext)
}

func (p *Path) encodeAndEncryptPostAuth(msgType byte, payload []byte) ([]byte, error) {
	if p.postAuth == nil {
		return nil, &protoerr.InvalidState{Reason: "path has no post-authentication keys yet"}
	}
	plaintext := append([]byte{msgType}, payload...)
	ciphertext, err := p.postAuth.encrypt.Encrypt(plaintext)
	if err != nil {
		p.fail()
		return nil, err
	}
	return frame.EncodeOutgoing(ciphertext)
}

// maxFrameLength returns the frame-length cap for the current state.
func (p *Path) maxFrameLength() uint32 {
	if p.state == stateNominated {
		return maxULPFrameLength
	}
	return maxHandshakeFrameLength
}

// addChunk feeds received bytes into this path's frame decoder.
func (p *Path) addChunk(chunk []byte) {
	p.decoder.AddChunk(chunk)
}

// processFrame decrypts and handles the next ready frame on this path, if
// any; returns a zero PathResult if no complete frame is buffered yet.
func (p *Path) processFrame() (PathResult, error) {
	if p.state == stateClosed {
		return PathResult{}, &protoerr.InvalidState{Reason: "path is closed"}
	}

	ciphertext, err := p.decoder.DecodeNext(p.maxFrameLength())
	if err != nil {
		p.fail()
		return PathResult{}, err
	}
	if ciphertext == nil {
		return PathResult{}, nil
	}

	switch p.state {
	case stateAwaitingHandshake:
		return p.handleHandshakeFrame(ciphertext)
	case stateAwaitingAuth:
		return p.handleAuthFrame(ciphertext)
	case stateAwaitingNominate:
		return p.handleAwaitingNominateFrame(ciphertext)
	case stateNominated:
		return p.handleULPFrame(ciphertext)
	default:
		p.fail()
		return PathResult{}, &protoerr.InvalidState{Reason: "unreachable path state"}
	}
}

func (p *Path) handleHandshakeFrame(ciphertext []byte) (PathResult, error) {
	msgType, payload, err := p.decryptPreAuth(ciphertext)
	if err != nil {
		return PathResult{}, err
	}
	if msgType != msgTypeHello {
		p.fail()
		return PathResult{}, &protoerr.InvalidMessage{Name: "rendezvous-handshake", Cause: "expected hello frame"}
	}
	etkPub, err := decodeETKPublicKey(payload)
	if err != nil {
		p.fail()
		return PathResult{}, err
	}
	p.peerETKPub = &etkPub

	switch p.role {
	case roleRID:
		// RID replies with its own hello and waits for RRD's confirmation.
		p.state = stateAwaitingAuth
		p.challengeSentAt = time.Now()
		out, err := p.encodeAndEncryptPreAuth(msgTypeHello, p.ownETKPub[:])
		if err != nil {
			return PathResult{}, err
		}
		return PathResult{OutgoingFrame: out}, nil
	case roleRRD:
		// RRD already sent the initial hello; this is RID's reply, which
		// carries everything needed to derive transport keys and measure
		// RTT, folding the Handshake->Auth->Nominate edges into one hop.
		// The auth confirmation must be encrypted before the rekey: the
		// post-auth contexts carry over the pre-auth counters, and RID will
		// have counted this frame against the pre-auth context too.
		out, err := p.encodeAndEncryptPreAuth(msgTypeAuth, nil)
		if err != nil {
			return PathResult{}, err
		}
		update, err := p.completeAuth()
		if err != nil {
			return PathResult{}, err
		}
		return PathResult{StateUpdate: &update, OutgoingFrame: out}, nil
	}
	p.fail()
	return PathResult{}, &protoerr.InvalidState{Reason: "unreachable role"}
}

func (p *Path) handleAuthFrame(ciphertext []byte) (PathResult, error) {
	msgType, _, err := p.decryptPreAuth(ciphertext)
	if err != nil {
		return PathResult{}, err
	}
	if msgType != msgTypeAuth {
		p.fail()
		return PathResult{}, &protoerr.InvalidMessage{Name: "rendezvous-handshake", Cause: "expected auth frame"}
	}
	update, err := p.completeAuth()
	if err != nil {
		return PathResult{}, err
	}
	return PathResult{StateUpdate: &update}, nil
}

// completeAuth derives the ETK from the exchanged ephemeral keys, derives
// STK/RIDTK/RRDTK/RPH from it, rekeys the cipher contexts (carrying over
// the sequence-number counters), measures RTT, and transitions the path to
// AwaitingNominate. Per invariant I5 the pre-auth contexts and the
// ephemeral private key are discarded here; the keys are never reusable.
func (p *Path) completeAuth() (StateUpdate, error) {
	if p.peerETKPub == nil {
		p.fail()
		return StateUpdate{}, &protoerr.InvalidState{Reason: "auth completed without a peer etk"}
	}

	etk, err := crypto.X25519(p.ownETKPriv, *p.peerETKPub)
	if err != nil {
		p.fail()
		return StateUpdate{}, fmt.Errorf("derive path %d etk: %w", p.id, err)
	}

	var post postAuthContexts
	var rph PathHash
	switch p.role {
	case roleRID:
		post, rph, err = rekeyForRID(p.ak, p.preAuth, etk)
	case roleRRD:
		post, rph, err = rekeyForRRD(p.ak, p.preAuth, etk)
	}
	clear(etk[:])
	if err != nil {
		p.fail()
		return StateUpdate{}, err
	}

	p.postAuth = &post
	p.rph = rph
	p.preAuth = preAuthContexts{}
	clear(p.ownETKPriv[:])
	p.state = stateAwaitingNominate

	rtt := time.Since(p.challengeSentAt)
	return StateUpdate{Kind: StateUpdateAwaitingNominate, MeasuredRTT: rtt, RPH: rph}, nil
}

func (p *Path) handleAwaitingNominateFrame(ciphertext []byte) (PathResult, error) {
	msgType, _, err := p.decryptPostAuth(ciphertext)
	if err != nil {
		return PathResult{}, err
	}
	if msgType != msgTypeNominate {
		p.fail()
		return PathResult{}, &protoerr.InvalidMessage{Name: "rendezvous-nominate", Cause: "expected nominate frame"}
	}
	if p.isNominator {
		// Both sides believe they are the nominator: a misconfiguration
		// that must be treated as fatal at frame validation.
		p.fail()
		return PathResult{}, &protoerr.InvalidState{Reason: "received nominate frame while configured as nominator"}
	}
	p.state = stateNominated
	return PathResult{StateUpdate: &StateUpdate{Kind: StateUpdateNominated, RPH: p.rph}}, nil
}

func (p *Path) handleULPFrame(ciphertext []byte) (PathResult, error) {
	msgType, payload, err := p.decryptPostAuth(ciphertext)
	if err != nil {
		return PathResult{}, err
	}
	if msgType != msgTypeULP {
		p.fail()
		return PathResult{}, &protoerr.InvalidMessage{Name: "rendezvous-ulp", Cause: "expected ulp frame"}
	}
	return PathResult{IncomingULPData: payload}, nil
}

func (p *Path) decryptPreAuth(ciphertext []byte) (byte, []byte, error) {
	plaintext, err := p.preAuth.decrypt.Decrypt(ciphertext)
	if err != nil {
		p.fail()
		return 0, nil, err
	}
	return decodeMessage(plaintext)
}

func (p *Path) decryptPostAuth(ciphertext []byte) (byte, []byte, error) {
	if p.postAuth == nil {
		p.fail()
		return 0, nil, &protoerr.InvalidState{Reason: "no post-authentication keys derived yet"}
	}
	plaintext, err := p.postAuth.decrypt.Decrypt(ciphertext)
	if err != nil {
		p.fail()
		return 0, nil, err
	}
	return decodeMessage(plaintext)
}

// nominate emits a Nominate frame on this path and transitions it to
// Nominated. Only valid from AwaitingNominate, and only on the nominator's
// side; the coordinator enforces the single-winner rule.
func (p *Path) nominate() (PathResult, error) {
	if p.state != stateAwaitingNominate {
		p.fail()
		return PathResult{}, &protoerr.InvalidState{Reason: "nominate_path called outside AwaitingNominate"}
	}
	out, err := p.encodeAndEncryptPostAuth(msgTypeNominate, nil)
	if err != nil {
		return PathResult{}, err
	}
	p.state = stateNominated
	return PathResult{
		StateUpdate:   &StateUpdate{Kind: StateUpdateNominated, RPH: p.rph},
		OutgoingFrame: out,
	}, nil
}

// createULPFrame encrypts and frames a user-layer payload. Only valid once
// this path has been nominated.
func (p *Path) createULPFrame(data []byte) ([]byte, error) {
	if p.state != stateNominated {
		return nil, &protoerr.InvalidState{Reason: "create_ulp_frame called on a path that is not nominated"}
	}
	return p.encodeAndEncryptPostAuth(msgTypeULP, data)
}

func decodeMessage(plaintext []byte) (byte, []byte, error) {
	if len(plaintext) < 1 {
		return 0, nil, &protoerr.InvalidMessage{Name: "rendezvous-frame", Cause: "empty plaintext"}
	}
	return plaintext[0], plaintext[1:], nil
}

func decodeETKPublicKey(payload []byte) (crypto.Key, error) {
	if len(payload) != crypto.KeySize {
		return crypto.Key{}, &protoerr.InvalidMessage{Name: "rendezvous-hello", Cause: "malformed etk public key length"}
	}
	var pub crypto.Key
	copy(pub[:], payload)
	return pub, nil
}
