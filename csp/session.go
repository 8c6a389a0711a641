// Package csp implements the Chat Server Protocol handshake state machine:
// a noise-like mutual handshake that authenticates a client identity to the
// chat server over ephemeral X25519 keys, derives post-handshake transport
// keys, and pumps length-prefixed encrypted payload frames once the
// handshake completes.
package csp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/threema-ch/libthreema-go/crypto"
	"github.com/threema-ch/libthreema-go/frame"
	"github.com/threema-ch/libthreema-go/protoerr"
	"github.com/threema-ch/libthreema-go/seqnum"
)

// personalization is the BLAKE2b personalization string for every CSP
// post-handshake key derivation.
const personalization = "3ma-csp"

// Handshake frames are tagged with a one-byte type discriminant ahead of
// their fixed-size payload, the same way D2M tags ServerHello/ClientHello/
// LoginAck payloads (d2m/payload/handshake.rs) rather than leaving them as
// bare framing.
const (
	discriminantServerHello byte = 0x10
	discriminantClientHello byte = 0x11
	discriminantLogin       byte = 0x12
	discriminantLoginAck    byte = 0x13
)

const discriminantLength = 1

const (
	challengeLength = 16
	// clockLength is the width of the server's reported unix timestamp
	// carried in ServerHello, used to compute Session.ClockDelta.
	clockLength = 4

	clientHelloLength          = discriminantLength + crypto.KeySize + crypto.KeySize + 8 // ephemeral pub || permanent pub || identity
	serverHelloPlaintextLength = crypto.KeySize + challengeLength + clockLength
	serverHelloLength          = discriminantLength + serverHelloPlaintextLength + tagLength
	loginPlaintextLength       = challengeLength + 1 + 4 // challenge || version || capabilities
	loginLength                = discriminantLength + loginPlaintextLength + tagLength
	loginAckPlaintextLength    = 8
	loginAckLength             = discriminantLength + loginAckPlaintextLength + tagLength

	maxPostHandshakeFrameLength = 1<<16 - 1
)

var loginAckPlaintext = []byte("CSP-ACK\x00")

// ServerKeys lists the chat server's permanent public key candidates: the
// primary key is tried first, then the fallback. An unrecognized server
// authenticator against either candidate is fatal.
type ServerKeys struct {
	Primary  crypto.Key
	Fallback crypto.Key
}

// Config configures a new CSP session.
type Config struct {
	ClientIdentity            Identity
	ClientPermanentPrivateKey crypto.Key
	ClientPermanentPublicKey  crypto.Key
	ServerKeys                ServerKeys
	// Version and Capabilities are echoed to the server in the login frame.
	Version      uint8
	Capabilities uint32
}

type sessionState int

const (
	stateAwaitingServerHello sessionState = iota
	stateAwaitingLoginAck
	statePostHandshake
	stateClosed
)

// StateUpdateKind identifies the single externally visible CSP session
// state transition, mirroring the rendezvous path's StateUpdate.
type StateUpdateKind int

const (
	StateUpdateNone StateUpdateKind = iota
	StateUpdatePostHandshake
)

// Instruction is the result of Poll: at most one state update, at most one
// outgoing frame, and at most one decrypted application payload.
type Instruction struct {
	StateUpdate     StateUpdateKind
	OutgoingFrame   []byte
	IncomingPayload []byte
}

// Session is the client side of the CSP handshake and post-handshake
// frame pump.
type Session struct {
	logger *slog.Logger
	cfg    Config

	state sessionState

	clientEphemeralPriv crypto.Key
	clientEphemeralPub  crypto.Key
	serverEphemeralPub  crypto.Key
	challenge           [challengeLength]byte

	// clockDelta is the server's reported clock minus the local clock,
	// sampled once at ServerHello. Computed but never acted upon; the host
	// decides what, if anything, to do with clock skew.
	clockDelta time.Duration

	postTxKey crypto.Key
	postRxKey crypto.Key
	txSeq     seqnum.U64
	rxSeq     seqnum.U64

	handshakeDecoder *frame.FixedLengthDecoder
	frameDecoder     *frame.LengthDelimitedDecoderU16
}

// NewSession constructs a CSP session in AwaitingServerHello and returns
// the client-hello frame the host must send on the transport.
func NewSession(cfg Config, logger *slog.Logger) (*Session, []byte, error) {
	if logger == nil {
		logger = slog.Default()
	}

	priv, pub, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate client ephemeral keypair: %w", err)
	}

	s := &Session{
		logger:              logger,
		cfg:                 cfg,
		state:               stateAwaitingServerHello,
		clientEphemeralPriv: priv,
		clientEphemeralPub:  pub,
		handshakeDecoder:    frame.NewFixedLengthDecoder(serverHelloLength),
	}

	hello := make([]byte, 0, clientHelloLength)
	hello = append(hello, discriminantClientHello)
	hello = append(hello, pub[:]...)
	hello = append(hello, cfg.ClientPermanentPublicKey[:]...)
	hello = append(hello, cfg.ClientIdentity[:]...)

	logger.Info("csp handshake started", "identity", string(cfg.ClientIdentity[:]))
	return s, hello, nil
}

// ClockDelta returns the server's clock minus the local clock, as sampled
// once when ServerHello was received. Zero until the handshake reaches
// that point.
func (s *Session) ClockDelta() time.Duration {
	return s.clockDelta
}

// Close zeroes the session's secret key material and marks it Closed. Call
// it on explicit shutdown; every fatal error path already routes through
// the same zeroization via fail().
func (s *Session) Close() {
	s.fail()
}

// fail zeroes secret key material and transitions the session to Closed;
// every fatal error path runs through this.
func (s *Session) fail() {
	s.zeroizeSecrets()
	s.state = stateClosed
}

func (s *Session) zeroizeSecrets() {
	clear(s.clientEphemeralPriv[:])
	clear(s.cfg.ClientPermanentPrivateKey[:])
	clear(s.postTxKey[:])
	clear(s.postRxKey[:])
}

// NextRequiredLength returns the minimum byte count the host should obtain
// before the next Poll can make progress; 0 means "poll again now".
func (s *Session) NextRequiredLength() int {
	switch s.state {
	case stateAwaitingServerHello, stateAwaitingLoginAck:
		return s.handshakeDecoder.RequiredLength()
	case statePostHandshake:
		return s.frameDecoder.RequiredLength()
	default:
		return 0
	}
}

// AddChunks feeds received bytes into whichever decoder is active for the
// current state.
func (s *Session) AddChunks(chunks [][]byte) {
	for _, chunk := range chunks {
		switch s.state {
		case stateAwaitingServerHello, stateAwaitingLoginAck:
			s.handshakeDecoder.AddChunk(chunk)
		case statePostHandshake:
			s.frameDecoder.AddChunk(chunk)
		}
	}
}

// Poll advances the handshake or delivers the next post-handshake payload.
// Returns nil if the buffered bytes do not yet form a complete frame.
func (s *Session) Poll() (*Instruction, error) {
	switch s.state {
	case stateAwaitingServerHello:
		return s.pollServerHello()
	case stateAwaitingLoginAck:
		return s.pollLoginAck()
	case statePostHandshake:
		return s.pollPayload()
	case stateClosed:
		return nil, &protoerr.InvalidState{Reason: "session is closed"}
	default:
		return nil, &protoerr.InvalidState{Reason: "unreachable session state"}
	}
}

func (s *Session) pollServerHello() (*Instruction, error) {
	raw, ok := s.handshakeDecoder.Next()
	if !ok {
		return nil, nil
	}

	if raw[0] != discriminantServerHello {
		s.fail()
		return nil, &protoerr.InvalidMessage{Name: "csp-server-hello", Cause: "unexpected type discriminant"}
	}
	sealed := raw[discriminantLength:]

	candidates := [2]crypto.Key{s.cfg.ServerKeys.Primary, s.cfg.ServerKeys.Fallback}
	var plaintext []byte
	for _, candidate := range candidates {
		shared, err := crypto.X25519(s.clientEphemeralPriv, candidate)
		if err != nil {
			continue
		}
		boxKey := crypto.HSalsa20(shared)
		var nonce [crypto.NonceSizeXSalsa20Poly1305]byte
		if opened, err := crypto.OpenXSalsa20Poly1305(boxKey, nonce, sealed); err == nil {
			plaintext = opened
			break
		}
	}
	if plaintext == nil {
		s.fail()
		return nil, &protoerr.InvalidMessage{Name: "csp-server-hello", Cause: "unrecognized server authenticator"}
	}

	copy(s.serverEphemeralPub[:], plaintext[:crypto.KeySize])
	copy(s.challenge[:], plaintext[crypto.KeySize:crypto.KeySize+challengeLength])
	serverUnixTime := binary.LittleEndian.Uint32(plaintext[crypto.KeySize+challengeLength:])
	s.clockDelta = time.Unix(int64(serverUnixTime), 0).Sub(time.Now())

	// Ephemeral-ephemeral shared secret derives the post-handshake transport keys.
	ephShared, err := crypto.X25519(s.clientEphemeralPriv, s.serverEphemeralPub)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("derive ephemeral shared secret: %w", err)
	}
	ephBoxKey := crypto.HSalsa20(ephShared)
	txKey, err := crypto.Blake2bMAC256(ephBoxKey[:], personalization, "tx")
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("derive post-handshake tx key: %w", err)
	}
	rxKey, err := crypto.Blake2bMAC256(ephBoxKey[:], personalization, "rx")
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("derive post-handshake rx key: %w", err)
	}
	s.postTxKey = txKey
	s.postRxKey = rxKey

	// Client-permanent-key-to-server-ephemeral-key secret authenticates the
	// client's identity to the server: only the legitimate holder of the
	// client permanent private key can derive it.
	identityShared, err := crypto.X25519(s.cfg.ClientPermanentPrivateKey, s.serverEphemeralPub)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("derive client identity shared secret: %w", err)
	}
	loginBoxKey := crypto.HSalsa20(identityShared)

	loginPlaintext := make([]byte, 0, loginPlaintextLength)
	loginPlaintext = append(loginPlaintext, s.challenge[:]...)
	loginPlaintext = append(loginPlaintext, s.cfg.Version)
	var capabilities [4]byte
	binary.LittleEndian.PutUint32(capabilities[:], s.cfg.Capabilities)
	loginPlaintext = append(loginPlaintext, capabilities[:]...)

	var loginNonce [crypto.NonceSizeXSalsa20Poly1305]byte
	sealedLogin := crypto.SealXSalsa20Poly1305(loginBoxKey, loginNonce, loginPlaintext)
	loginFrame := make([]byte, 0, loginLength)
	loginFrame = append(loginFrame, discriminantLogin)
	loginFrame = append(loginFrame, sealedLogin...)

	s.state = stateAwaitingLoginAck
	leftover := s.handshakeDecoder.Drain()
	s.handshakeDecoder = frame.NewFixedLengthDecoder(loginAckLength)
	s.handshakeDecoder.AddChunk(leftover)
	s.logger.Debug("csp server hello validated, sending login")

	return &Instruction{OutgoingFrame: loginFrame}, nil
}

func (s *Session) pollLoginAck() (*Instruction, error) {
	raw, ok := s.handshakeDecoder.Next()
	if !ok {
		return nil, nil
	}

	if raw[0] != discriminantLoginAck {
		s.fail()
		return nil, &protoerr.InvalidMessage{Name: "csp-login-ack", Cause: "unexpected type discriminant"}
	}
	sealed := raw[discriminantLength:]

	var nonce [crypto.NonceSizeXSalsa20Poly1305]byte
	plaintext, err := crypto.OpenXSalsa20Poly1305(s.postRxKey, nonce, sealed)
	if err != nil {
		s.fail()
		return nil, &protoerr.DecryptionFailed{Name: "csp-login-ack"}
	}
	if !bytes.Equal(plaintext, loginAckPlaintext) {
		s.fail()
		return nil, &protoerr.InvalidMessage{Name: "csp-login-ack", Cause: "unexpected acknowledgement content"}
	}

	s.state = statePostHandshake
	s.frameDecoder = frame.NewLengthDelimitedDecoderU16()
	s.frameDecoder.AddChunk(s.handshakeDecoder.Drain())
	s.handshakeDecoder = nil
	s.logger.Info("csp handshake complete")

	return &Instruction{StateUpdate: StateUpdatePostHandshake}, nil
}

func (s *Session) pollPayload() (*Instruction, error) {
	ciphertext, err := s.frameDecoder.DecodeNext(maxPostHandshakeFrameLength)
	if err != nil {
		s.fail()
		return nil, err
	}
	if ciphertext == nil {
		return nil, nil
	}

	sn, err := s.rxSeq.GetAndIncrement()
	if err != nil {
		s.fail()
		return nil, err
	}
	nonce := sequenceNonce(sn)
	plaintext, err := crypto.OpenXSalsa20Poly1305(s.postRxKey, nonce, ciphertext)
	if err != nil {
		s.fail()
		return nil, &protoerr.DecryptionFailed{Name: "csp-payload"}
	}
	return &Instruction{IncomingPayload: plaintext}, nil
}

// SendPayload encrypts and frames an outgoing post-handshake payload. Only
// valid once the handshake has completed.
func (s *Session) SendPayload(plaintext []byte) ([]byte, error) {
	if s.state != statePostHandshake {
		return nil, &protoerr.InvalidState{Reason: "send_payload called before PostHandshake"}
	}
	sn, err := s.txSeq.GetAndIncrement()
	if err != nil {
		s.fail()
		return nil, err
	}
	nonce := sequenceNonce(sn)
	ciphertext := crypto.SealXSalsa20Poly1305(s.postTxKey, nonce, plaintext)
	return frame.EncodeOutgoingU16(ciphertext)
}

// sequenceNonce builds the 24-byte XSalsa20-Poly1305 nonce for a given
// sequence number: the counter occupies the low 8 bytes, little-endian,
// with the remainder zero.
func sequenceNonce(sn uint64) [crypto.NonceSizeXSalsa20Poly1305]byte {
	var nonce [crypto.NonceSizeXSalsa20Poly1305]byte
	binary.LittleEndian.PutUint64(nonce[:8], sn)
	return nonce
}
