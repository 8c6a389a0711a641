package csp

import (
	"strings"

	"github.com/threema-ch/libthreema-go/crypto"
	"github.com/threema-ch/libthreema-go/frame"
	"github.com/threema-ch/libthreema-go/protoerr"
)

// Identity is an 8-byte uppercase-ASCII Threema-style identity.
type Identity [8]byte

// MessageID is the 8-byte wire identifier of a CSP e2e message.
type MessageID [8]byte

// MessageFlags is the bitmask carried alongside a message-with-metadata-box.
type MessageFlags uint16

// SendPushNotification requests a push notification be sent for this message.
const SendPushNotification MessageFlags = 0x01

const tagLength = crypto.TagSizeXSalsa20Poly1305

// DecodedMessageWithMetadataBox is the fully decoded form of a CSP
// message-with-metadata-box payload, once the outer envelope has handed
// over its raw bytes.
type DecodedMessageWithMetadataBox struct {
	SenderIdentity       Identity
	ReceiverIdentity     Identity
	ID                   MessageID
	LegacyCreatedAt      uint32
	Flags                MessageFlags
	LegacySenderNickname *string
	Metadata             *frame.EncryptedDataRange
	Nonce                [24]byte
	MessageContainer     frame.EncryptedDataRange
}

// DecodeMessageWithMetadataBox decodes the fixed-then-variable layout of a
// message-with-metadata-box: sender/receiver identities, message id, legacy
// timestamp, flags, an optional encrypted metadata box, a nonce shared by
// the metadata box and the message container, and the encrypted message
// container occupying the remainder of the payload.
func DecodeMessageWithMetadataBox(raw []byte) (*DecodedMessageWithMetadataBox, error) {
	r := frame.NewReader(raw)

	senderBytes, err := r.ReadFixed(8)
	if err != nil {
		return nil, decodeErr("sender identity", err)
	}
	receiverBytes, err := r.ReadFixed(8)
	if err != nil {
		return nil, decodeErr("receiver identity", err)
	}
	idBytes, err := r.ReadFixed(8)
	if err != nil {
		return nil, decodeErr("message id", err)
	}
	createdAt, err := r.ReadU32LE()
	if err != nil {
		return nil, decodeErr("legacy created at", err)
	}
	flags, err := r.ReadU16LE()
	if err != nil {
		return nil, decodeErr("flags", err)
	}
	metadataLength, err := r.ReadU16LE()
	if err != nil {
		return nil, decodeErr("metadata length", err)
	}
	nicknameBytes, err := r.ReadFixed(32)
	if err != nil {
		return nil, decodeErr("legacy sender nickname", err)
	}

	var metadata *frame.EncryptedDataRange
	if metadataLength > 0 {
		contentLength := int(metadataLength) - tagLength
		if contentLength < 0 {
			return nil, &protoerr.InvalidMessage{Name: "message-with-metadata-box", Cause: "metadata length shorter than aead tag"}
		}
		rng, err := r.ReadEncryptedDataRange(contentLength, tagLength)
		if err != nil {
			return nil, decodeErr("metadata box", err)
		}
		metadata = &rng
	}

	nonceBytes, err := r.ReadFixed(24)
	if err != nil {
		return nil, decodeErr("nonce", err)
	}

	containerContentLength := r.Remaining() - tagLength
	if containerContentLength < 0 {
		return nil, &protoerr.InvalidMessage{Name: "message-with-metadata-box", Cause: "message container shorter than aead tag"}
	}
	container, err := r.ReadEncryptedDataRange(containerContentLength, tagLength)
	if err != nil {
		return nil, decodeErr("message container", err)
	}
	if err := r.ExpectConsumed(); err != nil {
		return nil, decodeErr("trailing bytes", err)
	}

	var sender, receiver Identity
	copy(sender[:], senderBytes)
	copy(receiver[:], receiverBytes)
	var id MessageID
	copy(id[:], idBytes)
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	return &DecodedMessageWithMetadataBox{
		SenderIdentity:       sender,
		ReceiverIdentity:     receiver,
		ID:                   id,
		LegacyCreatedAt:      createdAt,
		Flags:                MessageFlags(flags),
		LegacySenderNickname: trimLegacyNickname(nicknameBytes),
		Metadata:             metadata,
		Nonce:                nonce,
		MessageContainer:     container,
	}, nil
}

// trimLegacyNickname trims a zero-padded nickname field at its first NUL
// byte, returning nil if the result is empty.
func trimLegacyNickname(field []byte) *string {
	length := len(field)
	for i, b := range field {
		if b == 0 {
			length = i
			break
		}
	}
	if length == 0 {
		return nil
	}
	nickname := strings.TrimSpace(string(field[:length]))
	if nickname == "" {
		return nil
	}
	return &nickname
}

func decodeErr(field string, cause error) error {
	return &protoerr.InvalidMessage{Name: "message-with-metadata-box", Cause: field + ": " + cause.Error()}
}
