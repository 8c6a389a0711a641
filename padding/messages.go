package padding

import "google.golang.org/protobuf/encoding/protowire"

// Field tags and padding constraints below are fixed by the declared
// protocol constants this module was built against; the padding tag
// itself is always the first unused field number in each message so
// that it never collides with a concrete payload field.

// MessageMetadataConstraint bounds csp_e2e.MessageMetadata padding.
var MessageMetadataConstraint = Constraint{MinimumTotalLength: 32, MaximumPaddingLength: 64}

// EnvelopeConstraint bounds d2d.Envelope (reflection) padding.
var EnvelopeConstraint = Constraint{MinimumTotalLength: 64, MaximumPaddingLength: 512}

// DeviceInfoConstraint bounds d2d.DeviceInfo padding.
var DeviceInfoConstraint = Constraint{MinimumTotalLength: 64, MaximumPaddingLength: 128}

const (
	messageMetadataPaddingTag   = 1
	messageMetadataMessageIDTag = 2
	messageMetadataCreatedAtTag = 3
	messageMetadataNicknameTag  = 4

	envelopePaddingTag  = 1
	envelopeDeviceIDTag = 2
	envelopeVersionTag  = 3
	envelopeContentTag  = 4

	deviceInfoPaddingTag    = 1
	deviceInfoLabelTag      = 2
	deviceInfoPlatformTag   = 3
	deviceInfoAppVersionTag = 5
)

// MessageMetadata carries per-message metadata distributed end-to-end
// alongside an encrypted message container (see csp_e2e's outgoing
// message task, which encodes message_id/created_at/nickname this way
// before encryption).
type MessageMetadata struct {
	MessageID       uint64
	CreatedAtMillis uint64
	Nickname        string
}

// EncodePadded encodes the message and appends deterministic padding.
func (m MessageMetadata) EncodePadded() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, messageMetadataMessageIDTag, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, m.MessageID)
	buf = protowire.AppendTag(buf, messageMetadataCreatedAtTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.CreatedAtMillis)
	if m.Nickname != "" {
		buf = protowire.AppendTag(buf, messageMetadataNicknameTag, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Nickname)
	}
	return AppendPadded(buf, messageMetadataPaddingTag, MessageMetadataConstraint)
}

// Envelope is the reflection envelope broadcast to a user's other devices
// (see the reflect subtask, which pads exactly this message before
// encrypting it under the device group's reflect key).
type Envelope struct {
	DeviceID        uint64
	ProtocolVersion uint32
	Content         []byte
}

// EncodePadded encodes the envelope and appends deterministic padding.
func (e Envelope) EncodePadded() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, envelopeDeviceIDTag, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, e.DeviceID)
	buf = protowire.AppendTag(buf, envelopeVersionTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.ProtocolVersion))
	if len(e.Content) > 0 {
		buf = protowire.AppendTag(buf, envelopeContentTag, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e.Content)
	}
	return AppendPadded(buf, envelopePaddingTag, EnvelopeConstraint)
}

// DeviceInfo describes a device within a device group, exchanged so every
// device can render a readable device list.
type DeviceInfo struct {
	Label      string
	Platform   uint32
	AppVersion string
}

// EncodePadded encodes the device info and appends deterministic padding.
func (d DeviceInfo) EncodePadded() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, deviceInfoLabelTag, protowire.BytesType)
	buf = protowire.AppendString(buf, d.Label)
	buf = protowire.AppendTag(buf, deviceInfoPlatformTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.Platform))
	if d.AppVersion != "" {
		buf = protowire.AppendTag(buf, deviceInfoAppVersionTag, protowire.BytesType)
		buf = protowire.AppendString(buf, d.AppVersion)
	}
	return AppendPadded(buf, deviceInfoPaddingTag, DeviceInfoConstraint)
}
