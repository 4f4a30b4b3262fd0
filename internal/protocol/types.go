// Package protocol defines Toss's wire frame: a versioned, authenticated,
// encrypted envelope carried identically over direct transport, the
// alternate stream transport, and the relay.
package protocol

import "errors"

// MessageType is the one-byte tag identifying a frame's body.
type MessageType uint8

const (
	Ping             MessageType = 0x01
	Pong             MessageType = 0x02
	ClipboardUpdate  MessageType = 0x10
	ClipboardAck     MessageType = 0x11
	ClipboardRequest MessageType = 0x12
	DeviceInfo       MessageType = 0x20
	KeyRotation      MessageType = 0x30
	ErrorMessage     MessageType = 0xFF
)

// String returns a human-readable name for the message type, for logging.
func (t MessageType) String() string {
	switch t {
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case ClipboardUpdate:
		return "CLIPBOARD_UPDATE"
	case ClipboardAck:
		return "CLIPBOARD_ACK"
	case ClipboardRequest:
		return "CLIPBOARD_REQUEST"
	case DeviceInfo:
		return "DEVICE_INFO"
	case KeyRotation:
		return "KEY_ROTATION"
	case ErrorMessage:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsKnown reports whether t is a recognized message type.
func (t MessageType) IsKnown() bool {
	switch t {
	case Ping, Pong, ClipboardUpdate, ClipboardAck, ClipboardRequest, DeviceInfo, KeyRotation, ErrorMessage:
		return true
	default:
		return false
	}
}

const (
	// ProtocolVersion is the current wire version.
	ProtocolVersion uint16 = 1

	// HeaderSize is the size in bytes of the AAD-bound frame header
	// (version, type, reserved, msg id, timestamp).
	HeaderSize = 20

	// LengthFieldSize is the size in bytes of the payload-length field
	// that follows the header. It is NOT part of the AEAD AAD.
	LengthFieldSize = 4

	// EnvelopeSize is the total non-AEAD-payload overhead on the wire:
	// header + length field.
	EnvelopeSize = HeaderSize + LengthFieldSize

	// MaxClipboardPayload is the largest plaintext payload accepted, per
	// the clipboard size ceiling (50 MiB).
	MaxClipboardPayload = 50 * 1024 * 1024

	// AEADOverhead is the nonce-plus-tag overhead AEAD adds to a
	// plaintext (12-byte nonce + 16-byte tag).
	AEADOverhead = 28

	// MaxFrameBodySize is the largest AEAD-sealed body (nonce ‖
	// ciphertext ‖ tag) a receiver will admit before even attempting to
	// decrypt it, guarding against memory amplification from a hostile
	// length field.
	MaxFrameBodySize = MaxClipboardPayload + AEADOverhead
)

var (
	// ErrInvalidFrame is returned when a frame is structurally malformed
	// (too short, length field inconsistent with buffer size).
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// MaxFrameBodySize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

	// ErrUnsupportedVersion is returned when a frame's version exceeds
	// ProtocolVersion.
	ErrUnsupportedVersion = errors.New("protocol: unsupported frame version")

	// ErrUnknownMessageType is returned when a frame's type byte is not
	// one of the enumerated MessageType values.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// ClipboardContentType tags the kind of payload carried by a
// ClipboardUpdateBody.
type ClipboardContentType string

const (
	ContentPlainText ClipboardContentType = "PlainText"
	ContentRichText  ClipboardContentType = "RichText"
	ContentImage     ClipboardContentType = "Image"
	ContentFile      ClipboardContentType = "File"
	ContentURL       ClipboardContentType = "Url"
)

// ClipboardPayload is the tagged-union clipboard content carried on the
// wire and in history storage. ContentHash is the hex-encoded SHA-256 of
// Data and accompanies every payload.
type ClipboardPayload struct {
	ContentType ClipboardContentType `json:"content_type"`
	Data        []byte               `json:"data"`
	Size        int                  `json:"size"`
	ContentHash string               `json:"content_hash"`
	MimeType    string               `json:"mime_type,omitempty"`
	Width       int                  `json:"width,omitempty"`
	Height      int                  `json:"height,omitempty"`
	Preview     string               `json:"preview,omitempty"`
}

// ClipboardUpdateBody is the body of a ClipboardUpdate message.
type ClipboardUpdateBody struct {
	Payload ClipboardPayload `json:"payload"`
}

// ClipboardAckBody is the body of a ClipboardAck message.
type ClipboardAckBody struct {
	ContentHash string `json:"content_hash"`
}

// ClipboardRequestBody is the body of a ClipboardRequest message. It
// carries no fields; its presence on the wire is the request.
type ClipboardRequestBody struct{}

// DeviceInfoBody is the body of a DeviceInfo message, exchanged so peers
// can display a human name and adapt to platform-specific clipboard
// quirks.
type DeviceInfoBody struct {
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// KeyRotationBody is the body of a KeyRotation message: a freshly
// generated ephemeral public key, signed by the sender's long-lived
// identity key so the receiver can authenticate the rotation.
type KeyRotationBody struct {
	NewPublicKey string `json:"new_public_key"` // hex-encoded, 32 bytes
	Signature    string `json:"signature"`       // hex-encoded, 64 bytes
	Reason       string `json:"reason"`
}

// ErrorBody is the body of an ErrorMessage frame.
type ErrorBody struct {
	Code    uint16 `json:"code"`
	Message string `json:"message"`
}

// PingBody and PongBody carry no fields; their message type alone
// conveys the liveness probe/response.
type PingBody struct{}
type PongBody struct{}
