package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/postalsys/toss/internal/crypto"
)

// Header is the 20-byte unencrypted routing header. It is encoded
// little-endian and used verbatim as the AEAD's additional authenticated
// data: a receiver that tampers with any header byte causes decryption to
// fail.
type Header struct {
	Version   uint16
	Type      MessageType
	Reserved  uint8
	MsgID     uint64
	Timestamp uint64 // milliseconds since epoch
}

// Encode serializes the header to its 20-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = byte(h.Type)
	buf[3] = h.Reserved
	binary.LittleEndian.PutUint64(buf[4:12], h.MsgID)
	binary.LittleEndian.PutUint64(buf[12:20], h.Timestamp)
	return buf
}

// DecodeHeader parses a 20-byte header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}
	h := Header{
		Version:   binary.LittleEndian.Uint16(buf[0:2]),
		Type:      MessageType(buf[2]),
		Reserved:  buf[3],
		MsgID:     binary.LittleEndian.Uint64(buf[4:12]),
		Timestamp: binary.LittleEndian.Uint64(buf[12:20]),
	}
	return h, nil
}

// NewMsgID generates a uniform random 8-byte message id.
func NewMsgID() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, fmt.Errorf("generate message id: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Frame is a fully-decoded wire frame: a header plus the AEAD-sealed body
// (nonce ‖ ciphertext ‖ tag, exactly as produced by crypto.Encrypt).
type Frame struct {
	Header Header
	Sealed []byte
}

// Encode serializes the frame to its wire form: header (20) ‖ length (4,
// little-endian) ‖ sealed body.
func (f *Frame) Encode() []byte {
	buf := make([]byte, EnvelopeSize+len(f.Sealed))
	copy(buf, f.Header.Encode())
	binary.LittleEndian.PutUint32(buf[HeaderSize:HeaderSize+LengthFieldSize], uint32(len(f.Sealed)))
	copy(buf[EnvelopeSize:], f.Sealed)
	return buf
}

// DecodeFrame parses a complete frame from buf. The length check happens
// before any AEAD work, so a hostile or corrupt length field cannot be
// used to force large allocations or expensive decryption attempts.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < EnvelopeSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrInvalidFrame)
	}

	header, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(buf[HeaderSize : HeaderSize+LengthFieldSize])
	if length > MaxFrameBodySize {
		return nil, ErrFrameTooLarge
	}

	if uint32(len(buf)-EnvelopeSize) < length {
		return nil, fmt.Errorf("%w: buffer too short for declared length", ErrInvalidFrame)
	}

	sealed := make([]byte, length)
	copy(sealed, buf[EnvelopeSize:EnvelopeSize+int(length)])

	return &Frame{Header: header, Sealed: sealed}, nil
}

// ValidateHeader enforces the version and type acceptance rules: a frame
// whose version exceeds ProtocolVersion is rejected, and a frame whose
// type is not one of the enumerated MessageType values is rejected.
func ValidateHeader(h Header) error {
	if h.Version > ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Type.IsKnown() {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, byte(h.Type))
	}
	return nil
}

// Seal builds and encrypts a frame carrying body (marshaled to JSON) under
// key, with the header bytes as AAD. timestampMillis is the caller's
// current time in milliseconds since epoch, threaded in rather than read
// internally so callers can keep frame construction deterministic in
// tests.
func Seal(key [crypto.KeySize]byte, msgType MessageType, timestampMillis uint64, body any) (*Frame, error) {
	msgID, err := NewMsgID()
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal frame body: %w", err)
	}
	if len(plaintext) > MaxClipboardPayload {
		return nil, ErrFrameTooLarge
	}

	header := Header{
		Version:   ProtocolVersion,
		Type:      msgType,
		MsgID:     msgID,
		Timestamp: timestampMillis,
	}

	sealed, err := crypto.Encrypt(key, plaintext, header.Encode())
	if err != nil {
		return nil, fmt.Errorf("seal frame: %w", err)
	}

	return &Frame{Header: header, Sealed: sealed}, nil
}

// Open validates the frame's header and decrypts its body under key,
// returning the raw JSON plaintext for the caller to unmarshal into the
// concrete body type implied by Header.Type.
func (f *Frame) Open(key [crypto.KeySize]byte) ([]byte, error) {
	if err := ValidateHeader(f.Header); err != nil {
		return nil, err
	}

	plaintext, err := crypto.Decrypt(key, f.Sealed, f.Header.Encode())
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// UnmarshalBody is a small convenience wrapper so callers don't import
// encoding/json themselves when consuming a frame's decrypted body.
func UnmarshalBody(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// FrameReader reads length-prefixed frames from a stream transport.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize + LengthFieldSize]byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame, enforcing MaxFrameBodySize before allocating
// or reading the sealed body.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	header, err := DecodeHeader(fr.header[:HeaderSize])
	if err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(fr.header[HeaderSize:])
	if length > MaxFrameBodySize {
		return nil, ErrFrameTooLarge
	}

	sealed := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, sealed); err != nil {
			return nil, err
		}
	}

	return &Frame{Header: header, Sealed: sealed}, nil
}

// FrameWriter writes frames to a stream transport.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a single frame.
func (fw *FrameWriter) Write(f *Frame) error {
	_, err := fw.w.Write(f.Encode())
	return err
}
