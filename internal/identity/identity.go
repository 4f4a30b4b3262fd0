// Package identity manages a device's long-lived signing identity: the
// Ed25519 keypair devices use to authorize pairing, relay registration, and
// session-key rotation, and the device id derived from it.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// IDSize is the size of a DeviceID in bytes (128 bits): the first half
	// of SHA-256(public key).
	IDSize = 16
)

var (
	// ErrInvalidIDLength is returned when a byte slice is the wrong length
	// to be a DeviceID.
	ErrInvalidIDLength = fmt.Errorf("invalid device id length: expected %d bytes", IDSize)

	// ErrInvalidHexString is returned when a hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for device id")

	// ZeroDeviceID represents an uninitialized device id.
	ZeroDeviceID = DeviceID{}
)

// DeviceID uniquely identifies a device. It is always derived
// deterministically from a device's Ed25519 public key via
// DeviceIDFromPublicKey, never generated at random.
type DeviceID [IDSize]byte

// DeviceIDFromPublicKey derives a device id as the first 16 bytes of
// SHA-256(pub). Both ends of a pairing exchange compute this identically
// from the same public key.
func DeviceIDFromPublicKey(pub [KeySize]byte) DeviceID {
	sum := sha256.Sum256(pub[:])
	var id DeviceID
	copy(id[:], sum[:IDSize])
	return id
}

// ParseDeviceID parses a DeviceID from its 32-character hex representation.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroDeviceID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroDeviceID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id DeviceID
	copy(id[:], b)
	return id, nil
}

// DeviceIDFromBytes creates a DeviceID from a byte slice of exactly IDSize
// bytes.
func DeviceIDFromBytes(b []byte) (DeviceID, error) {
	if len(b) != IDSize {
		return ZeroDeviceID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id DeviceID
	copy(id[:], b)
	return id, nil
}

// String returns the 32-character hex representation of the device id.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns an 8-character hex prefix, for log lines and CLI
// tables.
func (id DeviceID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the device id as a byte slice.
func (id DeviceID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the device id is uninitialized.
func (id DeviceID) IsZero() bool {
	return id == ZeroDeviceID
}

// Equal reports whether two device ids are identical.
func (id DeviceID) Equal(other DeviceID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler, so DeviceID can be used
// directly as a gorm/json field.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
