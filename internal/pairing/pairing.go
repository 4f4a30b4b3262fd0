// Package pairing implements the initial device-pairing exchange: a
// uniform random 6-digit code, an ephemeral X25519 key agreement, and the
// derivation of the paired device's long-lived session key. It does not
// itself decide how peers find each other — that is the Locator/Advertiser
// split in discovery.go and the relay rendezvous client in relay.go.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/identity"
)

const (
	// CodeLength is the number of decimal digits in a pairing code.
	CodeLength = 6

	// DefaultTTL is how long a pairing session (and its corresponding
	// relay rendezvous record) stays valid before it must be restarted.
	DefaultTTL = 300 * time.Second
)

var (
	// ErrSessionExpired is returned when a pairing session's TTL has
	// elapsed before it could be completed.
	ErrSessionExpired = errors.New("pairing: session expired")

	// ErrPairingFailed is returned when the code echoed back by the peer
	// does not match the locally generated code.
	ErrPairingFailed = errors.New("pairing: code mismatch")

	// ErrNotFound is returned when a code has no matching advertisement,
	// locally or on the relay.
	ErrNotFound = errors.New("pairing: code not found")

	// ErrInvalidAdvertisement is returned when a discovered advertisement
	// is structurally malformed (wrong-length key, empty code).
	ErrInvalidAdvertisement = errors.New("pairing: invalid advertisement")
)

// Advertisement is the triple an initiator publishes under its pairing
// code, both over the local-network advertiser and the relay rendezvous
// endpoint: the ephemeral key to complete the X25519 exchange with, the
// device's long-lived identity key (so the responder can derive and
// verify the same device id every other component relies on), and a
// human-readable name for display during pairing.
type Advertisement struct {
	Code               string                 `json:"code"`
	EphemeralPublicKey [crypto.KeySize]byte   `json:"ephemeral_public_key"`
	IdentityPublicKey  [identity.KeySize]byte `json:"identity_public_key"`
	DeviceName         string                 `json:"device_name"`
	CreatedAt          time.Time              `json:"created_at"`
	TTL                time.Duration          `json:"ttl"`
}

// Expired reports whether the advertisement's TTL has elapsed.
func (a Advertisement) Expired() bool {
	return time.Since(a.CreatedAt) > a.TTL
}

// PairedDevice is the outcome of a completed pairing exchange: everything
// the persistent store needs to create a paired-device record, and
// everything internal/session needs to open an authenticated connection to
// it.
type PairedDevice struct {
	DeviceID          identity.DeviceID
	IdentityPublicKey [identity.KeySize]byte
	SessionKey        [crypto.KeySize]byte
	DeviceName        string
	ViaRelay          bool
}

// GenerateCode produces a uniform random CodeLength-digit pairing code,
// zero-padded (e.g. "042817"). It draws a 32-bit value, rejects draws
// above the largest multiple of 10^CodeLength that fits, and only then
// reduces modulo 10^CodeLength, so every code in [0, 10^CodeLength) is
// equally likely.
func GenerateCode() (string, error) {
	const maxVal = 1_000_000 // 10^CodeLength
	const rejectCeiling = (1<<32)/maxVal*maxVal - 1

	var buf [4]byte
	for {
		if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		if n > rejectCeiling {
			continue
		}
		return fmt.Sprintf("%0*d", CodeLength, n%maxVal), nil
	}
}

// Session is one side of a pairing exchange: either the initiator, who
// advertises a code and waits to be found, or the responder, who has
// obtained a code out of band and is completing against a discovered
// Advertisement. Both roles use the same Session type — role only
// determines which of Advertisement/Complete a caller invokes.
type Session struct {
	Code       string
	DeviceName string

	identity   *identity.Keypair
	privateKey [crypto.KeySize]byte
	publicKey  [crypto.KeySize]byte

	createdAt time.Time
	ttl       time.Duration

	completed bool
}

// NewSession starts a pairing session for localIdentity, generating a
// fresh ephemeral keypair and random code. ttl <= 0 uses DefaultTTL.
func NewSession(localIdentity *identity.Keypair, deviceName string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	code, err := GenerateCode()
	if err != nil {
		crypto.ZeroKey(&priv)
		return nil, err
	}

	return &Session{
		Code:       code,
		DeviceName: deviceName,
		identity:   localIdentity,
		privateKey: priv,
		publicKey:  pub,
		createdAt:  time.Now(),
		ttl:        ttl,
	}, nil
}

// JoinSession starts the responder side of a pairing exchange: the user has
// already obtained code out of band (typed it in, or scanned it alongside
// the rest of an Advertisement), so unlike NewSession it fixes Code to the
// value the user supplied rather than drawing a fresh random one. Complete
// then compares this expected code against whatever the discovered
// Advertisement actually publishes, catching a relay or local-network record
// that doesn't match what the user was told to expect.
func JoinSession(localIdentity *identity.Keypair, deviceName string, code string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	return &Session{
		Code:       code,
		DeviceName: deviceName,
		identity:   localIdentity,
		privateKey: priv,
		publicKey:  pub,
		createdAt:  time.Now(),
		ttl:        ttl,
	}, nil
}

// Expired reports whether this session's TTL has elapsed.
func (s *Session) Expired() bool {
	return time.Since(s.createdAt) > s.ttl
}

// Advertisement returns the record to publish under s.Code, via the local
// advertiser and/or the relay rendezvous endpoint.
func (s *Session) Advertisement() Advertisement {
	return Advertisement{
		Code:               s.Code,
		EphemeralPublicKey: s.publicKey,
		IdentityPublicKey:  s.identity.PublicKey,
		DeviceName:         s.DeviceName,
		CreatedAt:          s.createdAt,
		TTL:                s.ttl,
	}
}

// Complete finishes the pairing exchange against a discovered peer
// advertisement. s.Code — the initiator's freshly generated code, or the
// responder's manually entered one — is compared against peer.Code in
// constant time, so a failed comparison leaks nothing about how many
// leading digits matched. The session's ephemeral private key is zeroed
// before Complete returns, success or failure.
func (s *Session) Complete(peer Advertisement, viaRelay bool) (*PairedDevice, error) {
	defer crypto.ZeroKey(&s.privateKey)

	if s.completed {
		return nil, errors.New("pairing: session already completed")
	}
	s.completed = true

	if s.Expired() {
		return nil, ErrSessionExpired
	}
	if peer.Expired() {
		return nil, ErrNotFound
	}
	if !constantTimeCodeEqual(s.Code, peer.Code) {
		return nil, ErrPairingFailed
	}

	shared, err := crypto.ComputeECDH(s.privateKey, peer.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute pairing shared secret: %w", err)
	}
	defer crypto.ZeroKey(&shared)

	sessionKey, err := crypto.DeriveKey(shared[:], pairingSalt(s.publicKey, peer.EphemeralPublicKey), crypto.PurposeSessionEncryption)
	if err != nil {
		return nil, fmt.Errorf("derive pairing session key: %w", err)
	}

	return &PairedDevice{
		DeviceID:          identity.DeviceIDFromPublicKey(peer.IdentityPublicKey),
		IdentityPublicKey: peer.IdentityPublicKey,
		SessionKey:        sessionKey,
		DeviceName:        peer.DeviceName,
		ViaRelay:          viaRelay,
	}, nil
}

// pairingSalt orders the two ephemeral public keys lexicographically
// before concatenating them, so both sides of the exchange compute an
// identical HKDF salt regardless of which one calls Complete.
func pairingSalt(a, b [crypto.KeySize]byte) []byte {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return append(append([]byte{}, a[:]...), b[:]...)
			}
			return append(append([]byte{}, b[:]...), a[:]...)
		}
	}
	return append(append([]byte{}, a[:]...), b[:]...)
}
