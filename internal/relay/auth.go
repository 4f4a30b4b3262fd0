package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/postalsys/toss/internal/crypto"
)

var (
	// ErrInvalidSignature is returned when a registration or WebSocket
	// auth signature fails Ed25519 verification.
	ErrInvalidSignature = errors.New("relay: invalid signature")

	// ErrStaleTimestamp is returned when a signed request's timestamp falls
	// outside the ±300s freshness window spec §4.5 requires.
	ErrStaleTimestamp = errors.New("relay: stale timestamp")

	// ErrInvalidToken is returned for a missing, malformed, or expired
	// bearer token.
	ErrInvalidToken = errors.New("relay: invalid bearer token")
)

const timestampFreshness = 300 * time.Second

// verifyTimestamp checks that ts is within timestampFreshness of now, per
// the replay-window requirement shared by registration and WebSocket auth.
func verifyTimestamp(ts time.Time, now time.Time) error {
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > timestampFreshness {
		return ErrStaleTimestamp
	}
	return nil
}

// verifySignedString checks an Ed25519 signature over message under pub.
func verifySignedString(pub [crypto.Ed25519PublicKeySize]byte, message string, sig []byte) error {
	if len(sig) != crypto.Ed25519SignatureSize {
		return ErrInvalidSignature
	}
	var sigArr [crypto.Ed25519SignatureSize]byte
	copy(sigArr[:], sig)
	if !crypto.Verify(pub, []byte(message), sigArr) {
		return ErrInvalidSignature
	}
	return nil
}

// registerMessage is the exact string signed for device registration:
// "register:<device_id>:<timestamp>".
func registerMessage(deviceID string, ts int64) string {
	return fmt.Sprintf("register:%s:%d", deviceID, ts)
}

// authMessage is the exact string signed for WebSocket auth:
// "auth:<device_id>:<timestamp>".
func authMessage(deviceID string, ts int64) string {
	return fmt.Sprintf("auth:%s:%d", deviceID, ts)
}

// tokenIssuer issues and verifies HMAC-signed bearer tokens carrying the
// claim {sub: device_id, iat, exp}, per spec §4.5.
type tokenIssuer struct {
	secret     []byte
	expiration time.Duration
}

func newTokenIssuer(secret []byte, expiration time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: secret, expiration: expiration}
}

// randomSecret generates a random JWT signing secret for deployments that
// don't set JWT_SECRET, per spec §6 (with a startup warning from the
// caller, since an ephemeral secret invalidates tokens across restarts).
func randomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generate random JWT secret: %w", err)
	}
	return b, nil
}

func (t *tokenIssuer) issue(deviceID string) (token string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(t.expiration)

	claims := jwt.MapClaims{
		"sub": deviceID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// verify parses and validates a bearer token, returning the device id it
// authorizes.
func (t *tokenIssuer) verify(tokenString string) (string, error) {
	tok, err := jwt.Parse(tokenString, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// decodeBase64PublicKey decodes a base64-encoded 32-byte Ed25519 public key.
func decodeBase64PublicKey(s string) ([crypto.Ed25519PublicKeySize]byte, error) {
	var pub [crypto.Ed25519PublicKeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != crypto.Ed25519PublicKeySize {
		return pub, fmt.Errorf("public key must be %d bytes, got %d", crypto.Ed25519PublicKeySize, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// decodeBase64Signature decodes a base64-encoded Ed25519 signature.
func decodeBase64Signature(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return raw, nil
}

// hexOrEmpty hex-encodes b for debug output, returning "" for an empty
// slice. Nothing in the package calls it at present.
func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
