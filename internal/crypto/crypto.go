// Package crypto provides the cryptographic primitives for Toss's end-to-end
// encrypted transport: X25519 ephemeral key agreement, AES-256-GCM AEAD, and
// purpose-bound HKDF-SHA256 key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and AES-256-GCM keys in bytes.
	KeySize = 32

	// NonceSize is the size of AES-GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the GCM authentication tag in bytes.
	TagSize = 16

	// EncryptionOverhead is the total bytes Encrypt adds to a plaintext:
	// nonce prefix plus trailing authentication tag.
	EncryptionOverhead = NonceSize + TagSize
)

// Purpose identifies the context a derived key is used for. Every Purpose
// maps to a distinct HKDF info string so that keys derived from the same
// input key material for different purposes are cryptographically
// independent of one another.
type Purpose string

const (
	// PurposeSessionEncryption derives the symmetric session key installed
	// on a PeerConnection after pairing or rotation.
	PurposeSessionEncryption Purpose = "SessionEncryption"

	// PurposeMessageAuthentication is reserved for future per-message MAC
	// derivation independent of the session AEAD key.
	PurposeMessageAuthentication Purpose = "MessageAuthentication"

	// PurposeStorageEncryption derives the at-rest storage key from
	// keystore-anchored identity material.
	PurposeStorageEncryption Purpose = "StorageEncryption"
)

// infoString returns the stable HKDF info byte string for a purpose:
// "toss-<purpose>-v1".
func infoString(p Purpose) []byte {
	return []byte("toss-" + string(p) + "-v1")
}

var (
	// ErrInvalidKey is returned for all-zero or otherwise structurally
	// invalid key material.
	ErrInvalidKey = errors.New("crypto: invalid key")

	// ErrAuthenticationFailed is returned when AEAD decryption fails. The
	// wire-facing caller must never distinguish this from a malformed
	// ciphertext: both are dropped silently per the protocol's error policy.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")

	// ErrCiphertextTooShort is returned when a ciphertext is too small to
	// contain a nonce and tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// GenerateEphemeralKeypair generates a fresh X25519 keypair for a single
// pairing or rotation exchange. The private half must be discarded
// (ZeroKey) immediately after the shared secret is computed.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp per X25519 spec (RFC 7748).
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs the X25519 Diffie-Hellman exchange and returns the
// raw shared secret. Rejects the all-zero public key and all-zero result,
// both of which indicate a low-order point.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte
	var zeroKey [KeySize]byte

	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("%w: zero remote public key", ErrInvalidKey)
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("%w: low-order ECDH result", ErrInvalidKey)
	}

	return sharedSecret, nil
}

// DeriveKey derives a 32-byte key from input key material via
// HKDF-SHA256, extracting with the given salt and expanding with the
// purpose's stable info string. Different purposes applied to identical
// ikm/salt always yield independent keys (tested in crypto_test.go).
func DeriveKey(ikm []byte, salt []byte, purpose Purpose) ([KeySize]byte, error) {
	var key [KeySize]byte
	reader := hkdf.New(sha256.New, ikm, salt, infoString(purpose))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with AES-256-GCM, authenticating aad.
// A fresh random nonce is generated per call and prepended to the output:
// nonce (12) || ciphertext || tag (16).
func Encrypt(key [KeySize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt, verifying aad. Returns
// ErrAuthenticationFailed on any tampering, truncation, or wrong key/aad —
// callers on the wire path must treat this identically to a malformed frame.
func Decrypt(key [KeySize]byte, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionOverhead {
		return nil, ErrCiphertextTooShort
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:NonceSize]
	sealed := ciphertext[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}
	return aead, nil
}

// ZeroBytes zeroes a byte slice in place. Use to scrub ephemeral private
// keys and derived secrets once they are no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes a fixed-size key array in place.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
