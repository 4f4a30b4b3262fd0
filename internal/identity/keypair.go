package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalsys/toss/internal/crypto"
)

const (
	// KeySize is the size of an Ed25519 public key in bytes.
	KeySize = 32

	// PrivateKeySize is the size of an Ed25519 private key in bytes
	// (32-byte seed || 32-byte public key, per crypto/ed25519 convention).
	PrivateKeySize = 64

	keyFileName    = "device_identity_key"
	pubKeyFileName = "device_identity_key.pub"
)

// Keypair is a device's long-lived Ed25519 signing identity. Spec §6 calls
// for this material to live in the platform keystore rather than the
// database; Store/Load use the keystore-anchored data directory as that
// interface's concrete backing on this platform.
type Keypair struct {
	PublicKey  [KeySize]byte
	PrivateKey [PrivateKeySize]byte
}

// NewKeypair generates a fresh Ed25519 signing keypair.
func NewKeypair() (*Keypair, error) {
	sk, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}

	kp := &Keypair{
		PublicKey:  sk.PublicKey,
		PrivateKey: sk.PrivateKey,
	}
	return kp, nil
}

// DeviceID derives this keypair's device id from its public key.
func (kp *Keypair) DeviceID() DeviceID {
	return DeviceIDFromPublicKey(kp.PublicKey)
}

// Sign signs message with the keypair's private key.
func (kp *Keypair) Sign(message []byte) [crypto.Ed25519SignatureSize]byte {
	return crypto.Sign(kp.PrivateKey, message)
}

// Verify checks a signature of message against this keypair's public key.
func (kp *Keypair) Verify(message []byte, signature [crypto.Ed25519SignatureSize]byte) bool {
	return crypto.Verify(kp.PublicKey, message, signature)
}

// PublicKeyString returns the hex-encoded public key.
func (kp *Keypair) PublicKeyString() string {
	return KeyToString(kp.PublicKey)
}

// PublicKeyShortString returns an 8-byte hex prefix of the public key.
func (kp *Keypair) PublicKeyShortString() string {
	return hex.EncodeToString(kp.PublicKey[:8])
}

// Zero wipes the private key from memory. The public key is left intact.
func (kp *Keypair) Zero() {
	crypto.ZeroSigningKey(&kp.PrivateKey)
}

// KeyToString hex-encodes a 32-byte key (a public key, or any other
// KeySize-shaped value exchanged on the wire).
func KeyToString(k [KeySize]byte) string {
	return hex.EncodeToString(k[:])
}

// ParseKey parses a hex-encoded 32-byte key.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KeySize*2 {
		return key, fmt.Errorf("invalid key hex length: got %d chars, want %d", len(s), KeySize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid key hex: %w", err)
	}

	copy(key[:], b)
	return key, nil
}

// IsZeroKey reports whether a 32-byte key is all zeros.
func IsZeroKey(k [KeySize]byte) bool {
	var zero [KeySize]byte
	return k == zero
}

// IsZeroPrivateKey reports whether a 64-byte Ed25519 private key is all
// zeros.
func IsZeroPrivateKey(k [PrivateKeySize]byte) bool {
	var zero [PrivateKeySize]byte
	return k == zero
}

// Store persists the keypair to dataDir: the private key at 0600 and the
// public key at 0644, mirroring the teacher's atomic write-then-rename
// pattern for identity material.
func (kp *Keypair) Store(dataDir string) error {
	if IsZeroPrivateKey(kp.PrivateKey) {
		return errors.New("cannot store zero private key")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	privPath := filepath.Join(dataDir, keyFileName)
	if err := writeFileAtomic(privPath, hex.EncodeToString(kp.PrivateKey[:])+"\n", 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPath := filepath.Join(dataDir, pubKeyFileName)
	if err := writeFileAtomic(pubPath, KeyToString(kp.PublicKey)+"\n", 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

// LoadKeypair reads a keypair from dataDir, verifying that the stored
// public key matches the one derivable from the private key.
func LoadKeypair(dataDir string) (*Keypair, error) {
	privPath := filepath.Join(dataDir, keyFileName)
	privData, err := os.ReadFile(privPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("device identity key not found at %s", privPath)
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}

	privBytes, err := hex.DecodeString(strings.TrimSpace(string(privData)))
	if err != nil || len(privBytes) != PrivateKeySize {
		return nil, fmt.Errorf("corrupt private key at %s", privPath)
	}

	pubPath := filepath.Join(dataDir, pubKeyFileName)
	pubData, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	storedPub, err := ParseKey(strings.TrimSpace(string(pubData)))
	if err != nil {
		return nil, fmt.Errorf("corrupt public key at %s: %w", pubPath, err)
	}

	kp := &Keypair{}
	copy(kp.PrivateKey[:], privBytes)
	derivedPub := crypto.PublicKeyFromPrivate(kp.PrivateKey)

	if derivedPub != storedPub {
		return nil, errors.New("stored public key does not match private key")
	}
	kp.PublicKey = storedPub

	return kp, nil
}

// LoadOrCreateKeypair loads an existing keypair from dataDir, or generates
// and persists a new one if none exists.
func LoadOrCreateKeypair(dataDir string) (*Keypair, bool, error) {
	kp, err := LoadKeypair(dataDir)
	if err == nil {
		return kp, false, nil
	}

	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	kp, err = NewKeypair()
	if err != nil {
		return nil, false, err
	}

	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}

// KeypairExists reports whether a keypair is present in dataDir.
func KeypairExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}

func writeFileAtomic(path, content string, perm os.FileMode) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(content), perm); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}
