package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalsys/toss/internal/crypto"
)

const storageKeyFileName = "storage_encryption_key"

// Keystore is the platform-keystore collaborator spec §6 names as an
// external dependency: store/retrieve/delete named byte blobs. This is a
// file-backed implementation anchored at dataDir, following the same
// atomic-write idiom internal/identity uses for the device identity key —
// a real OS keystore (Keychain, Secret Service, Credential Manager) is
// swappable behind the same interface without touching callers.
type Keystore interface {
	Store(keyName string, data []byte) error
	Retrieve(keyName string) ([]byte, error)
	Delete(keyName string) error
}

// FileKeystore implements Keystore by hex-encoding blobs into 0600 files
// under dataDir.
type FileKeystore struct {
	dataDir string
}

// NewFileKeystore returns a FileKeystore rooted at dataDir, creating the
// directory if necessary.
func NewFileKeystore(dataDir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	return &FileKeystore{dataDir: dataDir}, nil
}

func (k *FileKeystore) path(keyName string) string {
	return filepath.Join(k.dataDir, keyName)
}

func (k *FileKeystore) Store(keyName string, data []byte) error {
	tempPath := k.path(keyName) + ".tmp"
	if err := os.WriteFile(tempPath, []byte(hex.EncodeToString(data)+"\n"), 0600); err != nil {
		return fmt.Errorf("write keystore entry %s: %w", keyName, err)
	}
	if err := os.Rename(tempPath, k.path(keyName)); err != nil {
		return fmt.Errorf("rename keystore entry %s: %w", keyName, err)
	}
	return nil
}

func (k *FileKeystore) Retrieve(keyName string) ([]byte, error) {
	raw, err := os.ReadFile(k.path(keyName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keystore entry %s: %w", keyName, err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("corrupt keystore entry %s: %w", keyName, err)
	}
	return decoded, nil
}

func (k *FileKeystore) Delete(keyName string) error {
	if err := os.Remove(k.path(keyName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete keystore entry %s: %w", keyName, err)
	}
	return nil
}

// storageEncryptionKeyName is the fixed keystore entry name for the at-rest
// storage key, per spec §6.
const storageEncryptionKeyName = storageKeyFileName

// loadOrCreateStorageKey retrieves the storage key from ks, generating and
// persisting a fresh random one on first use.
func loadOrCreateStorageKey(ks Keystore) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte

	existing, err := ks.Retrieve(storageEncryptionKeyName)
	if err != nil {
		return key, fmt.Errorf("retrieve storage key: %w", err)
	}
	if len(existing) == crypto.KeySize {
		copy(key[:], existing)
		return key, nil
	}

	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("generate storage key: %w", err)
	}
	if err := ks.Store(storageEncryptionKeyName, key[:]); err != nil {
		return key, fmt.Errorf("persist storage key: %w", err)
	}
	return key, nil
}
