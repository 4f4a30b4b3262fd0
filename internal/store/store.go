// Package store implements the client-side persistent store: paired-device
// records and clipboard history, each row encrypted under a keystore-
// anchored storage key with row-bound AEAD associated data, per spec §4.6.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/pairing"
)

// ErrStorage wraps any keystore, DB, or I/O failure from this package, per
// spec §7's Storage error kind.
var ErrStorage = errors.New("store: storage error")

// ErrNotFound is returned when a lookup by id finds no matching row.
var ErrNotFound = errors.New("store: not found")

// HistoryPreview is a history row's public metadata: never the decrypted
// payload, as listed by `toss history`.
type HistoryPreview struct {
	ID           string
	ContentType  string
	ContentHash  string
	Preview      string
	SourceDevice *string
	CreatedAt    time.Time
}

// Store is the single serialized connection handle spec §4.6 requires:
// every read and write goes through db under mu, matching the teacher's
// single-mutex-guarded-handle discipline used elsewhere for shared state.
type Store struct {
	mu         sync.Mutex
	db         *gorm.DB
	keystore   Keystore
	storageKey [crypto.KeySize]byte
}

// Open opens (creating if absent) the SQLite database at dbPath, runs
// AutoMigrate for all three tables, and loads or creates the at-rest
// storage key via keystore.
func Open(dbPath string, keystore Keystore) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	if err := db.AutoMigrate(&Device{}, &ClipboardHistoryItem{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("%w: migrate schema: %v", ErrStorage, err)
	}

	storageKey, err := loadOrCreateStorageKey(keystore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return &Store{db: db, keystore: keystore, storageKey: storageKey}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return sqlDB.Close()
}

func sessionAAD(id identity.DeviceID) []byte {
	return []byte("session:" + id.String())
}

func historyAAD(id string) []byte {
	return []byte("history:" + id)
}

// UpsertPairedDevice creates or updates the device row for a freshly
// completed pairing exchange, encrypting the session key under AAD
// "session:<device_id>" per spec §4.3/§4.6.
func (s *Store) UpsertPairedDevice(pd *pairing.PairedDevice, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encKey, err := crypto.Encrypt(s.storageKey, pd.SessionKey[:], sessionAAD(pd.DeviceID))
	if err != nil {
		return fmt.Errorf("%w: encrypt session key: %v", ErrStorage, err)
	}

	row := Device{
		ID:                  pd.DeviceID.String(),
		Name:                pd.DeviceName,
		IdentityPublicKey:   append([]byte(nil), pd.IdentityPublicKey[:]...),
		EncryptedSessionKey: encKey,
		LastSeen:            time.Now(),
		CreatedAt:           time.Now(),
		IsActive:            true,
		Platform:            platform,
	}

	result := s.db.Save(&row)
	if result.Error != nil {
		return fmt.Errorf("%w: save device: %v", ErrStorage, result.Error)
	}
	return nil
}

// UpdateSessionKey re-encrypts and persists a rotated session key for an
// already-paired device. Implements internal/session.PairedDeviceStore.
func (s *Store) UpdateSessionKey(id identity.DeviceID, key [crypto.KeySize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encKey, err := crypto.Encrypt(s.storageKey, key[:], sessionAAD(id))
	if err != nil {
		return fmt.Errorf("%w: encrypt session key: %v", ErrStorage, err)
	}

	result := s.db.Model(&Device{}).Where("id = ?", id.String()).
		Updates(map[string]any{"encrypted_session_key": encKey, "last_seen": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("%w: update session key: %v", ErrStorage, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return nil
}

// IsPaired reports whether id has an active paired-device row. Implements
// internal/session.PairedDeviceStore.
func (s *Store) IsPaired(id identity.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	s.db.Model(&Device{}).Where("id = ? AND is_active = ?", id.String(), true).Count(&count)
	return count > 0
}

// SessionKey decrypts and returns id's current session key, if any.
// Implements internal/session.PairedDeviceStore.
func (s *Store) SessionKey(id identity.DeviceID) ([crypto.KeySize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key [crypto.KeySize]byte
	var row Device
	if err := s.db.Where("id = ?", id.String()).First(&row).Error; err != nil {
		return key, false
	}
	if len(row.EncryptedSessionKey) == 0 {
		return key, false
	}

	plain, err := crypto.Decrypt(s.storageKey, row.EncryptedSessionKey, sessionAAD(id))
	if err != nil || len(plain) != crypto.KeySize {
		return key, false
	}
	copy(key[:], plain)
	return key, true
}

// IdentityPublicKey returns id's stored long-lived identity public key, if
// known. Implements internal/session.PairedDeviceStore.
func (s *Store) IdentityPublicKey(id identity.DeviceID) ([identity.KeySize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pub [identity.KeySize]byte
	var row Device
	if err := s.db.Where("id = ?", id.String()).First(&row).Error; err != nil {
		return pub, false
	}
	if len(row.IdentityPublicKey) != identity.KeySize {
		return pub, false
	}
	copy(pub[:], row.IdentityPublicKey)
	return pub, true
}

// ListDevices returns every paired-device row, most recently seen first.
func (s *Store) ListDevices() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Device
	if err := s.db.Order("last_seen DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrStorage, err)
	}
	return rows, nil
}

// RemoveDevice deletes a paired-device row and zeroes its encrypted key
// material first, best-effort defense in depth against recovery from freed
// pages.
func (s *Store) RemoveDevice(id identity.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row Device
	if err := s.db.Where("id = ?", id.String()).First(&row).Error; err == nil && len(row.EncryptedSessionKey) > 0 {
		zeros := make([]byte, len(row.EncryptedSessionKey))
		if err := s.db.Model(&Device{}).Where("id = ?", id.String()).Update("encrypted_session_key", zeros).Error; err != nil {
			return fmt.Errorf("%w: zero session key: %v", ErrStorage, err)
		}
	}

	if err := s.db.Where("id = ?", id.String()).Delete(&Device{}).Error; err != nil {
		return fmt.Errorf("%w: remove device: %v", ErrStorage, err)
	}
	return nil
}

// AddHistoryItem encrypts content under AAD "history:<item_id>" and
// inserts a new clipboard history row. Returns the generated item id.
func (s *Store) AddHistoryItem(contentType, contentHash string, content []byte, preview string, sourceDevice *identity.DeviceID) (string, error) {
	id := uuid.NewString()

	enc, err := crypto.Encrypt(s.storageKey, content, historyAAD(id))
	if err != nil {
		return "", fmt.Errorf("%w: encrypt history item: %v", ErrStorage, err)
	}

	var source *string
	if sourceDevice != nil {
		v := sourceDevice.String()
		source = &v
	}

	row := ClipboardHistoryItem{
		ID:               id,
		ContentType:      contentType,
		ContentHash:      contentHash,
		EncryptedContent: enc,
		Preview:          preview,
		SourceDevice:     source,
		CreatedAt:        time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("%w: insert history item: %v", ErrStorage, err)
	}
	return id, nil
}

// HistoryPreviews returns the most recent n history rows without
// decrypting their payloads, for the `toss history` listing.
func (s *Store) HistoryPreviews(limit int) ([]HistoryPreview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []ClipboardHistoryItem
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrStorage, err)
	}

	out := make([]HistoryPreview, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryPreview{
			ID:           r.ID,
			ContentType:  r.ContentType,
			ContentHash:  r.ContentHash,
			Preview:      r.Preview,
			SourceDevice: r.SourceDevice,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

// HistoryItemContent decrypts and returns the full payload of history item
// id.
func (s *Store) HistoryItemContent(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row ClipboardHistoryItem
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, fmt.Errorf("%w: history item %s", ErrNotFound, id)
	}

	plain, err := crypto.Decrypt(s.storageKey, row.EncryptedContent, historyAAD(id))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt history item %s: %v", ErrStorage, id, err)
	}
	return plain, nil
}

// GetSetting returns a persisted setting value and whether it was present.
func (s *Store) GetSetting(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row Setting
	err := s.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get setting %s: %v", ErrStorage, key, err)
	}
	return row.Value, true, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := Setting{Key: key, Value: value}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("%w: set setting %s: %v", ErrStorage, key, err)
	}
	return nil
}
