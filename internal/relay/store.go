package relay

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// deviceRow is the relay's devices table, per spec §4.5: distinct from
// internal/store's client-side Device row (no encrypted session key here —
// the relay never holds one).
type deviceRow struct {
	ID        string `gorm:"primaryKey"`
	PublicKey []byte
	Name      string
	IsOnline  bool
	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (deviceRow) TableName() string { return "devices" }

// queuedMessage is a store-and-forward row for a recipient that was
// offline (or whose push failed) at send time.
type queuedMessage struct {
	ID               string `gorm:"primaryKey"`
	FromDevice       string `gorm:"index"`
	ToDevice         string `gorm:"index"`
	EncryptedPayload string
	CreatedAt        time.Time
}

func (queuedMessage) TableName() string { return "message_queue" }

// pairingSessionRow is the relay-hosted rendezvous record spec §4.3
// describes: code -> advertisement, expiring after a bounded TTL.
// Advertisement holds the full JSON-encoded pairing.Advertisement (both
// the ephemeral and identity public keys, device name, and the
// advertiser's own TTL) rather than a narrower hand-picked subset, so the
// relay is a transparent rendezvous and never needs to understand the
// advertisement's shape.
type pairingSessionRow struct {
	Code         string `gorm:"primaryKey"`
	Advertisement []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

func (pairingSessionRow) TableName() string { return "pairing_sessions" }

// sqlStore wraps the relay's gorm handle. Unlike the client store, the
// relay serves many concurrent HTTP requests, so it relies on gorm/sqlite's
// own connection pool rather than a single package-level mutex; SQLite's
// writer serialization happens underneath via its database lock.
type sqlStore struct {
	db *gorm.DB
}

func openStore(dsn string) (*sqlStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}
	if err := db.AutoMigrate(&deviceRow{}, &queuedMessage{}, &pairingSessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate relay schema: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// upsertDevice is the idempotent insert-or-update backing
// POST /api/v1/register: a second registration under the same id updates
// name and timestamp without erroring.
func (s *sqlStore) upsertDevice(id string, pub []byte, name string) error {
	now := time.Now()
	row := deviceRow{ID: id, PublicKey: pub, Name: name, LastSeen: now, CreatedAt: now, UpdatedAt: now}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing deviceRow
		err := tx.Where("id = ?", id).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			existing.PublicKey = pub
			existing.Name = name
			existing.LastSeen = now
			existing.UpdatedAt = now
			return tx.Save(&existing).Error
		}
	})
}

func (s *sqlStore) getDevice(id string) (*deviceRow, error) {
	var row deviceRow
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqlStore) deleteDevice(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Delete(&deviceRow{}).Error; err != nil {
			return err
		}
		return tx.Where("to_device = ? OR from_device = ?", id, id).Delete(&queuedMessage{}).Error
	})
}

func (s *sqlStore) setLastSeen(id string, t time.Time) error {
	return s.db.Model(&deviceRow{}).Where("id = ?", id).Update("last_seen", t).Error
}

func (s *sqlStore) enqueueMessage(id, from, to, payload string) error {
	return s.db.Create(&queuedMessage{
		ID: id, FromDevice: from, ToDevice: to, EncryptedPayload: payload, CreatedAt: time.Now(),
	}).Error
}

// drainQueue returns and deletes every queued message for recipient, in
// created_at order (spec §5's per-recipient FIFO guarantee).
func (s *sqlStore) drainQueue(recipient string) ([]queuedMessage, error) {
	var rows []queuedMessage
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("to_device = ?", recipient).Order("created_at ASC").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return tx.Where("id IN ?", ids).Delete(&queuedMessage{}).Error
	})
	return rows, err
}

func (s *sqlStore) purgeQueueOlderThan(cutoff time.Time) error {
	return s.db.Where("created_at < ?", cutoff).Delete(&queuedMessage{}).Error
}

func (s *sqlStore) upsertPairingSession(code string, advertisement []byte, expiresAt time.Time) error {
	row := pairingSessionRow{Code: code, Advertisement: advertisement, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	return s.db.Save(&row).Error
}

func (s *sqlStore) findPairingSession(code string) (*pairingSessionRow, error) {
	var row pairingSessionRow
	if err := s.db.Where("code = ?", code).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqlStore) deletePairingSession(code string) error {
	return s.db.Where("code = ?", code).Delete(&pairingSessionRow{}).Error
}

func (s *sqlStore) purgeExpiredPairingSessions(now time.Time) error {
	return s.db.Where("expires_at < ?", now).Delete(&pairingSessionRow{}).Error
}
