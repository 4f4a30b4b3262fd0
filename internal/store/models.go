package store

import "time"

// Device is the persisted paired-device record: spec §3's Paired device
// record. EncryptedSessionKey is nil until a session key has actually been
// negotiated (pairing completion or rotation); IdentityPublicKey is set at
// pairing time and never changes.
type Device struct {
	ID                  string `gorm:"primaryKey"`
	Name                string
	IdentityPublicKey   []byte
	EncryptedSessionKey []byte
	LastSeen            time.Time
	CreatedAt           time.Time
	IsActive            bool
	Platform            string
}

func (Device) TableName() string { return "devices" }

// ClipboardHistoryItem is spec §3's Clipboard history item. Preview is
// stored in the clear (it is, by construction, a truncated, non-sensitive
// excerpt meant for display); EncryptedContent holds the full payload under
// AEAD, AAD-bound to this row's id so a ciphertext can't be transplanted
// between history rows.
type ClipboardHistoryItem struct {
	ID               string `gorm:"primaryKey"`
	ContentType      string
	ContentHash      string
	EncryptedContent []byte
	Preview          string
	SourceDevice     *string
	CreatedAt        time.Time
}

func (ClipboardHistoryItem) TableName() string { return "clipboard_history" }

// Setting is a single persisted key/value configuration entry.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (Setting) TableName() string { return "settings" }
