package store

import (
	"path/filepath"
	"testing"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/pairing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	ks, err := NewFileKeystore(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("NewFileKeystore: %v", err)
	}
	s, err := Open(filepath.Join(dir, "toss.db"), ks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPairedDevice(t *testing.T) *pairing.PairedDevice {
	t.Helper()
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	var sessionKey [crypto.KeySize]byte
	copy(sessionKey[:], []byte("sessionkeysessionkeysessionkey32"))

	return &pairing.PairedDevice{
		DeviceID:          kp.DeviceID(),
		IdentityPublicKey: kp.PublicKey,
		SessionKey:        sessionKey,
		DeviceName:        "test-device",
	}
}

func TestStore_UpsertAndReadPairedDevice(t *testing.T) {
	s := openTestStore(t)
	pd := testPairedDevice(t)

	if err := s.UpsertPairedDevice(pd, "linux"); err != nil {
		t.Fatalf("UpsertPairedDevice: %v", err)
	}

	if !s.IsPaired(pd.DeviceID) {
		t.Error("IsPaired should be true after UpsertPairedDevice")
	}

	key, ok := s.SessionKey(pd.DeviceID)
	if !ok {
		t.Fatal("SessionKey should be present")
	}
	if key != pd.SessionKey {
		t.Error("decrypted session key does not match the original")
	}

	pub, ok := s.IdentityPublicKey(pd.DeviceID)
	if !ok {
		t.Fatal("IdentityPublicKey should be present")
	}
	if pub != pd.IdentityPublicKey {
		t.Error("stored identity public key does not match the original")
	}
}

func TestStore_IsPaired_Unknown(t *testing.T) {
	s := openTestStore(t)
	kp, _ := identity.NewKeypair()

	if s.IsPaired(kp.DeviceID()) {
		t.Error("IsPaired should be false for a device never stored")
	}
}

func TestStore_UpdateSessionKey(t *testing.T) {
	s := openTestStore(t)
	pd := testPairedDevice(t)
	if err := s.UpsertPairedDevice(pd, "linux"); err != nil {
		t.Fatalf("UpsertPairedDevice: %v", err)
	}

	var newKey [crypto.KeySize]byte
	copy(newKey[:], []byte("rotatedkeyrotatedkeyrotatedkey32"))

	if err := s.UpdateSessionKey(pd.DeviceID, newKey); err != nil {
		t.Fatalf("UpdateSessionKey: %v", err)
	}

	got, ok := s.SessionKey(pd.DeviceID)
	if !ok || got != newKey {
		t.Error("SessionKey should reflect the rotated key")
	}
}

func TestStore_UpdateSessionKey_UnknownDevice(t *testing.T) {
	s := openTestStore(t)
	kp, _ := identity.NewKeypair()

	var key [crypto.KeySize]byte
	if err := s.UpdateSessionKey(kp.DeviceID(), key); err == nil {
		t.Error("UpdateSessionKey on an unknown device should fail")
	}
}

func TestStore_SessionKey_WrongAADFails(t *testing.T) {
	s := openTestStore(t)
	pd := testPairedDevice(t)
	if err := s.UpsertPairedDevice(pd, "linux"); err != nil {
		t.Fatalf("UpsertPairedDevice: %v", err)
	}

	var row Device
	if err := s.db.Where("id = ?", pd.DeviceID.String()).First(&row).Error; err != nil {
		t.Fatalf("read row: %v", err)
	}

	otherID := identity.DeviceID{0xAA}
	if _, err := crypto.Decrypt(s.storageKey, row.EncryptedSessionKey, sessionAAD(otherID)); err == nil {
		t.Error("decrypting under a different device's AAD should fail")
	}
}

func TestStore_HistoryItem_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddHistoryItem("text/plain", "deadbeef", []byte("hello clipboard"), "hello clip...", nil)
	if err != nil {
		t.Fatalf("AddHistoryItem: %v", err)
	}

	content, err := s.HistoryItemContent(id)
	if err != nil {
		t.Fatalf("HistoryItemContent: %v", err)
	}
	if string(content) != "hello clipboard" {
		t.Errorf("decrypted content = %q, want %q", content, "hello clipboard")
	}

	previews, err := s.HistoryPreviews(10)
	if err != nil {
		t.Fatalf("HistoryPreviews: %v", err)
	}
	if len(previews) != 1 || previews[0].ID != id {
		t.Error("HistoryPreviews should list the item just added")
	}
}

func TestStore_HistoryItem_AADBindingRejectsWrongID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddHistoryItem("text/plain", "deadbeef", []byte("hello"), "hello...", nil)
	if err != nil {
		t.Fatalf("AddHistoryItem: %v", err)
	}

	var row ClipboardHistoryItem
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		t.Fatalf("read row: %v", err)
	}

	if _, err := crypto.Decrypt(s.storageKey, row.EncryptedContent, historyAAD("not-the-real-id")); err == nil {
		t.Error("decrypting under a different item's AAD should fail")
	}
}

func TestStore_Settings_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetSetting("missing"); err != nil || ok {
		t.Fatalf("GetSetting on missing key: ok=%v err=%v", ok, err)
	}

	if err := s.SetSetting("display_name", "my-laptop"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := s.GetSetting("display_name")
	if err != nil || !ok || val != "my-laptop" {
		t.Fatalf("GetSetting after SetSetting: val=%q ok=%v err=%v", val, ok, err)
	}

	if err := s.SetSetting("display_name", "renamed"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	val, _, _ = s.GetSetting("display_name")
	if val != "renamed" {
		t.Errorf("GetSetting after overwrite = %q, want %q", val, "renamed")
	}
}

func TestStore_RemoveDevice(t *testing.T) {
	s := openTestStore(t)
	pd := testPairedDevice(t)
	if err := s.UpsertPairedDevice(pd, "linux"); err != nil {
		t.Fatalf("UpsertPairedDevice: %v", err)
	}

	if err := s.RemoveDevice(pd.DeviceID); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if s.IsPaired(pd.DeviceID) {
		t.Error("IsPaired should be false after RemoveDevice")
	}
}
