package store

import (
	"path/filepath"
	"testing"
)

func TestFileKeystore_StoreRetrieveDelete(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(dir)
	if err != nil {
		t.Fatalf("NewFileKeystore: %v", err)
	}

	if v, err := ks.Retrieve("missing"); err != nil || v != nil {
		t.Fatalf("Retrieve of missing key: v=%v err=%v", v, err)
	}

	if err := ks.Store("device_identity_key", []byte("secret-bytes")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := ks.Retrieve("device_identity_key")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != "secret-bytes" {
		t.Errorf("Retrieve = %q, want %q", got, "secret-bytes")
	}

	if err := ks.Delete("device_identity_key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, err := ks.Retrieve("device_identity_key"); err != nil || v != nil {
		t.Fatalf("Retrieve after Delete: v=%v err=%v", v, err)
	}
}

func TestLoadOrCreateStorageKey_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("NewFileKeystore: %v", err)
	}

	k1, err := loadOrCreateStorageKey(ks)
	if err != nil {
		t.Fatalf("loadOrCreateStorageKey: %v", err)
	}
	k2, err := loadOrCreateStorageKey(ks)
	if err != nil {
		t.Fatalf("loadOrCreateStorageKey (second call): %v", err)
	}
	if k1 != k2 {
		t.Error("storage key should persist across calls against the same keystore")
	}
}
