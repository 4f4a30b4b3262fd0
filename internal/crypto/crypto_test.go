package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateEphemeralKeypair(t *testing.T) {
	priv1, pub1, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	if priv1 == zeroKey {
		t.Error("private key is zero")
	}
	if pub1 == zeroKey {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() second call error = %v", err)
	}

	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestComputeECDH(t *testing.T) {
	privA, pubA, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() A error = %v", err)
	}

	privB, pubB, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() B error = %v", err)
	}

	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH(A, pubB) error = %v", err)
	}

	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH(B, pubA) error = %v", err)
	}

	if secretA != secretB {
		t.Error("shared secrets do not match")
	}

	var zeroKey [KeySize]byte
	if secretA == zeroKey {
		t.Error("shared secret is zero")
	}
}

func TestComputeECDH_ZeroKey(t *testing.T) {
	priv, _, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	_, err = ComputeECDH(priv, zeroKey)
	if err == nil {
		t.Error("ComputeECDH with zero public key should fail")
	}
}

func TestDeriveKey_PurposeIsolation(t *testing.T) {
	ikm := []byte("shared secret material")
	salt := []byte("some salt")

	sessionKey, err := DeriveKey(ikm, salt, PurposeSessionEncryption)
	if err != nil {
		t.Fatalf("DeriveKey(SessionEncryption) error = %v", err)
	}

	storageKey, err := DeriveKey(ikm, salt, PurposeStorageEncryption)
	if err != nil {
		t.Fatalf("DeriveKey(StorageEncryption) error = %v", err)
	}

	authKey, err := DeriveKey(ikm, salt, PurposeMessageAuthentication)
	if err != nil {
		t.Fatalf("DeriveKey(MessageAuthentication) error = %v", err)
	}

	if sessionKey == storageKey || sessionKey == authKey || storageKey == authKey {
		t.Error("keys derived for different purposes from identical ikm/salt must be independent")
	}

	var zeroKey [KeySize]byte
	if sessionKey == zeroKey {
		t.Error("derived key is zero")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	ikm := []byte("fixed input key material")
	salt := []byte("fixed salt")

	k1, err := DeriveKey(ikm, salt, PurposeSessionEncryption)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey(ikm, salt, PurposeSessionEncryption)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}

	if k1 != k2 {
		t.Error("DeriveKey() is not deterministic for identical inputs")
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	var key [KeySize]byte
	if err := RandomBytes(key[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	aad := []byte("frame-header-bytes")
	plaintext := []byte("Hello, World!")

	ciphertext, err := Encrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if len(ciphertext) != len(plaintext)+EncryptionOverhead {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+EncryptionOverhead)
	}

	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext in the clear")
	}

	decrypted, err := Decrypt(key, ciphertext, aad)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestEncrypt_UniqueNoncePerCall(t *testing.T) {
	var key [KeySize]byte
	if err := RandomBytes(key[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	plaintext := []byte("same plaintext every time")
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		ciphertext, err := Encrypt(key, plaintext, nil)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		nonce := string(ciphertext[:NonceSize])
		if seen[nonce] {
			t.Fatalf("nonce reused across calls: %x", nonce)
		}
		seen[nonce] = true
	}
}

func TestEncryptDecrypt_MultipleSizes(t *testing.T) {
	var key [KeySize]byte
	if err := RandomBytes(key[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	sizes := []int{0, 1, 16, 1024, 65536}
	for _, size := range sizes {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i % 256)
		}

		ciphertext, err := Encrypt(key, plaintext, []byte("aad"))
		if err != nil {
			t.Fatalf("Encrypt() size=%d error = %v", size, err)
		}

		decrypted, err := Decrypt(key, ciphertext, []byte("aad"))
		if err != nil {
			t.Fatalf("Decrypt() size=%d error = %v", size, err)
		}

		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("size=%d: roundtrip mismatch", size)
		}
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	var key [KeySize]byte
	shortCiphertext := make([]byte, EncryptionOverhead-1)
	_, err := Decrypt(key, shortCiphertext, nil)
	if err != ErrCiphertextTooShort {
		t.Errorf("Decrypt() error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	var key [KeySize]byte
	if err := RandomBytes(key[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	ciphertext, err := Encrypt(key, []byte("secret message"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = Decrypt(key, ciphertext, nil)
	if err != ErrAuthenticationFailed {
		t.Errorf("Decrypt() error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestDecrypt_WrongAAD(t *testing.T) {
	var key [KeySize]byte
	if err := RandomBytes(key[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	ciphertext, err := Encrypt(key, []byte("secret message"), []byte("aad-one"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	_, err = Decrypt(key, ciphertext, []byte("aad-two"))
	if err != ErrAuthenticationFailed {
		t.Errorf("Decrypt() with mismatched aad error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	var keyA, keyB [KeySize]byte
	if err := RandomBytes(keyA[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	if err := RandomBytes(keyB[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	ciphertext, err := Encrypt(keyA, []byte("secret message"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	_, err = Decrypt(keyB, ciphertext, nil)
	if err != ErrAuthenticationFailed {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ZeroBytes(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestZeroKey(t *testing.T) {
	key := [KeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	ZeroKey(&key)

	var zeroKey [KeySize]byte
	if key != zeroKey {
		t.Error("key was not zeroed")
	}
}

func TestEncryptionOverhead(t *testing.T) {
	if EncryptionOverhead != NonceSize+TagSize {
		t.Errorf("EncryptionOverhead = %d, want %d", EncryptionOverhead, NonceSize+TagSize)
	}
	if EncryptionOverhead != 28 {
		t.Errorf("EncryptionOverhead = %d, want 28", EncryptionOverhead)
	}
}

func BenchmarkEncrypt(b *testing.B) {
	var key [KeySize]byte
	_ = RandomBytes(key[:])
	plaintext := make([]byte, 1400)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))

	for i := 0; i < b.N; i++ {
		_, _ = Encrypt(key, plaintext, nil)
	}
}

func BenchmarkDecrypt(b *testing.B) {
	var key [KeySize]byte
	_ = RandomBytes(key[:])
	plaintext := make([]byte, 1400)
	ciphertext, _ := Encrypt(key, plaintext, nil)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))

	for i := 0; i < b.N; i++ {
		_, _ = Decrypt(key, ciphertext, nil)
	}
}
