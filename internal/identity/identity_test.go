package identity

import "testing"

func TestDeviceIDFromPublicKey_Deterministic(t *testing.T) {
	kp, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() error = %v", err)
	}

	id1 := DeviceIDFromPublicKey(kp.PublicKey)
	id2 := DeviceIDFromPublicKey(kp.PublicKey)

	if !id1.Equal(id2) {
		t.Error("DeviceIDFromPublicKey() is not deterministic for the same public key")
	}
	if id1.IsZero() {
		t.Error("DeviceIDFromPublicKey() returned zero id")
	}
}

func TestDeviceIDFromPublicKey_DifferentKeysDifferentIDs(t *testing.T) {
	kp1, _ := NewKeypair()
	kp2, _ := NewKeypair()

	id1 := DeviceIDFromPublicKey(kp1.PublicKey)
	id2 := DeviceIDFromPublicKey(kp2.PublicKey)

	if id1.Equal(id2) {
		t.Error("different public keys produced the same device id")
	}
}

func TestDeviceID_String(t *testing.T) {
	kp, _ := NewKeypair()
	id := DeviceIDFromPublicKey(kp.PublicKey)

	s := id.String()
	if len(s) != 32 { // 16 bytes * 2 hex chars
		t.Errorf("String() length = %d, want 32", len(s))
	}
}

func TestDeviceID_ShortString(t *testing.T) {
	kp, _ := NewKeypair()
	id := DeviceIDFromPublicKey(kp.PublicKey)

	s := id.ShortString()
	if len(s) != 8 {
		t.Errorf("ShortString() length = %d, want 8", len(s))
	}

	full := id.String()
	if s != full[:8] {
		t.Errorf("ShortString() = %s, want prefix of %s", s, full)
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid hex string", "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", false},
		{"valid with 0x prefix", "0xa3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", false},
		{"valid with whitespace", "  a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e  ", false},
		{"too short", "a3f8c2d1e5b94a7c", true},
		{"too long", "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e00", true},
		{"invalid hex chars", "g3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", true},
		{"empty string", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseDeviceID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDeviceID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && id.IsZero() {
				t.Error("ParseDeviceID() returned zero id for valid input")
			}
		})
	}
}

func TestDeviceIDFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"valid 16 bytes", make([]byte, 16), false},
		{"too short", make([]byte, 15), true},
		{"too long", make([]byte, 17), true},
		{"empty", []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeviceIDFromBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("DeviceIDFromBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeviceID_Bytes(t *testing.T) {
	kp, _ := NewKeypair()
	id := DeviceIDFromPublicKey(kp.PublicKey)

	b := id.Bytes()
	if len(b) != IDSize {
		t.Errorf("Bytes() length = %d, want %d", len(b), IDSize)
	}

	id2, err := DeviceIDFromBytes(b)
	if err != nil {
		t.Fatalf("DeviceIDFromBytes() error = %v", err)
	}
	if !id.Equal(id2) {
		t.Error("round-trip through Bytes() failed")
	}
}

func TestDeviceID_IsZero(t *testing.T) {
	var zero DeviceID
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero id")
	}

	kp, _ := NewKeypair()
	id := DeviceIDFromPublicKey(kp.PublicKey)
	if id.IsZero() {
		t.Error("IsZero() = true for non-zero id")
	}
}

func TestDeviceID_Equal(t *testing.T) {
	id1, _ := ParseDeviceID("a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e")
	id2, _ := ParseDeviceID("a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e")
	id3, _ := ParseDeviceID("b3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e")

	if !id1.Equal(id2) {
		t.Error("Equal() = false for identical ids")
	}
	if id1.Equal(id3) {
		t.Error("Equal() = true for different ids")
	}
}

func TestDeviceID_MarshalUnmarshalText(t *testing.T) {
	kp, _ := NewKeypair()
	original := DeviceIDFromPublicKey(kp.PublicKey)

	text, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}

	var restored DeviceID
	if err := restored.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}

	if !original.Equal(restored) {
		t.Errorf("round-trip failed: original=%s, restored=%s", original, restored)
	}
}

func TestParseDeviceID_RoundTrip(t *testing.T) {
	kp, _ := NewKeypair()
	original := DeviceIDFromPublicKey(kp.PublicKey)

	s1 := original.String()
	parsed, err := ParseDeviceID(s1)
	if err != nil {
		t.Fatalf("ParseDeviceID() error = %v", err)
	}
	s2 := parsed.String()

	if s1 != s2 {
		t.Errorf("round-trip failed: %s != %s", s1, s2)
	}
}
