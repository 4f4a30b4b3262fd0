package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/postalsys/toss/internal/crypto"
)

func TestMessageType_String(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want string
	}{
		{Ping, "PING"},
		{Pong, "PONG"},
		{ClipboardUpdate, "CLIPBOARD_UPDATE"},
		{ClipboardAck, "CLIPBOARD_ACK"},
		{ClipboardRequest, "CLIPBOARD_REQUEST"},
		{DeviceInfo, "DEVICE_INFO"},
		{KeyRotation, "KEY_ROTATION"},
		{ErrorMessage, "ERROR"},
		{0x99, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.mt.String(); got != tt.want {
			t.Errorf("MessageType(0x%02x).String() = %s, want %s", byte(tt.mt), got, tt.want)
		}
	}
}

func TestMessageType_IsKnown(t *testing.T) {
	known := []MessageType{Ping, Pong, ClipboardUpdate, ClipboardAck, ClipboardRequest, DeviceInfo, KeyRotation, ErrorMessage}
	for _, mt := range known {
		if !mt.IsKnown() {
			t.Errorf("IsKnown(%s) = false, want true", mt)
		}
	}
	if MessageType(0x77).IsKnown() {
		t.Error("IsKnown(0x77) = true, want false")
	}
}

func TestHeader_EncodeDecode(t *testing.T) {
	h := Header{
		Version:   ProtocolVersion,
		Type:      ClipboardUpdate,
		Reserved:  0,
		MsgID:     0x0123456789abcdef,
		Timestamp: 1700000000000,
	}

	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("Encode() length = %d, want %d", len(buf), HeaderSize)
	}

	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if decoded != h {
		t.Errorf("DecodeHeader() = %+v, want %+v", decoded, h)
	}
}

func TestHeader_LittleEndian(t *testing.T) {
	h := Header{Version: 1, Type: Ping, MsgID: 0x0102030405060708, Timestamp: 0x1112131415161718}
	buf := h.Encode()

	if buf[0] != 0x01 || buf[1] != 0x00 {
		t.Errorf("version bytes = %x %x, want little-endian 01 00", buf[0], buf[1])
	}
	if buf[4] != 0x08 || buf[11] != 0x01 {
		t.Errorf("msg id not little-endian: %x", buf[4:12])
	}
}

func TestDecodeHeader_TooShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	if err == nil {
		t.Error("DecodeHeader() should fail on short buffer")
	}
}

func TestNewMsgID_Unique(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id, err := NewMsgID()
		if err != nil {
			t.Fatalf("NewMsgID() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("NewMsgID() produced duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestFrame_EncodeDecode(t *testing.T) {
	f := &Frame{
		Header: Header{
			Version:   ProtocolVersion,
			Type:      ClipboardAck,
			MsgID:     42,
			Timestamp: 1700000000000,
		},
		Sealed: []byte("fake-sealed-body-bytes"),
	}

	buf := f.Encode()
	if len(buf) != EnvelopeSize+len(f.Sealed) {
		t.Fatalf("Encode() length = %d, want %d", len(buf), EnvelopeSize+len(f.Sealed))
	}

	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if decoded.Header != f.Header {
		t.Errorf("Header mismatch: got %+v, want %+v", decoded.Header, f.Header)
	}
	if !bytes.Equal(decoded.Sealed, f.Sealed) {
		t.Error("Sealed body mismatch")
	}
}

func TestDecodeFrame_EnvelopeTooShort(t *testing.T) {
	_, err := DecodeFrame(make([]byte, EnvelopeSize-1))
	if err == nil {
		t.Error("DecodeFrame() should fail on buffer shorter than the envelope")
	}
}

func TestDecodeFrame_DeclaredLengthExceedsMax(t *testing.T) {
	buf := make([]byte, EnvelopeSize)
	h := Header{Version: ProtocolVersion, Type: Ping}
	copy(buf, h.Encode())
	// declare an oversized length without actually providing that many bytes
	buf[HeaderSize] = 0xFF
	buf[HeaderSize+1] = 0xFF
	buf[HeaderSize+2] = 0xFF
	buf[HeaderSize+3] = 0xFF

	_, err := DecodeFrame(buf)
	if err != ErrFrameTooLarge {
		t.Errorf("DecodeFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeFrame_BufferShorterThanDeclaredLength(t *testing.T) {
	f := &Frame{
		Header: Header{Version: ProtocolVersion, Type: Ping},
		Sealed: []byte("0123456789"),
	}
	buf := f.Encode()
	truncated := buf[:len(buf)-3]

	_, err := DecodeFrame(truncated)
	if err == nil {
		t.Error("DecodeFrame() should fail when buffer is shorter than declared length")
	}
}

func TestValidateHeader_RejectsFutureVersion(t *testing.T) {
	h := Header{Version: ProtocolVersion + 1, Type: Ping}
	if err := ValidateHeader(h); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("ValidateHeader() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestValidateHeader_RejectsUnknownType(t *testing.T) {
	h := Header{Version: ProtocolVersion, Type: MessageType(0x88)}
	if err := ValidateHeader(h); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("ValidateHeader() error = %v, want ErrUnknownMessageType", err)
	}
}

func TestValidateHeader_AcceptsKnownVersionAndType(t *testing.T) {
	h := Header{Version: ProtocolVersion, Type: ClipboardUpdate}
	if err := ValidateHeader(h); err != nil {
		t.Errorf("ValidateHeader() error = %v, want nil", err)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	var key [crypto.KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, crypto.KeySize))

	body := ClipboardAckBody{ContentHash: "deadbeef"}

	f, err := Seal(key, ClipboardAck, 1700000000000, body)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if f.Header.Type != ClipboardAck {
		t.Errorf("Header.Type = %s, want CLIPBOARD_ACK", f.Header.Type)
	}

	plaintext, err := f.Open(key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var decoded ClipboardAckBody
	if err := UnmarshalBody(plaintext, &decoded); err != nil {
		t.Fatalf("UnmarshalBody() error = %v", err)
	}
	if decoded.ContentHash != body.ContentHash {
		t.Errorf("ContentHash = %s, want %s", decoded.ContentHash, body.ContentHash)
	}
}

func TestSealOpen_WireRoundTrip(t *testing.T) {
	var key [crypto.KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x07}, crypto.KeySize))

	body := DeviceInfoBody{DeviceName: "workstation", Platform: "linux"}
	f, err := Seal(key, DeviceInfo, 1700000000000, body)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	wire := f.Encode()
	decodedFrame, err := DecodeFrame(wire)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	plaintext, err := decodedFrame.Open(key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var decoded DeviceInfoBody
	if err := UnmarshalBody(plaintext, &decoded); err != nil {
		t.Fatalf("UnmarshalBody() error = %v", err)
	}
	if decoded != body {
		t.Errorf("decoded body = %+v, want %+v", decoded, body)
	}
}

func TestOpen_TamperedHeaderFailsAEAD(t *testing.T) {
	var key [crypto.KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x11}, crypto.KeySize))

	f, err := Seal(key, Ping, 1700000000000, PingBody{})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	f.Header.MsgID ^= 1 // tamper with AAD-bound header field after sealing

	if _, err := f.Open(key); err == nil {
		t.Error("Open() should fail when the header (AAD) has been tampered with")
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	var key1, key2 [crypto.KeySize]byte
	copy(key1[:], bytes.Repeat([]byte{0x01}, crypto.KeySize))
	copy(key2[:], bytes.Repeat([]byte{0x02}, crypto.KeySize))

	f, err := Seal(key1, Ping, 1700000000000, PingBody{})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := f.Open(key2); err == nil {
		t.Error("Open() should fail with the wrong key")
	}
}

func TestOpen_RejectsUnsupportedVersion(t *testing.T) {
	var key [crypto.KeySize]byte

	f, err := Seal(key, Ping, 0, PingBody{})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	f.Header.Version = ProtocolVersion + 1

	if _, err := f.Open(key); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Open() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestFrameReaderWriter_RoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewFrameWriter(buf)
	reader := NewFrameReader(buf)

	frames := []*Frame{
		{Header: Header{Version: ProtocolVersion, Type: Ping, MsgID: 1}, Sealed: []byte("a")},
		{Header: Header{Version: ProtocolVersion, Type: Pong, MsgID: 2}, Sealed: []byte("bb")},
		{Header: Header{Version: ProtocolVersion, Type: ClipboardUpdate, MsgID: 3}, Sealed: []byte{}},
	}

	for _, f := range frames {
		if err := writer.Write(f); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	for i, want := range frames {
		got, err := reader.Read()
		if err != nil {
			t.Fatalf("Read() frame %d error = %v", i, err)
		}
		if got.Header != want.Header {
			t.Errorf("frame %d header = %+v, want %+v", i, got.Header, want.Header)
		}
		if !bytes.Equal(got.Sealed, want.Sealed) {
			t.Errorf("frame %d sealed body mismatch", i)
		}
	}
}

func TestFrameReader_EOFOnEmptyStream(t *testing.T) {
	buf := new(bytes.Buffer)
	reader := NewFrameReader(buf)

	if _, err := reader.Read(); err == nil {
		t.Error("Read() on empty stream should return an error")
	}
}

func TestFrameReader_RejectsOversizedDeclaredLength(t *testing.T) {
	buf := new(bytes.Buffer)
	h := Header{Version: ProtocolVersion, Type: Ping}
	buf.Write(h.Encode())
	lengthField := make([]byte, LengthFieldSize)
	lengthField[0], lengthField[1], lengthField[2], lengthField[3] = 0xFF, 0xFF, 0xFF, 0xFF
	buf.Write(lengthField)

	reader := NewFrameReader(buf)
	if _, err := reader.Read(); err != ErrFrameTooLarge {
		t.Errorf("Read() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestConstants(t *testing.T) {
	if HeaderSize != 20 {
		t.Errorf("HeaderSize = %d, want 20", HeaderSize)
	}
	if LengthFieldSize != 4 {
		t.Errorf("LengthFieldSize = %d, want 4", LengthFieldSize)
	}
	if EnvelopeSize != HeaderSize+LengthFieldSize {
		t.Errorf("EnvelopeSize = %d, want %d", EnvelopeSize, HeaderSize+LengthFieldSize)
	}
	if MaxClipboardPayload != 50*1024*1024 {
		t.Errorf("MaxClipboardPayload = %d, want %d", MaxClipboardPayload, 50*1024*1024)
	}
	if AEADOverhead != 28 {
		t.Errorf("AEADOverhead = %d, want 28", AEADOverhead)
	}
	if MaxFrameBodySize != MaxClipboardPayload+AEADOverhead {
		t.Errorf("MaxFrameBodySize = %d, want %d", MaxFrameBodySize, MaxClipboardPayload+AEADOverhead)
	}
	if ProtocolVersion != 1 {
		t.Errorf("ProtocolVersion = %d, want 1", ProtocolVersion)
	}
}

func BenchmarkSeal(b *testing.B) {
	var key [crypto.KeySize]byte
	body := ClipboardAckBody{ContentHash: "deadbeef"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Seal(key, ClipboardAck, 1700000000000, body)
	}
}

func BenchmarkFrame_Encode(b *testing.B) {
	f := &Frame{
		Header: Header{Version: ProtocolVersion, Type: ClipboardUpdate, MsgID: 12345},
		Sealed: make([]byte, 1024),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = f.Encode()
	}
}

func BenchmarkFrame_Decode(b *testing.B) {
	f := &Frame{
		Header: Header{Version: ProtocolVersion, Type: ClipboardUpdate, MsgID: 12345},
		Sealed: make([]byte, 1024),
	}
	data := f.Encode()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeFrame(data)
	}
}
