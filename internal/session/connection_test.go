package session

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/protocol"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateHandshaking, "HANDSHAKING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{ConnectionState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDefaultRotationPolicy(t *testing.T) {
	p := DefaultRotationPolicy()
	if p.MaxMessages != 1000 {
		t.Errorf("MaxMessages = %d, want 1000", p.MaxMessages)
	}
	if p.MaxAge != 24*time.Hour {
		t.Errorf("MaxAge = %v, want 24h", p.MaxAge)
	}
}

func TestNewPeerConnection_InitialState(t *testing.T) {
	conn := NewPeerConnection(&nullPeerConn{isDialer: true}, ConnectionConfig{})
	if conn.State() != StateHandshaking {
		t.Errorf("initial state = %v, want StateHandshaking", conn.State())
	}
	if !conn.IsDialer() {
		t.Error("IsDialer() should reflect the underlying transport connection")
	}
	if time.Since(conn.LastActivity()) > time.Second {
		t.Error("LastActivity should be recent after construction")
	}
}

func TestPeerConnection_NeedsRotation_MessageCount(t *testing.T) {
	conn := NewPeerConnection(&nullPeerConn{}, ConnectionConfig{
		RotationPolicy: RotationPolicy{MaxMessages: 3, MaxAge: time.Hour},
	})

	if conn.NeedsRotation() {
		t.Error("fresh connection should not need rotation")
	}

	conn.msgCount.Store(3)
	if !conn.NeedsRotation() {
		t.Error("connection at the message threshold should need rotation")
	}
}

func TestPeerConnection_NeedsRotation_Age(t *testing.T) {
	conn := NewPeerConnection(&nullPeerConn{}, ConnectionConfig{
		RotationPolicy: RotationPolicy{MaxMessages: 1_000_000, MaxAge: 10 * time.Millisecond},
	})

	if conn.NeedsRotation() {
		t.Error("fresh connection should not need rotation")
	}

	time.Sleep(20 * time.Millisecond)
	if !conn.NeedsRotation() {
		t.Error("connection older than MaxAge should need rotation")
	}
}

func TestRotationSalt_OrderIndependent(t *testing.T) {
	a := testIdentity().DeviceID()
	b := testIdentity().DeviceID()

	saltAB := rotationSalt(a, b)
	saltBA := rotationSalt(b, a)

	if !bytes.Equal(saltAB, saltBA) {
		t.Error("rotationSalt must agree regardless of argument order, so concurrent rotation on both peers derives the same key")
	}
	if !bytes.Equal(rotationSalt(a, b), rotationSalt(a, b)) {
		t.Error("rotationSalt should be deterministic for the same pair")
	}
}

func TestPeerConnection_Close_Idempotent(t *testing.T) {
	conn := NewPeerConnection(&nullPeerConn{}, ConnectionConfig{})
	for i := 0; i < 3; i++ {
		if err := conn.Close(); err != nil {
			t.Errorf("Close() attempt %d: %v", i, err)
		}
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done() channel should be closed after Close()")
	}
	if conn.State() != StateDisconnected {
		t.Errorf("state after close = %v, want StateDisconnected", conn.State())
	}
}

func TestPeerConnection_UpdateRTT(t *testing.T) {
	conn := NewPeerConnection(&nullPeerConn{}, ConnectionConfig{})
	if conn.RTT() != 0 {
		t.Errorf("initial RTT = %v, want 0", conn.RTT())
	}

	sentAt := uint64(time.Now().Add(-50 * time.Millisecond).UnixMilli())
	conn.UpdateRTT(sentAt)

	if conn.RTT() < 10*time.Millisecond || conn.RTT() > 500*time.Millisecond {
		t.Errorf("RTT = %v, expected roughly 50ms", conn.RTT())
	}
}

// TestKeyRotation_ReciprocalExchange drives both sides of the rotation
// protocol directly against in-memory buffers, bypassing the network
// stream, and asserts both ends converge on the identical new session key.
func TestKeyRotation_ReciprocalExchange(t *testing.T) {
	initiatorIdentity := testIdentity()
	responderIdentity := testIdentity()

	var oldKey [crypto.KeySize]byte
	copy(oldKey[:], []byte("oldoldoldoldoldoldoldoldoldoldol"))

	initiatorID := initiatorIdentity.DeviceID()
	responderID := responderIdentity.DeviceID()

	initiator := NewPeerConnection(&nullPeerConn{isDialer: true}, ConnectionConfig{
		LocalID:        initiatorID,
		LocalIdentity:  initiatorIdentity,
		ExpectedPeerID: responderID,
		SessionKey:     oldKey,
	})
	initiator.RemoteID = responderID
	initiator.RemoteIdentityKey = responderIdentity.PublicKey

	responder := NewPeerConnection(&nullPeerConn{isDialer: false}, ConnectionConfig{
		LocalID:        responderID,
		LocalIdentity:  responderIdentity,
		ExpectedPeerID: initiatorID,
		SessionKey:     oldKey,
	})
	responder.RemoteID = initiatorID
	responder.RemoteIdentityKey = initiatorIdentity.PublicKey

	var initiatorOut, responderOut bytes.Buffer
	initiator.writer = protocol.NewFrameWriter(&initiatorOut)
	responder.writer = protocol.NewFrameWriter(&responderOut)

	if err := initiator.initiateRotation(); err != nil {
		t.Fatalf("initiateRotation: %v", err)
	}
	if initiator.pendingRotKey == nil {
		t.Fatal("initiator should have a pending rotation key after initiating")
	}

	initiatorFrame, err := protocol.NewFrameReader(bytes.NewReader(initiatorOut.Bytes())).Read()
	if err != nil {
		t.Fatalf("decode initiator frame: %v", err)
	}
	plaintext, err := initiatorFrame.Open(oldKey)
	if err != nil {
		t.Fatalf("open initiator frame: %v", err)
	}
	var initiatorBody protocol.KeyRotationBody
	if err := protocol.UnmarshalBody(plaintext, &initiatorBody); err != nil {
		t.Fatalf("unmarshal initiator body: %v", err)
	}
	if initiatorBody.Reason != "threshold" {
		t.Errorf("initiator rotation reason = %q, want %q", initiatorBody.Reason, "threshold")
	}

	responder.handleKeyRotation(initiatorBody)

	responderFrame, err := protocol.NewFrameReader(bytes.NewReader(responderOut.Bytes())).Read()
	if err != nil {
		t.Fatalf("decode responder reply frame: %v", err)
	}
	replyPlaintext, err := responderFrame.Open(oldKey)
	if err != nil {
		t.Fatalf("open responder reply frame: %v", err)
	}
	var replyBody protocol.KeyRotationBody
	if err := protocol.UnmarshalBody(replyPlaintext, &replyBody); err != nil {
		t.Fatalf("unmarshal reply body: %v", err)
	}
	if replyBody.Reason != "reciprocate" {
		t.Errorf("responder rotation reason = %q, want %q", replyBody.Reason, "reciprocate")
	}

	initiator.handleKeyRotation(replyBody)

	if initiator.SessionKey() != responder.SessionKey() {
		t.Error("initiator and responder should converge on the same rotated session key")
	}
	if initiator.SessionKey() == oldKey {
		t.Error("session key should have actually changed after rotation")
	}
	if initiator.pendingRotKey != nil {
		t.Error("initiator's pending rotation key should be cleared after completing the exchange")
	}
}

func TestKeyRotation_DroppedWithoutKnownIdentityKey(t *testing.T) {
	var oldKey [crypto.KeySize]byte
	copy(oldKey[:], []byte("oldoldoldoldoldoldoldoldoldoldol"))

	responder := NewPeerConnection(&nullPeerConn{}, ConnectionConfig{SessionKey: oldKey})
	// RemoteIdentityKey left zero: an unauthenticated rotation claim must
	// be dropped, never adopted.

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("generate ephemeral keypair: %v", err)
	}
	defer crypto.ZeroKey(&priv)

	forgedSig := make([]byte, crypto.Ed25519SignatureSize)
	body := protocol.KeyRotationBody{
		NewPublicKey: hex.EncodeToString(pub[:]),
		Signature:    hex.EncodeToString(forgedSig),
		Reason:       "threshold",
	}

	responder.handleKeyRotation(body)

	if responder.SessionKey() != oldKey {
		t.Error("rotation with an unknown identity key must be dropped, not adopted")
	}
}

func TestKeyRotation_DroppedOnBadSignature(t *testing.T) {
	attackerIdentity := testIdentity()
	legitIdentity := testIdentity()

	var oldKey [crypto.KeySize]byte
	copy(oldKey[:], []byte("oldoldoldoldoldoldoldoldoldoldol"))

	responder := NewPeerConnection(&nullPeerConn{}, ConnectionConfig{SessionKey: oldKey})
	responder.RemoteIdentityKey = legitIdentity.PublicKey

	_, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("generate ephemeral keypair: %v", err)
	}

	// Sign with the wrong (attacker) identity key instead of the one
	// responder trusts.
	sig := attackerIdentity.Sign(pub[:])
	body := protocol.KeyRotationBody{
		NewPublicKey: hex.EncodeToString(pub[:]),
		Signature:    hex.EncodeToString(sig[:]),
		Reason:       "threshold",
	}

	responder.handleKeyRotation(body)

	if responder.SessionKey() != oldKey {
		t.Error("rotation signed by the wrong identity key must be dropped")
	}
}
