package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/toss/internal/crypto"
)

func TestHandshaker_PerformHandshake_RoundTrip(t *testing.T) {
	localIdentity := testIdentity()
	remoteIdentity := testIdentity()
	localID := localIdentity.DeviceID()
	remoteID := remoteIdentity.DeviceID()

	var sessionKey [crypto.KeySize]byte
	copy(sessionKey[:], []byte("0123456789abcdef0123456789abcdef"))

	dialerConn, acceptorConn := newPipePeerConnPair()

	dialerSide := NewPeerConnection(dialerConn, ConnectionConfig{
		LocalID:        localID,
		LocalIdentity:  localIdentity,
		ExpectedPeerID: remoteID,
		SessionKey:     sessionKey,
	})
	dialerSide.RemoteID = remoteID

	acceptorSide := NewPeerConnection(acceptorConn, ConnectionConfig{
		LocalID:        remoteID,
		LocalIdentity:  remoteIdentity,
		ExpectedPeerID: localID,
		SessionKey:     sessionKey,
	})
	acceptorSide.RemoteID = localID

	dialerHandshaker := NewHandshaker(localID, localIdentity, "dialer-device", "linux", testTimeout)
	acceptorHandshaker := NewHandshaker(remoteID, remoteIdentity, "acceptor-device", "darwin", testTimeout)

	var wg sync.WaitGroup
	wg.Add(2)

	var dialerErr, acceptorErr error
	var dialerResult, acceptorResult *HandshakeResult

	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		dialerResult, dialerErr = dialerHandshaker.PerformHandshake(ctx, dialerSide, remoteID, sessionKey)
	}()

	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		acceptorResult, acceptorErr = acceptorHandshaker.PerformHandshake(ctx, acceptorSide, localID, sessionKey)
	}()

	wg.Wait()

	if dialerErr != nil {
		t.Fatalf("dialer handshake failed: %v", dialerErr)
	}
	if acceptorErr != nil {
		t.Fatalf("acceptor handshake failed: %v", acceptorErr)
	}

	if dialerResult.DeviceName != "acceptor-device" {
		t.Errorf("dialer saw peer device name %q, want %q", dialerResult.DeviceName, "acceptor-device")
	}
	if acceptorResult.DeviceName != "dialer-device" {
		t.Errorf("acceptor saw peer device name %q, want %q", acceptorResult.DeviceName, "dialer-device")
	}

	if dialerSide.State() != StateConnected {
		t.Errorf("dialer state = %v, want StateConnected", dialerSide.State())
	}
	if acceptorSide.State() != StateConnected {
		t.Errorf("acceptor state = %v, want StateConnected", acceptorSide.State())
	}

	select {
	case <-dialerSide.Ready():
	default:
		t.Error("dialer Ready() channel should be closed after handshake")
	}
}

func TestHandshaker_PerformHandshake_WrongKeyFails(t *testing.T) {
	localIdentity := testIdentity()
	remoteIdentity := testIdentity()
	localID := localIdentity.DeviceID()
	remoteID := remoteIdentity.DeviceID()

	var keyA, keyB [crypto.KeySize]byte
	copy(keyA[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	copy(keyB[:], []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))

	dialerConn, acceptorConn := newPipePeerConnPair()

	dialerSide := NewPeerConnection(dialerConn, ConnectionConfig{LocalID: localID, SessionKey: keyA})
	dialerSide.RemoteID = remoteID
	acceptorSide := NewPeerConnection(acceptorConn, ConnectionConfig{LocalID: remoteID, SessionKey: keyB})
	acceptorSide.RemoteID = localID

	dialerHandshaker := NewHandshaker(localID, localIdentity, "dialer", "linux", testTimeout)
	acceptorHandshaker := NewHandshaker(remoteID, remoteIdentity, "acceptor", "linux", testTimeout)

	var wg sync.WaitGroup
	wg.Add(2)

	var acceptorErr error

	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		dialerHandshaker.PerformHandshake(ctx, dialerSide, remoteID, keyA)
	}()

	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_, acceptorErr = acceptorHandshaker.PerformHandshake(ctx, acceptorSide, localID, keyB)
	}()

	wg.Wait()

	if acceptorErr == nil {
		t.Error("expected handshake to fail when sides use different session keys")
	}
}

func TestNewHandshaker_DefaultTimeout(t *testing.T) {
	id := testIdentity()
	h := NewHandshaker(id.DeviceID(), id, "name", "linux", 0)
	if h.timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", h.timeout)
	}
}
