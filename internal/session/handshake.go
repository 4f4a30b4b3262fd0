package session

import (
	"context"
	"fmt"
	"time"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/protocol"
	"github.com/postalsys/toss/internal/transport"
)

// HandshakeResult contains the outcome of a successful post-connect
// handshake: a DeviceInfo exchange over the already-keyed session.
type HandshakeResult struct {
	RemoteID       identity.DeviceID
	DeviceName     string
	Platform       string
	RTT            time.Duration
}

// Handshaker opens the control stream for a freshly dialed or accepted
// transport connection and exchanges DeviceInfo frames. Unlike a bare
// transport handshake, authentication here comes from the AEAD session
// key established during pairing: a peer that cannot produce a frame
// this key will open is not trusted, regardless of what it claims its
// device id to be.
type Handshaker struct {
	localID       identity.DeviceID
	localIdentity *identity.Keypair
	deviceName    string
	platform      string
	timeout       time.Duration
}

// NewHandshaker creates a new handshaker.
func NewHandshaker(localID identity.DeviceID, localIdentity *identity.Keypair, deviceName, platform string, timeout time.Duration) *Handshaker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handshaker{
		localID:       localID,
		localIdentity: localIdentity,
		deviceName:    deviceName,
		platform:      platform,
		timeout:       timeout,
	}
}

// PerformHandshake opens (or accepts) the control stream on conn and
// exchanges DeviceInfo frames sealed under the connection's session key.
func (h *Handshaker) PerformHandshake(ctx context.Context, conn *PeerConnection, expectedPeerID identity.DeviceID, sessionKey [crypto.KeySize]byte) (*HandshakeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var stream transport.Stream
	var err error
	if conn.isDialer {
		stream, err = conn.conn.OpenStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("open handshake stream: %w", err)
		}
	} else {
		stream, err = conn.conn.AcceptStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("accept handshake stream: %w", err)
		}
	}

	reader := protocol.NewFrameReader(stream)
	writer := protocol.NewFrameWriter(stream)

	conn.reader = reader
	conn.writer = writer
	conn.controlStream = stream

	startTime := time.Now()

	selfInfo := protocol.DeviceInfoBody{DeviceName: h.deviceName, Platform: h.platform}
	f, err := protocol.Seal(sessionKey, protocol.DeviceInfo, uint64(startTime.UnixMilli()), selfInfo)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("seal DeviceInfo: %w", err)
	}
	if err := writer.Write(f); err != nil {
		stream.Close()
		return nil, fmt.Errorf("send DeviceInfo: %w", err)
	}

	reply, err := reader.Read()
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("read peer DeviceInfo: %w", err)
	}
	if reply.Header.Type != protocol.DeviceInfo {
		stream.Close()
		return nil, fmt.Errorf("expected DEVICE_INFO, got %s", reply.Header.Type)
	}

	plaintext, err := reply.Open(sessionKey)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("open peer DeviceInfo: %w", err)
	}

	var peerInfo protocol.DeviceInfoBody
	if err := protocol.UnmarshalBody(plaintext, &peerInfo); err != nil {
		stream.Close()
		return nil, fmt.Errorf("decode peer DeviceInfo: %w", err)
	}

	// RemoteID is set by the caller from the paired-device record before
	// the handshake runs; successfully opening a frame under that
	// record's session key is itself the peer authentication, so there is
	// no separate id claim to verify here.
	conn.RemoteDisplayName = peerInfo.DeviceName
	conn.RemotePlatform = peerInfo.Platform
	conn.SetState(StateConnected)
	conn.markReady()

	return &HandshakeResult{
		RemoteID:   conn.RemoteID,
		DeviceName: peerInfo.DeviceName,
		Platform:   peerInfo.Platform,
		RTT:        time.Since(startTime),
	}, nil
}

// AcceptHandshake wraps an accepted transport connection and performs the
// DeviceInfo handshake.
func (h *Handshaker) AcceptHandshake(ctx context.Context, peerConn transport.PeerConn, cfg ConnectionConfig) (*PeerConnection, error) {
	conn := NewPeerConnection(peerConn, cfg)
	conn.RemoteID = cfg.ExpectedPeerID

	if _, err := h.PerformHandshake(ctx, conn, cfg.ExpectedPeerID, cfg.SessionKey); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// DialAndHandshake dials a peer over tr and performs the DeviceInfo
// handshake.
func (h *Handshaker) DialAndHandshake(ctx context.Context, tr transport.Transport, addr string, cfg ConnectionConfig, dialOpts transport.DialOptions) (*PeerConnection, error) {
	peerConn, err := tr.Dial(ctx, addr, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn := NewPeerConnection(peerConn, cfg)
	conn.RemoteID = cfg.ExpectedPeerID

	if _, err := h.PerformHandshake(ctx, conn, cfg.ExpectedPeerID, cfg.SessionKey); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
