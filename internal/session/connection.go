// Package session manages encrypted peer connections: the per-peer AEAD
// session key, transport-level stream I/O, and the session-key rotation
// protocol layered on top of internal/protocol's wire frames.
package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/protocol"
	"github.com/postalsys/toss/internal/transport"
)

// ConnectionState represents the state of a peer connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// RotationPolicy controls when a session key is due for rotation: after a
// message count threshold or after an age threshold, whichever comes first.
type RotationPolicy struct {
	MaxMessages uint64
	MaxAge      time.Duration
}

// DefaultRotationPolicy rotates every 1000 messages or every 24 hours.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxMessages: 1000,
		MaxAge:      24 * time.Hour,
	}
}

// PeerConnection represents an active, keyed session with a single paired
// device. Frames sent and received over it are sealed under the session's
// current AEAD key; the transport carrying the frame bytes (direct,
// alt-stream, or relay) is orthogonal to that encryption.
type PeerConnection struct {
	LocalID           identity.DeviceID
	RemoteID          identity.DeviceID
	RemoteDisplayName string
	RemotePlatform    string

	// RemoteIdentityKey is the peer's long-lived Ed25519 public key, used
	// to authenticate KeyRotation messages. Zero if not yet known, in
	// which case rotations from this peer cannot be authenticated and
	// handleKeyRotation drops them.
	RemoteIdentityKey [identity.KeySize]byte

	localIdentity *identity.Keypair

	conn       transport.PeerConn
	isDialer   bool
	configAddr string

	state atomic.Int32

	reader        *protocol.FrameReader
	writer        *protocol.FrameWriter
	controlStream transport.Stream
	writeMu       sync.Mutex

	rotationPolicy RotationPolicy
	keyMu          sync.RWMutex
	sessionKey     [crypto.KeySize]byte
	keyEstablished time.Time
	msgCount       atomic.Uint64
	pendingRotKey  *[crypto.KeySize]byte

	lastActivity atomic.Int64
	rtt          atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	ready     chan struct{}

	onFrame      func(*PeerConnection, *protocol.Frame)
	onDisconnect func(*PeerConnection, error)
}

// ConnectionConfig configures a new PeerConnection.
type ConnectionConfig struct {
	LocalID          identity.DeviceID
	LocalIdentity    *identity.Keypair
	ExpectedPeerID   identity.DeviceID
	SessionKey       [crypto.KeySize]byte
	RotationPolicy   RotationPolicy
	HandshakeTimeout time.Duration
	OnFrame          func(*PeerConnection, *protocol.Frame)
	OnDisconnect     func(*PeerConnection, error)
}

// NewPeerConnection wraps a transport connection with session state.
// cfg.SessionKey is the AEAD key established by pairing or a prior
// rotation.
func NewPeerConnection(conn transport.PeerConn, cfg ConnectionConfig) *PeerConnection {
	ctx, cancel := context.WithCancel(context.Background())

	policy := cfg.RotationPolicy
	if policy.MaxMessages == 0 && policy.MaxAge == 0 {
		policy = DefaultRotationPolicy()
	}

	c := &PeerConnection{
		LocalID:        cfg.LocalID,
		localIdentity:  cfg.LocalIdentity,
		conn:           conn,
		isDialer:       conn.IsDialer(),
		rotationPolicy: policy,
		sessionKey:     cfg.SessionKey,
		keyEstablished: time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
		ready:          make(chan struct{}),
		onFrame:        cfg.OnFrame,
		onDisconnect:   cfg.OnDisconnect,
	}

	c.state.Store(int32(StateHandshaking))
	c.updateActivity()

	return c
}

func (c *PeerConnection) State() ConnectionState          { return ConnectionState(c.state.Load()) }
func (c *PeerConnection) SetState(state ConnectionState)  { c.state.Store(int32(state)) }
func (c *PeerConnection) IsDialer() bool                  { return c.isDialer }

func (c *PeerConnection) TransportType() transport.TransportType {
	if c.conn == nil {
		return ""
	}
	return c.conn.TransportType()
}

// SessionKey returns a copy of the currently active AEAD session key.
func (c *PeerConnection) SessionKey() [crypto.KeySize]byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.sessionKey
}

// NeedsRotation reports whether the session key has crossed either
// rotation threshold.
func (c *PeerConnection) NeedsRotation() bool {
	c.keyMu.RLock()
	established := c.keyEstablished
	c.keyMu.RUnlock()

	if c.msgCount.Load() >= c.rotationPolicy.MaxMessages {
		return true
	}
	return time.Since(established) >= c.rotationPolicy.MaxAge
}

// Send seals body as a frame under the current session key and writes it
// to the underlying stream, triggering a rotation first if one is due.
func (c *PeerConnection) Send(msgType protocol.MessageType, body any) error {
	if c.NeedsRotation() && c.pendingRotKey == nil {
		if err := c.initiateRotation(); err != nil {
			return fmt.Errorf("rotate session key: %w", err)
		}
	}

	key := c.SessionKey()
	f, err := protocol.Seal(key, msgType, uint64(time.Now().UnixMilli()), body)
	if err != nil {
		return err
	}

	if err := c.writeFrame(f); err != nil {
		return err
	}

	c.msgCount.Add(1)
	return nil
}

func (c *PeerConnection) writeFrame(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writer == nil {
		return fmt.Errorf("connection not initialized")
	}

	c.updateActivity()
	return c.writer.Write(f)
}

// initiateRotation generates a fresh ephemeral keypair, signs the new
// public key with the local device identity, and sends it as a
// KeyRotation message. The session key is swapped only once the peer's
// own KeyRotation reply arrives, in handleKeyRotation.
func (c *PeerConnection) initiateRotation() error {
	if c.localIdentity == nil {
		return fmt.Errorf("no local identity available to sign rotation")
	}

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return err
	}

	sig := c.localIdentity.Sign(pub[:])
	body := protocol.KeyRotationBody{
		NewPublicKey: hex.EncodeToString(pub[:]),
		Signature:    hex.EncodeToString(sig[:]),
		Reason:       "threshold",
	}

	key := c.SessionKey()
	f, err := protocol.Seal(key, protocol.KeyRotation, uint64(time.Now().UnixMilli()), body)
	if err != nil {
		crypto.ZeroKey(&priv)
		return err
	}
	if err := c.writeFrame(f); err != nil {
		crypto.ZeroKey(&priv)
		return err
	}

	c.pendingRotKey = &priv
	return nil
}

// handleKeyRotation processes an inbound KeyRotation frame. The signature
// is verified against RemoteIdentityKey; if that key is unknown or the
// signature fails, the message is dropped silently, matching the
// drop-on-failure policy applied to all unauthenticated control traffic.
func (c *PeerConnection) handleKeyRotation(body protocol.KeyRotationBody) {
	var zeroIdentity [identity.KeySize]byte
	if c.RemoteIdentityKey == zeroIdentity {
		return
	}

	peerEphPub, err := identity.ParseKey(body.NewPublicKey)
	if err != nil {
		return
	}
	sigBytes, err := hex.DecodeString(body.Signature)
	if err != nil || len(sigBytes) != crypto.Ed25519SignatureSize {
		return
	}
	var sig [crypto.Ed25519SignatureSize]byte
	copy(sig[:], sigBytes)
	if !crypto.Verify(c.RemoteIdentityKey, peerEphPub[:], sig) {
		return
	}

	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	if c.pendingRotKey != nil {
		shared, err := crypto.ComputeECDH(*c.pendingRotKey, peerEphPub)
		crypto.ZeroKey(c.pendingRotKey)
		c.pendingRotKey = nil
		if err != nil {
			return
		}
		newKey, err := crypto.DeriveKey(shared[:], rotationSalt(c.LocalID, c.RemoteID), crypto.PurposeSessionEncryption)
		if err != nil {
			return
		}
		c.sessionKey = newKey
		c.keyEstablished = time.Now()
		c.msgCount.Store(0)
		return
	}

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return
	}
	defer crypto.ZeroKey(&priv)

	shared, err := crypto.ComputeECDH(priv, peerEphPub)
	if err != nil {
		return
	}
	newKey, err := crypto.DeriveKey(shared[:], rotationSalt(c.RemoteID, c.LocalID), crypto.PurposeSessionEncryption)
	if err != nil {
		return
	}

	if c.localIdentity != nil {
		sig := c.localIdentity.Sign(pub[:])
		reply := protocol.KeyRotationBody{
			NewPublicKey: hex.EncodeToString(pub[:]),
			Signature:    hex.EncodeToString(sig[:]),
			Reason:       "reciprocate",
		}
		key := c.sessionKey
		c.keyMu.Unlock()
		f, sealErr := protocol.Seal(key, protocol.KeyRotation, uint64(time.Now().UnixMilli()), reply)
		if sealErr == nil {
			_ = c.writeFrame(f)
		}
		c.keyMu.Lock()
	}

	c.sessionKey = newKey
	c.keyEstablished = time.Now()
	c.msgCount.Store(0)
}

// rotationSalt binds a derived rotation key to both participants' device
// ids. The ids are ordered by byte value rather than by caller-supplied
// role, so the pending and reciprocating branches (which call this with
// the ids swapped) always agree on the same HKDF input — including when
// both peers initiate a rotation at the same time.
func rotationSalt(a, b identity.DeviceID) []byte {
	salt := make([]byte, 0, 2*identity.IDSize)
	if bytes.Compare(a.Bytes(), b.Bytes()) <= 0 {
		salt = append(salt, a.Bytes()...)
		salt = append(salt, b.Bytes()...)
	} else {
		salt = append(salt, b.Bytes()...)
		salt = append(salt, a.Bytes()...)
	}
	return salt
}

// LastActivity returns the time of last I/O on this connection.
func (c *PeerConnection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *PeerConnection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// RTT returns the measured round-trip time.
func (c *PeerConnection) RTT() time.Duration { return time.Duration(c.rtt.Load()) }

// UpdateRTT records a round-trip measurement from a Ping/Pong exchange.
func (c *PeerConnection) UpdateRTT(sentUnixMilli uint64) {
	now := uint64(time.Now().UnixMilli())
	if now > sentUnixMilli {
		c.rtt.Store(int64(time.Duration(now-sentUnixMilli) * time.Millisecond))
	}
}

// Close closes the connection and its underlying transport stream.
func (c *PeerConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.SetState(StateDisconnected)
		if c.controlStream != nil {
			c.controlStream.Close()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
		close(c.closed)
	})
	return err
}

// Done returns a channel closed when the connection is closed.
func (c *PeerConnection) Done() <-chan struct{} { return c.closed }

// Ready returns a channel closed once the post-connect handshake
// completes and the frame reader/writer are initialized.
func (c *PeerConnection) Ready() <-chan struct{} { return c.ready }

func (c *PeerConnection) markReady() {
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// Context returns the connection's lifetime context.
func (c *PeerConnection) Context() context.Context { return c.ctx }

// LocalAddr returns the local transport address, if any.
func (c *PeerConnection) LocalAddr() string {
	if c.conn == nil {
		return ""
	}
	return addrToString(c.conn.LocalAddr())
}

// RemoteAddr returns the remote transport address, if any.
func (c *PeerConnection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return addrToString(c.conn.RemoteAddr())
}

func addrToString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ConfigAddr returns the address this connection was dialed with, used to
// key reconnection attempts. Empty for accepted (incoming) connections.
func (c *PeerConnection) ConfigAddr() string { return c.configAddr }

// SetConfigAddr records the dial address for later reconnection.
func (c *PeerConnection) SetConfigAddr(addr string) { c.configAddr = addr }

// String renders a short diagnostic summary.
func (c *PeerConnection) String() string {
	return fmt.Sprintf("Peer{id=%s, state=%s, transport=%s}",
		c.RemoteID.ShortString(), c.State(), c.TransportType())
}
