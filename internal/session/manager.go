package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/toss/internal/crypto"
	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/logging"
	"github.com/postalsys/toss/internal/protocol"
	"github.com/postalsys/toss/internal/recovery"
	"github.com/postalsys/toss/internal/transport"
)

// PairedDeviceStore reports which device ids are paired with this device
// and supplies each paired device's session key and identity public key.
// Implemented by internal/store.
type PairedDeviceStore interface {
	IsPaired(id identity.DeviceID) bool
	SessionKey(id identity.DeviceID) ([crypto.KeySize]byte, bool)
	IdentityPublicKey(id identity.DeviceID) ([identity.KeySize]byte, bool)
	UpdateSessionKey(id identity.DeviceID, key [crypto.KeySize]byte) error
}

// PeerAddress is a dialable location for a paired peer, ordered by the
// transport the sender should attempt first: direct, then alt-stream,
// then relay.
type PeerAddress struct {
	DeviceID identity.DeviceID
	Direct   string // e.g. QUIC address, empty if unknown
	Alt      string // e.g. WebSocket URL, empty if unknown
	Relay    string // relay base URL, empty if no relay configured
}

// RelayClient is the minimal relay surface the Manager needs: send a
// sealed frame addressed to a peer device id, and subscribe to inbound
// frames addressed to this device. internal/relay's client type
// implements this against the relay HTTP+WebSocket server.
type RelayClient interface {
	Send(ctx context.Context, to identity.DeviceID, frame *protocol.Frame) error
	Subscribe(ctx context.Context, handler func(from identity.DeviceID, frame *protocol.Frame)) error
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	LocalID           identity.DeviceID
	LocalIdentity     *identity.Keypair
	DeviceName        string
	Platform          string
	Store             PairedDeviceStore
	DirectTransport   transport.Transport
	AltTransport      transport.Transport
	RelayClient       RelayClient
	DialOptions       transport.DialOptions
	HandshakeTimeout  time.Duration
	RotationPolicy    RotationPolicy
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	Logger            *slog.Logger
	OnPeerConnected   func(*PeerConnection)
	OnPeerDisconnect  func(*PeerConnection, error)
	OnClipboardFrame  func(*PeerConnection, *protocol.Frame, []byte)
}

// DefaultManagerConfig returns a config with sensible defaults.
func DefaultManagerConfig(localID identity.DeviceID, store PairedDeviceStore) ManagerConfig {
	return ManagerConfig{
		LocalID:           localID,
		Store:             store,
		HandshakeTimeout:  10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		RotationPolicy:    DefaultRotationPolicy(),
	}
}

// Manager tracks live peer sessions and multiplexes sends across the
// ordered transport fallback chain (direct, alt-stream, relay).
type Manager struct {
	cfg        ManagerConfig
	handshaker *Handshaker
	logger     *slog.Logger

	mu          sync.RWMutex
	peers       map[identity.DeviceID]*PeerConnection
	addresses   map[identity.DeviceID]*PeerAddress
	reconnector *Reconnector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a peer session manager.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	m := &Manager{
		cfg:        cfg,
		handshaker: NewHandshaker(cfg.LocalID, cfg.LocalIdentity, cfg.DeviceName, cfg.Platform, cfg.HandshakeTimeout),
		logger:     logger,
		peers:      make(map[identity.DeviceID]*PeerConnection),
		addresses:  make(map[identity.DeviceID]*PeerAddress),
		ctx:        ctx,
		cancel:     cancel,
	}

	m.reconnector = NewReconnector(DefaultReconnectConfig(), m.handleReconnect)

	if cfg.RelayClient != nil {
		m.wg.Add(1)
		go m.relayReceiveLoop()
	}

	return m
}

// SetAddress records where a paired device can be reached.
func (m *Manager) SetAddress(addr PeerAddress) {
	m.mu.Lock()
	m.addresses[addr.DeviceID] = &addr
	m.mu.Unlock()
}

// Connect establishes a session with a paired device, trying direct,
// then alt-stream transport, in that order. Callers that only have relay
// reachability should rely on SendFrame's relay fallback instead of
// calling Connect.
func (m *Manager) Connect(ctx context.Context, id identity.DeviceID) (*PeerConnection, error) {
	m.mu.RLock()
	addr := m.addresses[id]
	m.mu.RUnlock()

	if addr == nil {
		return nil, fmt.Errorf("no known address for peer %s", id.ShortString())
	}

	sessionKey, ok := m.cfg.Store.SessionKey(id)
	if !ok {
		return nil, fmt.Errorf("no session key for peer %s", id.ShortString())
	}
	identityKey, _ := m.cfg.Store.IdentityPublicKey(id)

	connCfg := ConnectionConfig{
		LocalID:          m.cfg.LocalID,
		LocalIdentity:    m.cfg.LocalIdentity,
		ExpectedPeerID:   id,
		SessionKey:       sessionKey,
		RotationPolicy:   m.cfg.RotationPolicy,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		OnDisconnect:     m.handleDisconnect,
	}

	var lastErr error
	if addr.Direct != "" && m.cfg.DirectTransport != nil {
		conn, err := m.handshaker.DialAndHandshake(ctx, m.cfg.DirectTransport, addr.Direct, connCfg, m.cfg.DialOptions)
		if err == nil {
			conn.RemoteIdentityKey = identityKey
			m.registerConnection(conn)
			return conn, nil
		}
		lastErr = err
		m.logger.Debug("direct connect failed, falling back", "peer", id.ShortString(), "error", err)
	}

	if addr.Alt != "" && m.cfg.AltTransport != nil {
		conn, err := m.handshaker.DialAndHandshake(ctx, m.cfg.AltTransport, addr.Alt, connCfg, m.cfg.DialOptions)
		if err == nil {
			conn.RemoteIdentityKey = identityKey
			m.registerConnection(conn)
			return conn, nil
		}
		lastErr = err
		m.logger.Debug("alt-stream connect failed, falling back to relay", "peer", id.ShortString(), "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no reachable transport for peer %s", id.ShortString())
	}
	return nil, lastErr
}

// Accept wraps an incoming transport connection from a peer whose
// identity was already resolved (e.g. by the listener matching a known
// paired-device record) and performs the DeviceInfo handshake.
func (m *Manager) Accept(ctx context.Context, peerConn transport.PeerConn, id identity.DeviceID) (*PeerConnection, error) {
	sessionKey, ok := m.cfg.Store.SessionKey(id)
	if !ok {
		return nil, fmt.Errorf("no session key for peer %s", id.ShortString())
	}
	identityKey, _ := m.cfg.Store.IdentityPublicKey(id)

	connCfg := ConnectionConfig{
		LocalID:          m.cfg.LocalID,
		LocalIdentity:    m.cfg.LocalIdentity,
		ExpectedPeerID:   id,
		SessionKey:       sessionKey,
		RotationPolicy:   m.cfg.RotationPolicy,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		OnDisconnect:     m.handleDisconnect,
	}

	conn, err := m.handshaker.AcceptHandshake(ctx, peerConn, connCfg)
	if err != nil {
		return nil, err
	}
	conn.RemoteIdentityKey = identityKey

	m.registerConnection(conn)
	return conn, nil
}

func (m *Manager) registerConnection(conn *PeerConnection) {
	m.mu.Lock()
	if existing, ok := m.peers[conn.RemoteID]; ok {
		existing.Close()
	}
	m.peers[conn.RemoteID] = conn
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(conn)
	go m.keepaliveLoop(conn)

	if m.cfg.OnPeerConnected != nil {
		m.cfg.OnPeerConnected(conn)
	}
}

func (m *Manager) handleDisconnect(conn *PeerConnection, err error) {
	m.mu.Lock()
	if existing, ok := m.peers[conn.RemoteID]; ok && existing == conn {
		delete(m.peers, conn.RemoteID)
	}
	addr := m.addresses[conn.RemoteID]
	m.mu.Unlock()

	if m.cfg.OnPeerDisconnect != nil {
		m.cfg.OnPeerDisconnect(conn, err)
	}

	if addr != nil {
		m.reconnector.Schedule(conn.RemoteID.String())
	}
}

func (m *Manager) handleReconnect(idStr string) error {
	id, err := identity.ParseDeviceID(idStr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout+m.cfg.DialOptions.Timeout)
	defer cancel()
	_, err = m.Connect(ctx, id)
	return err
}

// readLoop reads and dispatches frames from a connected peer, handling
// KeyRotation inline and dropping anything from an unpaired or self
// sender.
func (m *Manager) readLoop(conn *PeerConnection) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "session.readLoop")

	select {
	case <-conn.Ready():
	case <-conn.Done():
		return
	case <-m.ctx.Done():
		return
	}

	for {
		select {
		case <-conn.Done():
			return
		case <-m.ctx.Done():
			return
		default:
		}

		frame, err := conn.reader.Read()
		if err != nil {
			conn.Close()
			m.handleDisconnect(conn, err)
			return
		}

		conn.updateActivity()
		m.dispatch(conn, frame)
	}
}

func (m *Manager) dispatch(conn *PeerConnection, frame *protocol.Frame) {
	if conn.RemoteID.Equal(m.cfg.LocalID) {
		return // self-loop
	}
	if m.cfg.Store != nil && !m.cfg.Store.IsPaired(conn.RemoteID) {
		return // not a known paired device
	}

	plaintext, err := frame.Open(conn.SessionKey())
	if err != nil {
		return
	}

	switch frame.Header.Type {
	case protocol.Ping:
		_ = conn.Send(protocol.Pong, protocol.PongBody{})
	case protocol.Pong:
		conn.UpdateRTT(frame.Header.Timestamp)
	case protocol.KeyRotation:
		var body protocol.KeyRotationBody
		if protocol.UnmarshalBody(plaintext, &body) == nil {
			conn.handleKeyRotation(body)
			if m.cfg.Store != nil {
				_ = m.cfg.Store.UpdateSessionKey(conn.RemoteID, conn.SessionKey())
			}
		}
	case protocol.ClipboardUpdate, protocol.ClipboardAck, protocol.ClipboardRequest, protocol.DeviceInfo, protocol.ErrorMessage:
		if m.cfg.OnClipboardFrame != nil {
			m.cfg.OnClipboardFrame(conn, frame, plaintext)
		}
	}
}

func (m *Manager) keepaliveLoop(conn *PeerConnection) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "session.keepaliveLoop")

	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if conn.State() != StateConnected {
				return
			}
			if time.Since(conn.LastActivity()) > m.cfg.KeepaliveInterval+m.cfg.KeepaliveTimeout {
				conn.Close()
				m.handleDisconnect(conn, fmt.Errorf("keepalive timeout"))
				return
			}
			if err := conn.Send(protocol.Ping, protocol.PingBody{}); err != nil {
				conn.Close()
				m.handleDisconnect(conn, err)
				return
			}
		}
	}
}

func (m *Manager) relayReceiveLoop() {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "session.relayReceiveLoop")

	err := m.cfg.RelayClient.Subscribe(m.ctx, func(from identity.DeviceID, frame *protocol.Frame) {
		m.mu.RLock()
		conn := m.peers[from]
		m.mu.RUnlock()

		if conn == nil {
			m.handleRelayOnlyFrame(from, frame)
			return
		}
		m.dispatch(conn, frame)
	})
	if err != nil {
		m.logger.Warn("relay subscription ended", "error", err)
	}
}

// handleRelayOnlyFrame processes a frame from a paired peer that has no
// live direct/alt-stream connection; the relay is the only path.
func (m *Manager) handleRelayOnlyFrame(from identity.DeviceID, frame *protocol.Frame) {
	if from.Equal(m.cfg.LocalID) {
		return
	}
	if m.cfg.Store == nil || !m.cfg.Store.IsPaired(from) {
		return
	}
	sessionKey, ok := m.cfg.Store.SessionKey(from)
	if !ok {
		return
	}
	plaintext, err := frame.Open(sessionKey)
	if err != nil {
		return
	}
	if m.cfg.OnClipboardFrame != nil {
		m.cfg.OnClipboardFrame(nil, frame, plaintext)
	}
}

// GetPeer returns the live connection to a device, if any.
func (m *Manager) GetPeer(id identity.DeviceID) *PeerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// PeerCount returns the number of live peer sessions.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// PeerIDs returns the device ids of every currently connected peer.
func (m *Manager) PeerIDs() []identity.DeviceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]identity.DeviceID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends msgType/body to every connected peer. Per the
// multi-peer fan-out policy, the call succeeds if at least one peer
// accepted the message, or if zero peers are currently connected.
func (m *Manager) Broadcast(msgType protocol.MessageType, body any) error {
	m.mu.RLock()
	peers := make([]*PeerConnection, 0, len(m.peers))
	for _, conn := range m.peers {
		peers = append(peers, conn)
	}
	m.mu.RUnlock()

	if len(peers) == 0 {
		return nil
	}

	var successes int
	var lastErr error
	for _, conn := range peers {
		if err := conn.Send(msgType, body); err != nil {
			lastErr = err
			continue
		}
		successes++
	}

	if successes > 0 {
		return nil
	}
	return lastErr
}

// SendFrame delivers a message to a single peer, trying its live
// connection first and the relay if no connection is established.
func (m *Manager) SendFrame(ctx context.Context, id identity.DeviceID, msgType protocol.MessageType, body any) error {
	m.mu.RLock()
	conn := m.peers[id]
	m.mu.RUnlock()

	if conn != nil {
		return conn.Send(msgType, body)
	}

	if m.cfg.RelayClient == nil {
		return fmt.Errorf("peer %s not connected and no relay configured", id.ShortString())
	}

	sessionKey, ok := m.cfg.Store.SessionKey(id)
	if !ok {
		return fmt.Errorf("no session key for peer %s", id.ShortString())
	}
	f, err := protocol.Seal(sessionKey, msgType, uint64(time.Now().UnixMilli()), body)
	if err != nil {
		return err
	}
	return m.cfg.RelayClient.Send(ctx, id, f)
}

// Disconnect closes the live session with a peer, if any.
func (m *Manager) Disconnect(id identity.DeviceID) error {
	m.mu.Lock()
	conn, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("peer not connected: %s", id.ShortString())
	}
	return conn.Close()
}

// Close shuts down the manager and all live sessions.
func (m *Manager) Close() error {
	m.cancel()
	m.reconnector.Stop()

	m.mu.Lock()
	for _, conn := range m.peers {
		conn.Close()
	}
	m.peers = make(map[identity.DeviceID]*PeerConnection)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
