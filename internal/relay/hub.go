package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// outgoingBufferSize bounds how many envelopes can be queued for a single
// live connection before push gives up and the caller falls back to the
// offline queue, per spec §4.5's bounded per-connection outbox.
const outgoingBufferSize = 100

// wsEnvelope is the JSON frame exchanged over the relay WebSocket, for
// both the auth handshake and subsequent message delivery.
type wsEnvelope struct {
	Type      string        `json:"type"`
	DeviceID  string        `json:"device_id,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Signature string        `json:"signature,omitempty"`
	Success   bool          `json:"success,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   *relayMessage `json:"message,omitempty"`
}

// relayMessage carries one sealed, already-encrypted application frame
// addressed from one device to another.
type relayMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"ts"`
}

func newQueueID() string {
	return uuid.NewString()
}

// liveConn is one authenticated device's WebSocket connection.
type liveConn struct {
	conn     *websocket.Conn
	outgoing chan wsEnvelope
	writeMu  sync.Mutex
}

func (lc *liveConn) send(env wsEnvelope) bool {
	select {
	case lc.outgoing <- env:
		return true
	default:
		return false
	}
}

// connectionHub tracks the relay's currently-authenticated WebSocket
// connections, keyed by device id. It is the live half of delivery:
// push attempts a direct hand-off here before the caller falls back to
// sqlStore's offline queue.
type connectionHub struct {
	mu    sync.RWMutex
	conns map[string]*liveConn
}

func newConnectionHub() *connectionHub {
	return &connectionHub{conns: make(map[string]*liveConn)}
}

func (h *connectionHub) register(deviceID string, conn *websocket.Conn) *liveConn {
	lc := &liveConn{conn: conn, outgoing: make(chan wsEnvelope, outgoingBufferSize)}

	h.mu.Lock()
	if existing, ok := h.conns[deviceID]; ok {
		close(existing.outgoing)
		existing.conn.Close()
	}
	h.conns[deviceID] = lc
	h.mu.Unlock()

	return lc
}

func (h *connectionHub) close(deviceID string) {
	h.mu.Lock()
	lc, ok := h.conns[deviceID]
	if ok {
		delete(h.conns, deviceID)
	}
	h.mu.Unlock()

	if ok {
		close(lc.outgoing)
		lc.conn.Close()
	}
}

func (h *connectionHub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*liveConn)
	h.mu.Unlock()

	for _, lc := range conns {
		close(lc.outgoing)
		lc.conn.Close()
	}
}

func (h *connectionHub) isConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[deviceID]
	return ok
}

// push attempts direct delivery to deviceID's live connection, reporting
// whether it was accepted. A false return means the caller should fall
// back to the offline queue: either the device isn't connected, or its
// outbox is full.
func (h *connectionHub) push(deviceID string, env wsEnvelope) bool {
	h.mu.RLock()
	lc, ok := h.conns[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return lc.send(env)
}
