// Package relay implements the store-and-forward rendezvous and message
// relay server described by spec §4.5: device registration, bearer-token
// auth, live WebSocket delivery with an offline queue fallback, and
// pairing-code rendezvous for devices that can't reach each other over
// the local network.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/postalsys/toss/internal/logging"
	"github.com/postalsys/toss/internal/recovery"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8443".
	Addr string

	// DatabasePath is the SQLite DSN backing the relay's device, queue,
	// and pairing-session tables.
	DatabasePath string

	// JWTSecret signs bearer tokens. If empty, a random secret is
	// generated at startup (tokens won't survive a restart).
	JWTSecret []byte

	// TokenExpiration is how long an issued bearer token remains valid.
	TokenExpiration time.Duration

	// RateLimitMessages is the per-device cap on POST /api/v1/relay
	// calls per minute. Zero disables the limit.
	RateLimitMessages int

	// RateLimitRegister is the per-device cap on registration attempts
	// per minute. Zero disables the limit.
	RateLimitRegister int

	// QueueRetention is how long an undelivered queued message is kept
	// before cleanup discards it.
	QueueRetention time.Duration

	// PairingSessionTTLCap bounds how far in the future a pairing
	// session's requested expiry may be set, regardless of what the
	// client asks for.
	PairingSessionTTLCap time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible relay defaults.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8443",
		DatabasePath:         "relay.db",
		TokenExpiration:      24 * time.Hour,
		RateLimitMessages:    120,
		RateLimitRegister:    10,
		QueueRetention:       7 * 24 * time.Hour,
		PairingSessionTTLCap: 10 * time.Minute,
	}
}

// Server is the relay's HTTP+WebSocket endpoint set.
type Server struct {
	cfg Config

	store           *sqlStore
	tokens          *tokenIssuer
	messageLimiter  *perDeviceLimiter
	registerLimiter *perDeviceLimiter
	hub             *connectionHub
	logger          *slog.Logger

	httpServer *http.Server
}

// NewServer builds a Server and opens its database. Call Run to start
// serving.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	store, err := openStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	secret := cfg.JWTSecret
	if len(secret) == 0 {
		secret, err = randomSecret()
		if err != nil {
			store.close()
			return nil, err
		}
		logger.Warn("no JWT secret configured, generated an ephemeral one; tokens will not survive a restart")
	}
	expiration := cfg.TokenExpiration
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	s := &Server{
		cfg:             cfg,
		store:           store,
		tokens:          newTokenIssuer(secret, expiration),
		messageLimiter:  newPerDeviceLimiter(cfg.RateLimitMessages),
		registerLimiter: newPerDeviceLimiter(cfg.RateLimitRegister),
		hub:             newConnectionHub(),
		logger:          logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("DELETE /api/v1/register", s.handleUnregister)
	mux.HandleFunc("POST /api/v1/relay/{device_id}", s.handleRelay)
	mux.HandleFunc("GET /api/v1/devices/{device_id}/status", s.handleDeviceStatus)
	mux.HandleFunc("POST /api/v1/pairing/register", s.handlePairingRegister)
	mux.HandleFunc("GET /api/v1/pairing/find/{code}", s.handlePairingFind)
	mux.HandleFunc("DELETE /api/v1/pairing/{code}", s.handlePairingDelete)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s, nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.runCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithLog(s.logger, "relay-http-server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.hub.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down relay server: %w", err)
		}
		return s.store.close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	DeviceID   string `json:"device_id"`
	PublicKey  string `json:"public_key"`
	DeviceName string `json:"device_name"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

type registerResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if !s.registerLimiter.Allow(req.DeviceID) {
		writeError(w, http.StatusTooManyRequests, "registration rate limit exceeded")
		return
	}

	pub, err := decodeBase64PublicKey(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := decodeBase64Signature(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := verifyTimestamp(time.Unix(req.Timestamp, 0), time.Now()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := verifySignedString(pub, registerMessage(req.DeviceID, req.Timestamp), sig); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := s.store.upsertDevice(req.DeviceID, pub[:], req.DeviceName); err != nil {
		s.logger.Error("register: upsert device failed", "error", err, "device_id", req.DeviceID)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	token, expiresAt, err := s.tokens.issue(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Token: token, ExpiresAt: expiresAt.Unix()})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.store.deleteDevice(deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unregister device")
		return
	}
	s.hub.close(deviceID)
	w.WriteHeader(http.StatusNoContent)
}

type relayRequest struct {
	EncryptedPayload string `json:"encrypted_payload"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	fromID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !s.messageLimiter.Allow(fromID) {
		writeError(w, http.StatusTooManyRequests, "message rate limit exceeded")
		return
	}

	toID := r.PathValue("device_id")
	if _, err := s.store.getDevice(toID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "unknown target device")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up target device")
		return
	}

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EncryptedPayload == "" {
		writeError(w, http.StatusBadRequest, "encrypted_payload is required")
		return
	}

	msgID := newQueueID()
	if s.hub.push(toID, wsEnvelope{
		Type: "message",
		Message: &relayMessage{
			ID:        msgID,
			From:      fromID,
			To:        toID,
			Payload:   req.EncryptedPayload,
			Timestamp: time.Now().Unix(),
		},
	}) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
		return
	}

	if err := s.store.enqueueMessage(msgID, fromID, toID, req.EncryptedPayload); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	id := r.PathValue("device_id")
	dev, err := s.store.getDevice(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": dev.ID,
		"is_online": s.hub.isConnected(id),
		"last_seen": dev.LastSeen.Unix(),
	})
}

type pairingRegisterRequest struct {
	Code          string          `json:"code"`
	Advertisement json.RawMessage `json:"advertisement"`
	ExpiresInSecs int64           `json:"expires_in_secs"`
}

func (s *Server) handlePairingRegister(w http.ResponseWriter, r *http.Request) {
	var req pairingRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Code == "" || len(req.Advertisement) == 0 {
		writeError(w, http.StatusBadRequest, "code and advertisement are required")
		return
	}

	ttl := time.Duration(req.ExpiresInSecs) * time.Second
	if ttl <= 0 || ttl > s.cfg.PairingSessionTTLCap {
		ttl = s.cfg.PairingSessionTTLCap
	}

	if err := s.store.upsertPairingSession(req.Code, []byte(req.Advertisement), time.Now().Add(ttl)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register pairing session")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handlePairingFind(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	row, err := s.store.findPairingSession(code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "pairing code not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up pairing code")
		return
	}
	if time.Now().After(row.ExpiresAt) {
		writeError(w, http.StatusNotFound, "pairing code expired")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(row.Advertisement)
}

func (s *Server) handlePairingDelete(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := s.store.deletePairingSession(code); err != nil {
		s.logger.Debug("pairing session delete failed", "error", err, "code", code)
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate extracts and verifies the Authorization: Bearer token,
// writing a 401 response and returning ok=false on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	deviceID, err := s.tokens.verify(strings.TrimPrefix(header, prefix))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid bearer token")
		return "", false
	}
	return deviceID, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket drives the AwaitAuth -> Active -> Closed state machine
// from spec §4.5: the client connects unauthenticated, has
// wsAuthTimeout to send an auth envelope signed with its identity key,
// and is promoted to the live-connection hub on success.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	deviceID, err := s.awaitAuth(conn)
	if err != nil {
		conn.WriteJSON(wsEnvelope{Type: "auth_result", Success: false, Error: err.Error()})
		conn.Close()
		return
	}

	lc := s.hub.register(deviceID, conn)
	defer s.hub.close(deviceID)

	conn.WriteJSON(wsEnvelope{Type: "auth_result", Success: true})
	s.store.setLastSeen(deviceID, time.Now())

	s.deliverQueued(deviceID, lc)

	go s.writePump(lc)
	s.readPump(deviceID, conn)
}

const wsAuthTimeout = 10 * time.Second

func (s *Server) awaitAuth(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("read auth envelope: %w", err)
	}
	if env.Type != "auth" || env.DeviceID == "" {
		return "", fmt.Errorf("expected auth envelope")
	}

	dev, err := s.store.getDevice(env.DeviceID)
	if err != nil {
		return "", fmt.Errorf("unknown device")
	}
	var pub [32]byte
	copy(pub[:], dev.PublicKey)

	sig, err := decodeBase64Signature(env.Signature)
	if err != nil {
		return "", err
	}
	if err := verifyTimestamp(time.Unix(env.Timestamp, 0), time.Now()); err != nil {
		return "", err
	}
	if err := verifySignedString(pub, authMessage(env.DeviceID, env.Timestamp), sig); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Time{})
	return env.DeviceID, nil
}

func (s *Server) deliverQueued(deviceID string, lc *liveConn) {
	rows, err := s.store.drainQueue(deviceID)
	if err != nil {
		s.logger.Warn("drain queue failed", "error", err, "device_id", deviceID)
		return
	}
	for _, row := range rows {
		lc.send(wsEnvelope{
			Type: "message",
			Message: &relayMessage{
				ID:        row.ID,
				From:      row.FromDevice,
				To:        row.ToDevice,
				Payload:   row.EncryptedPayload,
				Timestamp: row.CreatedAt.Unix(),
			},
		})
	}
}

func (s *Server) writePump(lc *liveConn) {
	defer recovery.RecoverWithLog(s.logger, "relay-ws-writer")
	for env := range lc.outgoing {
		lc.writeMu.Lock()
		err := lc.conn.WriteJSON(env)
		lc.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) readPump(deviceID string, conn *websocket.Conn) {
	defer recovery.RecoverWithLog(s.logger, "relay-ws-reader")
	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == "ping" {
			s.store.setLastSeen(deviceID, time.Now())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
