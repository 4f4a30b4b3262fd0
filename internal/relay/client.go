package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/logging"
	"github.com/postalsys/toss/internal/pairing"
	"github.com/postalsys/toss/internal/protocol"
	"github.com/postalsys/toss/internal/recovery"
)

// Client is the agent-side HTTP+WebSocket client for a relay server. It
// implements both internal/session.RelayClient (frame delivery) and
// internal/pairing.RelayRendezvous (pairing-code rendezvous), so a single
// configured relay endpoint serves both concerns.
type Client struct {
	baseURL    string
	localID    identity.DeviceID
	localKey   *identity.Keypair
	deviceName string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// NewClient builds a relay client against baseURL (e.g.
// "https://relay.example.com"). localKey signs registration and
// WebSocket auth requests.
func NewClient(baseURL string, localKey *identity.Keypair, deviceName string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		localID:    localKey.DeviceID(),
		localKey:   localKey,
		deviceName: deviceName,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// ensureToken returns a bearer token, registering (or re-registering,
// once the previous token is within a minute of expiry) as needed.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExp) > time.Minute {
		return c.token, nil
	}

	now := time.Now()
	sig := c.localKey.Sign([]byte(registerMessage(c.localID.String(), now.Unix())))

	req := registerRequest{
		DeviceID:   c.localID.String(),
		PublicKey:  base64.StdEncoding.EncodeToString(c.localKey.PublicKey[:]),
		DeviceName: c.deviceName,
		Timestamp:  now.Unix(),
		Signature:  base64.StdEncoding.EncodeToString(sig[:]),
	}

	var resp registerResponse
	if err := c.postJSON(ctx, "/api/v1/register", "", req, &resp); err != nil {
		return "", fmt.Errorf("register with relay: %w", err)
	}

	c.token = resp.Token
	c.tokenExp = time.Unix(resp.ExpiresAt, 0)
	return c.token, nil
}

// Send implements internal/session.RelayClient: it encodes the
// already-sealed frame and posts it for relay delivery to the peer
// identified by to.
func (c *Client) Send(ctx context.Context, to identity.DeviceID, frame *protocol.Frame) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req := relayRequest{EncryptedPayload: base64.StdEncoding.EncodeToString(frame.Encode())}
	var result map[string]string
	return c.postJSON(ctx, "/api/v1/relay/"+to.String(), token, req, &result)
}

// Subscribe implements internal/session.RelayClient: it opens (and, on
// disconnect, keeps retrying to reopen) the relay WebSocket, invoking
// handler for every frame addressed to this device until ctx is
// canceled.
func (c *Client) Subscribe(ctx context.Context, handler func(from identity.DeviceID, frame *protocol.Frame)) error {
	go func() {
		defer recovery.RecoverWithLog(c.logger, "relay-client-subscribe")
		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := c.runSubscription(ctx, handler); err != nil {
				c.logger.Warn("relay subscription ended, retrying", "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
	return nil
}

func (c *Client) runSubscription(ctx context.Context, handler func(from identity.DeviceID, frame *protocol.Frame)) error {
	// The relay only authenticates WebSocket connections from registered
	// devices, so register first.
	if _, err := c.ensureToken(ctx); err != nil {
		return err
	}

	wsURL := toWebSocketURL(c.baseURL) + "/api/v1/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay websocket: %w", err)
	}
	defer conn.Close()

	now := time.Now()
	sig := c.localKey.Sign([]byte(authMessage(c.localID.String(), now.Unix())))
	authEnv := wsEnvelope{
		Type:      "auth",
		DeviceID:  c.localID.String(),
		Timestamp: now.Unix(),
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
	}
	if err := conn.WriteJSON(authEnv); err != nil {
		return fmt.Errorf("send auth envelope: %w", err)
	}

	var result wsEnvelope
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if result.Type != "auth_result" || !result.Success {
		return fmt.Errorf("relay auth rejected: %s", result.Error)
	}

	c.wsMu.Lock()
	c.ws = conn
	c.wsMu.Unlock()

	go c.pingLoop(ctx, conn)

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if env.Type != "message" || env.Message == nil {
			continue
		}
		fromID, err := identity.ParseDeviceID(env.Message.From)
		if err != nil {
			c.logger.Warn("relay delivered a message with an unparseable sender id", "error", err)
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(env.Message.Payload)
		if err != nil {
			c.logger.Warn("relay delivered a message with an undecodable payload", "error", err)
			continue
		}
		frame, err := protocol.DecodeFrame(payload)
		if err != nil {
			c.logger.Warn("relay delivered a malformed frame", "error", err)
			continue
		}
		handler(fromID, frame)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer recovery.RecoverWithLog(c.logger, "relay-client-ping")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.wsMu.Lock()
			err := conn.WriteJSON(wsEnvelope{Type: "ping"})
			c.wsMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Register implements internal/pairing.RelayRendezvous.
func (c *Client) Register(ctx context.Context, ad pairing.Advertisement) error {
	encoded, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("encode advertisement: %w", err)
	}
	req := pairingRegisterRequest{
		Code:          ad.Code,
		Advertisement: json.RawMessage(encoded),
		ExpiresInSecs: int64(ad.TTL.Seconds()),
	}
	return c.postJSON(ctx, "/api/v1/pairing/register", "", req, nil)
}

// Lookup implements internal/pairing.RelayRendezvous.
func (c *Client) Lookup(ctx context.Context, code string) (*pairing.Advertisement, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/pairing/find/"+code, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("relay pairing lookup: unexpected status %d", resp.StatusCode)
	}

	var ad pairing.Advertisement
	if err := json.NewDecoder(resp.Body).Decode(&ad); err != nil {
		return nil, false, fmt.Errorf("decode advertisement: %w", err)
	}
	return &ad, true, nil
}

// Delete implements internal/pairing.RelayRendezvous.
func (c *Client) Delete(ctx context.Context, code string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/pairing/"+code, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) postJSON(ctx context.Context, path, bearer string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay request to %s failed: %d: %s", path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toWebSocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
