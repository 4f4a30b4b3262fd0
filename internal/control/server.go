// Package control provides a Unix socket control interface for the
// Toss agent, used by the CLI's status/peers commands to query a
// running agent process without going through the network.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/toss/internal/identity"
)

// AgentInfo provides the running agent's state for the control interface.
type AgentInfo interface {
	// DeviceID returns this device's identity.
	DeviceID() identity.DeviceID

	// IsRunning returns true if the agent's session manager is active.
	IsRunning() bool

	// GetPeerIDs returns the device ids of currently connected peers.
	GetPeerIDs() []identity.DeviceID

	// GetPairedDeviceInfo returns summary info for every paired device.
	GetPairedDeviceInfo() []PairedDeviceInfo
}

// PairedDeviceInfo summarizes one paired device for display.
type PairedDeviceInfo struct {
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	DeviceID  string `json:"device_id"`
	Running   bool   `json:"running"`
	PeerCount int    `json:"peer_count"`
}

// PeersResponse is the response for the peers endpoint.
type PeersResponse struct {
	Peers []PairedDeviceInfo `json:"peers"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	agent    AgentInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, agent AgentInfo) *Server {
	s := &Server{
		cfg:   cfg,
		agent: agent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		DeviceID:  s.agent.DeviceID().ShortString(),
		Running:   s.agent.IsRunning(),
		PeerCount: len(s.agent.GetPeerIDs()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := PeersResponse{
		Peers: s.agent.GetPairedDeviceInfo(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
