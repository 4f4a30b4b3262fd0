// Package config provides configuration parsing and validation for Toss.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/toss/internal/session"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	TLS       GlobalTLSConfig  `yaml:"tls"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Peers     []PeerConfig     `yaml:"peers"`
	Relay     RelayClientConfig `yaml:"relay"`
	Rotation  RotationConfig   `yaml:"rotation"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	HTTP      HTTPConfig       `yaml:"http"`
}

// AgentConfig holds this device's identity and logging settings.
type AgentConfig struct {
	DeviceName string `yaml:"device_name"` // Human-readable name shown to peers
	DataDir    string `yaml:"data_dir"`    // Directory for identity, database, and keystore
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // text, json
}

// GlobalTLSConfig defines global TLS settings shared across all
// connections. The CA is used to verify peer certificates presented by
// the alt-stream (WebSocket) transport's TLS layer.
type GlobalTLSConfig struct {
	CA    string `yaml:"ca"`     // CA certificate file path
	CAPEM string `yaml:"ca_pem"` // CA certificate PEM content (takes precedence)

	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content (takes precedence)
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error) {
	if g.CAPEM != "" {
		return []byte(g.CAPEM), nil
	}
	if g.CA != "" {
		return os.ReadFile(g.CA)
	}
	return nil, nil
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) {
	if g.CertPEM != "" {
		return []byte(g.CertPEM), nil
	}
	if g.Cert != "" {
		return os.ReadFile(g.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error) {
	if g.KeyPEM != "" {
		return []byte(g.KeyPEM), nil
	}
	if g.Key != "" {
		return os.ReadFile(g.Key)
	}
	return nil, nil
}

// HasCA returns true if CA certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCA() bool { return g.CA != "" || g.CAPEM != "" }

// HasCert returns true if certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCert() bool { return g.Cert != "" || g.CertPEM != "" }

// HasKey returns true if private key is configured (either file or PEM).
func (g *GlobalTLSConfig) HasKey() bool { return g.Key != "" || g.KeyPEM != "" }

// ListenerConfig defines a transport listener this device accepts
// connections on.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, ws
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP path for ws
	PlainText bool      `yaml:"plaintext"` // allow plain WebSocket without TLS (behind a reverse proxy)
	TLS       TLSConfig `yaml:"tls"`
}

// PeerConfig pins a known paired device's address, letting the session
// manager dial it directly instead of waiting on a relay round trip.
// Pairing itself (identity and session key exchange) always happens
// through internal/pairing; this is purely an address hint.
type PeerConfig struct {
	DeviceID  string    `yaml:"device_id"`
	Transport string    `yaml:"transport"` // quic, ws
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"`
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines per-connection TLS settings that can override the
// global settings. For each certificate/key, a file path or inline PEM
// content may be given; inline PEM takes precedence.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	Fingerprint        string `yaml:"fingerprint"`          // certificate fingerprint for pinning
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // skip verification (dev only)
}

func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

func (t *TLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }
func (t *TLSConfig) HasKey() bool  { return t.Key != "" || t.KeyPEM != "" }
func (t *TLSConfig) HasCA() bool   { return t.CA != "" || t.CAPEM != "" }

// GetEffectiveCertPEM returns the effective certificate PEM, preferring
// a per-connection override over the global config.
func (c *Config) GetEffectiveCertPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCert() {
		return override.GetCertPEM()
	}
	return c.TLS.GetCertPEM()
}

// GetEffectiveKeyPEM returns the effective private key PEM, preferring
// a per-connection override over the global config.
func (c *Config) GetEffectiveKeyPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasKey() {
		return override.GetKeyPEM()
	}
	return c.TLS.GetKeyPEM()
}

// GetEffectiveCAPEM returns the effective CA certificate PEM, preferring
// a per-connection override over the global config.
func (c *Config) GetEffectiveCAPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCA() {
		return override.GetCAPEM()
	}
	return c.TLS.GetCAPEM()
}

// RelayClientConfig points this device at a relay server for pairing
// rendezvous and store-and-forward message delivery when direct and
// alt-stream transports can't reach a peer.
type RelayClientConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// RotationConfig mirrors internal/session.RotationPolicy in a
// YAML-friendly shape.
type RotationConfig struct {
	MaxMessages uint64        `yaml:"max_messages"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// Policy converts RotationConfig into the session package's runtime type.
func (r RotationConfig) Policy() session.RotationPolicy {
	return session.RotationPolicy{MaxMessages: r.MaxMessages, MaxAge: r.MaxAge}
}

// ReconnectConfig mirrors internal/session.ReconnectConfig in a
// YAML-friendly shape.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Jitter       float64       `yaml:"jitter"`
}

// Policy converts ReconnectConfig into the session package's runtime type.
func (r ReconnectConfig) Policy() session.ReconnectConfig {
	return session.ReconnectConfig{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		MaxAttempts:  r.MaxAttempts,
		Jitter:       r.Jitter,
	}
}

// HTTPConfig defines the local status dashboard's HTTP server settings.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Minimal mode only enables /health. When true, overrides Dashboard.
	Minimal bool `yaml:"minimal"`

	// Dashboard controls the embedded web dashboard served at /; the
	// /metrics and /api/* endpoints follow Minimal only. Use a
	// pointer to distinguish "not set" (nil = default true) from
	// "explicitly false".
	Dashboard *bool `yaml:"dashboard"`
}

// DashboardEnabled returns whether the web dashboard at / is enabled.
func (h HTTPConfig) DashboardEnabled() bool {
	if h.Minimal {
		return false
	}
	return h.Dashboard == nil || *h.Dashboard
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
		Relay: RelayClientConfig{
			Enabled: false,
		},
		Rotation: RotationConfig{
			MaxMessages: 1000,
			MaxAge:      24 * time.Hour,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  0,
			Jitter:       0.2,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8765",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR}/$VAR
// environment variable references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if err := c.validateGlobalTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	for i, l := range c.Listeners {
		if err := validateListener(l, i); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}
	for i, p := range c.Peers {
		if err := validatePeer(p, i); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		errs = append(errs, "relay.url is required when relay.enabled is true")
	}

	if c.Rotation.MaxMessages == 0 && c.Rotation.MaxAge == 0 {
		errs = append(errs, "rotation.max_messages and rotation.max_age cannot both be zero")
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when http.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateGlobalTLS() error {
	if c.TLS.HasCert() != c.TLS.HasKey() {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "ws":
		return true
	}
	return false
}

func validateListener(l ListenerConfig, index int) error {
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic or ws)", l.Transport)
	}
	return nil
}

func validatePeer(p PeerConfig, index int) error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if !isValidTransport(p.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic or ws)", p.Transport)
	}
	return nil
}

// String returns a YAML representation of the config with sensitive
// values redacted. Safe to log.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a YAML representation including sensitive
// values. Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

const redactedValue = "[REDACTED]"

// Redacted returns a deep copy of the config with private key material
// replaced by a placeholder, safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}
	for i := range redacted.Peers {
		if redacted.Peers[i].TLS.Key != "" {
			redacted.Peers[i].TLS.Key = redactedValue
		}
		if redacted.Peers[i].TLS.KeyPEM != "" {
			redacted.Peers[i].TLS.KeyPEM = redactedValue
		}
	}
	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
		if redacted.Listeners[i].TLS.KeyPEM != "" {
			redacted.Listeners[i].TLS.KeyPEM = redactedValue
		}
	}
	return redacted
}
