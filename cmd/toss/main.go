// Package main provides the CLI entry point for the Toss clipboard
// sync agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/toss/internal/certutil"
	"github.com/postalsys/toss/internal/clipboard"
	"github.com/postalsys/toss/internal/config"
	"github.com/postalsys/toss/internal/control"
	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/logging"
	"github.com/postalsys/toss/internal/metrics"
	"github.com/postalsys/toss/internal/pairing"
	"github.com/postalsys/toss/internal/protocol"
	"github.com/postalsys/toss/internal/relay"
	"github.com/postalsys/toss/internal/service"
	"github.com/postalsys/toss/internal/session"
	"github.com/postalsys/toss/internal/store"
	"github.com/postalsys/toss/internal/transport"
	"github.com/postalsys/toss/internal/webui"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "toss",
		Short:   "Toss - end-to-end encrypted clipboard sync across your devices",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Status:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	initCmd := initCommand()
	initCmd.GroupID = "start"
	pairCmd := pairCommand()
	pairCmd.GroupID = "start"
	runCmd := runCommand()
	runCmd.GroupID = "start"

	statusCmd := statusCommand()
	statusCmd.GroupID = "status"
	peersCmd := peersCommand()
	peersCmd.GroupID = "status"
	historyCmd := historyCommand()
	historyCmd.GroupID = "status"

	certCmd := certCommand()
	certCmd.GroupID = "admin"
	serviceCmd := serviceCommand()
	serviceCmd.GroupID = "admin"

	rootCmd.PersistentFlags().String("data-dir", defaultDataDir(), "directory for identity, database, and keystore")
	rootCmd.PersistentFlags().String("config", "", "path to a config file (overrides --data-dir derived defaults)")

	rootCmd.AddCommand(initCmd, pairCmd, runCmd, statusCmd, peersCmd, historyCmd, certCmd, serviceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".toss")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Agent.DataDir, _ = cmd.Flags().GetString("data-dir")
	return cfg, cfg.Validate()
}

func openStore(cfg *config.Config) (*store.Store, *identity.Keypair, error) {
	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	kp, _, err := identity.LoadOrCreateKeypair(cfg.Agent.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}

	ks, err := store.NewFileKeystore(cfg.Agent.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open keystore: %w", err)
	}

	dbPath := filepath.Join(cfg.Agent.DataDir, "toss.db")
	st, err := store.Open(dbPath, ks)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, kp, nil
}

// agentAdapter exposes a running Manager/Store pair as control.AgentInfo,
// for the Unix socket control server and the HTTP dashboard's status API.
type agentAdapter struct {
	localID identity.DeviceID
	mgr     *session.Manager
	st      *store.Store
}

func (a *agentAdapter) DeviceID() identity.DeviceID { return a.localID }
func (a *agentAdapter) IsRunning() bool             { return true }
func (a *agentAdapter) GetPeerIDs() []identity.DeviceID {
	return a.mgr.PeerIDs()
}

func (a *agentAdapter) GetPairedDeviceInfo() []control.PairedDeviceInfo {
	devices, err := a.st.ListDevices()
	if err != nil {
		return nil
	}

	online := make(map[string]bool)
	for _, id := range a.mgr.PeerIDs() {
		online[id.String()] = true
	}

	infos := make([]control.PairedDeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, control.PairedDeviceInfo{
			DeviceID: d.ID,
			Name:     d.Name,
			Online:   online[d.ID],
			LastSeen: d.LastSeen,
		})
	}
	return infos
}

func initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate this device's identity and local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, kp, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Printf("device id: %s\n", kp.DeviceID())
			fmt.Printf("data dir:  %s\n", cfg.Agent.DataDir)
			return nil
		},
	}
}

func pairCommand() *cobra.Command {
	var joinCode string
	var deviceName string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with another device, by generating a code or joining one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, kp, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if deviceName == "" {
				deviceName, _ = os.Hostname()
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			discovery, err := pairing.NewUDPDiscovery(logger)
			if err != nil {
				return fmt.Errorf("start discovery: %w", err)
			}
			defer discovery.Close()

			var relayRendezvous pairing.RelayRendezvous
			if cfg.Relay.Enabled {
				relayRendezvous = relay.NewClient(cfg.Relay.URL, kp, deviceName, logger)
			}

			coordinator := pairing.NewCoordinator(discovery, discovery, relayRendezvous, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			m := metrics.Default()
			m.RecordPairingAttempt()

			var paired *pairing.PairedDevice
			if joinCode != "" {
				fmt.Printf("joining with code %s...\n", joinCode)
				paired, err = coordinator.Join(ctx, kp, deviceName, joinCode, ttl)
			} else {
				sess, stop, advErr := coordinator.Advertise(ctx, kp, deviceName, ttl)
				if advErr != nil {
					return advErr
				}
				defer stop()
				fmt.Printf("pairing code: %s  (enter this on the other device within %s)\n", sess.Advertisement().Code, ttl)
				paired, err = coordinator.AwaitPairing(ctx, sess)
			}
			if err != nil {
				m.RecordPairingFailure(pairingFailureReason(err))
				return fmt.Errorf("pairing failed: %w", err)
			}

			if err := st.UpsertPairedDevice(paired, ""); err != nil {
				return fmt.Errorf("persist paired device: %w", err)
			}
			m.RecordPairingSuccess()

			fmt.Printf("paired with %s (%s)\n", paired.DeviceName, paired.DeviceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&joinCode, "join", "", "pairing code shown on the other device")
	cmd.Flags().StringVar(&deviceName, "name", "", "this device's display name (defaults to hostname)")
	cmd.Flags().DurationVar(&ttl, "ttl", pairing.DefaultTTL, "how long the pairing code stays valid")
	return cmd
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the clipboard sync agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, kp, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			deviceName, _ := os.Hostname()

			mgrCfg := session.DefaultManagerConfig(kp.DeviceID(), st)
			mgrCfg.LocalIdentity = kp
			mgrCfg.DeviceName = deviceName
			mgrCfg.Logger = logger
			mgrCfg.RotationPolicy = cfg.Rotation.Policy()
			mgrCfg.DirectTransport = transport.NewQUICTransport()
			mgrCfg.AltTransport = transport.NewWebSocketTransport()

			var relayClient *relay.Client
			if cfg.Relay.Enabled {
				relayClient = relay.NewClient(cfg.Relay.URL, kp, deviceName, logger)
				mgrCfg.RelayClient = relayClient
			}

			m := metrics.Default()

			src := clipboard.NewOSClipboard()
			watcher := clipboard.NewWatcher(src, clipboard.DefaultPollInterval, logger)

			var mgr *session.Manager
			watcher.OnChange = func(c clipboard.Content) {
				body := protocol.ClipboardUpdateBody{Payload: toWirePayload(c)}
				if err := mgr.Broadcast(protocol.ClipboardUpdate, body); err != nil {
					logger.Warn("clipboard broadcast failed", "error", err)
					m.RecordClipboardSyncError("broadcast_failed")
					return
				}
				m.RecordClipboardSync("sent", string(c.Type), c.Size())
			}
			mgrCfg.OnPeerConnected = func(conn *session.PeerConnection) {
				m.RecordPeerConnect("direct", "unspecified")
			}
			mgrCfg.OnPeerDisconnect = func(conn *session.PeerConnection, err error) {
				m.RecordPeerDisconnect("closed")
			}
			mgrCfg.OnClipboardFrame = func(conn *session.PeerConnection, frame *protocol.Frame, plaintext []byte) {
				if frame.Header.Type != protocol.ClipboardUpdate {
					return
				}
				var body protocol.ClipboardUpdateBody
				if err := protocol.UnmarshalBody(plaintext, &body); err != nil {
					logger.Warn("malformed clipboard update", "error", err)
					m.RecordClipboardSyncError("malformed_update")
					return
				}
				content := fromWirePayload(body.Payload)
				watcher.Seen(content.Hash())
				if err := src.Write(content); err != nil {
					logger.Warn("apply remote clipboard update failed", "error", err)
					m.RecordClipboardSyncError("apply_failed")
				}
				m.RecordClipboardSync("received", string(content.Type), content.Size())
				deviceID := conn.RemoteID.String()
				if _, err := st.AddHistoryItem(string(content.Type), content.Hash(), content.Data, content.Preview, &conn.RemoteID); err != nil {
					logger.Warn("record clipboard history failed", "error", err, "device_id", deviceID)
				}
			}

			mgr = session.NewManager(mgrCfg)
			defer mgr.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			adapter := &agentAdapter{localID: kp.DeviceID(), mgr: mgr, st: st}

			ctlCfg := control.DefaultServerConfig()
			ctlCfg.SocketPath = filepath.Join(cfg.Agent.DataDir, "control.sock")
			ctlServer := control.NewServer(ctlCfg, adapter)
			if err := ctlServer.Start(); err != nil {
				logger.Warn("control socket unavailable", "error", err)
			} else {
				defer ctlServer.Stop()
			}

			var httpServer *http.Server
			if cfg.HTTP.Enabled {
				mux := http.NewServeMux()
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})

				if !cfg.HTTP.Minimal {
					mux.Handle("/metrics", promhttp.Handler())
					mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
						writeJSON(w, map[string]any{
							"device_id":  kp.DeviceID().String(),
							"peer_count": mgr.PeerCount(),
						})
					})
					mux.HandleFunc("/api/peers", func(w http.ResponseWriter, r *http.Request) {
						writeJSON(w, adapter.GetPairedDeviceInfo())
					})
					if cfg.HTTP.DashboardEnabled() {
						mux.Handle("/", webui.Handler())
					}
				}

				httpServer = &http.Server{
					Addr:         cfg.HTTP.Address,
					Handler:      mux,
					ReadTimeout:  cfg.HTTP.ReadTimeout,
					WriteTimeout: cfg.HTTP.WriteTimeout,
				}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("http server stopped", "error", err)
					}
				}()
				defer httpServer.Close()
			}

			go watcher.Run(ctx)

			logger.Info("toss agent running", "device_id", kp.DeviceID().String())
			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
}

func pairingFailureReason(err error) string {
	switch {
	case errors.Is(err, pairing.ErrSessionExpired):
		return "expired"
	case errors.Is(err, pairing.ErrPairingFailed):
		return "code_mismatch"
	case errors.Is(err, pairing.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this device's identity and pairing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, kp, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			devices, err := st.ListDevices()
			if err != nil {
				return err
			}

			fmt.Printf("device id: %s\n", kp.DeviceID())
			fmt.Printf("paired devices: %d\n", len(devices))
			return nil
		},
	}
}

func peersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			devices, err := st.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no paired devices yet; run `toss pair` on two devices to connect them")
				return nil
			}
			for _, d := range devices {
				status := "inactive"
				if d.IsActive {
					status = "active"
				}
				fmt.Printf("%-20s %-20s %s  last seen %s\n", d.ID, d.Name, status, humanize.Time(d.LastSeen))
			}
			return nil
		},
	}
}

func historyCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent clipboard history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			items, err := st.HistoryPreviews(limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no clipboard history yet")
				return nil
			}
			for _, item := range items {
				source := "local"
				if item.SourceDevice != nil {
					source = *item.SourceDevice
				}
				fmt.Printf("%s  %-12s from %-20s %s  %q\n",
					humanize.Time(item.CreatedAt), item.ContentType, source, item.ID, item.Preview)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of history entries to show")
	return cmd
}

func certCommand() *cobra.Command {
	var commonName string
	var kind string
	var certFile string
	var keyFile string

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a TLS certificate for the direct/alt-stream listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if commonName == "" {
				commonName, _ = os.Hostname()
			}
			if certFile == "" {
				certFile = filepath.Join(cfg.Agent.DataDir, "tls.crt")
			}
			if keyFile == "" {
				keyFile = filepath.Join(cfg.Agent.DataDir, "tls.key")
			}

			var opts certutil.CertOptions
			switch kind {
			case "server":
				opts = certutil.DefaultServerOptions(commonName)
			case "client":
				opts = certutil.DefaultClientOptions(commonName)
			case "peer":
				opts = certutil.DefaultPeerOptions(commonName)
			default:
				return fmt.Errorf("unknown cert kind %q (want server, client, or peer)", kind)
			}

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}
			if err := cert.SaveToFiles(certFile, keyFile); err != nil {
				return fmt.Errorf("save certificate: %w", err)
			}

			fmt.Printf("wrote %s and %s\n", certFile, keyFile)
			fmt.Printf("fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "common-name", "", "certificate common name (defaults to hostname)")
	cmd.Flags().StringVar(&kind, "kind", "peer", "certificate kind: server, client, or peer")
	cmd.Flags().StringVar(&certFile, "cert-file", "", "output path for the certificate (defaults under --data-dir)")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "output path for the private key (defaults under --data-dir)")
	return cmd
}

func serviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install, remove, or inspect the toss agent's systemd unit",
	}

	cmd.AddCommand(serviceInstallCommand(), serviceUninstallCommand(), serviceStatusCommand())
	return cmd
}

func serviceInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install and start the agent as a systemd unit (requires root)",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				dataDir, _ := cmd.Flags().GetString("data-dir")
				configPath = filepath.Join(dataDir, "config.yaml")
			}
			cfg := service.DefaultConfig(configPath)

			if err := service.Install(cfg); err != nil {
				return fmt.Errorf("install service: %w", err)
			}
			fmt.Printf("installed systemd unit %q\n", cfg.Name)
			return nil
		},
	}
}

func serviceUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the agent's systemd unit (requires root)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := service.DefaultConfig("")
			return service.Uninstall(cfg.Name)
		},
	}
}

func serviceStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the installed service's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := service.DefaultConfig("")
			status, err := service.Status(cfg.Name)
			if err != nil {
				return fmt.Errorf("service status: %w", err)
			}
			fmt.Println(status)
			return nil
		},
	}
}

var clipboardTypeToWire = map[clipboard.ContentType]protocol.ClipboardContentType{
	clipboard.ContentPlainText: protocol.ContentPlainText,
	clipboard.ContentRichText:  protocol.ContentRichText,
	clipboard.ContentImage:     protocol.ContentImage,
	clipboard.ContentFile:      protocol.ContentFile,
	clipboard.ContentURL:       protocol.ContentURL,
}

var wireTypeToClipboard = map[protocol.ClipboardContentType]clipboard.ContentType{
	protocol.ContentPlainText: clipboard.ContentPlainText,
	protocol.ContentRichText:  clipboard.ContentRichText,
	protocol.ContentImage:     clipboard.ContentImage,
	protocol.ContentFile:      clipboard.ContentFile,
	protocol.ContentURL:       clipboard.ContentURL,
}

func toWirePayload(c clipboard.Content) protocol.ClipboardPayload {
	return protocol.ClipboardPayload{
		ContentType: clipboardTypeToWire[c.Type],
		Data:        c.Data,
		Size:        c.Size(),
		ContentHash: c.Hash(),
		MimeType:    c.MimeType,
		Width:       c.Width,
		Height:      c.Height,
		Preview:     c.Preview,
	}
}

func fromWirePayload(p protocol.ClipboardPayload) clipboard.Content {
	return clipboard.Content{
		Type:     wireTypeToClipboard[p.ContentType],
		Data:     p.Data,
		MimeType: p.MimeType,
		Width:    p.Width,
		Height:   p.Height,
		Preview:  p.Preview,
	}
}
