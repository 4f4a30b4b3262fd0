// Package main provides the CLI entry point for the Toss relay server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/toss/internal/logging"
	"github.com/postalsys/toss/internal/relay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfg := relay.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:     "toss-relay",
		Short:   "Toss relay - authenticated store-and-forward rendezvous for Toss devices",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvOverrides(&cfg)
			cfg.Logger = logging.NewLogger("info", "text")

			srv, err := relay.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("create relay server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg.Logger.Info("toss-relay starting", "addr", cfg.Addr)
			return srv.Run(ctx)
		},
	}

	rootCmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	rootCmd.Flags().StringVar(&cfg.DatabasePath, "database", cfg.DatabasePath, "sqlite database path")
	rootCmd.Flags().DurationVar(&cfg.TokenExpiration, "token-expiration", cfg.TokenExpiration, "issued bearer token lifetime")
	rootCmd.Flags().IntVar(&cfg.RateLimitMessages, "rate-limit-messages", cfg.RateLimitMessages, "max relayed messages per device per minute")
	rootCmd.Flags().IntVar(&cfg.RateLimitRegister, "rate-limit-register", cfg.RateLimitRegister, "max registration attempts per device per minute")
	rootCmd.Flags().DurationVar(&cfg.QueueRetention, "queue-retention", cfg.QueueRetention, "how long undelivered messages are kept")
	rootCmd.Flags().DurationVar(&cfg.PairingSessionTTLCap, "pairing-ttl-cap", cfg.PairingSessionTTLCap, "maximum pairing session lifetime")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyEnvOverrides layers environment variables on top of flag/default
// values, per the relay's env-var driven deployment model (it runs as
// a stateless-ish service behind a process supervisor or container
// orchestrator, where env vars are the natural configuration surface).
func applyEnvOverrides(cfg *relay.Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Addr = v + addrPort(cfg.Addr)
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Addr = addrHost(cfg.Addr) + ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = []byte(v)
	}
	if v := os.Getenv("JWT_EXPIRATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TokenExpiration = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_MESSAGES"); v != "" {
		if n, err := fmt.Sscanf(v, "%d", &cfg.RateLimitMessages); err != nil || n != 1 {
			cfg.RateLimitMessages = relay.DefaultConfig().RateLimitMessages
		}
	}
	if v := os.Getenv("RATE_LIMIT_REGISTER"); v != "" {
		if n, err := fmt.Sscanf(v, "%d", &cfg.RateLimitRegister); err != nil || n != 1 {
			cfg.RateLimitRegister = relay.DefaultConfig().RateLimitRegister
		}
	}
}

func addrHost(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func addrPort(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return ""
}
