package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/droidpilot/internal/relay"
	"github.com/user/droidpilot/internal/tunnel"
)

func init() {
	rootCmd.AddCommand(relayCmd)
}

// relayCmd runs only the authorization relay, for deployments where the
// relay lives on a different host than the agent.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the authorization relay standalone",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store := relay.NewStore(
			filepath.Join(cfg.DataDir, "relay", "requests.json"),
			filepath.Join(cfg.DataDir, "relay", "artifacts"),
		)
		baseURL := cfg.Relay.PublicURL
		if baseURL == "" {
			baseURL = "http://" + cfg.Relay.Listen
		}
		srv := relay.NewServer(store, baseURL, cfg.Relay.APIKey, cfg.Relay.DefaultTimeoutSec)

		httpServer := &http.Server{Addr: cfg.Relay.Listen, Handler: srv}
		go func() {
			slog.Info("relay server started", "listen", cfg.Relay.Listen, "base_url", baseURL)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("relay server error", "error", err)
			}
		}()
		go srv.StartSweep(ctx, time.Duration(cfg.Relay.SweepIntervalSec)*time.Second)

		if cfg.Tunnel.Enabled {
			tun := tunnel.New(cfg.Tunnel.Binary)
			url, err := tun.Start(ctx, cfg.Relay.Listen, 30*time.Second)
			if err != nil {
				slog.Warn("tunnel unavailable", "error", err)
			} else {
				srv.SetBaseURL(url)
			}
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		slog.Info("shutting down")
		return httpServer.Close()
	},
}
