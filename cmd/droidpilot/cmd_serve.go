package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/droidpilot/internal/agent"
	"github.com/user/droidpilot/internal/authbridge"
	"github.com/user/droidpilot/internal/decision"
	"github.com/user/droidpilot/internal/device"
	"github.com/user/droidpilot/internal/dispatch"
	"github.com/user/droidpilot/internal/relay"
	"github.com/user/droidpilot/internal/scheduler"
	"github.com/user/droidpilot/internal/telegram"
	"github.com/user/droidpilot/internal/trace"
	"github.com/user/droidpilot/internal/tunnel"
	"github.com/user/droidpilot/internal/types"
	"github.com/user/droidpilot/pkg/llm"
	"github.com/user/droidpilot/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the droidpilot daemon",
	RunE:  runServe,
}

// lateNotifier lets the bridge be built before the Telegram adapter exists.
type lateNotifier struct {
	mu    sync.RWMutex
	inner types.Notifier
}

func (n *lateNotifier) Set(inner types.Notifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inner = inner
}

func (n *lateNotifier) Notify(sessionID types.SessionID, message, url string) error {
	n.mu.RLock()
	inner := n.inner
	n.mu.RUnlock()
	if inner == nil {
		slog.Info("authorization pending, no operator channel", "session_id", sessionID, "url", url)
		return nil
	}
	return inner.Notify(sessionID, message, url)
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "droidpilot.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	sessions := trace.NewSessionStore(cfg.DataDir)
	tracer := trace.NewTracer(cfg.DataDir)
	relayStore := relay.NewStore(
		filepath.Join(cfg.DataDir, "relay", "requests.json"),
		filepath.Join(cfg.DataDir, "relay", "artifacts"),
	)

	// Relay server
	baseURL := cfg.Relay.PublicURL
	if baseURL == "" {
		baseURL = "http://" + cfg.Relay.Listen
	}
	relaySrv := relay.NewServer(relayStore, baseURL, cfg.Relay.APIKey, cfg.Relay.DefaultTimeoutSec)
	httpServer := &http.Server{Addr: cfg.Relay.Listen, Handler: relaySrv}
	go func() {
		slog.Info("relay server started", "listen", cfg.Relay.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("relay server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	go relaySrv.StartSweep(ctx, time.Duration(cfg.Relay.SweepIntervalSec)*time.Second)

	// Tunnel: give the relay a browser-reachable URL when no public URL is
	// configured.
	if cfg.Tunnel.Enabled {
		tun := tunnel.New(cfg.Tunnel.Binary)
		url, err := tun.Start(ctx, cfg.Relay.Listen, 30*time.Second)
		if err != nil {
			slog.Warn("tunnel unavailable, approval pages stay local", "error", err)
		} else {
			relaySrv.SetBaseURL(url)
		}
	}

	// LLM provider and decision client
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	decider, err := decision.New(provider, cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create decision client: %w", err)
	}

	// Device adapter
	dev := device.New(cfg.Device.ADB, cfg.Device.Serial, cfg.Device.ScriptsDir)

	// Bridge, dispatcher, runner
	notifier := &lateNotifier{}
	bridge := authbridge.New(
		"http://"+cfg.Relay.Listen,
		cfg.Relay.APIKey,
		time.Duration(cfg.Relay.PollIntervalSec)*time.Second,
		notifier,
	)
	dispatcher := dispatch.New(int64(cfg.MaxConcurrent))
	runner := agent.NewRunner(sessions, tracer, dev, decider, bridge, dispatcher.Retry(), cfg.MaxSteps)

	dispatcher.Queue.SetProcessor(func(task *dispatch.Task) error {
		session, err := runner.RunTask(task.Ctx, task)
		if err != nil {
			return err
		}
		if task.OnComplete != nil {
			task.OnComplete(fmt.Sprintf("[%s] %s", session.Status, session.Result))
		}
		return nil
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	slog.Info("droidpilot started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_steps", cfg.MaxSteps,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.AllowedUserIDs, dispatcher, runner, sessions)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		notifier.Set(adapter)
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	automations := scheduler.NewAutomationStore(filepath.Join(cfg.DataDir, "automations.json"))
	sched := scheduler.New(automations, func(goal string) {
		if _, err := dispatcher.Submit("", goal); err != nil {
			slog.Error("scheduled goal rejected", "goal", goal, "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
