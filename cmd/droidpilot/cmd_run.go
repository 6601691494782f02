package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/droidpilot/internal/agent"
	"github.com/user/droidpilot/internal/authbridge"
	"github.com/user/droidpilot/internal/decision"
	"github.com/user/droidpilot/internal/device"
	"github.com/user/droidpilot/internal/dispatch"
	"github.com/user/droidpilot/internal/trace"
	"github.com/user/droidpilot/internal/types"
	"github.com/user/droidpilot/pkg/llm"
	"github.com/user/droidpilot/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("relay", "", "relay base URL (defaults to the configured listen address)")
}

// runCmd executes one goal in the foreground against a running relay.
// Approval URLs are printed to stdout instead of going through Telegram.
var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run a single task in the foreground",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		goal := strings.Join(args, " ")

		relayURL, _ := cmd.Flags().GetString("relay")
		if relayURL == "" {
			relayURL = "http://" + cfg.Relay.Listen
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

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

		sessions := trace.NewSessionStore(cfg.DataDir)
		tracer := trace.NewTracer(cfg.DataDir)
		dev := device.New(cfg.Device.ADB, cfg.Device.Serial, cfg.Device.ScriptsDir)
		bridge := authbridge.New(relayURL, cfg.Relay.APIKey,
			time.Duration(cfg.Relay.PollIntervalSec)*time.Second, stdoutNotifier{})
		runner := agent.NewRunner(sessions, tracer, dev, decider, bridge, dispatch.DefaultRetryPolicy(), cfg.MaxSteps)

		session, err := runner.RunTask(ctx, dispatch.NewTask("", goal))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s finished: %s\n%s\n", session.ID, session.Status, session.Result)
		return nil
	},
}

type stdoutNotifier struct{}

func (stdoutNotifier) Notify(_ types.SessionID, message, url string) error {
	fmt.Fprintf(os.Stdout, "%s\n%s\n", message, url)
	return nil
}
