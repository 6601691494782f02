package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/droidpilot/internal/trace"
	"github.com/user/droidpilot/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)

	sessionShowCmd.Flags().Int("tail", 20, "number of trailing steps to show")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := trace.NewSessionStore(cfg.DataDir)

		list, err := sessions.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tCREATED\tGOAL")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				s.ID,
				s.Status,
				s.Step,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
				s.Goal,
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and the tail of its trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := trace.NewSessionStore(cfg.DataDir)
		tracer := trace.NewTracer(cfg.DataDir)
		tail, _ := cmd.Flags().GetInt("tail")

		ctx := context.Background()
		id := types.SessionID(args[0])
		sess, err := sessions.Get(ctx, id)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Session: %s\nGoal: %s\nStatus: %s (step %d)\n", sess.ID, sess.Goal, sess.Status, sess.Step)
		if sess.Result != "" {
			fmt.Fprintf(os.Stdout, "Result: %s\n", sess.Result)
		}

		steps, err := tracer.Tail(ctx, id, tail)
		if err != nil {
			return fmt.Errorf("read trace: %w", err)
		}
		if len(steps) == 0 {
			return nil
		}
		fmt.Fprintln(os.Stdout, "\nTrace:")
		for _, rec := range steps {
			if rec.Args != "" {
				fmt.Fprintf(os.Stdout, "  %3d %s(%s) -> %s\n", rec.Step, rec.Action, rec.Args, rec.Result)
			} else {
				fmt.Fprintf(os.Stdout, "  %3d %s -> %s\n", rec.Step, rec.Action, rec.Result)
			}
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessionsDir := filepath.Join(cfg.DataDir, "sessions")

		if args[0] == "all" {
			if err := os.RemoveAll(sessionsDir); err != nil {
				return fmt.Errorf("remove sessions directory: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		// Remove specific session directory (validate path to prevent traversal)
		sessionDir := filepath.Join(sessionsDir, args[0])
		resolved, err := filepath.Abs(sessionDir)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		absSessionsDir, _ := filepath.Abs(sessionsDir)
		if !strings.HasPrefix(resolved, absSessionsDir+string(filepath.Separator)) {
			return fmt.Errorf("invalid session ID: %s", args[0])
		}
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if err := os.RemoveAll(sessionDir); err != nil {
			return fmt.Errorf("remove session directory: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
		return nil
	},
}
