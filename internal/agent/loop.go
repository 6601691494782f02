// Package agent drives one session at a time through the observe-decide-act
// loop until the model finishes, the step cap trips, or the operator stops it.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/droidpilot/internal/authbridge"
	"github.com/user/droidpilot/internal/dispatch"
	"github.com/user/droidpilot/internal/trace"
	"github.com/user/droidpilot/internal/types"
)

// Decider produces exactly one action for the current step.
type Decider interface {
	Decide(ctx context.Context, session *types.Session, obs *types.Observation) (types.Action, error)
}

// AuthBridge suspends the loop on a human-authorization request and blocks
// until a terminal decision.
type AuthBridge interface {
	RequestAndWait(ctx context.Context, req *types.AuthRequest) (*types.AuthDecision, error)
}

const (
	defaultWaitMS         = 1000
	defaultAuthTimeoutSec = 300
)

// Runner executes tasks against a single device. Sessions are isolated by
// the dispatcher's per-session lanes; within a session the runner is the
// sole writer of history and trace.
type Runner struct {
	sessions *trace.SessionStore
	tracer   types.TraceStore
	device   types.Device
	decider  Decider
	bridge   AuthBridge
	retry    *dispatch.RetryPolicy
	maxSteps int

	mu    sync.Mutex
	stops map[types.SessionID]context.CancelFunc
}

// NewRunner wires the loop's collaborators. bridge may be nil when no relay
// is configured; request_auth actions then resolve as rejected.
func NewRunner(sessions *trace.SessionStore, tracer types.TraceStore, device types.Device, decider Decider, bridge AuthBridge, retry *dispatch.RetryPolicy, maxSteps int) *Runner {
	if retry == nil {
		retry = dispatch.DefaultRetryPolicy()
	}
	if maxSteps <= 0 {
		maxSteps = 40
	}
	return &Runner{
		sessions: sessions,
		tracer:   tracer,
		device:   device,
		decider:  decider,
		bridge:   bridge,
		retry:    retry,
		maxSteps: maxSteps,
	}
}

// Stop cancels the in-flight run for the given session, if any. The loop
// notices before its next step and finalizes the session as stopped.
func (r *Runner) Stop(sessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.stops[sessionID]
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) registerStop(sessionID types.SessionID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stops == nil {
		r.stops = make(map[types.SessionID]context.CancelFunc)
	}
	r.stops[sessionID] = cancel
}

func (r *Runner) unregisterStop(sessionID types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stops, sessionID)
}

// RunTask steps the task's session to a terminal status, creating a session
// for the goal if the task does not already carry one. The returned session
// is terminal even on error paths; the error is reserved for infrastructure
// failures (store writes), not task outcomes.
func (r *Runner) RunTask(ctx context.Context, task *dispatch.Task) (*types.Session, error) {
	var session *types.Session
	var err error
	if task.SessionID != "" {
		session, err = r.sessions.Get(ctx, task.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
	} else {
		session, err = r.sessions.Create(ctx, task.Goal)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		task.SessionID = session.ID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.registerStop(session.ID, cancel)
	defer r.unregisterStop(session.ID)

	slog.Info("session started", "session_id", session.ID, "goal", session.Goal)

	var authOutcomes []string

	for {
		if ctx.Err() != nil {
			return r.finalize(session, types.StatusStopped, "stopped", authOutcomes)
		}
		if session.Step >= r.maxSteps {
			return r.finalize(session, types.StatusFinishedFailed, "step limit reached", authOutcomes)
		}
		session.Step++

		obs, err := r.device.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.finalize(session, types.StatusStopped, "stopped", authOutcomes)
			}
			// Observation failures are recorded and the loop keeps going;
			// the model sees the failure in its history.
			r.record(ctx, session, "observe", "", fmt.Sprintf("error: %v", err))
			continue
		}

		action, err := r.decide(ctx, session, obs)
		if err != nil {
			if ctx.Err() != nil {
				return r.finalize(session, types.StatusStopped, "stopped", authOutcomes)
			}
			return r.finalize(session, types.StatusFinishedFailed, fmt.Sprintf("model unavailable: %v", err), authOutcomes)
		}

		switch action.Kind {
		case types.ActionFinish:
			status := types.StatusFinishedOK
			if !action.Success {
				status = types.StatusFinishedFailed
			}
			r.record(ctx, session, string(action.Kind), action.Args(), "done")
			return r.finalize(session, status, action.Text, authOutcomes)

		case types.ActionRequestAuth:
			outcome := r.requestAuth(ctx, session, action)
			if outcome != "" {
				authOutcomes = append(authOutcomes, outcome)
			}
			if ctx.Err() != nil {
				return r.finalize(session, types.StatusStopped, "stopped", authOutcomes)
			}

		case types.ActionWait:
			ms := action.DurationMS
			if ms <= 0 {
				ms = defaultWaitMS
			}
			r.record(ctx, session, string(action.Kind), action.Args(), "waited")
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(ms) * time.Millisecond):
			}

		default:
			result := "ok"
			if err := r.apply(ctx, action); err != nil {
				// Adapter failures are information for the next decision,
				// never fatal to the session.
				result = fmt.Sprintf("error: %v", err)
			}
			r.record(ctx, session, string(action.Kind), action.Args(), result)
		}
	}
}

// decide calls the model with the dispatcher's retry policy around it.
func (r *Runner) decide(ctx context.Context, session *types.Session, obs *types.Observation) (types.Action, error) {
	var action types.Action
	err := r.retry.Execute(func() error {
		var err error
		action, err = r.decider.Decide(ctx, session, obs)
		return err
	})
	return action, err
}

// apply maps an ordinary action onto one adapter call.
func (r *Runner) apply(ctx context.Context, action types.Action) error {
	switch action.Kind {
	case types.ActionTap:
		return r.device.Tap(ctx, action.X, action.Y)
	case types.ActionSwipe:
		return r.device.Swipe(ctx, action.X, action.Y, action.X2, action.Y2, action.DurationMS)
	case types.ActionTypeText:
		return r.device.TypeText(ctx, action.Text)
	case types.ActionKeyEvent:
		return r.device.KeyEvent(ctx, action.Key)
	case types.ActionLaunchApp:
		return r.device.LaunchApp(ctx, action.Package)
	case types.ActionShell:
		_, err := r.device.Shell(ctx, action.Text)
		return err
	case types.ActionRunScript:
		_, err := r.device.RunScript(ctx, action.Text)
		return err
	}
	return fmt.Errorf("unhandled action kind %q", action.Kind)
}

// requestAuth suspends the loop through the bridge and folds the decision
// back into history. Returns a one-line outcome for the final summary.
func (r *Runner) requestAuth(ctx context.Context, session *types.Session, action types.Action) string {
	capability := types.NormalizeCapability(action.Capability)
	timeout := action.TimeoutSec
	if timeout <= 0 {
		timeout = defaultAuthTimeoutSec
	}
	r.record(ctx, session, string(action.Kind), action.Args(), "suspended")

	if r.bridge == nil {
		r.record(ctx, session, "human_auth_rejected", "", "no relay configured")
		return fmt.Sprintf("%s: rejected (no relay configured)", capability)
	}

	decision, err := r.bridge.RequestAndWait(ctx, &types.AuthRequest{
		SessionID:   session.ID,
		Step:        session.Step,
		Capability:  capability,
		Instruction: action.Instruction,
		TimeoutSec:  timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		r.record(ctx, session, "human_auth_failed", "", fmt.Sprintf("error: %v", err))
		return fmt.Sprintf("%s: failed (%v)", capability, err)
	}

	r.record(ctx, session,
		fmt.Sprintf("human_auth_%s", decision.Status),
		fmt.Sprintf("request_id=%s", decision.RequestID),
		decision.Message)

	if decision.Approved {
		lines, err := authbridge.ApplyDelegation(ctx, r.device, decision)
		if err != nil {
			r.record(ctx, session, "delegation", "", fmt.Sprintf("error: %v", err))
		}
		for _, line := range lines {
			r.record(ctx, session, "delegation", "", line)
		}
	}
	return fmt.Sprintf("%s: %s", capability, decision.Status)
}

// record appends one step record to session history and the trace, and
// persists the session's step counter. Store failures are logged, not fatal.
func (r *Runner) record(ctx context.Context, session *types.Session, action, args, result string) {
	rec := &types.StepRecord{
		Step:   session.Step,
		Action: action,
		Args:   args,
		Result: result,
		At:     time.Now(),
	}
	session.History = append(session.History, rec)

	if err := r.tracer.Append(ctx, session.ID, rec); err != nil {
		slog.Error("trace append failed", "session_id", session.ID, "error", err)
	}
	if err := r.sessions.Update(ctx, session); err != nil {
		slog.Error("session update failed", "session_id", session.ID, "error", err)
	}
}

// finalize moves the session to a terminal status, folding auth outcomes
// into the result so the operator sees every human touchpoint.
func (r *Runner) finalize(session *types.Session, status types.SessionStatus, result string, authOutcomes []string) (*types.Session, error) {
	if len(authOutcomes) > 0 {
		result = fmt.Sprintf("%s (human authorizations: %s)", result, strings.Join(authOutcomes, "; "))
	}
	session.Status = status
	session.Result = result

	ctx := context.Background()
	if err := r.tracer.Finalize(ctx, session.ID, status, result); err != nil {
		slog.Error("trace finalize failed", "session_id", session.ID, "error", err)
	}
	if err := r.sessions.Update(ctx, session); err != nil {
		return session, fmt.Errorf("persist terminal session: %w", err)
	}

	slog.Info("session finished",
		"session_id", session.ID,
		"status", session.Status,
		"steps", session.Step,
		"result", session.Result,
	)
	return session, nil
}
