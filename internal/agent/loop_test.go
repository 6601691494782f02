package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/droidpilot/internal/dispatch"
	"github.com/user/droidpilot/internal/trace"
	"github.com/user/droidpilot/internal/types"
)

// scriptedDecider replays a fixed sequence of actions; the last action
// repeats if the loop asks for more.
type scriptedDecider struct {
	mu      sync.Mutex
	actions []types.Action
	calls   int
	errs    []error // consumed before actions; nil entries skipped
	seen    []*types.Session
}

func (d *scriptedDecider) Decide(_ context.Context, session *types.Session, _ *types.Observation) (types.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	snapshot := *session
	snapshot.History = append([]*types.StepRecord(nil), session.History...)
	d.seen = append(d.seen, &snapshot)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return types.Action{}, err
		}
	}
	idx := d.calls - 1
	if idx >= len(d.actions) {
		idx = len(d.actions) - 1
	}
	return d.actions[idx], nil
}

// fakeDevice counts adapter calls and can fail taps on demand.
type fakeDevice struct {
	mu       sync.Mutex
	taps     int
	typed    []string
	tapErr   error
	captures int
}

func (d *fakeDevice) Capture(context.Context) (*types.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures++
	return &types.Observation{Screenshot: []byte{0x89}, CurrentApp: "com.example", At: time.Now()}, nil
}
func (d *fakeDevice) Tap(context.Context, int, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps++
	return d.tapErr
}
func (d *fakeDevice) Swipe(context.Context, int, int, int, int, int) error { return nil }
func (d *fakeDevice) TypeText(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typed = append(d.typed, text)
	return nil
}
func (d *fakeDevice) KeyEvent(context.Context, string) error             { return nil }
func (d *fakeDevice) LaunchApp(context.Context, string) error            { return nil }
func (d *fakeDevice) Shell(context.Context, string) (string, error)      { return "", nil }
func (d *fakeDevice) RunScript(context.Context, string) (string, error)  { return "", nil }
func (d *fakeDevice) PushFile(context.Context, []byte, string) error     { return nil }
func (d *fakeDevice) SetLocation(context.Context, float64, float64) error { return nil }

// fakeBridge returns one scripted decision per request.
type fakeBridge struct {
	mu        sync.Mutex
	decisions []*types.AuthDecision
	requests  []*types.AuthRequest
}

func (b *fakeBridge) RequestAndWait(_ context.Context, req *types.AuthRequest) (*types.AuthDecision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if len(b.decisions) == 0 {
		return nil, errors.New("no scripted decision")
	}
	d := b.decisions[0]
	b.decisions = b.decisions[1:]
	return d, nil
}

func quickRetry() *dispatch.RetryPolicy {
	return &dispatch.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     time.Millisecond,
	}
}

func newTestRunner(t *testing.T, decider Decider, device types.Device, bridge AuthBridge, maxSteps int) (*Runner, *trace.SessionStore) {
	t.Helper()
	root := t.TempDir()
	sessions := trace.NewSessionStore(root)
	tracer := trace.NewTracer(root)
	return NewRunner(sessions, tracer, device, decider, bridge, quickRetry(), maxSteps), sessions
}

func TestRunTaskFinishes(t *testing.T) {
	decider := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionTap, X: 100, Y: 200},
		{Kind: types.ActionFinish, Success: true, Text: "settings opened"},
	}}
	device := &fakeDevice{}
	runner, _ := newTestRunner(t, decider, device, nil, 40)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "open settings"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != types.StatusFinishedOK {
		t.Errorf("expected finished_ok, got %s", session.Status)
	}
	if session.Result != "settings opened" {
		t.Errorf("unexpected result: %q", session.Result)
	}
	if device.taps != 1 {
		t.Errorf("expected 1 tap, got %d", device.taps)
	}
	if session.Step != 2 {
		t.Errorf("expected 2 steps, got %d", session.Step)
	}
}

func TestRunTaskStepCap(t *testing.T) {
	decider := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionTap, X: 1, Y: 1},
	}}
	device := &fakeDevice{}
	runner, _ := newTestRunner(t, decider, device, nil, 3)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "loop forever"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != types.StatusFinishedFailed {
		t.Errorf("expected finished_failed, got %s", session.Status)
	}
	if !strings.Contains(session.Result, "step limit reached") {
		t.Errorf("unexpected result: %q", session.Result)
	}
	if session.Step != 3 || device.taps != 3 {
		t.Errorf("expected exactly 3 steps/taps, got step=%d taps=%d", session.Step, device.taps)
	}
}

func TestRunTaskAdapterFailureNotFatal(t *testing.T) {
	decider := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionTap, X: 1, Y: 1},
		{Kind: types.ActionFinish, Success: true, Text: "done"},
	}}
	device := &fakeDevice{tapErr: errors.New("device offline")}
	runner, _ := newTestRunner(t, decider, device, nil, 40)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "tap once"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != types.StatusFinishedOK {
		t.Errorf("adapter failure must not fail the session, got %s", session.Status)
	}

	var sawError bool
	for _, rec := range session.History {
		if rec.Action == "tap" && strings.Contains(rec.Result, "device offline") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected the adapter error in step history")
	}
}

func TestRunTaskAuthApprovedAppliesDelegation(t *testing.T) {
	decider := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionRequestAuth, Capability: "2fa", Instruction: "enter the SMS code", TimeoutSec: 60},
		{Kind: types.ActionFinish, Success: true, Text: "logged in"},
	}}
	device := &fakeDevice{}
	bridge := &fakeBridge{decisions: []*types.AuthDecision{{
		RequestID: "req-1",
		Approved:  true,
		Status:    types.AuthApproved,
		Artifact:  &types.Artifact{Kind: types.ArtifactText, Text: "483921"},
	}}}
	runner, _ := newTestRunner(t, decider, device, bridge, 40)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "log in to the bank"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != types.StatusFinishedOK {
		t.Fatalf("expected finished_ok, got %s", session.Status)
	}

	if len(device.typed) != 1 || device.typed[0] != "483921" {
		t.Errorf("expected the delegated code typed exactly once, got %v", device.typed)
	}
	if len(bridge.requests) != 1 || bridge.requests[0].Capability != types.Cap2FA {
		t.Errorf("unexpected bridge requests: %+v", bridge.requests)
	}

	var sawAuth, sawDelegation bool
	for _, rec := range session.History {
		if rec.Action == "human_auth_approved" && strings.Contains(rec.Args, "request_id=req-1") {
			sawAuth = true
		}
		if rec.Action == "delegation" && strings.Contains(rec.Result, "typed_text") {
			sawDelegation = true
		}
	}
	if !sawAuth || !sawDelegation {
		t.Errorf("expected auth and delegation records, history: %+v", session.History)
	}
	if !strings.Contains(session.Result, "2fa: approved") {
		t.Errorf("final result must mention the authorization, got %q", session.Result)
	}
}

func TestRunTaskAuthTimeoutContinuesStepping(t *testing.T) {
	decider := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionRequestAuth, Capability: "camera", Instruction: "take the photo", TimeoutSec: 1},
		{Kind: types.ActionFinish, Success: false, Text: "could not verify without a photo"},
	}}
	device := &fakeDevice{}
	bridge := &fakeBridge{decisions: []*types.AuthDecision{{
		RequestID: "req-2",
		Approved:  false,
		Status:    types.AuthTimeout,
		Message:   "no decision observed before expiry",
	}}}
	runner, _ := newTestRunner(t, decider, device, bridge, 40)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "verify identity"))
	if err != nil {
		t.Fatal(err)
	}
	// A timed-out request is information: the loop keeps stepping and the
	// model decides what to do next.
	if decider.calls != 2 {
		t.Errorf("expected the loop to step again after timeout, calls=%d", decider.calls)
	}
	if session.Status != types.StatusFinishedFailed {
		t.Errorf("expected finished_failed from the model's own finish, got %s", session.Status)
	}
	if !strings.Contains(session.Result, "camera: timeout") {
		t.Errorf("final result must mention the timed-out request, got %q", session.Result)
	}
	if len(device.typed) != 0 {
		t.Error("no delegation may be applied on timeout")
	}
}

func TestRunTaskStopped(t *testing.T) {
	started := make(chan types.SessionID, 1)
	decider := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionWait, DurationMS: 50},
	}}
	device := &fakeDevice{}
	runner, sessions := newTestRunner(t, decider, device, nil, 1000)

	done := make(chan *types.Session, 1)
	go func() {
		session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "wait around"))
		if err != nil {
			t.Error(err)
		}
		done <- session
	}()

	// Find the session once it exists, then stop it.
	go func() {
		for i := 0; i < 200; i++ {
			list, _ := sessions.List(context.Background())
			if len(list) == 1 {
				started <- list[0].ID
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case id := <-started:
		time.Sleep(20 * time.Millisecond)
		if !runner.Stop(id) {
			t.Error("expected Stop to find the running session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session never appeared")
	}

	select {
	case session := <-done:
		if session.Status != types.StatusStopped {
			t.Errorf("expected stopped, got %s", session.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after stop")
	}
}

func TestRunTaskModelUnavailable(t *testing.T) {
	decider := &scriptedDecider{
		errs:    []error{errors.New("unauthorized")},
		actions: []types.Action{{Kind: types.ActionFinish, Success: true}},
	}
	device := &fakeDevice{}
	runner, _ := newTestRunner(t, decider, device, nil, 40)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "goal"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != types.StatusFinishedFailed {
		t.Errorf("expected finished_failed on permanent model error, got %s", session.Status)
	}
	if !strings.Contains(session.Result, "model unavailable") {
		t.Errorf("unexpected result: %q", session.Result)
	}
}

func TestRunTaskRetriesTransientModelErrors(t *testing.T) {
	decider := &scriptedDecider{
		errs:    []error{errors.New("connection refused"), nil},
		actions: []types.Action{{Kind: types.ActionFinish, Success: true, Text: "ok"}},
	}
	device := &fakeDevice{}
	runner, _ := newTestRunner(t, decider, device, nil, 40)

	session, err := runner.RunTask(context.Background(), dispatch.NewTask("", "goal"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != types.StatusFinishedOK {
		t.Errorf("expected success after transient retry, got %s (%s)", session.Status, session.Result)
	}
	if decider.calls < 2 {
		t.Errorf("expected a retried model call, calls=%d", decider.calls)
	}
}

func TestRunTasksConcurrentSessionsIsolated(t *testing.T) {
	deciderA := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionTap, X: 1, Y: 1},
		{Kind: types.ActionFinish, Success: true, Text: "a done"},
	}}
	deciderB := &scriptedDecider{actions: []types.Action{
		{Kind: types.ActionTap, X: 2, Y: 2},
		{Kind: types.ActionTap, X: 2, Y: 2},
		{Kind: types.ActionFinish, Success: true, Text: "b done"},
	}}
	root := t.TempDir()
	sessions := trace.NewSessionStore(root)
	tracer := trace.NewTracer(root)
	runnerA := NewRunner(sessions, tracer, &fakeDevice{}, deciderA, nil, quickRetry(), 40)
	runnerB := NewRunner(sessions, tracer, &fakeDevice{}, deciderB, nil, quickRetry(), 40)

	var wg sync.WaitGroup
	results := make([]*types.Session, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = runnerA.RunTask(context.Background(), dispatch.NewTask("", "task a"))
	}()
	go func() {
		defer wg.Done()
		results[1], _ = runnerB.RunTask(context.Background(), dispatch.NewTask("", "task b"))
	}()
	wg.Wait()

	if results[0].Result != "a done" || results[1].Result != "b done" {
		t.Errorf("cross-session interference: %q / %q", results[0].Result, results[1].Result)
	}
	if results[0].Step != 2 || results[1].Step != 3 {
		t.Errorf("unexpected step counts: %d / %d", results[0].Step, results[1].Step)
	}
	if results[0].ID == results[1].ID {
		t.Error("sessions must have distinct ids")
	}
}
