// internal/types/action.go
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind tags the Action variant. Every step produces exactly one action.
type ActionKind string

const (
	ActionTap         ActionKind = "tap"
	ActionSwipe       ActionKind = "swipe"
	ActionTypeText    ActionKind = "type_text"
	ActionKeyEvent    ActionKind = "key_event"
	ActionLaunchApp   ActionKind = "launch_app"
	ActionShell       ActionKind = "shell"
	ActionRunScript   ActionKind = "run_script"
	ActionRequestAuth ActionKind = "request_auth"
	ActionWait        ActionKind = "wait"
	ActionFinish      ActionKind = "finish"
)

// Action is the single normalized decision produced for each step.
// Field usage depends on Kind; unused fields stay at their zero value.
type Action struct {
	Kind ActionKind `json:"action"`

	// tap / swipe coordinates
	X  int `json:"x,omitempty"`
	Y  int `json:"y,omitempty"`
	X2 int `json:"x2,omitempty"`
	Y2 int `json:"y2,omitempty"`

	// swipe / wait duration
	DurationMS int `json:"duration_ms,omitempty"`

	// type_text text, shell command, run_script name, finish message
	Text string `json:"text,omitempty"`

	// key_event key name (e.g. KEYCODE_BACK)
	Key string `json:"key,omitempty"`

	// launch_app package name
	Package string `json:"package,omitempty"`

	// request_auth fields
	Capability  string `json:"capability,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`

	// finish success flag
	Success bool `json:"success,omitempty"`

	Reasoning string `json:"reasoning,omitempty"`
}

var knownActionKinds = map[ActionKind]bool{
	ActionTap: true, ActionSwipe: true, ActionTypeText: true,
	ActionKeyEvent: true, ActionLaunchApp: true, ActionShell: true,
	ActionRunScript: true, ActionRequestAuth: true, ActionWait: true,
	ActionFinish: true,
}

// WaitAction returns a normalized wait action carrying a note about why the
// loop is idling, used when model output cannot be trusted.
func WaitAction(note string) Action {
	return Action{Kind: ActionWait, Text: note}
}

// ParseAction decodes a model-produced JSON object into an Action.
// Unknown or missing kinds normalize to wait rather than failing, so a
// malformed decision never kills the step loop.
func ParseAction(raw []byte) Action {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return WaitAction(fmt.Sprintf("unparseable action: %v", err))
	}
	a.Kind = ActionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	if !knownActionKinds[a.Kind] {
		return WaitAction(fmt.Sprintf("unknown action %q", a.Kind))
	}
	return a
}

// Args renders the action's parameters as a compact string for step history.
func (a Action) Args() string {
	switch a.Kind {
	case ActionTap:
		return fmt.Sprintf("%d,%d", a.X, a.Y)
	case ActionSwipe:
		return fmt.Sprintf("%d,%d->%d,%d %dms", a.X, a.Y, a.X2, a.Y2, a.DurationMS)
	case ActionTypeText, ActionShell, ActionRunScript, ActionFinish:
		return a.Text
	case ActionKeyEvent:
		return a.Key
	case ActionLaunchApp:
		return a.Package
	case ActionRequestAuth:
		return fmt.Sprintf("%s: %s", a.Capability, a.Instruction)
	case ActionWait:
		if a.Text != "" {
			return a.Text
		}
		return fmt.Sprintf("%dms", a.DurationMS)
	}
	return ""
}

func (a Action) String() string {
	args := a.Args()
	if args == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s(%s)", a.Kind, args)
}
