// internal/types/interfaces.go
package types

import (
	"context"
)

// Device abstracts the execution target: observe state, apply one action at
// a time. Implementations must be safe for use from a single loop goroutine.
type Device interface {
	Capture(ctx context.Context) (*Observation, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error
	TypeText(ctx context.Context, text string) error
	KeyEvent(ctx context.Context, key string) error
	LaunchApp(ctx context.Context, pkg string) error
	Shell(ctx context.Context, command string) (string, error)
	RunScript(ctx context.Context, name string) (string, error)
	PushFile(ctx context.Context, data []byte, destPath string) error
	SetLocation(ctx context.Context, lat, lon float64) error
}

// Notifier delivers an out-of-band message (optionally with a URL) to the
// operator who owns the session.
type Notifier interface {
	Notify(sessionID SessionID, message, url string) error
}

// TraceStore is the append-only audit record of a session's steps.
type TraceStore interface {
	Append(ctx context.Context, sessionID SessionID, record *StepRecord) error
	Finalize(ctx context.Context, sessionID SessionID, status SessionStatus, message string) error
}
