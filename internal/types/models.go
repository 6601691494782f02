// internal/types/models.go
package types

import (
	"time"
)

// SessionStatus is the lifecycle state of a task session.
type SessionStatus string

const (
	StatusRunning        SessionStatus = "running"
	StatusFinishedOK     SessionStatus = "finished_ok"
	StatusFinishedFailed SessionStatus = "finished_failed"
	StatusStopped        SessionStatus = "stopped"
)

// Terminal returns true once a session can no longer change state.
func (s SessionStatus) Terminal() bool {
	return s == StatusFinishedOK || s == StatusFinishedFailed || s == StatusStopped
}

// Session is one user-initiated goal driven by the step loop. The loop owns
// the session exclusively until it reaches a terminal status.
type Session struct {
	ID        SessionID     `json:"id"`
	Goal      string        `json:"goal"`
	Step      int           `json:"step"`
	Status    SessionStatus `json:"status"`
	Result    string        `json:"result,omitempty"`
	History   []*StepRecord `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StepRecord is one entry of the append-only step history.
type StepRecord struct {
	Step   int       `json:"step"`
	Action string    `json:"action"`
	Args   string    `json:"args,omitempty"`
	Result string    `json:"result"`
	At     time.Time `json:"at"`
}

// Observation is a single capture of the execution target's state.
type Observation struct {
	Screenshot []byte
	CurrentApp string
	At         time.Time
}

// AuthStatus is the lifecycle state of a human-authorization request.
// Transitions are pending -> approved | rejected | timeout, never back.
type AuthStatus string

const (
	AuthPending  AuthStatus = "pending"
	AuthApproved AuthStatus = "approved"
	AuthRejected AuthStatus = "rejected"
	AuthTimeout  AuthStatus = "timeout"
)

// Terminal returns true once a request can no longer change state.
func (s AuthStatus) Terminal() bool {
	return s == AuthApproved || s == AuthRejected || s == AuthTimeout
}

// Capability classifies why human authorization is needed.
type Capability string

const (
	CapCamera       Capability = "camera"
	CapQR           Capability = "qr"
	CapMicrophone   Capability = "microphone"
	CapVoice        Capability = "voice"
	CapNFC          Capability = "nfc"
	CapSMS          Capability = "sms"
	Cap2FA          Capability = "2fa"
	CapLocation     Capability = "location"
	CapBiometric    Capability = "biometric"
	CapNotification Capability = "notification"
	CapContacts     Capability = "contacts"
	CapCalendar     Capability = "calendar"
	CapFiles        Capability = "files"
	CapOAuth        Capability = "oauth"
	CapPayment      Capability = "payment"
	CapPermission   Capability = "permission"
	CapUnknown      Capability = "unknown"
)

var knownCapabilities = map[Capability]bool{
	CapCamera: true, CapQR: true, CapMicrophone: true, CapVoice: true,
	CapNFC: true, CapSMS: true, Cap2FA: true, CapLocation: true,
	CapBiometric: true, CapNotification: true, CapContacts: true,
	CapCalendar: true, CapFiles: true, CapOAuth: true, CapPayment: true,
	CapPermission: true,
}

// NormalizeCapability maps arbitrary model output onto the known capability
// set, falling back to "unknown".
func NormalizeCapability(s string) Capability {
	c := Capability(s)
	if knownCapabilities[c] {
		return c
	}
	return CapUnknown
}

// AuthRequest is the client-side view of a human-authorization request.
// The relay server is the sole owner of the request record; the bridge only
// holds the request id and the two tokens.
type AuthRequest struct {
	SessionID   SessionID  `json:"session_id"`
	Step        int        `json:"step"`
	Capability  Capability `json:"capability"`
	Instruction string     `json:"instruction"`
	CurrentApp  string     `json:"current_app,omitempty"`
	TimeoutSec  int        `json:"timeout_sec"`
}

// ArtifactKind is the payload kind of a delegation artifact.
type ArtifactKind string

const (
	ArtifactText  ArtifactKind = "text"
	ArtifactGeo   ArtifactKind = "geo"
	ArtifactImage ArtifactKind = "image"
)

// Artifact is human-supplied data attached to an approval. Text and geo
// payloads are carried inline; image payloads are stored as a file and
// referenced by path.
type Artifact struct {
	Kind ArtifactKind `json:"kind"`
	Text string       `json:"text,omitempty"`
	Lat  float64      `json:"lat,omitempty"`
	Lon  float64      `json:"lon,omitempty"`
	Path string       `json:"path,omitempty"`
}

// AuthDecision is the terminal outcome of a human-authorization request as
// observed by the bridge.
type AuthDecision struct {
	RequestID RequestID  `json:"request_id"`
	Approved  bool       `json:"approved"`
	Status    AuthStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	DecidedAt time.Time  `json:"decided_at,omitempty"`
	Artifact  *Artifact  `json:"artifact,omitempty"`
}
