package relay

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

// approvalPage is the single human-facing page. It shows the request context
// and, while pending, the approve/reject forms with the artifact inputs.
var approvalPage = template.Must(template.New("approval").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>droidpilot authorization</title>
<style>
  body { font-family: -apple-system, sans-serif; max-width: 480px; margin: 2rem auto; padding: 0 1rem; color: #222; }
  .cap { display: inline-block; background: #eef; border-radius: 4px; padding: 2px 8px; font-size: 0.9rem; }
  .instruction { background: #f6f6f6; border-radius: 6px; padding: 1rem; margin: 1rem 0; }
  .meta { color: #777; font-size: 0.85rem; }
  button { font-size: 1rem; padding: 0.6rem 1.6rem; border-radius: 6px; border: none; cursor: pointer; }
  .approve { background: #2a7; color: white; }
  .reject { background: #c44; color: white; margin-left: 0.5rem; }
  .resolved { font-size: 1.2rem; margin: 2rem 0; }
  label { display: block; margin: 0.5rem 0 0.2rem; }
  input[type=text], input[type=number] { width: 100%; padding: 0.4rem; }
</style>
</head>
<body>
<h2>Authorization request</h2>
<p><span class="cap">{{.Capability}}</span></p>
<div class="instruction">{{.Instruction}}</div>
<p class="meta">Session {{.SessionID}}, step {{.Step}}{{if .CurrentApp}}, app {{.CurrentApp}}{{end}}.<br>
Expires {{.ExpiresAt.Format "15:04:05 MST"}}.</p>

{{if .Pending}}
<form method="POST" action="{{.ResolveURL}}" enctype="multipart/form-data">
  {{if eq .ArtifactKind "text"}}
  <input type="hidden" name="artifact_kind" value="text">
  <label for="text">Text to enter on the device</label>
  <input type="text" id="text" name="text" autocomplete="one-time-code">
  {{else if eq .ArtifactKind "geo"}}
  <input type="hidden" name="artifact_kind" value="geo">
  <label for="lat">Latitude</label>
  <input type="number" step="any" id="lat" name="lat">
  <label for="lon">Longitude</label>
  <input type="number" step="any" id="lon" name="lon">
  {{else if eq .ArtifactKind "image"}}
  <input type="hidden" name="artifact_kind" value="image">
  <label for="file">Photo to send to the device</label>
  <input type="file" id="file" name="file" accept="image/*">
  {{end}}
  <p>
    <button class="approve" name="decision" value="approve">Approve</button>
    <button class="reject" name="decision" value="reject">Reject</button>
  </p>
</form>
{{else}}
<p class="resolved">This request is <strong>{{.Status}}</strong>.</p>
{{end}}
</body>
</html>
`))

type pageData struct {
	Capability   string
	Instruction  string
	SessionID    string
	Step         int
	CurrentApp   string
	ExpiresAt    time.Time
	Pending      bool
	Status       string
	ResolveURL   string
	ArtifactKind string
}

// artifactKindFor maps a capability to the artifact input the approval page
// offers. Delegation application is keyed on payload kind, not capability;
// this only chooses which form field to render.
func artifactKindFor(capability string) string {
	switch capability {
	case "2fa", "sms", "oauth", "payment", "voice":
		return "text"
	case "location":
		return "geo"
	case "camera", "qr", "files":
		return "image"
	}
	return ""
}

func (s *Server) renderPage(w http.ResponseWriter, record *Record, openToken string) {
	data := pageData{
		Capability:   string(record.Capability),
		Instruction:  record.Instruction,
		SessionID:    string(record.SessionID),
		Step:         record.Step,
		CurrentApp:   record.CurrentApp,
		ExpiresAt:    record.ExpiresAt,
		Pending:      record.Status == "pending",
		Status:       string(record.Status),
		ResolveURL:   "/requests/" + string(record.ID) + "/resolve?token=" + openToken,
		ArtifactKind: artifactKindFor(string(record.Capability)),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := approvalPage.Execute(w, data); err != nil {
		slog.Error("render approval page failed", "request_id", record.ID, "error", err)
	}
}

// StartSweep runs the periodic timeout sweep until ctx is cancelled.
func (s *Server) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				slog.Error("request sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
