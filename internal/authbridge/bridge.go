// Package authbridge is the client side of the human-authorization relay:
// it files a request, surfaces the approval URL to the operator, and polls
// until a terminal decision arrives.
package authbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/user/droidpilot/internal/types"
)

const (
	defaultPollInterval = 2 * time.Second
	maxPollInterval     = 10 * time.Second
)

// Bridge talks to a relay server on behalf of one or more task loops. It is
// stateless between calls; every wait is scoped to a single request.
type Bridge struct {
	relayURL     string
	apiKey       string
	pollInterval time.Duration
	notifier     types.Notifier
	httpClient   *http.Client
}

// New creates a Bridge against the relay at relayURL. notifier may be nil
// when no operator channel is configured.
func New(relayURL, apiKey string, pollInterval time.Duration, notifier types.Notifier) *Bridge {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Bridge{
		relayURL:     strings.TrimRight(relayURL, "/"),
		apiKey:       apiKey,
		pollInterval: pollInterval,
		notifier:     notifier,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// created mirrors the relay's create response.
type created struct {
	RequestID string    `json:"request_id"`
	OpenURL   string    `json:"open_url"`
	PollToken string    `json:"poll_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// status mirrors the relay's status response.
type status struct {
	Status    types.AuthStatus `json:"status"`
	Message   string           `json:"message"`
	DecidedAt *time.Time       `json:"decided_at"`
	Artifact  *types.Artifact  `json:"artifact"`
}

// RequestAndWait creates a relay request and blocks until a terminal
// decision, the request's own expiry (plus one grace interval), or ctx
// cancellation. Transient poll failures are retried on the same schedule;
// a wait that never observes a terminal status reports timeout.
func (b *Bridge) RequestAndWait(ctx context.Context, req *types.AuthRequest) (*types.AuthDecision, error) {
	cr, err := b.create(ctx, req)
	if err != nil {
		return nil, err
	}

	if b.notifier != nil {
		msg := fmt.Sprintf("Authorization needed (%s): %s", req.Capability, req.Instruction)
		if err := b.notifier.Notify(req.SessionID, msg, cr.OpenURL); err != nil {
			slog.Warn("notify operator failed", "request_id", cr.RequestID, "error", err)
		}
	}

	slog.Info("waiting for human decision",
		"request_id", cr.RequestID,
		"session_id", req.SessionID,
		"capability", req.Capability,
		"expires_at", cr.ExpiresAt,
	)

	deadline := cr.ExpiresAt.Add(b.pollInterval)
	interval := b.pollInterval

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		st, err := b.poll(ctx, cr.RequestID, cr.PollToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("poll failed", "request_id", cr.RequestID, "error", err)
		} else if st.Status.Terminal() {
			decision := &types.AuthDecision{
				RequestID: types.RequestID(cr.RequestID),
				Approved:  st.Status == types.AuthApproved,
				Status:    st.Status,
				Message:   st.Message,
				Artifact:  st.Artifact,
			}
			if st.DecidedAt != nil {
				decision.DecidedAt = *st.DecidedAt
			}
			return decision, nil
		}

		if time.Now().After(deadline) {
			// The server enforces expiry on its side too; report the local
			// view so the loop can continue.
			return &types.AuthDecision{
				RequestID: types.RequestID(cr.RequestID),
				Approved:  false,
				Status:    types.AuthTimeout,
				Message:   "no decision observed before expiry",
			}, nil
		}

		// Capped linear backoff between polls.
		interval += time.Second
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func (b *Bridge) create(ctx context.Context, req *types.AuthRequest) (*created, error) {
	body, err := json.Marshal(map[string]any{
		"capability":  string(req.Capability),
		"instruction": req.Instruction,
		"session_id":  string(req.SessionID),
		"step":        req.Step,
		"current_app": req.CurrentApp,
		"timeout_sec": req.TimeoutSec,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.relayURL+"/requests", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.setAuth(httpReq)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create auth request: relay returned %d: %s", resp.StatusCode, string(data))
	}

	var cr created
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	if cr.RequestID == "" || cr.PollToken == "" {
		return nil, fmt.Errorf("relay returned incomplete create response")
	}
	return &cr, nil
}

func (b *Bridge) poll(ctx context.Context, requestID, pollToken string) (*status, error) {
	url := fmt.Sprintf("%s/requests/%s/status?token=%s", b.relayURL, requestID, pollToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	b.setAuth(httpReq)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("poll status: relay returned %d: %s", resp.StatusCode, string(data))
	}

	var st status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &st, nil
}

func (b *Bridge) setAuth(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}
