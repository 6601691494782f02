// Package relay is the standalone HTTP service brokering human-authorization
// requests between the automation loop and a human approver.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/droidpilot/internal/types"
)

const maxUploadBytes = 10 << 20

// Server exposes the relay protocol: create-request, fetch approval context,
// submit-decision, poll-status.
type Server struct {
	store             *Store
	apiKey            string
	defaultTimeoutSec int
	mux               *http.ServeMux

	mu      sync.RWMutex
	baseURL string

	now func() time.Time
}

// NewServer creates a relay Server. baseURL is the externally reachable base
// used to build open URLs; apiKey, when non-empty, gates the automation
// routes with a bearer header.
func NewServer(store *Store, baseURL, apiKey string, defaultTimeoutSec int) *Server {
	if defaultTimeoutSec <= 0 {
		defaultTimeoutSec = 300
	}
	s := &Server{
		store:             store,
		apiKey:            apiKey,
		defaultTimeoutSec: defaultTimeoutSec,
		baseURL:           strings.TrimRight(baseURL, "/"),
		mux:               http.NewServeMux(),
		now:               time.Now,
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /requests", s.requireKey(s.handleCreate))
	s.mux.HandleFunc("GET /requests/{id}", s.handleFetch)
	s.mux.HandleFunc("POST /requests/{id}/resolve", s.handleResolve)
	s.mux.HandleFunc("GET /requests/{id}/status", s.requireKey(s.handleStatus))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetBaseURL swaps the public base URL, used once a tunnel reports its
// public hostname.
func (s *Server) SetBaseURL(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(baseURL, "/")
}

func (s *Server) getBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// requireKey wraps automation-facing handlers with the optional bearer gate.
// The human-facing page and resolve routes stay reachable from a plain
// browser; they are protected by the open token instead.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				httpError(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// createRequest is the JSON body for POST /requests.
type createRequest struct {
	Capability  string `json:"capability"`
	Instruction string `json:"instruction"`
	SessionID   string `json:"session_id"`
	Step        int    `json:"step"`
	CurrentApp  string `json:"current_app"`
	TimeoutSec  int    `json:"timeout_sec"`
}

// createResponse returns the request id, the open URL (embedding the open
// token), the poll token, and the expiry time.
type createResponse struct {
	RequestID string    `json:"request_id"`
	OpenURL   string    `json:"open_url"`
	PollToken string    `json:"poll_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Instruction == "" {
		httpError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = s.defaultTimeoutSec
	}

	openToken, err := newToken()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	pollToken, err := newToken()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := s.now()
	record := &Record{
		ID:            types.NewRequestID(),
		SessionID:     types.SessionID(req.SessionID),
		Step:          req.Step,
		Capability:    types.NormalizeCapability(req.Capability),
		Instruction:   req.Instruction,
		CurrentApp:    req.CurrentApp,
		TimeoutSec:    req.TimeoutSec,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(req.TimeoutSec) * time.Second),
		OpenTokenHash: hashToken(openToken),
		PollTokenHash: hashToken(pollToken),
		Status:        types.AuthPending,
	}

	if err := s.store.Put(record); err != nil {
		slog.Error("persist auth request failed", "request_id", record.ID, "error", err)
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("auth request created",
		"request_id", record.ID,
		"session_id", record.SessionID,
		"capability", record.Capability,
		"timeout_sec", record.TimeoutSec,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createResponse{
		RequestID: string(record.ID),
		OpenURL:   fmt.Sprintf("%s/requests/%s?token=%s", s.getBaseURL(), record.ID, openToken),
		PollToken: pollToken,
		ExpiresAt: record.ExpiresAt,
	})
}

// expireIfDue applies the lazy timeout transition. Returns true if the
// record changed. Correctness does not depend on the background sweep; this
// runs on every lookup.
func expireIfDue(record *Record, now time.Time) bool {
	if record.Status != types.AuthPending || now.Before(record.ExpiresAt) {
		return false
	}
	record.Status = types.AuthTimeout
	record.Message = "expired with no decision"
	decidedAt := record.ExpiresAt
	record.DecidedAt = &decidedAt
	return true
}

// lookupExpired fetches a record and applies the lazy timeout, persisting
// the transition when it fires.
func (s *Server) lookupExpired(id types.RequestID) (*Record, error) {
	record, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if record.Status == types.AuthPending && !s.now().Before(record.ExpiresAt) {
		return s.store.Mutate(id, func(r *Record) error {
			expireIfDue(r, s.now())
			return nil
		})
	}
	return record, nil
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := types.RequestID(r.PathValue("id"))
	record, err := s.lookupExpired(id)
	if err != nil {
		httpError(w, http.StatusForbidden, "invalid or expired token")
		return
	}
	if !tokenMatches(r.URL.Query().Get("token"), record.OpenTokenHash) {
		httpError(w, http.StatusForbidden, "invalid or expired token")
		return
	}
	s.renderPage(w, record, r.URL.Query().Get("token"))
}

// resolveRequest is the JSON body for POST /requests/{id}/resolve.
type resolveRequest struct {
	Decision string `json:"decision"`
	Artifact *struct {
		Kind string  `json:"kind"`
		Text string  `json:"text"`
		Lat  float64 `json:"lat"`
		Lon  float64 `json:"lon"`
	} `json:"artifact"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := types.RequestID(r.PathValue("id"))
	token := r.URL.Query().Get("token")

	decision, artifact, imageData, imageExt, err := parseResolveBody(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.store.Mutate(id, func(rec *Record) error {
		if !tokenMatches(token, rec.OpenTokenHash) {
			return ErrInvalidOrExpiredToken
		}
		if expireIfDue(rec, s.now()) {
			return ErrInvalidOrExpiredToken
		}
		if rec.Status != types.AuthPending {
			return ErrInvalidOrExpiredToken
		}

		decidedAt := s.now()
		rec.DecidedAt = &decidedAt
		switch decision {
		case "approve":
			rec.Status = types.AuthApproved
			rec.Message = "approved by operator"
			if imageData != nil {
				path, err := s.store.SaveArtifact(rec.ID, imageExt, imageData)
				if err != nil {
					return err
				}
				rec.Artifact = &types.Artifact{Kind: types.ArtifactImage, Path: path}
			} else if artifact != nil {
				rec.Artifact = artifact
			}
		case "reject":
			rec.Status = types.AuthRejected
			rec.Message = "rejected by operator"
		default:
			return fmt.Errorf("unknown decision: %q", decision)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpiredToken) || errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusForbidden, "invalid or expired token")
			return
		}
		if strings.HasPrefix(err.Error(), "unknown decision") {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("resolve auth request failed", "request_id", id, "error", err)
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("auth request resolved",
		"request_id", record.ID,
		"session_id", record.SessionID,
		"status", record.Status,
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		s.renderPage(w, record, token)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": string(record.Status)})
}

// parseResolveBody accepts either a JSON body (automation / curl) or a
// browser form submission from the approval page.
func parseResolveBody(r *http.Request) (decision string, artifact *types.Artifact, imageData []byte, imageExt string, err error) {
	ct := r.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "multipart/form-data") || strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if strings.HasPrefix(ct, "multipart/form-data") {
			if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
				return "", nil, nil, "", fmt.Errorf("parse form: %w", err)
			}
		} else if err := r.ParseForm(); err != nil {
			return "", nil, nil, "", fmt.Errorf("parse form: %w", err)
		}

		decision = r.FormValue("decision")
		switch r.FormValue("artifact_kind") {
		case "text":
			if text := r.FormValue("text"); text != "" {
				artifact = &types.Artifact{Kind: types.ArtifactText, Text: text}
			}
		case "geo":
			lat, latErr := strconv.ParseFloat(r.FormValue("lat"), 64)
			lon, lonErr := strconv.ParseFloat(r.FormValue("lon"), 64)
			if latErr != nil || lonErr != nil {
				return "", nil, nil, "", fmt.Errorf("invalid coordinates")
			}
			artifact = &types.Artifact{Kind: types.ArtifactGeo, Lat: lat, Lon: lon}
		case "image":
			file, header, ferr := r.FormFile("file")
			if ferr == nil {
				defer file.Close()
				data, rerr := io.ReadAll(io.LimitReader(file, maxUploadBytes))
				if rerr != nil {
					return "", nil, nil, "", fmt.Errorf("read upload: %w", rerr)
				}
				imageData = data
				imageExt = strings.TrimPrefix(strings.ToLower(filepathExt(header.Filename)), ".")
				if imageExt == "" {
					imageExt = "jpg"
				}
			}
		}
		return decision, artifact, imageData, imageExt, nil
	}

	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", nil, nil, "", fmt.Errorf("invalid JSON")
	}
	decision = body.Decision
	if body.Artifact != nil {
		switch body.Artifact.Kind {
		case "text":
			artifact = &types.Artifact{Kind: types.ArtifactText, Text: body.Artifact.Text}
		case "geo":
			artifact = &types.Artifact{Kind: types.ArtifactGeo, Lat: body.Artifact.Lat, Lon: body.Artifact.Lon}
		case "":
		default:
			return "", nil, nil, "", fmt.Errorf("unknown artifact kind: %q", body.Artifact.Kind)
		}
	}
	return decision, artifact, nil, "", nil
}

// statusResponse is the body for GET /requests/{id}/status.
type statusResponse struct {
	Status    types.AuthStatus `json:"status"`
	Message   string           `json:"message,omitempty"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
	Artifact  *types.Artifact  `json:"artifact,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := types.RequestID(r.PathValue("id"))
	record, err := s.lookupExpired(id)
	if err != nil {
		httpError(w, http.StatusForbidden, "invalid or expired token")
		return
	}
	if !tokenMatches(r.URL.Query().Get("token"), record.PollTokenHash) {
		httpError(w, http.StatusForbidden, "invalid or expired token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:    record.Status,
		Message:   record.Message,
		DecidedAt: record.DecidedAt,
		Artifact:  record.Artifact,
	})
}

// Sweep applies the timeout transition to every due pending request and
// returns how many expired. The sweep is an accelerator; lazy expiry on
// lookup keeps the protocol correct even if it never runs.
func (s *Server) Sweep() (int, error) {
	records, err := s.store.List()
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, record := range records {
		if record.Status != types.AuthPending || s.now().Before(record.ExpiresAt) {
			continue
		}
		if _, err := s.store.Mutate(record.ID, func(r *Record) error {
			expireIfDue(r, s.now())
			return nil
		}); err != nil {
			slog.Error("sweep expire failed", "request_id", record.ID, "error", err)
			continue
		}
		slog.Info("auth request timed out", "request_id", record.ID, "session_id", record.SessionID)
		expired++
	}
	return expired, nil
}

func httpError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// filepathExt mirrors filepath.Ext without pulling in path handling for an
// uploaded filename that may use foreign separators.
func filepathExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case '.':
			return name[i:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
