package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/droidpilot/internal/types"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "requests.json"), filepath.Join(dir, "artifacts"))
	return NewServer(store, "http://relay.test", "", 300), dir
}

func postCreateRequest(t *testing.T, srv *Server, body string) createResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	var resp createResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func openToken(t *testing.T, resp createResponse) string {
	t.Helper()
	idx := strings.Index(resp.OpenURL, "token=")
	if idx < 0 {
		t.Fatalf("open URL has no token: %s", resp.OpenURL)
	}
	return resp.OpenURL[idx+len("token="):]
}

func resolve(t *testing.T, srv *Server, id, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/requests/"+id+"/resolve?token="+token, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func pollStatus(t *testing.T, srv *Server, id, token string) (int, statusResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/requests/"+id+"/status?token="+token, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var resp statusResponse
	if w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
	}
	return w.Code, resp
}

const sampleCreate = `{"capability":"2fa","instruction":"enter the SMS code","session_id":"sess-1","step":4,"timeout_sec":60}`

func TestCreateIssuesDistinctTokens(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	if resp.RequestID == "" {
		t.Fatal("expected request id")
	}
	open := openToken(t, resp)
	if open == resp.PollToken {
		t.Error("open token and poll token must differ")
	}
	if !strings.HasPrefix(resp.OpenURL, "http://relay.test/requests/") {
		t.Errorf("unexpected open URL: %s", resp.OpenURL)
	}
	if time.Until(resp.ExpiresAt) <= 0 {
		t.Error("expected a future expiry")
	}
}

func TestNoPlaintextTokensOnDisk(t *testing.T) {
	srv, dir := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	data, err := os.ReadFile(filepath.Join(dir, "requests.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), openToken(t, resp)) {
		t.Error("open token persisted in plaintext")
	}
	if strings.Contains(string(data), resp.PollToken) {
		t.Error("poll token persisted in plaintext")
	}
	if !strings.Contains(string(data), "open_token_hash") {
		t.Error("expected token hashes on disk")
	}
}

func TestTokensAreSinglePurpose(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	// Poll token must not resolve
	w := resolve(t, srv, resp.RequestID, resp.PollToken, `{"decision":"approve"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 resolving with poll token, got %d", w.Code)
	}

	// Open token must not poll
	code, _ := pollStatus(t, srv, resp.RequestID, openToken(t, resp))
	if code != http.StatusForbidden {
		t.Errorf("expected 403 polling with open token, got %d", code)
	}
}

func TestApproveWithTextArtifact(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	w := resolve(t, srv, resp.RequestID, openToken(t, resp),
		`{"decision":"approve","artifact":{"kind":"text","text":"483921"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	code, status := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	if code != http.StatusOK {
		t.Fatalf("poll failed: %d", code)
	}
	if status.Status != types.AuthApproved {
		t.Errorf("expected approved, got %s", status.Status)
	}
	if status.Artifact == nil || status.Artifact.Kind != types.ArtifactText || status.Artifact.Text != "483921" {
		t.Errorf("unexpected artifact: %+v", status.Artifact)
	}
	if status.DecidedAt == nil {
		t.Error("expected decided_at")
	}
}

func TestDoubleResolveFirstDecisionWins(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)
	token := openToken(t, resp)

	if w := resolve(t, srv, resp.RequestID, token, `{"decision":"reject"}`); w.Code != http.StatusOK {
		t.Fatalf("first resolve failed: %d", w.Code)
	}
	if w := resolve(t, srv, resp.RequestID, token, `{"decision":"approve"}`); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 on second resolve, got %d", w.Code)
	}

	_, status := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	if status.Status != types.AuthRejected {
		t.Errorf("stored decision must equal the first: got %s", status.Status)
	}
}

func TestPollIdempotentAfterTerminal(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)
	resolve(t, srv, resp.RequestID, openToken(t, resp), `{"decision":"approve"}`)

	_, first := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	_, second := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	if second.Status != first.Status {
		t.Errorf("terminal status changed between polls: %s then %s", first.Status, second.Status)
	}
	if !second.DecidedAt.Equal(*first.DecidedAt) {
		t.Error("decided_at mutated by a later poll")
	}
}

func TestLazyTimeoutWithoutSweep(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	// Jump past expiry without running any sweep.
	srv.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	code, status := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	if code != http.StatusOK {
		t.Fatalf("poll failed: %d", code)
	}
	if status.Status != types.AuthTimeout {
		t.Errorf("expected timeout, got %s", status.Status)
	}

	// A late human decision must be refused.
	if w := resolve(t, srv, resp.RequestID, openToken(t, resp), `{"decision":"approve"}`); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 resolving an expired request, got %d", w.Code)
	}
}

func TestSweepExpiresPendingRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	postCreateRequest(t, srv, sampleCreate)
	postCreateRequest(t, srv, `{"capability":"camera","instruction":"take a photo","session_id":"sess-2","step":1,"timeout_sec":30}`)

	srv.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	expired, err := srv.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if expired != 2 {
		t.Errorf("expected 2 expired, got %d", expired)
	}

	// Second sweep is a no-op.
	expired, err = srv.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if expired != 0 {
		t.Errorf("expected 0 expired on second sweep, got %d", expired)
	}
}

func TestRequestIsolation(t *testing.T) {
	srv, _ := newTestServer(t)
	a := postCreateRequest(t, srv, `{"capability":"sms","instruction":"code for session A","session_id":"sess-a","step":1,"timeout_sec":60}`)
	b := postCreateRequest(t, srv, `{"capability":"sms","instruction":"code for session B","session_id":"sess-b","step":1,"timeout_sec":60}`)

	// A's tokens must not act on B.
	if w := resolve(t, srv, b.RequestID, openToken(t, a), `{"decision":"approve"}`); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 cross-request resolve, got %d", w.Code)
	}
	if code, _ := pollStatus(t, srv, b.RequestID, a.PollToken); code != http.StatusForbidden {
		t.Errorf("expected 403 cross-request poll, got %d", code)
	}

	resolve(t, srv, a.RequestID, openToken(t, a), `{"decision":"approve"}`)
	_, statusB := pollStatus(t, srv, b.RequestID, b.PollToken)
	if statusB.Status != types.AuthPending {
		t.Errorf("B must stay pending after A resolves, got %s", statusB.Status)
	}
}

func TestApprovalPageRendering(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	req := httptest.NewRequest(http.MethodGet, "/requests/"+resp.RequestID+"?token="+openToken(t, resp), nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "enter the SMS code") {
		t.Error("instruction missing from page")
	}
	if !strings.Contains(body, `value="approve"`) || !strings.Contains(body, `value="reject"`) {
		t.Error("decision buttons missing from page")
	}
	if !strings.Contains(body, `name="text"`) {
		t.Error("2fa capability should render a text input")
	}

	// Wrong token gets no page.
	req = httptest.NewRequest(http.MethodGet, "/requests/"+resp.RequestID+"?token=wrong", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong token, got %d", w.Code)
	}
}

func TestFormResolveWithGeoArtifact(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, `{"capability":"location","instruction":"share your location","session_id":"s","step":1,"timeout_sec":60}`)

	form := "decision=approve&artifact_kind=geo&lat=37.7&lon=-122.4"
	req := httptest.NewRequest(http.MethodPost,
		"/requests/"+resp.RequestID+"/resolve?token="+openToken(t, resp),
		bytes.NewBufferString(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("form resolve failed: %d %s", w.Code, w.Body.String())
	}

	_, status := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	if status.Artifact == nil || status.Artifact.Kind != types.ArtifactGeo {
		t.Fatalf("expected geo artifact, got %+v", status.Artifact)
	}
	if status.Artifact.Lat != 37.7 || status.Artifact.Lon != -122.4 {
		t.Errorf("unexpected coordinates: %+v", status.Artifact)
	}
}

func TestBearerKeyGate(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "requests.json"), filepath.Join(dir, "artifacts"))
	srv := NewServer(store, "http://relay.test", "sekret", 300)

	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(sampleCreate))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(sampleCreate))
	req.Header.Set("Authorization", "Bearer sekret")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d %s", w.Code, w.Body.String())
	}
}

func TestRejectNeverStoresArtifact(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCreateRequest(t, srv, sampleCreate)

	w := resolve(t, srv, resp.RequestID, openToken(t, resp),
		`{"decision":"reject","artifact":{"kind":"text","text":"ignored"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d", w.Code)
	}

	_, status := pollStatus(t, srv, resp.RequestID, resp.PollToken)
	if status.Status != types.AuthRejected {
		t.Fatalf("expected rejected, got %s", status.Status)
	}
	if status.Artifact != nil {
		t.Error("rejected request must not carry an artifact")
	}
}
