package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/droidpilot/internal/types"
)

// ErrInvalidOrExpiredToken is returned for a wrong token, an unknown request,
// or any attempt to act on a request that already reached a terminal state.
var ErrInvalidOrExpiredToken = errors.New("invalid or expired token")

// ErrNotFound is returned when a request id is unknown.
var ErrNotFound = errors.New("request not found")

// Record is the durable server-side form of a human-authorization request.
// It holds token hashes only, never plaintext tokens.
type Record struct {
	ID          types.RequestID  `json:"id"`
	SessionID   types.SessionID  `json:"session_id"`
	Step        int              `json:"step"`
	Capability  types.Capability `json:"capability"`
	Instruction string           `json:"instruction"`
	CurrentApp  string           `json:"current_app,omitempty"`
	TimeoutSec  int              `json:"timeout_sec"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`

	OpenTokenHash string `json:"open_token_hash"`
	PollTokenHash string `json:"poll_token_hash"`

	Status    types.AuthStatus `json:"status"`
	Message   string           `json:"message,omitempty"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
	Artifact  *types.Artifact  `json:"artifact,omitempty"`
}

// Store persists request records in a single JSON file keyed by request id.
// Resolved entries are never deleted; retention is a housekeeping concern
// outside the relay.
type Store struct {
	path         string
	artifactsDir string
	mu           sync.Mutex
}

// NewStore creates a file-backed Store. Request records live at path and
// binary artifacts under artifactsDir.
func NewStore(path, artifactsDir string) *Store {
	return &Store{path: path, artifactsDir: artifactsDir}
}

// load reads the records file. Caller must hold the mutex.
func (s *Store) load() (map[types.RequestID]*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.RequestID]*Record), nil
		}
		return nil, fmt.Errorf("read requests file: %w", err)
	}

	var records map[types.RequestID]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal requests: %w", err)
	}
	if records == nil {
		records = make(map[types.RequestID]*Record)
	}
	return records, nil
}

// save writes all records atomically (temp file + rename). Caller must hold
// the mutex.
func (s *Store) save(records map[types.RequestID]*Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal requests: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create requests dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp requests file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp requests file: %w", err)
	}
	return nil
}

// Put inserts a new record.
func (s *Store) Put(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[record.ID]; ok {
		return fmt.Errorf("request already exists: %s", record.ID)
	}
	records[record.ID] = record
	return s.save(records)
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id types.RequestID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	record, ok := records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

// List returns all records, pending and resolved.
func (s *Store) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Mutate applies fn to the record under the store lock and persists the
// result if fn returns nil. This is the single-writer path for state
// transitions: no two decisions can race on the same request.
func (s *Store) Mutate(id types.RequestID, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	record, ok := records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.save(records); err != nil {
		return nil, err
	}
	cp := *record
	return &cp, nil
}

// SaveArtifact writes binary artifact data under the artifacts directory and
// returns the file path. The filename embeds the request id and a timestamp.
func (s *Store) SaveArtifact(id types.RequestID, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(s.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	if ext == "" {
		ext = "bin"
	}
	name := fmt.Sprintf("%s-%d.%s", id, time.Now().Unix(), ext)
	path := filepath.Join(s.artifactsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
