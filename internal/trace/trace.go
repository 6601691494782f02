package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/droidpilot/internal/types"
)

// ErrSessionFinalized is returned when a trace receives a write after its
// final line.
var ErrSessionFinalized = errors.New("session trace already finalized")

// Tracer is a JSONL-backed append-only trace store. Steps are stored
// per-session in sessions/<sessionID>/trace.jsonl; the last line of a
// completed trace is a final line carrying the session outcome.
type Tracer struct {
	root      string
	mu        sync.Mutex
	locks     map[types.SessionID]*sync.Mutex
	finalized map[types.SessionID]bool
}

var _ types.TraceStore = (*Tracer)(nil)

// NewTracer creates a file-backed Tracer rooted at the given directory.
func NewTracer(root string) *Tracer {
	return &Tracer{
		root:      root,
		locks:     make(map[types.SessionID]*sync.Mutex),
		finalized: make(map[types.SessionID]bool),
	}
}

// line is one trace record on disk: either a step or the final outcome.
type line struct {
	Seq     int64               `json:"seq"`
	Final   bool                `json:"final,omitempty"`
	Step    *types.StepRecord   `json:"step,omitempty"`
	Status  types.SessionStatus `json:"status,omitempty"`
	Message string              `json:"message,omitempty"`
	At      time.Time           `json:"at"`
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (t *Tracer) getLock(sessionID types.SessionID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lock, ok := t.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.locks[sessionID] = lock
	return lock
}

func (t *Tracer) tracePath(sessionID types.SessionID) string {
	return filepath.Join(t.root, "sessions", string(sessionID), "trace.jsonl")
}

// scan reads the trace file and reports the line count and whether a final
// line exists. Caller must hold the session lock.
func (t *Tracer) scan(sessionID types.SessionID) (count int64, final bool, err error) {
	f, err := os.Open(t.tracePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return 0, false, fmt.Errorf("unmarshal trace line: %w", err)
		}
		if l.Final {
			final = true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false, fmt.Errorf("scan trace file: %w", err)
	}
	return count, final, nil
}

// append writes one line, assigning the next sequence number. Caller must
// hold the session lock.
func (t *Tracer) append(sessionID types.SessionID, l *line) error {
	dir := filepath.Dir(t.tracePath(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	count, final, err := t.scan(sessionID)
	if err != nil {
		return err
	}
	if final {
		t.finalized[sessionID] = true
		return ErrSessionFinalized
	}
	l.Seq = count + 1

	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal trace line: %w", err)
	}

	f, err := os.OpenFile(t.tracePath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write trace line: %w", err)
	}
	return nil
}

// Append records one executed step.
func (t *Tracer) Append(_ context.Context, sessionID types.SessionID, record *types.StepRecord) error {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if t.finalized[sessionID] {
		return ErrSessionFinalized
	}
	return t.append(sessionID, &line{Step: record, At: time.Now()})
}

// Finalize writes the trace's final line. It succeeds at most once per
// session; later calls return ErrSessionFinalized.
func (t *Tracer) Finalize(_ context.Context, sessionID types.SessionID, status types.SessionStatus, message string) error {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if t.finalized[sessionID] {
		return ErrSessionFinalized
	}
	if err := t.append(sessionID, &line{Final: true, Status: status, Message: message, At: time.Now()}); err != nil {
		return err
	}
	t.finalized[sessionID] = true
	return nil
}

// Tail returns the last N step records for the given session, skipping the
// final line.
func (t *Tracer) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.StepRecord, error) {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(t.tracePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	var steps []*types.StepRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("unmarshal trace line: %w", err)
		}
		if l.Step != nil {
			steps = append(steps, l.Step)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan trace file: %w", err)
	}

	if len(steps) > limit {
		steps = steps[len(steps)-limit:]
	}
	return steps, nil
}
