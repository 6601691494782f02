package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Automation is a named goal that fires on a cron schedule.
type Automation struct {
	Name     string `json:"name"`
	Goal     string `json:"goal"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// AutomationStore is a JSON-file-backed store for automations.
type AutomationStore struct {
	path string
	mu   sync.RWMutex
}

// NewAutomationStore creates a file-backed AutomationStore at the given path.
func NewAutomationStore(path string) *AutomationStore {
	return &AutomationStore{path: path}
}

// Path returns the file path used by this store.
func (s *AutomationStore) Path() string {
	return s.path
}

// List returns all automations. Returns an empty slice if the file doesn't
// exist.
func (s *AutomationStore) List() ([]*Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	automations, err := s.load()
	if err != nil {
		return nil, err
	}
	if automations == nil {
		return []*Automation{}, nil
	}
	return automations, nil
}

// Get finds an automation by name. Returns an error if not found.
func (s *AutomationStore) Get(name string) (*Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	automations, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, a := range automations {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("automation not found: %s", name)
}

// Add appends an automation. Returns an error if one with the same name
// already exists.
func (s *AutomationStore) Add(automation *Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	automations, err := s.load()
	if err != nil {
		return err
	}

	for _, existing := range automations {
		if existing.Name == automation.Name {
			return fmt.Errorf("automation already exists: %s", automation.Name)
		}
	}

	automations = append(automations, automation)
	return s.save(automations)
}

// Remove deletes an automation by name. Returns an error if not found.
func (s *AutomationStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	automations, err := s.load()
	if err != nil {
		return err
	}

	for i, a := range automations {
		if a.Name == name {
			automations = append(automations[:i], automations[i+1:]...)
			return s.save(automations)
		}
	}
	return fmt.Errorf("automation not found: %s", name)
}

// SetEnabled toggles the enabled flag. Returns an error if not found.
func (s *AutomationStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	automations, err := s.load()
	if err != nil {
		return err
	}

	for _, a := range automations {
		if a.Name == name {
			a.Enabled = enabled
			return s.save(automations)
		}
	}
	return fmt.Errorf("automation not found: %s", name)
}

// load reads the JSON file. Returns nil if the file doesn't exist.
func (s *AutomationStore) load() ([]*Automation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read automations file: %w", err)
	}

	var automations []*Automation
	if err := json.Unmarshal(data, &automations); err != nil {
		return nil, fmt.Errorf("unmarshal automations: %w", err)
	}
	return automations, nil
}

// save writes the list to disk using atomic write (temp file + rename).
func (s *AutomationStore) save(automations []*Automation) error {
	data, err := json.MarshalIndent(automations, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal automations: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create automations dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp automations file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp automations file: %w", err)
	}
	return nil
}
