// Package statestore persists Scheduled Task State across restarts in a
// single YAML file, keyed by task name.
package statestore

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bittrance/kitops/internal/task"
)

// Store is a YAML-backed map of task name to task.State. It is not safe
// for concurrent use; the Supervisor is its sole caller.
type Store struct {
	path  string
	state map[string]task.State
}

// Load reads path, returning an empty Store if it does not exist.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Store{path: path, state: map[string]task.State{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	state := map[string]task.State{}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return &Store{path: path, state: state}, nil
}

// Get returns the persisted State for id, if any.
func (s *Store) Get(id string) (task.State, bool) {
	st, ok := s.state[id]
	return st, ok
}

// Retain drops every entry whose id is not in ids, so tasks removed from
// configuration don't linger in the state file forever.
func (s *Store) Retain(ids map[string]bool) {
	for id := range s.state {
		if !ids[id] {
			delete(s.state, id)
		}
	}
}

// Persist overwrites the entry for id with st and rewrites the whole file.
func (s *Store) Persist(id string, st task.State) error {
	s.state[id] = st
	data, err := yaml.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}
