// Package results holds the named slots BufferedRequest messages publish
// their outcome into until a client retrieves them.
package results

import (
	"errors"
	"sort"
	"sync"
)

// Unfinished is the value a slot holds between allocation and completion.
const Unfinished = "_unfinished"

// ErrNotFound reports a retrieval of a name that was never allocated or was
// already consumed.
var ErrNotFound = errors.New("result buffer not found")

// Store maps slot names to results. A slot is consumed by the first
// retrieval of its finished value.
type Store struct {
	mu    sync.Mutex
	slots map[string]string
}

func NewStore() *Store {
	return &Store{slots: make(map[string]string)}
}

// Allocate reserves name in the Unfinished state. It reports false, leaving
// the slot untouched, when name is already held, finished or not.
func (s *Store) Allocate(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.slots[name]; taken {
		return false
	}
	s.slots[name] = Unfinished
	return true
}

// Set stores value under name, overwriting whatever the slot held.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name] = value
}

// Retrieve returns Unfinished while the slot is pending and keeps it, or
// returns and removes a finished value.
func (s *Store) Retrieve(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.slots[name]
	if !ok {
		return "", ErrNotFound
	}
	if value == Unfinished {
		return Unfinished, nil
	}
	delete(s.slots, name)
	return value, nil
}

// Pending lists slot names that are allocated but not yet finished.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, value := range s.slots {
		if value == Unfinished {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len reports the number of held slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Clear drops every slot.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.slots)
}
