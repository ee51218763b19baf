package marketplace

import (
	"strings"
	"sync"
)

// Sessions owns one State per viewer.
type Sessions struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewSessions() *Sessions {
	return &Sessions{states: make(map[string]*State)}
}

// Get returns the viewer's State, creating an empty one on first use.
func (s *Sessions) Get(viewerID string) *State {
	viewerID = strings.TrimSpace(viewerID)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[viewerID]
	if !ok {
		st = NewState()
		s.states[viewerID] = st
	}
	return st
}

// Forget drops the viewer's State; the next Get starts empty.
func (s *Sessions) Forget(viewerID string) {
	s.mu.Lock()
	delete(s.states, strings.TrimSpace(viewerID))
	s.mu.Unlock()
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
