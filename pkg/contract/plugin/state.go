package plugin

import "sync"

// Guard represents one admitted unit of work that must be given back.
// Release must be safe to call more than once; only the first call has an effect.
type Guard interface {
	Release()
}

// State is the per-request mutable context threaded through the pipeline.
// The host creates one per request and must call Release when handling completes,
// on every path.
// NOTE: Use NewState to create a State.
type State struct {
	// ClientIP is the resolved client address, set by plugins that need it.
	ClientIP string

	// Status is the response status once known.
	Status int

	// ResponseBodySize is the number of body bytes written to the client.
	ResponseBodySize int64

	mu       sync.Mutex
	guards   []Guard
	released bool
}

// NewState constructs an empty State.
func NewState() *State {
	return &State{}
}

// AddGuard hands ownership of g to the State.
// If the State has already been released g is released immediately.
func (s *State) AddGuard(g Guard) {
	if g == nil {
		return
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		g.Release()
		return
	}
	s.guards = append(s.guards, g)
	s.mu.Unlock()
}

// Guards returns the number of guards currently held.
func (s *State) Guards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.guards)
}

// Release tears the State down, releasing every held guard.
// Subsequent calls are no-ops.
func (s *State) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	guards := s.guards
	s.guards = nil
	s.mu.Unlock()

	for _, g := range guards {
		g.Release()
	}
}
