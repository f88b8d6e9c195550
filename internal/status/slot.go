package status

import "sync"

// Slot admits at most one active cast session across all transports
type Slot struct {
	mu    sync.Mutex
	owner string
}

// Acquire claims the slot for owner. It succeeds if the slot is free or already held
// by owner.
func (s *Slot) Acquire(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner != "" && s.owner != owner {
		return false
	}
	s.owner = owner
	return true
}

// Release frees the slot if owner holds it
func (s *Slot) Release(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner != owner {
		return false
	}
	s.owner = ""
	return true
}

// Owner returns the current holder, or "" if free
func (s *Slot) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}
