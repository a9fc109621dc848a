// Package session owns the bounded set of browser automation sessions:
// acquisition, health checks, and retirement.
package session

import (
	"sync"
	"time"

	"harvester/internal/harvest"
)

// Session is one owned browser context. It is leased to at most one fetch
// at a time; ownership passes through the pool's free list, so a session
// handed to a caller is reachable from nowhere else.
type Session struct {
	id       string
	identity harvest.Identity
	browser  harvest.Browser

	mu        sync.Mutex
	state     harvest.SessionState
	createdAt time.Time
	idleSince time.Time
	useCount  int
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the identity the session was created with.
func (s *Session) Identity() harvest.Identity { return s.identity }

// Browser returns the underlying automation handle.
func (s *Session) Browser() harvest.Browser { return s.browser }

// State returns the current lifecycle state.
func (s *Session) State() harvest.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UseCount returns how many healthy releases the session has seen.
func (s *Session) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

// transition moves the session between lifecycle states. Transitions out
// of Retired are rejected, which is what makes "retired never returns to
// idle" hold by construction.
func (s *Session) transition(to harvest.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == harvest.SessionRetired {
		return false
	}
	switch to {
	case harvest.SessionIdle:
		if s.state != harvest.SessionLeased && s.state != harvest.SessionInUse && s.state != "" {
			return false
		}
	case harvest.SessionLeased:
		if s.state != harvest.SessionIdle {
			return false
		}
	case harvest.SessionInUse:
		if s.state != harvest.SessionLeased {
			return false
		}
	case harvest.SessionQuarantined:
		// Reachable from any live state.
	case harvest.SessionRetired:
		// Terminal; reachable from any state.
	}
	s.state = to
	return true
}

func (s *Session) markIdle(now time.Time) {
	s.mu.Lock()
	s.state = harvest.SessionIdle
	s.idleSince = now
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleSince.IsZero() {
		return 0
	}
	return now.Sub(s.idleSince)
}

func (s *Session) incrementUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useCount++
	return s.useCount
}
