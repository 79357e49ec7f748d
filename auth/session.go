package auth

import (
	"sync"
	"time"
)

// SessionDuration is how long an admin session stays valid.
const SessionDuration = 24 * time.Hour

// Session is an authenticated admin session.
type Session struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Sessions is an in-memory registry of live session tokens.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewSessions returns an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]time.Time)}
}

// Register records token as valid until expiresAt.
func (s *Sessions) Register(token string, expiresAt time.Time) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = expiresAt
	return Session{Token: token, ExpiresAt: expiresAt}
}

// Lookup returns the session for token if it is still live at now.
// Expired sessions are dropped.
func (s *Sessions) Lookup(token string, now time.Time) (Session, bool) {
	if token == "" {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	if !now.Before(expiresAt) {
		delete(s.sessions, token)
		return Session{}, false
	}
	return Session{Token: token, ExpiresAt: expiresAt}, true
}

// Revoke forgets token.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Prune drops expired sessions and returns how many were removed.
func (s *Sessions) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for token, expiresAt := range s.sessions {
		if !now.Before(expiresAt) {
			delete(s.sessions, token)
			pruned++
		}
	}
	return pruned
}
