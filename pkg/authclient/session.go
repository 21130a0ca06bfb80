package authclient

import (
	"sync"

	"github.com/Skotchmaster/academy/internal/plan"
	"github.com/Skotchmaster/academy/internal/transport"
)

// User is the public account view returned by the server.
type User = transport.PublicUser

// SessionContext is the client-side copy of the login state: the cached
// user and the CSRF token of the server session. Safe for concurrent use.
type SessionContext struct {
	mu   sync.RWMutex
	user *User
	csrf string
}

// User returns a copy of the cached user, or nil when logged out.
func (s *SessionContext) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *SessionContext) SetUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	cp := *u
	s.user = &cp
}

func (s *SessionContext) CSRFToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.csrf
}

func (s *SessionContext) SetCSRFToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrf = tok
}

// Clear forgets the user and the token.
func (s *SessionContext) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.csrf = ""
}

func (s *SessionContext) LoggedIn() bool {
	return s.User() != nil
}

// CanAccess checks feature against the cached user without a round trip.
func (s *SessionContext) CanAccess(feature string) bool {
	u := s.User()
	if u == nil {
		return false
	}
	return plan.CheckAccess(u, feature)
}

// Access is CanAccess plus the upgrade prompt for a denied feature.
func (s *SessionContext) Access(feature string) plan.Decision {
	u := s.User()
	if u == nil {
		return plan.EnforceAccess(nil, feature)
	}
	return plan.EnforceAccess(u, feature)
}
