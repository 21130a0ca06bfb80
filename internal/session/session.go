package session

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/ratelimit"
	"github.com/Skotchmaster/academy/internal/tokens"
)

const csrfTokenBytes = 32

// randomToken is swapped in tests to simulate an unavailable entropy source.
var randomToken = tokens.Random

// State is the per-request view of a server session.
type State struct {
	data      *models.Session
	fresh     bool
	changed   bool
	destroyed bool
	committed bool
	oldID     string
}

func newState(data *models.Session, fresh bool) *State {
	if data.Buckets == nil {
		data.Buckets = ratelimit.Buckets{}
	}
	return &State{data: data, fresh: fresh, changed: fresh}
}

func (s *State) ID() string { return s.data.ID }

func (s *State) UserID() (uint, bool) {
	if s.data.UserID == nil {
		return 0, false
	}
	return *s.data.UserID, true
}

func (s *State) setUser(id uint) {
	s.data.UserID = &id
	s.changed = true
}

// CSRFToken returns the session token, generating it on first use.
func (s *State) CSRFToken() string {
	if s.data.CSRFToken == "" {
		s.data.CSRFToken = newCSRFToken()
		s.changed = true
	}
	return s.data.CSRFToken
}

// RefreshCSRF replaces the token. Only done when the client asks for it.
func (s *State) RefreshCSRF() string {
	s.data.CSRFToken = newCSRFToken()
	s.changed = true
	return s.data.CSRFToken
}

// CheckCSRF compares provided against the stored token in constant time.
// A session that never issued a token matches nothing.
func (s *State) CheckCSRF(provided string) bool {
	want := s.data.CSRFToken
	if want == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(provided)) == 1
}

// Hit charges one call against the named bucket.
func (s *State) Hit(l ratelimit.Limit, now time.Time) (ratelimit.Window, error) {
	w, err := s.data.Buckets.Hit(l, now)
	if err == nil {
		s.changed = true
	}
	return w, err
}

func newCSRFToken() string {
	tok, err := randomToken(csrfTokenBytes)
	if err != nil {
		// weaker, but keeps the session usable
		return uuid.NewString()
	}
	return tok
}
