package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/ratelimit"
	"github.com/Skotchmaster/academy/internal/tokens"
)

const (
	DefaultCookieName = "academy_sid"
	ctxKey            = "academy.session"
	sessionIDBytes    = 32
)

type Manager struct {
	Store      Store
	Secret     []byte
	TTL        time.Duration
	CookieName string
	// CrossSite switches the cookie to SameSite=None when served over HTTPS.
	CrossSite bool
	Now       func() time.Time

	locks keyedMutex
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) cookieName() string {
	if m.CookieName != "" {
		return m.CookieName
	}
	return DefaultCookieName
}

func (m *Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return 7 * 24 * time.Hour
}

// FromContext returns the session loaded by Middleware, or nil outside it.
func FromContext(c echo.Context) *State {
	st, _ := c.Get(ctxKey).(*State)
	return st
}

// Middleware loads the caller's session, creating one on first contact, and
// writes it back just before the response header goes out. Requests carrying
// the same session run one at a time, from load to write-back.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := m.cookieSessionID(c)
			if id != "" {
				unlock := m.locks.lock(id)
				defer unlock()
			}

			st, err := m.load(c, id)
			if err != nil {
				return err
			}
			c.Set(ctxKey, st)
			c.Response().Before(func() { m.commit(c, st) })
			err = next(c)
			// error responses are rendered further out, after the lock is gone
			m.commit(c, st)
			return err
		}
	}
}

// cookieSessionID returns the id from a valid session cookie, or "".
func (m *Manager) cookieSessionID(c echo.Context) string {
	ck, err := c.Cookie(m.cookieName())
	if err != nil || ck.Value == "" {
		return ""
	}
	claims, err := tokens.SessionClaimsFromToken(ck.Value, m.Secret)
	if err != nil {
		return ""
	}
	return claims.ID
}

func (m *Manager) load(c echo.Context, id string) (*State, error) {
	if id != "" {
		data, err := m.Store.GetSession(c.Request().Context(), id)
		switch {
		case err == nil:
			return newState(data, false), nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("load session: %w", err)
		}
	}
	return m.fresh()
}

func (m *Manager) fresh() (*State, error) {
	id, err := tokens.Random(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	data := &models.Session{
		ID:        id,
		Buckets:   ratelimit.Buckets{},
		ExpiresAt: m.now().Add(m.ttl()),
	}
	return newState(data, true), nil
}

func (m *Manager) commit(c echo.Context, st *State) {
	if st.committed {
		return
	}
	st.committed = true
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("component", "session")

	if st.destroyed {
		if err := m.Store.DeleteSession(ctx, st.data.ID); err != nil {
			l.Error("session_delete_failed", "error", err)
		}
		c.SetCookie(DeleteCookie(m.cookieName(), "/", isHTTPS(c.Request())))
		return
	}
	if !st.changed {
		return
	}

	st.data.ExpiresAt = m.now().Add(m.ttl())
	if err := m.Store.SaveSession(ctx, st.data); err != nil {
		l.Error("session_save_failed", "error", err)
		return
	}
	if st.oldID != "" {
		if err := m.Store.DeleteSession(ctx, st.oldID); err != nil {
			l.Warn("session_delete_failed", "error", err)
		}
	}

	value, err := tokens.SignSession(st.data.ID, st.data.ExpiresAt, m.Secret)
	if err != nil {
		l.Error("session_sign_failed", "error", err)
		return
	}
	https := isHTTPS(c.Request())
	c.SetCookie(CreateCookie(m.cookieName(), value, "/", st.data.ExpiresAt, https, m.sameSite(https)))
}

func (m *Manager) sameSite(https bool) http.SameSite {
	if m.CrossSite && https {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// Establish binds userID to the session under a new id, keeping the CSRF token.
func (m *Manager) Establish(c echo.Context, userID uint) error {
	st := FromContext(c)
	if st == nil {
		return errors.New("session middleware not installed")
	}
	id, err := tokens.Random(sessionIDBytes)
	if err != nil {
		return fmt.Errorf("rotate session id: %w", err)
	}
	if !st.fresh {
		st.oldID = st.data.ID
	}
	st.data.ID = id
	st.setUser(userID)
	return nil
}

// Destroy drops the session and expires the cookie.
func (m *Manager) Destroy(c echo.Context) {
	if st := FromContext(c); st != nil {
		st.destroyed = true
	}
}

func isHTTPS(r *http.Request) bool {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return strings.EqualFold(p, "https")
	}
	return r.TLS != nil
}
