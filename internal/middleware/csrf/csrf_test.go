package csrf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/session"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]models.Session
}

func (s *memStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return &row, nil
}

func (s *memStore) SaveSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sess.ID] = *sess
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func newEcho(cfg Config) *echo.Echo {
	mgr := &session.Manager{Store: &memStore{rows: map[string]models.Session{}}, Secret: []byte("csrf-test-secret-0123")}
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if errors.Is(err, apperr.ErrInvalidCsrfToken) {
			_ = c.NoContent(http.StatusForbidden)
			return
		}
		_ = c.NoContent(http.StatusInternalServerError)
	}
	e.Use(mgr.Middleware(), Middleware(cfg))
	e.GET("/token", func(c echo.Context) error {
		return c.String(http.StatusOK, session.FromContext(c).CSRFToken())
	})
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	e.DELETE("/thing", ok)
	e.POST("/hook", ok)
	return e
}

// prime returns the session cookie and its CSRF token.
func prime(t *testing.T, e *echo.Echo) (*http.Cookie, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0], rec.Body.String()
}

func send(e *echo.Echo, method, path string, ck *http.Cookie, headers map[string]string) int {
	req := httptest.NewRequest(method, path, nil)
	if ck != nil {
		req.AddCookie(ck)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddleware_Token(t *testing.T) {
	e := newEcho(DefaultConfig())
	ck, tok := prime(t, e)

	assert.Equal(t, http.StatusForbidden, send(e, http.MethodDelete, "/thing", ck, nil))
	assert.Equal(t, http.StatusForbidden, send(e, http.MethodDelete, "/thing", ck, map[string]string{session.HeaderName: "nope"}))
	assert.Equal(t, http.StatusForbidden, send(e, http.MethodDelete, "/thing", nil, map[string]string{session.HeaderName: tok}))
	assert.Equal(t, http.StatusNoContent, send(e, http.MethodDelete, "/thing", ck, map[string]string{session.HeaderName: tok}))
}

func TestMiddleware_SkipPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipPaths = []string{"/hook"}
	e := newEcho(cfg)

	assert.Equal(t, http.StatusNoContent, send(e, http.MethodPost, "/hook", nil, nil))
	assert.Equal(t, http.StatusForbidden, send(e, http.MethodDelete, "/thing", nil, nil))
}

func TestMiddleware_SameOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceSameOrigin = true
	cfg.AllowedOrigins = []string{"https://app.academy.test/"}
	e := newEcho(cfg)
	ck, tok := prime(t, e)

	cases := []struct {
		name   string
		origin string
		want   int
	}{
		{"missing", "", http.StatusForbidden},
		{"foreign", "https://evil.test", http.StatusForbidden},
		{"allowed", "https://app.academy.test", http.StatusNoContent},
		{"same host", "http://example.com", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := map[string]string{session.HeaderName: tok}
			if tc.origin != "" {
				h["Origin"] = tc.origin
			}
			assert.Equal(t, tc.want, send(e, http.MethodDelete, "/thing", ck, h))
		})
	}
}
