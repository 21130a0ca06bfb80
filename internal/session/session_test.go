package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/ratelimit"
	"github.com/Skotchmaster/academy/internal/tokens"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]models.Session
	now  func() time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]models.Session{}, now: time.Now}
}

func (s *memStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.ExpiresAt.After(s.now()) {
		return nil, ErrNotFound
	}
	cp := row
	cp.Buckets = ratelimit.Buckets{}
	for k, v := range row.Buckets {
		cp.Buckets[k] = v
	}
	return &cp, nil
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

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type failingStore struct{}

func (failingStore) GetSession(context.Context, string) (*models.Session, error) {
	return nil, errors.New("db down")
}
func (failingStore) SaveSession(context.Context, *models.Session) error { return nil }
func (failingStore) DeleteSession(context.Context, string) error        { return nil }

func newTestEcho(m *Manager) *echo.Echo {
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/csrf", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"token": FromContext(c).CSRFToken()})
	})
	e.GET("/peek", func(c echo.Context) error {
		uid, ok := FromContext(c).UserID()
		return c.JSON(http.StatusOK, echo.Map{"uid": uid, "ok": ok, "sid": FromContext(c).ID()})
	})
	e.POST("/login", func(c echo.Context) error {
		if err := m.Establish(c, 42); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})
	e.POST("/change", func(c echo.Context) error {
		if err := RequireCSRF(c, "update_plan"); err != nil {
			return c.String(http.StatusForbidden, apperr.Message(err))
		}
		return c.NoContent(http.StatusOK)
	})
	e.POST("/logout", func(c echo.Context) error {
		m.Destroy(c)
		return c.NoContent(http.StatusOK)
	})
	return e
}

func do(e *echo.Echo, method, path string, cookies []*http.Cookie, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == DefaultCookieName {
			return ck
		}
	}
	t.Fatalf("no %s cookie in response", DefaultCookieName)
	return nil
}

func TestMiddleware_IssuesCookieAndStableCSRF(t *testing.T) {
	store := newMemStore()
	e := newTestEcho(&Manager{Store: store, Secret: []byte("0123456789abcdef")})

	rec := do(e, http.MethodGet, "/csrf", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ck := sessionCookie(t, rec)
	assert.True(t, ck.HttpOnly)
	assert.False(t, ck.Secure)
	assert.Equal(t, http.SameSiteLaxMode, ck.SameSite)
	assert.Equal(t, 1, store.len())

	first := rec.Body.String()
	rec = do(e, http.MethodGet, "/csrf", []*http.Cookie{ck}, nil)
	assert.Equal(t, first, rec.Body.String(), "token is generated once per session")
}

func TestMiddleware_SecureAndCrossSiteOverHTTPS(t *testing.T) {
	e := newTestEcho(&Manager{Store: newMemStore(), Secret: []byte("0123456789abcdef"), CrossSite: true})

	rec := do(e, http.MethodGet, "/csrf", nil, map[string]string{"X-Forwarded-Proto": "https"})
	ck := sessionCookie(t, rec)
	assert.True(t, ck.Secure)
	assert.Equal(t, http.SameSiteNoneMode, ck.SameSite)
}

func TestRequireCSRF(t *testing.T) {
	e := newTestEcho(&Manager{Store: newMemStore(), Secret: []byte("0123456789abcdef")})

	rec := do(e, http.MethodPost, "/change", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "fresh session has no token")

	rec = do(e, http.MethodGet, "/csrf", nil, nil)
	ck := sessionCookie(t, rec)
	var body struct{ Token string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	token := body.Token
	require.NotEmpty(t, token)

	rec = do(e, http.MethodPost, "/change", []*http.Cookie{ck}, map[string]string{HeaderName: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid CSRF token", rec.Body.String())

	rec = do(e, http.MethodPost, "/change", []*http.Cookie{ck}, map[string]string{HeaderName: token})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEstablish_RotatesIDAndKeepsCSRF(t *testing.T) {
	store := newMemStore()
	e := newTestEcho(&Manager{Store: store, Secret: []byte("0123456789abcdef")})

	rec := do(e, http.MethodGet, "/csrf", nil, nil)
	before := sessionCookie(t, rec)
	tokenBefore := rec.Body.String()

	rec = do(e, http.MethodPost, "/login", []*http.Cookie{before}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	after := sessionCookie(t, rec)
	assert.NotEqual(t, before.Value, after.Value)
	assert.Equal(t, 1, store.len(), "old session row is removed")

	rec = do(e, http.MethodGet, "/peek", []*http.Cookie{after}, nil)
	assert.Contains(t, rec.Body.String(), `"uid":42`)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	rec = do(e, http.MethodGet, "/csrf", []*http.Cookie{after}, nil)
	assert.Equal(t, tokenBefore, rec.Body.String())

	rec = do(e, http.MethodGet, "/peek", []*http.Cookie{before}, nil)
	assert.Contains(t, rec.Body.String(), `"ok":false`, "old cookie no longer authenticates")
}

func TestDestroy(t *testing.T) {
	store := newMemStore()
	e := newTestEcho(&Manager{Store: store, Secret: []byte("0123456789abcdef")})

	rec := do(e, http.MethodPost, "/login", nil, nil)
	ck := sessionCookie(t, rec)
	require.Equal(t, 1, store.len())

	rec = do(e, http.MethodPost, "/logout", []*http.Cookie{ck}, nil)
	gone := sessionCookie(t, rec)
	assert.Equal(t, -1, gone.MaxAge)
	assert.Equal(t, 0, store.len())
}

func TestMiddleware_TamperedCookieStartsFresh(t *testing.T) {
	store := newMemStore()
	e := newTestEcho(&Manager{Store: store, Secret: []byte("0123456789abcdef")})

	rec := do(e, http.MethodPost, "/login", nil, nil)
	ck := sessionCookie(t, rec)
	ck.Value += "x"

	rec = do(e, http.MethodGet, "/peek", []*http.Cookie{ck}, nil)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

func TestMiddleware_StoreErrorFailsRequest(t *testing.T) {
	m := &Manager{Store: failingStore{}, Secret: []byte("0123456789abcdef")}
	e := newTestEcho(m)

	good := &Manager{Store: newMemStore(), Secret: m.Secret}
	rec := do(newTestEcho(good), http.MethodPost, "/login", nil, nil)
	ck := sessionCookie(t, rec)

	rec = do(e, http.MethodGet, "/peek", []*http.Cookie{ck}, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCSRFToken_FallsBackWithoutEntropy(t *testing.T) {
	orig := randomToken
	randomToken = func(int) (string, error) { return "", errors.New("no entropy") }
	defer func() { randomToken = orig }()

	st := newState(&models.Session{ID: "x"}, true)
	tok := st.CSRFToken()
	assert.Len(t, tok, 36)
	assert.True(t, st.CheckCSRF(tok))
}

func TestState_HitMarksChangedOnlyOnSuccess(t *testing.T) {
	now := time.Now()
	st := newState(&models.Session{ID: "x"}, false)
	l := ratelimit.Limit{Name: "t", Max: 1, Window: time.Minute}

	_, err := st.Hit(l, now)
	require.NoError(t, err)
	assert.True(t, st.changed)

	st.changed = false
	_, err = st.Hit(l, now)
	assert.ErrorIs(t, err, ratelimit.ErrLimited)
	assert.False(t, st.changed)
}

func TestMiddleware_SerializesRequestsOnOneSession(t *testing.T) {
	store := newMemStore()
	m := &Manager{Store: store, Secret: []byte("0123456789abcdef")}
	e := newTestEcho(m)
	limit := ratelimit.Limit{Name: "burst", Max: 3, Window: time.Minute}
	e.POST("/hit", func(c echo.Context) error {
		if _, err := FromContext(c).Hit(limit, time.Now()); err != nil {
			return c.NoContent(http.StatusTooManyRequests)
		}
		// widen the gap between load and write-back
		time.Sleep(2 * time.Millisecond)
		return c.NoContent(http.StatusOK)
	})

	ck := sessionCookie(t, do(e, http.MethodGet, "/csrf", nil, nil))

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(e, http.MethodPost, "/hit", []*http.Cookie{ck}, nil)
			if rec.Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit.Max, allowed)
	assert.Zero(t, m.locks.size(), "no lock entries left behind")
}

func TestMiddleware_CommitsBeforeErrorRendering(t *testing.T) {
	store := newMemStore()
	m := &Manager{Store: store, Secret: []byte("0123456789abcdef")}
	e := newTestEcho(m)
	limit := ratelimit.Limit{Name: "err", Max: 1, Window: time.Minute}
	e.POST("/fail", func(c echo.Context) error {
		_, _ = FromContext(c).Hit(limit, time.Now())
		return errors.New("boom")
	})

	ck := sessionCookie(t, do(e, http.MethodGet, "/csrf", nil, nil))
	do(e, http.MethodPost, "/fail", []*http.Cookie{ck}, nil)

	claims, err := tokens.SessionClaimsFromToken(ck.Value, m.Secret)
	require.NoError(t, err)
	row, err := store.GetSession(context.Background(), claims.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, row.Buckets["err"].Count)
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	unlockA := k.lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.lock("a")
		close(done)
		unlock()
	}()

	select {
	case <-done:
		t.Fatal("second holder got the lock early")
	case <-time.After(20 * time.Millisecond):
	}
	unlockB := k.lock("b")
	unlockB()

	unlockA()
	<-done
	assert.Zero(t, k.size())
}
