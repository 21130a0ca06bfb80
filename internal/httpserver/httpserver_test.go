package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/mail"
	"github.com/Skotchmaster/academy/internal/middleware"
	loggingmw "github.com/Skotchmaster/academy/internal/middleware/logging"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/repo"
	"github.com/Skotchmaster/academy/internal/service"
	"github.com/Skotchmaster/academy/internal/session"
	"github.com/Skotchmaster/academy/internal/util"
)

type captureNotifier struct {
	sent []mail.Message
}

func (c *captureNotifier) Send(_ context.Context, msg mail.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

type testEnv struct {
	e    *echo.Echo
	db   *gorm.DB
	auth *service.AuthService
	mail *captureNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	r := repo.New(db)
	n := &captureNotifier{}
	auth := &service.AuthService{Repo: r, Notifier: n, BaseURL: "http://academy.test"}
	mgr := &session.Manager{Store: r, Secret: []byte("test-session-secret-0123")}

	e := NewEcho()
	e.Use(middleware.Common(nil)...)
	e.Use(loggingmw.RequestLogger(logging.Discard()))
	Register(e, &Deps{
		DB:             db,
		Sessions:       mgr,
		Users:          r,
		AuthHandler:    &AuthHTTP{Svc: auth, Sessions: mgr},
		PaymentHandler: &PaymentHTTP{Svc: &service.PaymentService{Repo: r}},
		AdminHandler:   &AdminHTTP{Svc: auth},
	})
	return &testEnv{e: e, db: db, auth: auth, mail: n}
}

// browser keeps cookies and the CSRF token between requests.
type browser struct {
	t       *testing.T
	e       *echo.Echo
	cookies map[string]*http.Cookie
	csrf    string
}

func (env *testEnv) browser(t *testing.T) *browser {
	return &browser{t: t, e: env.e, cookies: map[string]*http.Cookie{}}
}

func (b *browser) send(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(b.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if b.csrf != "" {
		req.Header.Set(session.HeaderName, b.csrf)
	}
	for _, ck := range b.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	b.e.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(b.cookies, ck.Name)
			continue
		}
		b.cookies[ck.Name] = ck
	}
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (b *browser) action(body map[string]any) map[string]any {
	b.t.Helper()
	rec := b.send(http.MethodPost, "/api/auth", body)
	require.Equal(b.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(b.t, rec)
}

func (b *browser) fetchCSRF() {
	b.t.Helper()
	rec := b.send(http.MethodGet, "/api/auth?action=csrf", nil)
	require.Equal(b.t, http.StatusOK, rec.Code)
	out := decode(b.t, rec)
	tok, _ := out["token"].(string)
	require.NotEmpty(b.t, tok)
	b.csrf = tok
}

func (b *browser) login(email, password string) map[string]any {
	b.t.Helper()
	return b.action(map[string]any{"action": "login", "email": email, "password": password})
}

func lastLinkParam(t *testing.T, n *captureNotifier, key string) string {
	t.Helper()
	require.NotEmpty(t, n.sent)
	u, err := url.Parse(n.sent[len(n.sent)-1].Link)
	require.NoError(t, err)
	return u.Query().Get(key)
}

func countUsers(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.User{}).Count(&n).Error)
	return n
}

func TestAliceScenario(t *testing.T) {
	env := newTestEnv(t)
	b := env.browser(t)
	b.fetchCSRF()

	out := b.action(map[string]any{"action": "register", "name": "Alice", "email": "alice@example.com", "password": "Passw0rd"})
	require.Equal(t, true, out["success"], out)
	assert.NotContains(t, out, "verify_link")

	token := lastLinkParam(t, env.mail, "token")
	out = b.action(map[string]any{"action": "verify_email", "email": "alice@example.com", "token": token})
	require.Equal(t, true, out["success"], out)

	rec := b.send(http.MethodPost, "/api/auth", map[string]any{"action": "login", "email": "alice@example.com", "password": "Passw0rd"})
	assert.NotContains(t, rec.Body.String(), "password")
	out = decode(t, rec)
	require.Equal(t, true, out["success"], out)
	user := out["user"].(map[string]any)
	assert.Equal(t, "free", user["plan"])
	assert.Equal(t, true, user["email_verified"])
	id := user["id"]

	out = b.action(map[string]any{"action": "update_plan", "id": id, "plan": "pro"})
	require.Equal(t, true, out["success"], out)

	out = b.action(map[string]any{"action": "check_access", "feature": "premium_signals"})
	assert.Equal(t, true, out["access"].(map[string]any)["allowed"])

	out = b.action(map[string]any{"action": "check_access", "feature": "mentorship"})
	access := out["access"].(map[string]any)
	assert.Equal(t, false, access["allowed"])
	assert.Equal(t, "This feature requires the Elite plan. Upgrade to unlock it.", access["prompt"])
	assert.Equal(t, "/pricing.html?plan=elite", access["upgrade_url"])

	rec = b.send(http.MethodGet, "/api/auth?action=me", nil)
	out = decode(t, rec)
	assert.Equal(t, "pro", out["user"].(map[string]any)["plan"])
}

func TestCSRF_RejectsBeforeAnyMutation(t *testing.T) {
	env := newTestEnv(t)
	b := env.browser(t)

	out := b.action(map[string]any{"action": "register", "name": "Mallory", "email": "m@example.com", "password": "secret1"})
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Invalid CSRF token", out["message"])
	assert.Equal(t, int64(0), countUsers(t, env.db))

	b.fetchCSRF()
	b.csrf = "forged"
	out = b.action(map[string]any{"action": "register", "name": "Mallory", "email": "m@example.com", "password": "secret1"})
	assert.Equal(t, "Invalid CSRF token", out["message"])
	assert.Equal(t, int64(0), countUsers(t, env.db))
}

func TestLogin_IdenticalFailureAndRateLimit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Register(context.Background(), "Alice", "alice@example.com", "Passw0rd")
	require.NoError(t, err)

	b := env.browser(t)
	unknown := b.login("nobody@example.com", "Passw0rd")
	wrong := b.login("alice@example.com", "nope-nope")
	assert.Equal(t, false, unknown["success"])
	assert.Equal(t, "Invalid credentials", unknown["message"])
	assert.Equal(t, unknown, wrong)

	for i := 0; i < 3; i++ {
		b.login("alice@example.com", "nope-nope")
	}
	rec := b.send(http.MethodPost, "/api/auth", map[string]any{"action": "login", "email": "alice@example.com", "password": "Passw0rd"})
	out := decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Too many requests. Try again later.", out["message"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	fresh := env.browser(t)
	out = fresh.login("alice@example.com", "Passw0rd")
	assert.Equal(t, true, out["success"], "buckets belong to the session")
}

func TestLogin_ConcurrentRequestsShareOneBucket(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Register(context.Background(), "Alice", "alice@example.com", "Passw0rd")
	require.NoError(t, err)

	b := env.browser(t)
	b.fetchCSRF()
	ck := b.cookies[session.DefaultCookieName]
	require.NotNil(t, ck)

	const workers = 30
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		checked  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := `{"action":"login","email":"alice@example.com","password":"nope-nope"}`
			req := httptest.NewRequest(http.MethodPost, "/api/auth", bytes.NewBufferString(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			req.AddCookie(ck)
			rec := httptest.NewRecorder()
			env.e.ServeHTTP(rec, req)

			var out map[string]any
			if json.Unmarshal(rec.Body.Bytes(), &out) != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch out["message"] {
			case "Invalid credentials":
				checked++
			case "Too many requests. Try again later.":
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, checked, "only the login limit reaches the credential check")
	assert.Equal(t, workers-5, rejected)
}

func TestMeAndLogout(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Register(context.Background(), "Alice", "alice@example.com", "Passw0rd")
	require.NoError(t, err)

	b := env.browser(t)
	out := decode(t, b.send(http.MethodGet, "/api/auth?action=me", nil))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Not logged in", out["message"])

	require.Equal(t, true, b.login("alice@example.com", "Passw0rd")["success"])
	out = decode(t, b.send(http.MethodGet, "/api/auth?action=me", nil))
	assert.Equal(t, true, out["success"])

	b.fetchCSRF()
	out = b.action(map[string]any{"action": "logout"})
	assert.Equal(t, true, out["success"])
	assert.NotContains(t, b.cookies, session.DefaultCookieName)

	out = decode(t, b.send(http.MethodGet, "/api/auth?action=me", nil))
	assert.Equal(t, false, out["success"])
}

func TestForgotPassword_GenericAnswer(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Register(context.Background(), "Alice", "alice@example.com", "Passw0rd")
	require.NoError(t, err)

	b := env.browser(t)
	b.fetchCSRF()
	known := b.action(map[string]any{"action": "forgot_password", "email": "alice@example.com"})
	unknown := b.action(map[string]any{"action": "forgot_password", "email": "ghost@example.com"})
	assert.Equal(t, known, unknown)
	assert.Equal(t, true, known["success"])

	token := lastLinkParam(t, env.mail, "token")
	out := b.action(map[string]any{"action": "reset_password", "token": token, "password": "n3wpassword"})
	assert.Equal(t, true, out["success"], out)
	out = b.action(map[string]any{"action": "reset_password", "token": token, "password": "n3wpassword"})
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Invalid or expired token", out["message"])
}

func TestDispatchErrors(t *testing.T) {
	env := newTestEnv(t)
	b := env.browser(t)
	b.fetchCSRF()

	assert.Equal(t, "No action specified", b.action(map[string]any{})["message"])
	assert.Equal(t, "Invalid action", b.action(map[string]any{"action": "nope"})["message"])
	assert.Equal(t, "Missing required field: email", b.action(map[string]any{"action": "register", "name": "A", "password": "secret1"})["message"])
	assert.Equal(t, "Invalid plan update", b.action(map[string]any{"action": "update_plan", "id": 1, "plan": "gold"})["message"])

	out := b.action(map[string]any{"action": "google_login", "id_token": "a.b.c"})
	assert.Equal(t, "Google login is not configured", out["message"])
}

func TestPreflightAndErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)
	env.e.GET("/boom", func(echo.Context) error { panic("kaboom") })

	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/auth", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.NotContains(t, rec.Body.String(), "kaboom")

	rec = httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	rec = httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.EnsureAdmin(ctx, "Admin", "admin@example.com", "adminpass")
	require.NoError(t, err)
	res, err := env.auth.Register(ctx, "Alice", "alice@example.com", "Passw0rd")
	require.NoError(t, err)

	anon := env.browser(t)
	rec := anon.send(http.MethodGet, "/api/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	alice := env.browser(t)
	alice.login("alice@example.com", "Passw0rd")
	rec = alice.send(http.MethodGet, "/api/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", decode(t, rec)["message"])

	admin := env.browser(t)
	require.Equal(t, true, admin.login("admin@example.com", "adminpass")["success"])
	rec = admin.send(http.MethodGet, "/api/admin/users?page=1&size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 2, out["total"])
	assert.NotContains(t, rec.Body.String(), "password")

	rec = admin.send(http.MethodGet, "/api/admin/users?page=9223372036854775807", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode(t, rec)
	assert.EqualValues(t, util.MaxPage, out["page"])
	assert.Empty(t, out["users"])

	path := "/api/admin/users/" + strconv.FormatUint(uint64(res.User.ID), 10)
	rec = admin.send(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "delete needs the CSRF token")

	admin.fetchCSRF()
	rec = admin.send(http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), countUsers(t, env.db))

	rec = admin.send(http.MethodGet, "/api/admin/users/search?q=alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no directory configured")
}

func TestPaymentApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.EnsureAdmin(ctx, "Admin", "admin@example.com", "adminpass")
	require.NoError(t, err)
	_, err = env.auth.Register(ctx, "Alice", "alice@example.com", "Passw0rd")
	require.NoError(t, err)

	alice := env.browser(t)
	alice.login("alice@example.com", "Passw0rd")
	alice.fetchCSRF()
	rec := alice.send(http.MethodPost, "/api/payments", map[string]any{
		"action": "submit", "amount": "99.00", "plan": "elite", "proof_url": "https://bank.test/r/1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	require.Equal(t, true, out["success"], out)
	payment := out["payment"].(map[string]any)
	assert.Equal(t, "Pending", payment["status"])

	out = decode(t, alice.send(http.MethodPost, "/api/payments", map[string]any{
		"action": "update_status", "id": payment["id"], "status": "Approved",
	}))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Forbidden", out["message"])

	admin := env.browser(t)
	admin.login("admin@example.com", "adminpass")
	admin.fetchCSRF()
	rec = admin.send(http.MethodGet, "/api/payments?status=Pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["payments"], 1)

	out = decode(t, admin.send(http.MethodPost, "/api/payments", map[string]any{
		"action": "update_status", "id": payment["id"], "status": "Approved",
	}))
	require.Equal(t, true, out["success"], out)

	me := decode(t, alice.send(http.MethodGet, "/api/auth?action=me", nil))
	assert.Equal(t, "elite", me["user"].(map[string]any)["plan"])
}
