package csrf

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/session"
)

type Config struct {
	HeaderName string

	// EnforceSameOrigin additionally requires Origin (or Referer) to be the
	// request host or one of AllowedOrigins.
	EnforceSameOrigin bool
	AllowedOrigins    []string

	SkipPaths []string
}

func DefaultConfig() Config {
	return Config{
		HeaderName: session.HeaderName,
	}
}

// Middleware checks the session CSRF token on unsafe methods. It is meant for
// plain REST routes; the action endpoint checks per action instead.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = session.HeaderName
	}
	skip := map[string]struct{}{}
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}
	allowed := map[string]struct{}{}
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if _, ok := skip[req.URL.Path]; ok {
				return next(c)
			}

			method := strings.ToUpper(req.Method)
			if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
				return next(c)
			}

			l := logging.FromContext(req.Context())
			if cfg.EnforceSameOrigin && !sameOrigin(req, allowed) {
				l.Warn("csrf_rejected", "reason", "origin")
				return apperr.ErrInvalidCsrfToken
			}

			st := session.FromContext(c)
			if st == nil || !st.CheckCSRF(req.Header.Get(cfg.HeaderName)) {
				l.Warn("csrf_rejected", "reason", "token")
				return apperr.ErrInvalidCsrfToken
			}
			return next(c)
		}
	}
}

func sameOrigin(r *http.Request, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if _, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
		return true
	}
	return strings.EqualFold(u.Scheme, schemeOf(r)) && strings.EqualFold(u.Host, r.Host)
}

func schemeOf(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
