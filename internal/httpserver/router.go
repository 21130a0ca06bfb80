package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/Skotchmaster/academy/internal/db"
	authmw "github.com/Skotchmaster/academy/internal/middleware/auth"
	"github.com/Skotchmaster/academy/internal/middleware/csrf"
	"github.com/Skotchmaster/academy/internal/session"
)

type Deps struct {
	DB             *gorm.DB
	Sessions       *session.Manager
	Users          authmw.UserLoader
	AuthHandler    *AuthHTTP
	PaymentHandler *PaymentHTTP
	AdminHandler   *AdminHTTP
	// IPRateLimit is optional and applied to every /api route.
	IPRateLimit    echo.MiddlewareFunc
	AllowedOrigins []string
}

// NewEcho returns an Echo instance with the validator and the JSON error
// envelope installed.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = HTTPErrorHandler
	return e
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx, d.DB); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
		}
		return c.NoContent(http.StatusOK)
	})

	api := e.Group("/api")
	if d.IPRateLimit != nil {
		api.Use(d.IPRateLimit)
	}
	preflight := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	api.OPTIONS("/auth", preflight)
	api.OPTIONS("/*", preflight)
	api.Use(d.Sessions.Middleware())

	api.POST("/auth", d.AuthHandler.Handle)
	api.GET("/auth", d.AuthHandler.Handle)

	csrfCfg := csrf.DefaultConfig()
	csrfCfg.EnforceSameOrigin = len(d.AllowedOrigins) > 0
	csrfCfg.AllowedOrigins = d.AllowedOrigins
	csrfMw := csrf.Middleware(csrfCfg)
	requireLogin := authmw.RequireLogin(d.Users)

	payments := api.Group("/payments", requireLogin, csrfMw)
	payments.POST("", d.PaymentHandler.Handle)
	payments.GET("", d.PaymentHandler.List, authmw.AdminOnly)

	admin := api.Group("/admin", requireLogin, authmw.AdminOnly, csrfMw)
	admin.GET("/users", d.AdminHandler.ListUsers)
	admin.GET("/users/search", d.AdminHandler.SearchUsers)
	admin.DELETE("/users/:id", d.AdminHandler.DeleteUser)
}
