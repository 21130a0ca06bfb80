package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	ecM "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/session"
)

// Common is the stack every route gets.
func Common(allowedOrigins []string) []echo.MiddlewareFunc {
	mws := []echo.MiddlewareFunc{
		ecM.Recover(),
		ecM.RequestID(),
		ecM.Secure(),
		ecM.BodyLimit("1M"),
	}
	if len(allowedOrigins) > 0 {
		mws = append(mws, ecM.CORSWithConfig(ecM.CORSConfig{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{echo.HeaderContentType, session.HeaderName},
			AllowCredentials: true,
		}))
	}
	return mws
}

// IPRateLimit bounds requests per client IP, independent of the session.
// It returns nil when rps is not positive.
func IPRateLimit(rps float64, burst int) echo.MiddlewareFunc {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return ecM.RateLimiterWithConfig(ecM.RateLimiterConfig{
		Store: ecM.NewRateLimiterMemoryStoreWithConfig(ecM.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rps),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Response().Header().Set("Retry-After", strconv.Itoa(1))
			return apperr.ErrRateLimited
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "cannot identify client")
		},
	})
}
