package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
)

// AdminOnly lets through users with the admin role. Chain it after RequireLogin.
func AdminOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		u := CurrentUser(c)
		if u == nil {
			return apperr.ErrUnauthenticated
		}
		if !u.IsAdmin() {
			logging.FromContext(c.Request().Context()).Warn("admin_denied", "user_id", u.ID)
			return apperr.ErrForbidden
		}
		return next(c)
	}
}
