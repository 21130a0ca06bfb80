package auth

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/session"
)

const userKey = "academy.user"

// UserLoader resolves the account bound to a session.
type UserLoader interface {
	GetUserByID(ctx context.Context, id uint) (*models.User, error)
}

// CurrentUser returns the user loaded by RequireLogin.
func CurrentUser(c echo.Context) *models.User {
	u, _ := c.Get(userKey).(*models.User)
	return u
}

// RequireLogin rejects requests whose session carries no live account.
// It must run after the session middleware.
func RequireLogin(users UserLoader) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			st := session.FromContext(c)
			if st == nil {
				return apperr.ErrUnauthenticated
			}
			id, ok := st.UserID()
			if !ok {
				return apperr.ErrUnauthenticated
			}
			u, err := users.GetUserByID(ctx, id)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					logging.FromContext(ctx).Warn("session_user_missing", "user_id", id)
					return apperr.ErrUnauthenticated
				}
				return err
			}
			c.Set(userKey, u)
			return next(c)
		}
	}
}
