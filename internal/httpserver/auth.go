package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/plan"
	"github.com/Skotchmaster/academy/internal/ratelimit"
	"github.com/Skotchmaster/academy/internal/service"
	"github.com/Skotchmaster/academy/internal/session"
	"github.com/Skotchmaster/academy/internal/transport"
)

type AuthHTTP struct {
	Svc      *service.AuthService
	Sessions *session.Manager
	Now      func() time.Time
}

func (h *AuthHTTP) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Handle is the single action endpoint. Order per request: decode, CSRF,
// validation, rate limit, then the service call.
func (h *AuthHTTP) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	req, err := transport.DecodeAuth(body, c.QueryParam("action"))
	if err != nil {
		logging.FromContext(ctx).Warn("auth_bad_request", "error", err)
		return respondErr(c, err)
	}

	l := logging.FromContext(ctx).With("handler", "auth", "action", req.Action())
	c.SetRequest(c.Request().WithContext(logging.IntoContext(ctx, l)))

	if err := session.RequireCSRF(c, req.Action()); err != nil {
		l.Warn("csrf_rejected", "status", http.StatusOK)
		return respondErr(c, err)
	}
	if err := c.Validate(req); err != nil {
		return respondErr(c, err)
	}

	resp, err := h.dispatch(c, req)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuthHTTP) dispatch(c echo.Context, req transport.Request) (*transport.Response, error) {
	ctx := c.Request().Context()
	st := session.FromContext(c)

	switch r := req.(type) {
	case *transport.RegisterRequest:
		res, err := h.Svc.Register(ctx, r.Name, r.Email, r.Password)
		if err != nil {
			return nil, err
		}
		return &transport.Response{
			Success:    true,
			Message:    "Registration successful. Please check your email to verify your account.",
			VerifyLink: res.VerifyLink,
		}, nil

	case *transport.LoginRequest:
		if err := h.limit(c, ratelimit.LoginLimit); err != nil {
			return nil, err
		}
		u, err := h.Svc.Login(ctx, r.Email, r.Password)
		if err != nil {
			return nil, err
		}
		return h.signIn(c, u)

	case *transport.GoogleLoginRequest:
		u, err := h.Svc.OAuthLogin(ctx, r.IDToken)
		if err != nil {
			return nil, err
		}
		return h.signIn(c, u)

	case *transport.LogoutRequest:
		h.Sessions.Destroy(c)
		return &transport.Response{Success: true, Message: "Logged out"}, nil

	case *transport.UpdateProfileRequest:
		h.flagOwnership(c, r.ID)
		u, err := h.Svc.UpdateProfile(ctx, r.ID, service.ProfileInput{
			Name:           r.Name,
			Email:          r.Email,
			Bio:            r.Bio,
			ProfilePicture: r.ProfilePicture,
		})
		if err != nil {
			return nil, err
		}
		return &transport.Response{Success: true, Message: "Profile updated", User: transport.NewPublicUser(u)}, nil

	case *transport.ForgotPasswordRequest:
		h.Svc.ForgotPassword(ctx, r.Email)
		return &transport.Response{Success: true, Message: "If the email exists, a reset link was sent"}, nil

	case *transport.ResetPasswordRequest:
		if err := h.Svc.ResetPassword(ctx, r.Token, r.Password); err != nil {
			return nil, err
		}
		return &transport.Response{Success: true, Message: "Password has been reset"}, nil

	case *transport.VerifyEmailRequest:
		if err := h.Svc.VerifyEmail(ctx, r.Email, r.Token); err != nil {
			return nil, err
		}
		return &transport.Response{Success: true, Message: "Email verified"}, nil

	case *transport.ResendVerificationRequest:
		res, err := h.Svc.ResendVerification(ctx, r.Email)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Success: true, Message: "Verification email sent", VerifyLink: res.VerifyLink}, nil

	case *transport.UpdatePlanRequest:
		h.flagOwnership(c, r.ID)
		u, err := h.Svc.UpdatePlan(ctx, r.ID, r.Plan)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Success: true, Message: "Plan updated", User: transport.NewPublicUser(u)}, nil

	case *transport.DeleteUserRequest:
		h.flagOwnership(c, r.ID)
		if err := h.Svc.DeleteUser(ctx, r.ID); err != nil {
			return nil, err
		}
		if id, ok := st.UserID(); ok && id == r.ID {
			h.Sessions.Destroy(c)
		}
		return &transport.Response{Success: true, Message: "User deleted"}, nil

	case *transport.CSRFRequest:
		tok := st.CSRFToken()
		if r.Refresh {
			tok = st.RefreshCSRF()
		}
		return &transport.Response{Success: true, Token: tok}, nil

	case *transport.MeRequest:
		if err := h.limit(c, ratelimit.ReadLimit); err != nil {
			return nil, err
		}
		u, err := h.sessionUser(c)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, apperr.ErrUnauthenticated
		}
		return &transport.Response{Success: true, User: transport.NewPublicUser(u)}, nil

	case *transport.CheckAccessRequest:
		if err := h.limit(c, ratelimit.ReadLimit); err != nil {
			return nil, err
		}
		u, err := h.sessionUser(c)
		if err != nil {
			return nil, err
		}
		var subject plan.Subject
		if u != nil {
			subject = u
		}
		d := plan.EnforceAccess(subject, r.Feature)
		return &transport.Response{Success: true, Message: d.Prompt, Access: &d}, nil
	}
	return nil, transport.ErrInvalidAction
}

func (h *AuthHTTP) signIn(c echo.Context, u *models.User) (*transport.Response, error) {
	if err := h.Sessions.Establish(c, u.ID); err != nil {
		return nil, err
	}
	return &transport.Response{Success: true, Message: "Login successful", User: transport.NewPublicUser(u)}, nil
}

// sessionUser returns nil without error for an anonymous session.
func (h *AuthHTTP) sessionUser(c echo.Context) (*models.User, error) {
	id, ok := session.FromContext(c).UserID()
	if !ok {
		return nil, nil
	}
	u, err := h.Svc.Me(c.Request().Context(), id)
	if errors.Is(err, apperr.ErrUnauthenticated) {
		return nil, nil
	}
	return u, err
}

func (h *AuthHTTP) limit(c echo.Context, l ratelimit.Limit) error {
	now := h.now()
	w, err := session.FromContext(c).Hit(l, now)
	if errors.Is(err, ratelimit.ErrLimited) {
		c.Response().Header().Set("Retry-After", strconv.FormatInt(ratelimit.RetryAfter(w, now), 10))
		logging.FromContext(c.Request().Context()).Warn("rate_limited", "bucket", l.Name)
		return apperr.ErrRateLimited
	}
	return err
}

// flagOwnership logs writes aimed at an account other than the caller's.
// They are not blocked.
func (h *AuthHTTP) flagOwnership(c echo.Context, target uint) {
	id, ok := session.FromContext(c).UserID()
	if ok && id == target {
		return
	}
	logging.FromContext(c.Request().Context()).Warn("ownership_mismatch",
		"target_id", target, "session_user_id", id, "authenticated", ok)
}

// respondErr writes domain errors as a 200 envelope and hands anything
// else to the HTTP error handler.
func respondErr(c echo.Context, err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return err
	}
	l := logging.FromContext(c.Request().Context())
	if ae.Kind == apperr.KindDatabase {
		l.Error("request_failed", "error", err)
	}
	return c.JSON(http.StatusOK, transport.Fail(ae.Message))
}
