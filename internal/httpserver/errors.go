package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/transport"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:         http.StatusBadRequest,
	apperr.KindConflict:           http.StatusConflict,
	apperr.KindInvalidCredentials: http.StatusUnauthorized,
	apperr.KindInvalidToken:       http.StatusBadRequest,
	apperr.KindExpired:            http.StatusBadRequest,
	apperr.KindInvalidCsrfToken:   http.StatusForbidden,
	apperr.KindRateLimited:        http.StatusTooManyRequests,
	apperr.KindEmailNotVerified:   http.StatusUnauthorized,
	apperr.KindConfiguration:      http.StatusServiceUnavailable,
	apperr.KindDatabase:           http.StatusInternalServerError,
	apperr.KindNotFound:           http.StatusNotFound,
	apperr.KindAlreadyVerified:    http.StatusConflict,
	apperr.KindInvalidPlan:        http.StatusBadRequest,
	apperr.KindForbidden:          http.StatusForbidden,
	apperr.KindUnauthenticated:    http.StatusUnauthorized,
}

// HTTPErrorHandler renders every error that escapes a handler or middleware
// as the {success:false, message} envelope. Unknown errors become a 500
// without their text.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := apperr.Message(err)

	var he *echo.HTTPError
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		if s, ok := kindStatus[ae.Kind]; ok {
			code = s
		}
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}

	if code >= http.StatusInternalServerError {
		logging.FromContext(c.Request().Context()).Error("request_failed", "status", code, "error", fmt.Sprintf("%v", err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, transport.Fail(msg))
}
