package httpserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
	authmw "github.com/Skotchmaster/academy/internal/middleware/auth"
	"github.com/Skotchmaster/academy/internal/service"
	"github.com/Skotchmaster/academy/internal/transport"
)

type PaymentHTTP struct {
	Svc *service.PaymentService
}

// Handle serves the payment actions. The payer is always the session user;
// reviewing requires the admin role.
func (h *PaymentHTTP) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	user := authmw.CurrentUser(c)
	if user == nil {
		return apperr.ErrUnauthenticated
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	req, err := transport.DecodePayment(body)
	if err != nil {
		return respondPaymentErr(c, err)
	}
	l := logging.FromContext(ctx).With("handler", "payments", "action", req.Action(), "user_id", user.ID)

	if err := c.Validate(req); err != nil {
		return respondPaymentErr(c, err)
	}

	switch r := req.(type) {
	case *transport.SubmitPaymentRequest:
		p, err := h.Svc.Submit(ctx, user.ID, service.PaymentInput{
			Amount:   r.Amount,
			Plan:     r.Plan,
			ProofURL: r.ProofURL,
		})
		if err != nil {
			return respondPaymentErr(c, err)
		}
		p.User = *user
		view := transport.NewPaymentView(p)
		return c.JSON(http.StatusOK, transport.PaymentResponse{
			Success: true,
			Message: "Payment submitted for review",
			Payment: &view,
		})

	case *transport.PaymentStatusRequest:
		if !user.IsAdmin() {
			l.Warn("payment_review_denied")
			return respondPaymentErr(c, apperr.ErrForbidden)
		}
		p, err := h.Svc.UpdateStatus(ctx, r.ID, r.Status)
		if err != nil {
			return respondPaymentErr(c, err)
		}
		view := transport.NewPaymentView(p)
		return c.JSON(http.StatusOK, transport.PaymentResponse{
			Success: true,
			Message: "Payment " + p.Status,
			Payment: &view,
		})
	}
	return respondPaymentErr(c, transport.ErrInvalidAction)
}

// List returns payments for review, optionally filtered by ?status=.
func (h *PaymentHTTP) List(c echo.Context) error {
	payments, err := h.Svc.List(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return respondPaymentErr(c, err)
	}
	views := make([]transport.PaymentView, len(payments))
	for i := range payments {
		views[i] = transport.NewPaymentView(&payments[i])
	}
	return c.JSON(http.StatusOK, transport.PaymentResponse{Success: true, Payments: views})
}

func respondPaymentErr(c echo.Context, err error) error {
	if apperr.KindOf(err) == apperr.KindInternal {
		return err
	}
	if apperr.KindOf(err) == apperr.KindDatabase {
		logging.FromContext(c.Request().Context()).Error("request_failed", "error", err)
	}
	return c.JSON(http.StatusOK, transport.PaymentResponse{Success: false, Message: apperr.Message(err)})
}
