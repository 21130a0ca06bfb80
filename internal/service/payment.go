package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/events"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/plan"
	"github.com/Skotchmaster/academy/internal/repo"
)

type PaymentService struct {
	Repo        *repo.GormRepo
	Events      events.Publisher
	EventsTopic string
	Directory   UserIndexer
}

type PaymentInput struct {
	Amount   decimal.Decimal
	Plan     string
	ProofURL string
}

// Submit records a manual payment claim awaiting admin review.
func (s *PaymentService) Submit(ctx context.Context, userID uint, in PaymentInput) (*models.Payment, error) {
	l := logging.FromContext(ctx).With("svc", "payment.submit", "user_id", userID)

	in.Plan = strings.ToLower(strings.TrimSpace(in.Plan))
	if in.Plan == "" {
		in.Plan = plan.Pro.String()
	}
	tier, ok := plan.ParseTier(in.Plan)
	if !ok || tier == plan.Free {
		return nil, apperr.ErrInvalidPlan
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.WithMessage(apperr.ErrValidation, "Amount must be positive")
	}
	in.ProofURL = strings.TrimSpace(in.ProofURL)
	if err := validate.Var(in.ProofURL, "omitempty,url,max=1024"); err != nil {
		return nil, apperr.WithMessage(apperr.ErrValidation, "Invalid proof URL")
	}

	p := &models.Payment{
		UserID:   userID,
		Amount:   in.Amount.Round(2),
		Plan:     in.Plan,
		ProofURL: in.ProofURL,
		Status:   models.PaymentPending,
	}
	if err := s.Repo.CreatePayment(ctx, p); err != nil {
		l.Error("payment_submit_failed", "error", err)
		return nil, err
	}

	s.publish(ctx, events.TypePaymentCreated, p)
	l.Info("payment_submitted", "payment_id", p.ID, "plan", p.Plan, "amount", p.Amount.String())
	return p, nil
}

func (s *PaymentService) List(ctx context.Context, status string) ([]models.Payment, error) {
	if status != "" && !validStatus(status) {
		return nil, apperr.WithMessage(apperr.ErrValidation, "Invalid status")
	}
	return s.Repo.ListPayments(ctx, status)
}

// UpdateStatus reviews a payment. Approval upgrades the owner's plan in the
// same transaction as the status change.
func (s *PaymentService) UpdateStatus(ctx context.Context, id uint, status string) (*models.Payment, error) {
	l := logging.FromContext(ctx).With("svc", "payment.update_status", "payment_id", id)

	if id == 0 || !validStatus(status) {
		return nil, apperr.WithMessage(apperr.ErrValidation, "ID and Status required")
	}

	p, err := s.Repo.SetPaymentStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.WithMessage(apperr.ErrNotFound, "Payment not found")
		}
		l.Error("payment_review_failed", "error", err)
		return nil, err
	}
	p.Status = status

	s.publish(ctx, events.TypePaymentReviewed, p)
	if status == models.PaymentApproved && s.Directory != nil {
		if u, err := s.Repo.GetUserByID(ctx, p.UserID); err == nil {
			(&AuthService{Directory: s.Directory}).index(ctx, u)
		}
	}
	l.Info("payment_reviewed", "status", status, "user_id", p.UserID)
	return p, nil
}

func validStatus(status string) bool {
	switch status {
	case models.PaymentPending, models.PaymentApproved, models.PaymentRejected:
		return true
	}
	return false
}

func (s *PaymentService) publish(ctx context.Context, typ string, p *models.Payment) {
	if s.Events == nil {
		return
	}
	event := map[string]any{
		"type":       typ,
		"payment_id": p.ID,
		"user_id":    p.UserID,
		"plan":       p.Plan,
		"amount":     p.Amount.String(),
		"status":     p.Status,
		"at":         time.Now().UTC(),
	}
	if err := s.Events.PublishEvent(ctx, s.EventsTopic, fmt.Sprint(p.UserID), event); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "type", typ, "error", err)
	}
}
