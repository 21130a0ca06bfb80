package transport

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/academy/internal/apperr"
)

const (
	ActionRegister           = "register"
	ActionLogin              = "login"
	ActionGoogleLogin        = "google_login"
	ActionLogout             = "logout"
	ActionUpdateProfile      = "update_profile"
	ActionForgotPassword     = "forgot_password"
	ActionResetPassword      = "reset_password"
	ActionVerifyEmail        = "verify_email"
	ActionResendVerification = "resend_verification"
	ActionUpdatePlan         = "update_plan"
	ActionDeleteUser         = "delete_user"
	ActionCSRF               = "csrf"
	ActionMe                 = "me"
	ActionCheckAccess        = "check_access"

	ActionSubmitPayment = "submit"
	ActionPaymentStatus = "update_status"
)

// Request is one member of an action-tagged union.
type Request interface {
	Action() string
}

type RegisterRequest struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,max=255"`
	Password string `json:"password" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type GoogleLoginRequest struct {
	IDToken string `json:"id_token" validate:"required"`
}

type LogoutRequest struct{}

type UpdateProfileRequest struct {
	ID             uint    `json:"id" validate:"required"`
	Name           string  `json:"name" validate:"required,max=255"`
	Email          string  `json:"email" validate:"required,max=255"`
	Bio            string  `json:"bio" validate:"max=2000"`
	ProfilePicture *string `json:"profile_picture" validate:"omitempty,max=512"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required"`
	Token string `json:"token" validate:"required"`
}

type ResendVerificationRequest struct {
	Email string `json:"email" validate:"required"`
}

type UpdatePlanRequest struct {
	ID   uint   `json:"id" validate:"required"`
	Plan string `json:"plan" validate:"required"`
}

type DeleteUserRequest struct {
	ID uint `json:"id" validate:"required"`
}

type CSRFRequest struct {
	Refresh bool `json:"refresh"`
}

type MeRequest struct{}

type CheckAccessRequest struct {
	Feature string `json:"feature" validate:"required"`
}

func (RegisterRequest) Action() string           { return ActionRegister }
func (LoginRequest) Action() string              { return ActionLogin }
func (GoogleLoginRequest) Action() string        { return ActionGoogleLogin }
func (LogoutRequest) Action() string             { return ActionLogout }
func (UpdateProfileRequest) Action() string      { return ActionUpdateProfile }
func (ForgotPasswordRequest) Action() string     { return ActionForgotPassword }
func (ResetPasswordRequest) Action() string      { return ActionResetPassword }
func (VerifyEmailRequest) Action() string        { return ActionVerifyEmail }
func (ResendVerificationRequest) Action() string { return ActionResendVerification }
func (UpdatePlanRequest) Action() string         { return ActionUpdatePlan }
func (DeleteUserRequest) Action() string         { return ActionDeleteUser }
func (CSRFRequest) Action() string               { return ActionCSRF }
func (MeRequest) Action() string                 { return ActionMe }
func (CheckAccessRequest) Action() string        { return ActionCheckAccess }

type SubmitPaymentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Plan     string          `json:"plan" validate:"omitempty,oneof=pro elite"`
	ProofURL string          `json:"proof_url" validate:"omitempty,max=1024"`
}

type PaymentStatusRequest struct {
	ID     uint   `json:"id" validate:"required"`
	Status string `json:"status" validate:"required,oneof=Pending Approved Rejected"`
}

func (SubmitPaymentRequest) Action() string { return ActionSubmitPayment }
func (PaymentStatusRequest) Action() string { return ActionPaymentStatus }

var authActions = map[string]func() Request{
	ActionRegister:           func() Request { return &RegisterRequest{} },
	ActionLogin:              func() Request { return &LoginRequest{} },
	ActionGoogleLogin:        func() Request { return &GoogleLoginRequest{} },
	ActionLogout:             func() Request { return &LogoutRequest{} },
	ActionUpdateProfile:      func() Request { return &UpdateProfileRequest{} },
	ActionForgotPassword:     func() Request { return &ForgotPasswordRequest{} },
	ActionResetPassword:      func() Request { return &ResetPasswordRequest{} },
	ActionVerifyEmail:        func() Request { return &VerifyEmailRequest{} },
	ActionResendVerification: func() Request { return &ResendVerificationRequest{} },
	ActionUpdatePlan:         func() Request { return &UpdatePlanRequest{} },
	ActionDeleteUser:         func() Request { return &DeleteUserRequest{} },
	ActionCSRF:               func() Request { return &CSRFRequest{} },
	ActionMe:                 func() Request { return &MeRequest{} },
	ActionCheckAccess:        func() Request { return &CheckAccessRequest{} },
}

var paymentActions = map[string]func() Request{
	ActionSubmitPayment: func() Request { return &SubmitPaymentRequest{} },
	ActionPaymentStatus: func() Request { return &PaymentStatusRequest{} },
}

var (
	ErrNoAction      = apperr.WithMessage(apperr.ErrValidation, "No action specified")
	ErrInvalidAction = apperr.WithMessage(apperr.ErrValidation, "Invalid action")
	ErrInvalidBody   = apperr.WithMessage(apperr.ErrValidation, "Invalid JSON body")
)

// DecodeAuth reads the action from body, or from fallback when the body has
// none, and unmarshals body into that action's request type.
func DecodeAuth(body []byte, fallback string) (Request, error) {
	return decode(authActions, body, fallback)
}

func DecodePayment(body []byte) (Request, error) {
	return decode(paymentActions, body, "")
}

func decode(actions map[string]func() Request, body []byte, fallback string) (Request, error) {
	body = bytes.TrimSpace(body)

	var head struct {
		Action string `json:"action"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &head); err != nil {
			return nil, apperr.Wrap(ErrInvalidBody, err)
		}
	}
	action := head.Action
	if action == "" {
		action = fallback
	}
	if action == "" {
		return nil, ErrNoAction
	}

	newReq, ok := actions[action]
	if !ok {
		return nil, ErrInvalidAction
	}
	req := newReq()
	if len(body) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			return nil, apperr.Wrap(ErrInvalidBody, err)
		}
	}
	return req, nil
}
