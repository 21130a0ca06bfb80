package transport

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/plan"
)

// PublicUser is the only user shape that leaves the server.
type PublicUser struct {
	ID             uint      `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Plan           string    `json:"plan"`
	EmailVerified  bool      `json:"email_verified"`
	ProfilePicture *string   `json:"profile_picture"`
	Bio            string    `json:"bio"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewPublicUser(u *models.User) *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		Role:           u.Role,
		Plan:           u.Plan,
		EmailVerified:  u.EmailVerified,
		ProfilePicture: u.ProfilePicture,
		Bio:            u.Bio,
		CreatedAt:      u.CreatedAt,
	}
}

func PublicUsers(users []models.User) []*PublicUser {
	out := make([]*PublicUser, len(users))
	for i := range users {
		out[i] = NewPublicUser(&users[i])
	}
	return out
}

func (u *PublicUser) IsAdmin() bool { return u != nil && u.Role == models.RoleAdmin }

func (u *PublicUser) PlanName() string {
	if u == nil {
		return ""
	}
	return u.Plan
}

// Response is the envelope every auth action answers with.
type Response struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	User       *PublicUser    `json:"user,omitempty"`
	VerifyLink string         `json:"verify_link,omitempty"`
	Token      string         `json:"token,omitempty"`
	Access     *plan.Decision `json:"access,omitempty"`
}

func Fail(msg string) Response {
	return Response{Success: false, Message: msg}
}

type UserList struct {
	Success bool          `json:"success"`
	Users   []*PublicUser `json:"users"`
	Total   int64         `json:"total"`
	Page    int           `json:"page"`
	Pages   int64         `json:"pages"`
}

type PaymentView struct {
	ID        uint            `json:"id"`
	UserID    uint            `json:"user_id"`
	UserName  string          `json:"user_name,omitempty"`
	UserEmail string          `json:"user_email,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Plan      string          `json:"plan"`
	ProofURL  string          `json:"proof_url"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewPaymentView(p *models.Payment) PaymentView {
	return PaymentView{
		ID:        p.ID,
		UserID:    p.UserID,
		UserName:  p.User.Name,
		UserEmail: p.User.Email,
		Amount:    p.Amount,
		Plan:      p.Plan,
		ProofURL:  p.ProofURL,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
	}
}

type PaymentResponse struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Payment  *PaymentView  `json:"payment,omitempty"`
	Payments []PaymentView `json:"payments,omitempty"`
}
