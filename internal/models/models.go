package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/academy/internal/ratelimit"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Name               string     `gorm:"size:255;not null" json:"name"`
	Email              string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash       string     `gorm:"size:255;not null" json:"-"`
	Role               string     `gorm:"size:16;not null;default:user" json:"role"`
	Plan               string     `gorm:"size:16;not null;default:free" json:"plan"`
	EmailVerified      bool       `gorm:"not null;default:false" json:"email_verified"`
	ProfilePicture     *string    `gorm:"size:512" json:"profile_picture,omitempty"`
	Bio                string     `gorm:"type:text" json:"bio"`
	VerificationToken  *string    `gorm:"size:128" json:"-"`
	VerificationSentAt *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"-"`
}

// PasswordReset keeps only the sha256 of the token that was mailed out.
type PasswordReset struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	TokenHash string    `gorm:"size:64;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
}

type Session struct {
	ID        string            `gorm:"primaryKey;size:64"`
	UserID    *uint             `gorm:"index"`
	CSRFToken string            `gorm:"size:128"`
	Buckets   ratelimit.Buckets `gorm:"serializer:json"`
	ExpiresAt time.Time         `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	PaymentPending  = "Pending"
	PaymentApproved = "Approved"
	PaymentRejected = "Rejected"
)

type Payment struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    uint            `gorm:"index;not null" json:"user_id"`
	User      User            `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Plan      string          `gorm:"size:16;not null" json:"plan"`
	ProofURL  string          `gorm:"size:512" json:"proof_url"`
	Status    string          `gorm:"size:16;not null;default:Pending;index" json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// All lists every table the service migrates.
func All() []any {
	return []any{&User{}, &PasswordReset{}, &Session{}, &Payment{}}
}

func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

func (u *User) PlanName() string {
	if u == nil {
		return ""
	}
	return u.Plan
}
