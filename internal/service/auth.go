package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/events"
	"github.com/Skotchmaster/academy/internal/hash"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/mail"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/oauth"
	"github.com/Skotchmaster/academy/internal/plan"
	"github.com/Skotchmaster/academy/internal/repo"
	"github.com/Skotchmaster/academy/internal/search"
	"github.com/Skotchmaster/academy/internal/tokens"
	"github.com/Skotchmaster/academy/internal/util"
)

const resetTokenTTL = time.Hour

var validate = validator.New()

// TokenVerifier checks a Google id_token and returns the asserted profile.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (*oauth.Profile, error)
}

// UserIndexer mirrors users into the admin search directory.
type UserIndexer interface {
	IndexUser(ctx context.Context, doc search.UserDoc) error
	DeleteUser(ctx context.Context, id uint) error
	Search(ctx context.Context, query string, from, size int) (int64, []search.UserDoc, error)
}

type AuthService struct {
	Repo        *repo.GormRepo
	Notifier    mail.Notifier
	Verifier    TokenVerifier
	Events      events.Publisher
	EventsTopic string
	Directory   UserIndexer
	BaseURL     string
	Now         func() time.Time
}

type RegisterResult struct {
	User *models.User
	// VerifyLink is set only when the verification mail could not be confirmed.
	VerifyLink string
}

type ResendResult struct {
	VerifyLink string
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func checkEmail(email string) error {
	if err := validate.Var(email, "required,email,max=255"); err != nil {
		return apperr.WithMessage(apperr.ErrValidation, "Invalid email address")
	}
	return nil
}

func checkPassword(password string) error {
	if utf8.RuneCountInString(password) < hash.MinPasswordLen {
		return apperr.WithMessage(apperr.ErrValidation, fmt.Sprintf("Password must be at least %d characters", hash.MinPasswordLen))
	}
	return nil
}

// dummyHash keeps unknown-email logins as slow as wrong-password ones.
var dummyHash = sync.OnceValue(func() string {
	h, _ := hash.HashPassword("academy-timing-equalizer")
	return h
})

func (s *AuthService) verifyLink(email, token string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", token)
	return s.BaseURL + "/verify_email.html?" + q.Encode()
}

func (s *AuthService) resetLink(token string) string {
	return s.BaseURL + "/reset_password.html?token=" + url.QueryEscape(token)
}

func (s *AuthService) Register(ctx context.Context, name, email, password string) (*RegisterResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return nil, apperr.WithMessage(apperr.ErrValidation, "Name is required")
	}
	if err := checkEmail(email); err != nil {
		return nil, err
	}
	if err := checkPassword(password); err != nil {
		return nil, err
	}

	pwHash, err := hash.HashPassword(password)
	if err != nil {
		l.Error("register_error", "status", 500, "reason", "cannot hash the password", "error", err)
		return nil, fmt.Errorf("hash password: %w", err)
	}
	token, err := tokens.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("verification token: %w", err)
	}
	now := s.now()
	user := models.User{
		Name:               name,
		Email:              email,
		PasswordHash:       pwHash,
		Role:               models.RoleUser,
		Plan:               plan.Free.String(),
		VerificationToken:  &token,
		VerificationSentAt: &now,
	}

	if err := s.Repo.CreateUserIfNotExists(ctx, &user); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			l.Warn("register_error", "status", 409, "reason", "email already exists")
			return nil, apperr.ErrConflict
		}
		l.Error("register_error", "status", 500, "error", err)
		return nil, err
	}

	link := s.verifyLink(email, token)
	delivered := mail.Deliver(ctx, s.Notifier, mail.Message{
		Kind:    mail.KindVerifyEmail,
		To:      email,
		Name:    name,
		Subject: "Verify your email",
		Link:    link,
	})

	s.publish(ctx, events.TypeUserRegistered, &user)
	s.index(ctx, &user)
	l.Info("register_successful", "user_id", user.ID, "mail_delivered", delivered)

	res := &RegisterResult{User: &user}
	if !delivered {
		res.VerifyLink = link
	}
	return res, nil
}

// Login returns the same error for an unknown email and a wrong password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login")

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.ErrInvalidCredentials
	}

	user, err := s.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			hash.CheckPassword(dummyHash(), password)
			l.Warn("login_failed", "status", 401, "reason", "unknown email")
			return nil, apperr.ErrInvalidCredentials
		}
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}
	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "status", 401, "reason", "wrong password", "user_id", user.ID)
		return nil, apperr.ErrInvalidCredentials
	}

	s.publish(ctx, events.TypeUserLoggedIn, user)
	l.Info("login_successful", "user_id", user.ID)
	return user, nil
}

// OAuthLogin signs in with a Google id_token, creating the account on first use.
func (s *AuthService) OAuthLogin(ctx context.Context, idToken string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.oauth")

	if s.Verifier == nil {
		return nil, apperr.ErrConfiguration
	}
	if strings.TrimSpace(idToken) == "" {
		return nil, apperr.WithMessage(apperr.ErrValidation, "Missing id_token")
	}

	profile, err := s.Verifier.Verify(ctx, idToken)
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrNotConfigured):
		l.Error("oauth_failed", "reason", "client id not configured")
		return nil, apperr.ErrConfiguration
	case errors.Is(err, oauth.ErrEmailNotVerified):
		l.Warn("oauth_failed", "reason", "email not verified")
		return nil, apperr.ErrEmailNotVerified
	default:
		l.Warn("oauth_failed", "reason", "invalid token", "error", err)
		return nil, apperr.Wrap(apperr.ErrInvalidToken, err)
	}

	email := normalizeEmail(profile.Email)
	if err := checkEmail(email); err != nil {
		return nil, apperr.WithMessage(apperr.ErrInvalidToken, "Invalid or expired token")
	}

	// the account gets a random password nobody knows
	random, err := tokens.Random(32)
	if err != nil {
		return nil, fmt.Errorf("oauth password: %w", err)
	}
	pwHash, err := hash.HashPassword(random)
	if err != nil {
		return nil, fmt.Errorf("oauth password: %w", err)
	}

	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	candidate := &models.User{
		Name:         name,
		Email:        email,
		PasswordHash: pwHash,
		Role:         models.RoleUser,
		Plan:         plan.Free.String(),
	}
	if profile.Picture != "" {
		pic := profile.Picture
		candidate.ProfilePicture = &pic
	}

	user, created, err := s.Repo.UpsertOAuthUser(ctx, candidate)
	if err != nil {
		l.Error("oauth_failed", "status", 500, "error", err)
		return nil, err
	}
	if created {
		s.publish(ctx, events.TypeUserRegistered, user)
	}
	s.publish(ctx, events.TypeUserLoggedIn, user)
	s.index(ctx, user)
	l.Info("oauth_successful", "user_id", user.ID, "created", created)
	return user, nil
}

type ProfileInput struct {
	Name           string
	Email          string
	Bio            string
	ProfilePicture *string
}

func (s *AuthService) UpdateProfile(ctx context.Context, id uint, in ProfileInput) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.update_profile", "user_id", id)

	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	if in.Name == "" {
		return nil, apperr.WithMessage(apperr.ErrValidation, "Name is required")
	}
	if err := checkEmail(in.Email); err != nil {
		return nil, err
	}

	user, err := s.Repo.UpdateProfile(ctx, id, repo.ProfileUpdate{
		Name:           in.Name,
		Email:          in.Email,
		Bio:            in.Bio,
		ProfilePicture: in.ProfilePicture,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrConflict):
			return nil, apperr.ErrConflict
		case errors.Is(err, apperr.ErrNotFound):
			return nil, apperr.WithMessage(apperr.ErrNotFound, "User not found")
		}
		l.Error("update_profile_failed", "status", 500, "error", err)
		return nil, err
	}

	s.publish(ctx, events.TypeProfileUpdated, user)
	s.index(ctx, user)
	return user, nil
}

// ForgotPassword never reports whether the email exists.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) {
	l := logging.FromContext(ctx).With("svc", "auth.forgot_password")

	email = normalizeEmail(email)
	if checkEmail(email) != nil {
		return
	}
	user, err := s.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			l.Error("forgot_password_failed", "error", err)
		}
		return
	}

	token, err := tokens.Random(32)
	if err != nil {
		l.Error("forgot_password_failed", "reason", "token generation", "error", err)
		return
	}
	if err := s.Repo.CreatePasswordReset(ctx, user.ID, tokens.Sha256Hex(token), s.now().Add(resetTokenTTL)); err != nil {
		l.Error("forgot_password_failed", "error", err)
		return
	}

	mail.Deliver(ctx, s.Notifier, mail.Message{
		Kind:    mail.KindPasswordReset,
		To:      user.Email,
		Name:    user.Name,
		Subject: "Reset your password",
		Link:    s.resetLink(token),
	})
}

func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "auth.reset_password")

	token = strings.TrimSpace(token)
	if token == "" || newPassword == "" {
		return apperr.WithMessage(apperr.ErrValidation, "Invalid request")
	}
	// the token is judged before the new password
	newHash := func() (string, error) {
		if err := checkPassword(newPassword); err != nil {
			return "", err
		}
		h, err := hash.HashPassword(newPassword)
		if err != nil {
			return "", fmt.Errorf("hash password: %w", err)
		}
		return h, nil
	}
	if err := s.Repo.ConsumePasswordReset(ctx, tokens.Sha256Hex(token), newHash, s.now()); err != nil {
		switch {
		case errors.Is(err, apperr.ErrInvalidToken):
			l.Warn("reset_password_failed", "reason", "unknown token")
			return apperr.ErrInvalidToken
		case errors.Is(err, apperr.ErrExpired):
			l.Warn("reset_password_failed", "reason", "expired token")
			return apperr.ErrExpired
		case apperr.KindOf(err) == apperr.KindValidation:
			return err
		}
		l.Error("reset_password_failed", "status", 500, "error", err)
		return err
	}
	l.Info("reset_password_successful")
	return nil
}

func (s *AuthService) VerifyEmail(ctx context.Context, email, token string) error {
	l := logging.FromContext(ctx).With("svc", "auth.verify_email")

	user, err := s.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.ErrInvalidToken
		}
		return err
	}
	if user.VerificationToken == nil || token == "" ||
		subtle.ConstantTimeCompare([]byte(*user.VerificationToken), []byte(token)) != 1 {
		l.Warn("verify_email_failed", "user_id", user.ID)
		return apperr.ErrInvalidToken
	}
	if err := s.Repo.MarkVerified(ctx, user.ID); err != nil {
		return err
	}
	user.EmailVerified = true
	s.publish(ctx, events.TypeEmailVerified, user)
	s.index(ctx, user)
	return nil
}

// ResendVerification answers an unknown email the same way as a sent one.
func (s *AuthService) ResendVerification(ctx context.Context, email string) (*ResendResult, error) {
	email = normalizeEmail(email)
	if err := checkEmail(email); err != nil {
		return nil, err
	}
	user, err := s.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return &ResendResult{}, nil
		}
		return nil, err
	}
	if user.EmailVerified {
		return nil, apperr.ErrAlreadyVerified
	}

	token, err := tokens.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("verification token: %w", err)
	}
	if err := s.Repo.SetVerificationToken(ctx, user.ID, token, s.now()); err != nil {
		return nil, err
	}

	link := s.verifyLink(user.Email, token)
	if mail.Deliver(ctx, s.Notifier, mail.Message{
		Kind:    mail.KindVerifyEmail,
		To:      user.Email,
		Name:    user.Name,
		Subject: "Verify your email",
		Link:    link,
	}) {
		return &ResendResult{}, nil
	}
	return &ResendResult{VerifyLink: link}, nil
}

// UpdatePlan overwrites the plan. Payment checks live in PaymentService.
func (s *AuthService) UpdatePlan(ctx context.Context, id uint, planName string) (*models.User, error) {
	if !plan.Valid(planName) {
		return nil, apperr.ErrInvalidPlan
	}
	if err := s.Repo.UpdatePlan(ctx, id, planName); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.WithMessage(apperr.ErrNotFound, "User not found")
		}
		return nil, err
	}
	user, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypePlanChanged, user)
	s.index(ctx, user)
	return user, nil
}

func (s *AuthService) Me(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrUnauthenticated
		}
		return nil, err
	}
	return user, nil
}

func (s *AuthService) ListUsers(ctx context.Context, page, size int) ([]models.User, int64, error) {
	from, limit := util.Calculate(page, size)
	return s.Repo.ListUsers(ctx, from, limit)
}

func (s *AuthService) DeleteUser(ctx context.Context, id uint) error {
	if err := s.Repo.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.WithMessage(apperr.ErrNotFound, "User not found")
		}
		return err
	}
	s.publish(ctx, events.TypeUserDeleted, &models.User{ID: id})
	if s.Directory != nil {
		if err := s.Directory.DeleteUser(ctx, id); err != nil {
			logging.FromContext(ctx).Warn("search_delete_failed", "user_id", id, "error", err)
		}
	}
	return nil
}

func (s *AuthService) SearchUsers(ctx context.Context, query string, page, size int) (int64, []search.UserDoc, error) {
	if s.Directory == nil {
		return 0, nil, apperr.WithMessage(apperr.ErrConfiguration, "Search is not configured")
	}
	from, limit := util.Calculate(page, size)
	total, docs, err := s.Directory.Search(ctx, query, from, limit)
	if err != nil {
		logging.FromContext(ctx).Error("search_failed", "error", err)
		return 0, nil, fmt.Errorf("search users: %w", err)
	}
	return total, docs, nil
}

// EnsureAdmin creates the bootstrap administrator once; an existing account
// with that email is left untouched.
func (s *AuthService) EnsureAdmin(ctx context.Context, name, email, password string) (bool, error) {
	email = normalizeEmail(email)
	if err := checkEmail(email); err != nil {
		return false, err
	}
	if err := checkPassword(password); err != nil {
		return false, err
	}
	pwHash, err := hash.HashPassword(password)
	if err != nil {
		return false, err
	}
	return s.Repo.EnsureUser(ctx, &models.User{
		Name:          name,
		Email:         email,
		PasswordHash:  pwHash,
		Role:          models.RoleAdmin,
		Plan:          plan.Elite.String(),
		EmailVerified: true,
	})
}

func (s *AuthService) publish(ctx context.Context, typ string, u *models.User) {
	if s.Events == nil {
		return
	}
	event := map[string]any{
		"type":    typ,
		"user_id": u.ID,
		"email":   u.Email,
		"plan":    u.Plan,
		"at":      s.now(),
	}
	if err := s.Events.PublishEvent(ctx, s.EventsTopic, fmt.Sprint(u.ID), event); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "type", typ, "error", err)
	}
}

func (s *AuthService) index(ctx context.Context, u *models.User) {
	if s.Directory == nil {
		return
	}
	if err := s.Directory.IndexUser(ctx, search.DocFromUser(u)); err != nil {
		logging.FromContext(ctx).Warn("search_index_failed", "user_id", u.ID, "error", err)
	}
}
