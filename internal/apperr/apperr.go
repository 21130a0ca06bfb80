// Package apperr holds the domain error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindInvalidCredentials
	KindInvalidToken
	KindExpired
	KindInvalidCsrfToken
	KindRateLimited
	KindEmailNotVerified
	KindConfiguration
	KindDatabase
	KindNotFound
	KindAlreadyVerified
	KindInvalidPlan
	KindForbidden
	KindUnauthenticated
)

// Error carries a user-facing message and an optional cause that is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so wrapped copies still satisfy
// errors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "Invalid request"}
	ErrConflict           = &Error{Kind: KindConflict, Message: "Email already exists"}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "Invalid credentials"}
	ErrInvalidToken       = &Error{Kind: KindInvalidToken, Message: "Invalid or expired token"}
	ErrExpired            = &Error{Kind: KindExpired, Message: "Token expired"}
	ErrInvalidCsrfToken   = &Error{Kind: KindInvalidCsrfToken, Message: "Invalid CSRF token"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Message: "Too many requests. Try again later."}
	ErrEmailNotVerified   = &Error{Kind: KindEmailNotVerified, Message: "Email not verified with provider"}
	ErrConfiguration      = &Error{Kind: KindConfiguration, Message: "Google login is not configured"}
	ErrDatabase           = &Error{Kind: KindDatabase, Message: "Database error"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "Not found"}
	ErrAlreadyVerified    = &Error{Kind: KindAlreadyVerified, Message: "Email already verified"}
	ErrInvalidPlan        = &Error{Kind: KindInvalidPlan, Message: "Invalid plan update"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "Forbidden"}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated, Message: "Not logged in"}
)

// Wrap attaches cause to a copy of sentinel.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Err: cause}
}

// WithMessage returns a copy of sentinel with a different user-facing message.
func WithMessage(sentinel *Error, msg string) *Error {
	return &Error{Kind: sentinel.Kind, Message: msg}
}

// Message is the text safe to show to a client. Anything that is not an
// *Error collapses to a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal server error"
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
