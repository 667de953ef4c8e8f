package services

import (
	"errors"
	"net/http"
)

// Kind classifies an expected workflow failure.
type Kind int

const (
	KindUnauthorized Kind = iota + 1
	KindForbidden
	KindConflict
	KindNotFound
	KindBadRequest
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Status maps the kind to an HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Failure is an expected outcome that the caller must branch on. Its Message
// is safe to show to clients.
type Failure struct {
	Kind    Kind
	Message string
}

func (f *Failure) Error() string {
	return f.Kind.String() + ": " + f.Message
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func fail(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

const (
	MsgRegistered         = "account created, please verify your email"
	MsgEmailTaken         = "an account with this email already exists"
	MsgPasswordMismatch   = "passwords do not match"
	MsgPasswordTooLong    = "password must be at most 72 bytes"
	MsgEmailVerified      = "email verified"
	MsgInvalidToken       = "invalid or expired token"
	MsgLoginSucceeded     = "login successful"
	MsgInvalidCredentials = "invalid email or password"
	MsgVerifyEmail        = "verify your email"
	MsgAccountDeactivated = "account deactivated"
	MsgTokenRefreshed     = "token refreshed"
	MsgInvalidAccessToken = "invalid access token"
	MsgInvalidClaims      = "invalid token claims"
	MsgInvalidRefresh     = "invalid refresh token"
	MsgRefreshExpired     = "refresh token expired"
	MsgAccountNotFound    = "account not found"
	MsgLoggedOut          = "logged out"
	MsgResetRequested     = "if an account exists, a reset link has been sent"
	MsgPasswordReset      = "password has been reset"
	MsgAccountUpdated     = "account updated"
	MsgConcurrentUpdate   = "account was modified concurrently, please retry"
	MsgInternal           = "internal error"
)
