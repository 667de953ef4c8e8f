// Package events describes what happened to an account and moves those
// descriptions to the broker and to long-term storage.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ridged/authd/types"
)

// Type names an account event.
type Type string

const (
	AccountRegistered      Type = "account.registered"
	VerificationRequested  Type = "account.verification_requested"
	EmailVerified          Type = "account.email_verified"
	LoginSucceeded         Type = "account.login_succeeded"
	LoginFailed            Type = "account.login_failed"
	TokenRefreshed         Type = "account.token_refreshed"
	LoggedOut              Type = "account.logged_out"
	PasswordResetRequested Type = "account.password_reset_requested"
	PasswordReset          Type = "account.password_reset"
	Deactivated            Type = "account.deactivated"
	Activated              Type = "account.activated"
)

// Event is a single account event. Token is only set on events that must
// reach the account owner, such as verification and reset requests.
type Event struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	AccountID      int64      `json:"account_id,omitempty"`
	Email          string     `json:"email,omitempty"`
	Name           string     `json:"name,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// New builds an event about acc.
func New(t Type, acc types.Account, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		AccountID:  acc.ID,
		Email:      acc.Email,
		Name:       acc.FullName(),
		OccurredAt: now.UTC(),
	}
}

// WithToken attaches a secret for the account owner.
func (e Event) WithToken(token types.ExpiringToken) Event {
	e.Token = token.Value
	expires := token.ExpiresAt.UTC()
	e.TokenExpiresAt = &expires
	return e
}

func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// CarriesToken reports whether the event holds a secret.
func (e Event) CarriesToken() bool {
	return e.Token != ""
}

// Redacted returns a copy without the secret.
func (e Event) Redacted() Event {
	e.Token = ""
	e.TokenExpiresAt = nil
	return e
}

// Sink receives events after the change they describe has been committed.
// Emit never fails the caller; delivery problems are the sink's to handle.
type Sink interface {
	Emit(ctx context.Context, events ...Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, ...Event) {}
