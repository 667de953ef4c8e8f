package types

import (
	"crypto/subtle"
	"strings"
	"time"
)

// Account represents a user account together with its credential state.
// Values are snapshots: transitions return a new Account and never modify
// the receiver or anything it points to.
type Account struct {
	// ID is the unique identifier of the account. Immutable after creation.
	ID int64 `json:"id" db:"id"`

	// Email is the address as entered at registration.
	Email string `json:"email" db:"email"`

	// NormalizedEmail is the unique lookup key derived from Email.
	NormalizedEmail string `json:"-" db:"normalized_email"`

	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	Role      Role   `json:"role" db:"role"`

	// PasswordHash is opaque; it is only ever checked through a password hasher.
	PasswordHash string `json:"-" db:"password_hash"`

	EmailConfirmed bool `json:"email_confirmed" db:"email_confirmed"`
	IsActive       bool `json:"is_active" db:"is_active"`

	// Session holds the current refresh secret.
	Session *ExpiringToken `json:"-"`

	// Verification holds the pending email verification token.
	Verification *ExpiringToken `json:"-"`

	// PasswordReset holds the pending password reset token.
	PasswordReset *ExpiringToken `json:"-"`

	// Version is incremented on every persisted update and used for
	// optimistic concurrency checks.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ExpiringToken is a secret paired with its expiry. The pair is always set
// or cleared as a unit.
type ExpiringToken struct {
	Value     string
	ExpiresAt time.Time
}

// ActiveAt reports whether the token exists and has not expired at now.
func (t *ExpiringToken) ActiveAt(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// Matches compares candidate with the stored value in constant time.
// Expiry is not considered.
func (t *ExpiringToken) Matches(candidate string) bool {
	if t == nil || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Value), []byte(candidate)) == 1
}

// NormalizeEmail produces the lookup key for an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FullName joins the first and last name.
func (a Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// NewAccount builds an unverified customer account awaiting email verification.
func NewAccount(email, firstName, lastName, passwordHash string, verification ExpiringToken, now time.Time) Account {
	return Account{
		Email:           strings.TrimSpace(email),
		NormalizedEmail: NormalizeEmail(email),
		FirstName:       strings.TrimSpace(firstName),
		LastName:        strings.TrimSpace(lastName),
		Role:            RoleCustomer,
		PasswordHash:    passwordHash,
		EmailConfirmed:  false,
		IsActive:        true,
		Verification:    &verification,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// StartSession replaces the refresh secret.
func (a Account) StartSession(session ExpiringToken, now time.Time) Account {
	a.Session = &session
	a.UpdatedAt = now
	return a
}

// EndSession clears the refresh secret. Ending an already ended session is allowed.
func (a Account) EndSession(now time.Time) Account {
	a.Session = nil
	a.UpdatedAt = now
	return a
}

// ConfirmEmail marks the email as confirmed and consumes the verification token.
func (a Account) ConfirmEmail(now time.Time) Account {
	a.EmailConfirmed = true
	a.Verification = nil
	a.UpdatedAt = now
	return a
}

// BeginPasswordReset stores a reset token, replacing any earlier one.
func (a Account) BeginPasswordReset(reset ExpiringToken, now time.Time) Account {
	a.PasswordReset = &reset
	a.UpdatedAt = now
	return a
}

// CompletePasswordReset sets the new password hash, consumes the reset token
// and terminates the current session.
func (a Account) CompletePasswordReset(passwordHash string, now time.Time) Account {
	a.PasswordHash = passwordHash
	a.PasswordReset = nil
	a.Session = nil
	a.UpdatedAt = now
	return a
}

// WithPasswordHash replaces the password hash without touching any token.
func (a Account) WithPasswordHash(passwordHash string, now time.Time) Account {
	a.PasswordHash = passwordHash
	a.UpdatedAt = now
	return a
}

// Deactivate disables the account and terminates its session.
func (a Account) Deactivate(now time.Time) Account {
	a.IsActive = false
	a.Session = nil
	a.UpdatedAt = now
	return a
}

// Activate re-enables the account.
func (a Account) Activate(now time.Time) Account {
	a.IsActive = true
	a.UpdatedAt = now
	return a
}
