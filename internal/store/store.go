package store

import (
	"context"
	"time"

	"github.com/ridged/authd/types"
)

// CredentialStore hands out units of work over account records.
type CredentialStore interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// UnitOfWork is one read-modify-persist cycle. Changes staged with Add and
// Update become visible to others only after SaveChanges; Rollback discards
// them and is a no-op once the unit has finished.
//
// Token lookups only match tokens whose expiry is after now.
type UnitOfWork interface {
	GetByID(ctx context.Context, id int64) (types.Account, error)
	GetByEmail(ctx context.Context, email string) (types.Account, error)
	GetByRefreshToken(ctx context.Context, token string, now time.Time) (types.Account, error)
	GetByVerificationToken(ctx context.Context, token string, now time.Time) (types.Account, error)
	GetByPasswordResetToken(ctx context.Context, token string, now time.Time) (types.Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)

	// Add stages a new account and returns it with its assigned ID.
	Add(ctx context.Context, account types.Account) (types.Account, error)

	// Update stages account, provided the stored version still equals
	// account.Version, and returns it with the next version.
	Update(ctx context.Context, account types.Account) (types.Account, error)

	// SaveChanges persists the staged changes and reports whether at least
	// one record was written.
	SaveChanges(ctx context.Context) (bool, error)
	Rollback() error
}
