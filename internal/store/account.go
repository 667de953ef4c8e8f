package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ridged/authd/types"
)

const pqUniqueViolation = "23505"

const accountColumns = `
		id, email, normalized_email, first_name, last_name, role, password_hash,
		email_confirmed, is_active,
		refresh_token, refresh_token_expires_at,
		verification_token, verification_token_expires_at,
		password_reset_token, password_reset_token_expires_at,
		version, created_at, updated_at`

// AccountRepository handles persistence for accounts in PostgreSQL.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Begin opens a transaction. Every lookup made through the returned unit of
// work locks the matched row until the unit finishes, so two workflows on the
// same account run one after the other.
func (r *AccountRepository) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &accountTx{tx: tx}, nil
}

type accountTx struct {
	tx      *sql.Tx
	written int
	done    bool
}

func (t *accountTx) GetByID(ctx context.Context, id int64) (types.Account, error) {
	const query = `SELECT` + accountColumns + `
		FROM accounts
		WHERE id = $1
		FOR UPDATE`
	return t.getOne(ctx, query, id)
}

func (t *accountTx) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	const query = `SELECT` + accountColumns + `
		FROM accounts
		WHERE normalized_email = $1
		FOR UPDATE`
	return t.getOne(ctx, query, types.NormalizeEmail(email))
}

func (t *accountTx) GetByRefreshToken(ctx context.Context, token string, now time.Time) (types.Account, error) {
	const query = `SELECT` + accountColumns + `
		FROM accounts
		WHERE refresh_token = $1 AND refresh_token_expires_at > $2
		FOR UPDATE`
	return t.getOne(ctx, query, token, now)
}

func (t *accountTx) GetByVerificationToken(ctx context.Context, token string, now time.Time) (types.Account, error) {
	const query = `SELECT` + accountColumns + `
		FROM accounts
		WHERE verification_token = $1 AND verification_token_expires_at > $2
		FOR UPDATE`
	return t.getOne(ctx, query, token, now)
}

func (t *accountTx) GetByPasswordResetToken(ctx context.Context, token string, now time.Time) (types.Account, error) {
	const query = `SELECT` + accountColumns + `
		FROM accounts
		WHERE password_reset_token = $1 AND password_reset_token_expires_at > $2
		FOR UPDATE`
	return t.getOne(ctx, query, token, now)
}

func (t *accountTx) EmailExists(ctx context.Context, email string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	const query = `SELECT EXISTS (SELECT 1 FROM accounts WHERE normalized_email = $1)`
	var exists bool
	if err := t.tx.QueryRowContext(ctx, query, types.NormalizeEmail(email)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *accountTx) Add(ctx context.Context, account types.Account) (types.Account, error) {
	if t.done {
		return types.Account{}, ErrTxDone
	}
	refresh, refreshExp := nullToken(account.Session)
	verify, verifyExp := nullToken(account.Verification)
	reset, resetExp := nullToken(account.PasswordReset)

	const query = `
		INSERT INTO accounts (
			email, normalized_email, first_name, last_name, role, password_hash,
			email_confirmed, is_active,
			refresh_token, refresh_token_expires_at,
			verification_token, verification_token_expires_at,
			password_reset_token, password_reset_token_expires_at,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)
		RETURNING id, version`
	err := t.tx.QueryRowContext(
		ctx,
		query,
		account.Email,
		types.NormalizeEmail(account.Email),
		account.FirstName,
		account.LastName,
		account.Role,
		account.PasswordHash,
		account.EmailConfirmed,
		account.IsActive,
		refresh, refreshExp,
		verify, verifyExp,
		reset, resetExp,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.ID, &account.Version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return types.Account{}, ErrDuplicateEmail
		}
		return types.Account{}, err
	}
	account.NormalizedEmail = types.NormalizeEmail(account.Email)
	t.written++
	return account, nil
}

func (t *accountTx) Update(ctx context.Context, account types.Account) (types.Account, error) {
	if t.done {
		return types.Account{}, ErrTxDone
	}
	refresh, refreshExp := nullToken(account.Session)
	verify, verifyExp := nullToken(account.Verification)
	reset, resetExp := nullToken(account.PasswordReset)

	const query = `
		UPDATE accounts
		SET first_name = $1,
			last_name = $2,
			role = $3,
			password_hash = $4,
			email_confirmed = $5,
			is_active = $6,
			refresh_token = $7,
			refresh_token_expires_at = $8,
			verification_token = $9,
			verification_token_expires_at = $10,
			password_reset_token = $11,
			password_reset_token_expires_at = $12,
			updated_at = $13,
			version = version + 1
		WHERE id = $14 AND version = $15`
	result, err := t.tx.ExecContext(
		ctx,
		query,
		account.FirstName,
		account.LastName,
		account.Role,
		account.PasswordHash,
		account.EmailConfirmed,
		account.IsActive,
		refresh, refreshExp,
		verify, verifyExp,
		reset, resetExp,
		account.UpdatedAt,
		account.ID,
		account.Version,
	)
	if err != nil {
		return types.Account{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Account{}, err
	}
	if affected == 0 {
		return types.Account{}, ErrStale
	}
	account.Version++
	t.written += int(affected)
	return account, nil
}

func (t *accountTx) SaveChanges(ctx context.Context) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		_ = t.tx.Rollback()
		return false, err
	}
	if err := t.tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return t.written > 0, nil
}

func (t *accountTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *accountTx) getOne(ctx context.Context, query string, args ...any) (types.Account, error) {
	if t.done {
		return types.Account{}, ErrTxDone
	}
	account, err := scanAccount(t.tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	return account, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		account                         types.Account
		refresh, verify, reset          sql.NullString
		refreshExp, verifyExp, resetExp sql.NullTime
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.NormalizedEmail,
		&account.FirstName,
		&account.LastName,
		&account.Role,
		&account.PasswordHash,
		&account.EmailConfirmed,
		&account.IsActive,
		&refresh, &refreshExp,
		&verify, &verifyExp,
		&reset, &resetExp,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return types.Account{}, err
	}
	account.Session = tokenFromNull(refresh, refreshExp)
	account.Verification = tokenFromNull(verify, verifyExp)
	account.PasswordReset = tokenFromNull(reset, resetExp)
	return account, nil
}

// tokenFromNull rebuilds a token pair; a row with only one half set is read as absent.
func tokenFromNull(value sql.NullString, expires sql.NullTime) *types.ExpiringToken {
	if !value.Valid || !expires.Valid || value.String == "" {
		return nil
	}
	return &types.ExpiringToken{Value: value.String, ExpiresAt: expires.Time}
}

func nullToken(token *types.ExpiringToken) (sql.NullString, sql.NullTime) {
	if token == nil {
		return sql.NullString{}, sql.NullTime{}
	}
	return sql.NullString{String: token.Value, Valid: true}, sql.NullTime{Time: token.ExpiresAt, Valid: true}
}
