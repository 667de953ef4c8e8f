package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ridged/authd/internal/events"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/passwords"
	"github.com/ridged/authd/internal/store"
	"github.com/ridged/authd/internal/tokens"
	"github.com/ridged/authd/types"
)

const (
	DefaultVerificationTTL  = 24 * time.Hour
	DefaultPasswordResetTTL = time.Hour
	DefaultRefreshTokenTTL  = 7 * 24 * time.Hour
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, storedHash, password string) (passwords.VerifyResult, error)
	// Burn spends the time of one verification without checking anything.
	Burn(ctx context.Context, password string) error
}

// TokenIssuer creates access tokens and refresh secrets.
type TokenIssuer interface {
	IssueAccessToken(accountID int64, email string, role types.Role) (string, error)
	IssueRefreshSecret() (string, error)
	ExtractClaimsIgnoringExpiry(token string) (*tokens.Claims, error)
	AccessTokenTTL() time.Duration
}

// Options tunes an AuthService. Zero values select the defaults.
type Options struct {
	RefreshTokenTTL  time.Duration
	VerificationTTL  time.Duration
	PasswordResetTTL time.Duration
	Events           events.Sink
	Logger           logging.Logger
	Now              func() time.Time
}

// AuthService runs the credential workflows. Each workflow is one unit of
// work over one account: read, apply a transition, persist, then announce.
type AuthService struct {
	store  store.CredentialStore
	hasher PasswordHasher
	issuer TokenIssuer

	refreshTTL      time.Duration
	verificationTTL time.Duration
	resetTTL        time.Duration
	events          events.Sink
	log             logging.Logger
	now             func() time.Time
}

func NewAuthService(credentials store.CredentialStore, hasher PasswordHasher, issuer TokenIssuer, opts Options) *AuthService {
	s := &AuthService{
		store:           credentials,
		hasher:          hasher,
		issuer:          issuer,
		refreshTTL:      opts.RefreshTokenTTL,
		verificationTTL: opts.VerificationTTL,
		resetTTL:        opts.PasswordResetTTL,
		events:          opts.Events,
		log:             opts.Logger,
		now:             opts.Now,
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTokenTTL
	}
	if s.verificationTTL <= 0 {
		s.verificationTTL = DefaultVerificationTTL
	}
	if s.resetTTL <= 0 {
		s.resetTTL = DefaultPasswordResetTTL
	}
	if s.events == nil {
		s.events = events.NopSink{}
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type RegisterInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	FirstName       string
	LastName        string
}

type RegisterResult struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
	Message   string `json:"-"`
}

type LoginInput struct {
	Email    string
	Password string
}

// Session is a freshly issued token pair.
type Session struct {
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

type LoginResult struct {
	Session
	AccountID int64      `json:"account_id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Role      types.Role `json:"role"`
	Message   string     `json:"-"`
}

type RefreshInput struct {
	AccessToken  string
	RefreshToken string
}

type RefreshResult struct {
	Session
	Message string `json:"-"`
}

type ResetPasswordInput struct {
	Token           string
	NewPassword     string
	ConfirmPassword string
}

// Register creates an unverified account and a verification token.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	if in.Password != in.ConfirmPassword {
		return RegisterResult{}, fail(KindBadRequest, MsgPasswordMismatch)
	}

	hash, err := s.hasher.Hash(ctx, in.Password)
	if errors.Is(err, passwords.ErrPasswordTooLong) {
		return RegisterResult{}, fail(KindBadRequest, MsgPasswordTooLong)
	}
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}
	secret, err := tokens.GenerateOpaqueToken()
	if err != nil {
		return RegisterResult{}, err
	}

	now := s.now()
	verification := types.ExpiringToken{Value: secret, ExpiresAt: now.Add(s.verificationTTL)}

	var created types.Account
	err = s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		exists, err := uow.EmailExists(ctx, in.Email)
		if err != nil {
			return err
		}
		if exists {
			return fail(KindConflict, MsgEmailTaken)
		}
		created, err = uow.Add(ctx, types.NewAccount(in.Email, in.FirstName, in.LastName, hash, verification, now))
		return err
	})
	if errors.Is(err, store.ErrDuplicateEmail) {
		err = fail(KindConflict, MsgEmailTaken)
	}
	if err != nil {
		return RegisterResult{}, err
	}

	s.log.Info(ctx, "account registered", "account_id", created.ID)
	s.events.Emit(ctx,
		events.New(events.AccountRegistered, created, now),
		events.New(events.VerificationRequested, created, now).WithToken(verification),
	)
	return RegisterResult{AccountID: created.ID, Email: created.Email, Message: MsgRegistered}, nil
}

// VerifyEmail consumes a verification token.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (string, error) {
	now := s.now()
	var verified types.Account
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		acc, err := uow.GetByVerificationToken(ctx, token, now)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindBadRequest, MsgInvalidToken)
		}
		if err != nil {
			return err
		}
		verified, err = uow.Update(ctx, acc.ConfirmEmail(now))
		return err
	})
	if errors.Is(err, store.ErrStale) {
		// Someone else consumed the token first.
		err = fail(KindBadRequest, MsgInvalidToken)
	}
	if err != nil {
		return "", err
	}

	s.events.Emit(ctx, events.New(events.EmailVerified, verified, now))
	return MsgEmailVerified, nil
}

// loginAttempts bounds how often Login restarts after losing an optimistic
// race on the account row.
const loginAttempts = 2

// Login checks credentials and starts a new session.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	var (
		res LoginResult
		err error
	)
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		res, err = s.login(ctx, in)
		if !errors.Is(err, store.ErrStale) {
			break
		}
		s.log.Info(ctx, "login lost a concurrent update", "attempt", attempt)
	}
	if errors.Is(err, store.ErrStale) {
		err = fail(KindConflict, MsgConcurrentUpdate)
	}
	return res, err
}

func (s *AuthService) login(ctx context.Context, in LoginInput) (LoginResult, error) {
	now := s.now()
	var (
		acc     types.Account
		session Session
		failed  *events.Event
	)
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByEmail(ctx, in.Email)
		if errors.Is(err, store.ErrNotFound) {
			if err := s.hasher.Burn(ctx, in.Password); err != nil {
				return err
			}
			e := events.New(events.LoginFailed, types.Account{Email: strings.TrimSpace(in.Email)}, now).WithReason("unknown_email")
			failed = &e
			return fail(KindUnauthorized, MsgInvalidCredentials)
		}
		if err != nil {
			return err
		}

		result, err := s.hasher.Verify(ctx, acc.PasswordHash, in.Password)
		if err != nil {
			return fmt.Errorf("verify password: %w", err)
		}
		if !result.Matched() {
			e := events.New(events.LoginFailed, acc, now).WithReason("wrong_password")
			failed = &e
			return fail(KindUnauthorized, MsgInvalidCredentials)
		}
		if !acc.EmailConfirmed {
			return fail(KindForbidden, MsgVerifyEmail)
		}
		if !acc.IsActive {
			return fail(KindForbidden, MsgAccountDeactivated)
		}

		if result == passwords.VerifySuccessRehashNeeded {
			if hash, err := s.hasher.Hash(ctx, in.Password); err != nil {
				s.log.Warn(ctx, "password rehash failed", "account_id", acc.ID, "error", err)
			} else {
				acc = acc.WithPasswordHash(hash, now)
			}
		}

		var next types.ExpiringToken
		session, next, err = s.issueSession(acc, now)
		if err != nil {
			return err
		}
		acc, err = uow.Update(ctx, acc.StartSession(next, now))
		return err
	})
	if failed != nil {
		s.log.Info(ctx, "login failed", "reason", failed.Reason, "account_id", failed.AccountID)
		s.events.Emit(ctx, *failed)
	}
	if err != nil {
		return LoginResult{}, err
	}

	s.events.Emit(ctx, events.New(events.LoginSucceeded, acc, now))
	return LoginResult{
		Session:   session,
		AccountID: acc.ID,
		Email:     acc.Email,
		FirstName: acc.FirstName,
		LastName:  acc.LastName,
		Role:      acc.Role,
		Message:   MsgLoginSucceeded,
	}, nil
}

// RefreshToken exchanges a refresh secret, together with the access token it
// was issued with, for a new pair. The old secret stops working immediately.
func (s *AuthService) RefreshToken(ctx context.Context, in RefreshInput) (RefreshResult, error) {
	claims, err := s.issuer.ExtractClaimsIgnoringExpiry(in.AccessToken)
	if err != nil {
		return RefreshResult{}, fail(KindUnauthorized, MsgInvalidAccessToken)
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return RefreshResult{}, fail(KindUnauthorized, MsgInvalidClaims)
	}

	now := s.now()
	var (
		acc     types.Account
		session Session
	)
	err = s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByID(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindNotFound, MsgAccountNotFound)
		}
		if err != nil {
			return err
		}
		if !acc.Session.Matches(in.RefreshToken) {
			return fail(KindUnauthorized, MsgInvalidRefresh)
		}
		if !acc.Session.ActiveAt(now) {
			return fail(KindUnauthorized, MsgRefreshExpired)
		}

		var next types.ExpiringToken
		session, next, err = s.issueSession(acc, now)
		if err != nil {
			return err
		}
		acc, err = uow.Update(ctx, acc.StartSession(next, now))
		return err
	})
	if errors.Is(err, store.ErrStale) {
		s.log.Warn(ctx, "refresh lost a concurrent rotation", "account_id", accountID)
		err = fail(KindUnauthorized, MsgInvalidRefresh)
	}
	if err != nil {
		return RefreshResult{}, err
	}

	s.events.Emit(ctx, events.New(events.TokenRefreshed, acc, now))
	return RefreshResult{Session: session, Message: MsgTokenRefreshed}, nil
}

// Logout ends the current session. Logging out twice is allowed.
func (s *AuthService) Logout(ctx context.Context, accountID int64) (string, error) {
	now := s.now()
	var acc types.Account
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByID(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindNotFound, MsgAccountNotFound)
		}
		if err != nil {
			return err
		}
		acc, err = uow.Update(ctx, acc.EndSession(now))
		return err
	})
	if errors.Is(err, store.ErrStale) {
		err = fail(KindConflict, MsgConcurrentUpdate)
	}
	if err != nil {
		return "", err
	}

	s.events.Emit(ctx, events.New(events.LoggedOut, acc, now))
	return MsgLoggedOut, nil
}

// ForgotPassword issues a reset token when an active account uses email. The
// reply is the same whether or not it does.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) (string, error) {
	now := s.now()
	var (
		acc   types.Account
		reset types.ExpiringToken
		sent  bool
	)
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !acc.IsActive {
			s.log.Info(ctx, "password reset skipped for inactive account", "account_id", acc.ID)
			return nil
		}

		secret, err := tokens.GenerateOpaqueToken()
		if err != nil {
			return err
		}
		reset = types.ExpiringToken{Value: secret, ExpiresAt: now.Add(s.resetTTL)}
		acc, err = uow.Update(ctx, acc.BeginPasswordReset(reset, now))
		sent = err == nil
		return err
	})
	if err != nil && !errors.Is(err, store.ErrStale) {
		return "", err
	}
	if err == nil && sent {
		s.events.Emit(ctx, events.New(events.PasswordResetRequested, acc, now).WithToken(reset))
	}
	return MsgResetRequested, nil
}

// ResetPassword consumes a reset token, sets the new password and ends the
// current session.
func (s *AuthService) ResetPassword(ctx context.Context, in ResetPasswordInput) (string, error) {
	if in.NewPassword != in.ConfirmPassword {
		return "", fail(KindBadRequest, MsgPasswordMismatch)
	}

	now := s.now()
	var acc types.Account
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByPasswordResetToken(ctx, in.Token, now)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindBadRequest, MsgInvalidToken)
		}
		if err != nil {
			return err
		}
		if !acc.IsActive {
			return fail(KindBadRequest, MsgInvalidToken)
		}

		hash, err := s.hasher.Hash(ctx, in.NewPassword)
		if errors.Is(err, passwords.ErrPasswordTooLong) {
			return fail(KindBadRequest, MsgPasswordTooLong)
		}
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		acc, err = uow.Update(ctx, acc.CompletePasswordReset(hash, now))
		return err
	})
	if errors.Is(err, store.ErrStale) {
		err = fail(KindBadRequest, MsgInvalidToken)
	}
	if err != nil {
		return "", err
	}

	s.log.Info(ctx, "password reset", "account_id", acc.ID)
	s.events.Emit(ctx, events.New(events.PasswordReset, acc, now))
	return MsgPasswordReset, nil
}

// SetActive activates or deactivates an account. Deactivation ends the
// current session.
func (s *AuthService) SetActive(ctx context.Context, accountID int64, active bool) (types.Account, error) {
	now := s.now()
	var (
		acc     types.Account
		changed bool
	)
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByID(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindNotFound, MsgAccountNotFound)
		}
		if err != nil {
			return err
		}
		if acc.IsActive == active {
			return nil
		}
		next := acc.Activate(now)
		if !active {
			next = acc.Deactivate(now)
		}
		acc, err = uow.Update(ctx, next)
		changed = err == nil
		return err
	})
	if errors.Is(err, store.ErrStale) {
		err = fail(KindConflict, MsgConcurrentUpdate)
	}
	if err != nil {
		return types.Account{}, err
	}

	if changed {
		kind := events.Activated
		if !active {
			kind = events.Deactivated
		}
		s.log.Info(ctx, "account status changed", "account_id", acc.ID, "active", active)
		s.events.Emit(ctx, events.New(kind, acc, now))
	}
	return acc, nil
}

// SetActiveByEmail is SetActive for callers that only know the email.
func (s *AuthService) SetActiveByEmail(ctx context.Context, email string, active bool) (types.Account, error) {
	acc, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return types.Account{}, err
	}
	return s.SetActive(ctx, acc.ID, active)
}

// GetAccount returns the account profile.
func (s *AuthService) GetAccount(ctx context.Context, accountID int64) (types.Account, error) {
	var acc types.Account
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByID(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindNotFound, MsgAccountNotFound)
		}
		return err
	})
	return acc, err
}

// GetAccountByEmail is meant for operators, not for client-facing flows.
func (s *AuthService) GetAccountByEmail(ctx context.Context, email string) (types.Account, error) {
	var acc types.Account
	err := s.inUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		var err error
		acc, err = uow.GetByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindNotFound, MsgAccountNotFound)
		}
		return err
	})
	return acc, err
}

// issueSession creates an access token and a refresh secret for acc.
func (s *AuthService) issueSession(acc types.Account, now time.Time) (Session, types.ExpiringToken, error) {
	access, err := s.issuer.IssueAccessToken(acc.ID, acc.Email, acc.Role)
	if err != nil {
		return Session{}, types.ExpiringToken{}, fmt.Errorf("issue access token: %w", err)
	}
	secret, err := s.issuer.IssueRefreshSecret()
	if err != nil {
		return Session{}, types.ExpiringToken{}, fmt.Errorf("issue refresh secret: %w", err)
	}
	refresh := types.ExpiringToken{Value: secret, ExpiresAt: now.Add(s.refreshTTL)}
	return Session{
		AccessToken:           access,
		AccessTokenExpiresAt:  now.Add(s.issuer.AccessTokenTTL()),
		RefreshToken:          refresh.Value,
		RefreshTokenExpiresAt: refresh.ExpiresAt,
	}, refresh, nil
}

// inUnitOfWork runs fn in a fresh unit of work and saves it when fn succeeds.
// Anything fn staged is discarded when it fails.
func (s *AuthService) inUnitOfWork(ctx context.Context, fn func(uow store.UnitOfWork) error) error {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() {
		if err := uow.Rollback(); err != nil {
			s.log.Warn(ctx, "rollback failed", "error", err)
		}
	}()

	if err := fn(uow); err != nil {
		return err
	}
	if _, err := uow.SaveChanges(ctx); err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	return nil
}
