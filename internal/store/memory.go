package store

import (
	"context"
	"sync"
	"time"

	"github.com/ridged/authd/types"
)

// MemoryStore keeps accounts in process memory. Concurrent units of work are
// reconciled at SaveChanges by comparing versions.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]types.Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[int64]types.Account)}
}

func (s *MemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{store: s, staged: make(map[int64]stagedAccount)}, nil
}

// Len returns the number of committed accounts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// CountByEmail returns how many committed accounts use the normalized email.
func (s *MemoryStore) CountByEmail(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := types.NormalizeEmail(email)
	n := 0
	for _, acc := range s.accounts {
		if acc.NormalizedEmail == key {
			n++
		}
	}
	return n
}

type stagedAccount struct {
	account types.Account
	// expected is the committed version the change was based on; zero for new accounts.
	expected int64
	isNew    bool
}

type memoryTx struct {
	store  *MemoryStore
	staged map[int64]stagedAccount
	order  []int64
	done   bool
}

func (t *memoryTx) GetByID(ctx context.Context, id int64) (types.Account, error) {
	return t.find(ctx, func(a types.Account) bool { return a.ID == id })
}

func (t *memoryTx) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	key := types.NormalizeEmail(email)
	return t.find(ctx, func(a types.Account) bool { return a.NormalizedEmail == key })
}

func (t *memoryTx) GetByRefreshToken(ctx context.Context, token string, now time.Time) (types.Account, error) {
	return t.find(ctx, tokenMatcher(token, now, func(a types.Account) *types.ExpiringToken { return a.Session }))
}

func (t *memoryTx) GetByVerificationToken(ctx context.Context, token string, now time.Time) (types.Account, error) {
	return t.find(ctx, tokenMatcher(token, now, func(a types.Account) *types.ExpiringToken { return a.Verification }))
}

func (t *memoryTx) GetByPasswordResetToken(ctx context.Context, token string, now time.Time) (types.Account, error) {
	return t.find(ctx, tokenMatcher(token, now, func(a types.Account) *types.ExpiringToken { return a.PasswordReset }))
}

func (t *memoryTx) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := t.GetByEmail(ctx, email)
	switch err {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (t *memoryTx) Add(ctx context.Context, account types.Account) (types.Account, error) {
	if err := t.check(ctx); err != nil {
		return types.Account{}, err
	}
	account.NormalizedEmail = types.NormalizeEmail(account.Email)
	if exists, err := t.EmailExists(ctx, account.Email); err != nil {
		return types.Account{}, err
	} else if exists {
		return types.Account{}, ErrDuplicateEmail
	}

	t.store.mu.Lock()
	t.store.nextID++
	account.ID = t.store.nextID
	t.store.mu.Unlock()

	account.Version = 1
	t.stage(stagedAccount{account: cloneAccount(account), isNew: true})
	return account, nil
}

func (t *memoryTx) Update(ctx context.Context, account types.Account) (types.Account, error) {
	if err := t.check(ctx); err != nil {
		return types.Account{}, err
	}
	current, err := t.GetByID(ctx, account.ID)
	if err != nil {
		return types.Account{}, err
	}
	if current.Version != account.Version {
		return types.Account{}, ErrStale
	}

	change := stagedAccount{expected: account.Version}
	if prev, ok := t.staged[account.ID]; ok {
		change.expected = prev.expected
		change.isNew = prev.isNew
	}
	account.Version++
	change.account = cloneAccount(account)
	t.stage(change)
	return account, nil
}

func (t *memoryTx) SaveChanges(ctx context.Context) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.order {
		change := t.staged[id]
		if change.isNew {
			for _, acc := range s.accounts {
				if acc.NormalizedEmail == change.account.NormalizedEmail {
					return false, ErrDuplicateEmail
				}
			}
			continue
		}
		committed, ok := s.accounts[id]
		if !ok {
			return false, ErrNotFound
		}
		if committed.Version != change.expected {
			return false, ErrStale
		}
	}

	for _, id := range t.order {
		s.accounts[id] = t.staged[id].account
	}
	return len(t.order) > 0, nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	t.staged = nil
	t.order = nil
	return nil
}

func (t *memoryTx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *memoryTx) stage(change stagedAccount) {
	id := change.account.ID
	if _, ok := t.staged[id]; !ok {
		t.order = append(t.order, id)
	}
	t.staged[id] = change
}

// find searches staged changes first, then committed accounts.
func (t *memoryTx) find(ctx context.Context, match func(types.Account) bool) (types.Account, error) {
	if err := t.check(ctx); err != nil {
		return types.Account{}, err
	}
	for _, id := range t.order {
		if acc := t.staged[id].account; match(acc) {
			return cloneAccount(acc), nil
		}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, acc := range t.store.accounts {
		if _, shadowed := t.staged[id]; shadowed {
			continue
		}
		if match(acc) {
			return cloneAccount(acc), nil
		}
	}
	return types.Account{}, ErrNotFound
}

func tokenMatcher(token string, now time.Time, field func(types.Account) *types.ExpiringToken) func(types.Account) bool {
	return func(a types.Account) bool {
		t := field(a)
		return t.ActiveAt(now) && t.Value == token
	}
}

func cloneAccount(a types.Account) types.Account {
	a.Session = cloneToken(a.Session)
	a.Verification = cloneToken(a.Verification)
	a.PasswordReset = cloneToken(a.PasswordReset)
	return a
}

func cloneToken(t *types.ExpiringToken) *types.ExpiringToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
