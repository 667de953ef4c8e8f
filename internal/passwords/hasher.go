// Package passwords hashes and verifies account passwords with bcrypt. Hashing
// runs on a bounded pool so that CPU-heavy work cannot starve request handling.
package passwords

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const DefaultCost = 12

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// VerifyResult is the outcome of comparing a password against a stored hash.
type VerifyResult int

const (
	VerifyFailed VerifyResult = iota
	VerifySuccess
	// VerifySuccessRehashNeeded means the password matched a hash produced
	// with a weaker cost than the one currently configured.
	VerifySuccessRehashNeeded
)

// Matched reports whether the password was accepted.
func (r VerifyResult) Matched() bool {
	return r == VerifySuccess || r == VerifySuccessRehashNeeded
}

var (
	// ErrEmptyPassword is returned when hashing an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")
	// ErrPasswordTooLong is returned when a password exceeds MaxPasswordBytes.
	ErrPasswordTooLong = errors.New("password is longer than 72 bytes")
)

// Hasher hashes passwords using bcrypt on a bounded number of goroutines.
type Hasher struct {
	cost  int
	slots *semaphore.Weighted
	dummy []byte
}

// NewHasher constructs a Hasher. Workers below one default to GOMAXPROCS.
func NewHasher(cost, workers int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("ridged-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Hasher{
		cost:  cost,
		slots: semaphore.NewWeighted(int64(workers)),
		dummy: dummy,
	}, nil
}

// Hash returns the bcrypt hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	var hashed []byte
	err := h.run(ctx, func() error {
		var err error
		hashed, err = bcrypt.GenerateFromPassword([]byte(password), h.cost)
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return ErrPasswordTooLong
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify compares password against the stored hash.
func (h *Hasher) Verify(ctx context.Context, storedHash, password string) (VerifyResult, error) {
	result := VerifyFailed
	err := h.run(ctx, func() error {
		err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password))
		if err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) || errors.Is(err, bcrypt.ErrHashTooShort) {
				return nil
			}
			return err
		}
		result = VerifySuccess
		if cost, err := bcrypt.Cost([]byte(storedHash)); err == nil && cost < h.cost {
			result = VerifySuccessRehashNeeded
		}
		return nil
	})
	if err != nil {
		return VerifyFailed, err
	}
	return result, nil
}

// Burn performs a comparison against a fixed hash and discards the result,
// taking as long as a real verification.
func (h *Hasher) Burn(ctx context.Context, password string) error {
	return h.run(ctx, func() error {
		_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
		return nil
	})
}

// run executes fn once a pool slot is free. If ctx ends first the caller gets
// ctx.Err(); fn still finishes in the background and then frees its slot.
func (h *Hasher) run(ctx context.Context, fn func() error) error {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer h.slots.Release(1)
		done <- fn()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
