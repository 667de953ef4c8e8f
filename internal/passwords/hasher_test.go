package passwords

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	ctx := context.Background()
	h, err := NewHasher(bcrypt.MinCost, 2)
	require.NoError(t, err)

	hash, err := h.Hash(ctx, "Passw0rd!")
	require.NoError(t, err)
	assert.NotEqual(t, "Passw0rd!", hash)

	result, err := h.Verify(ctx, hash, "Passw0rd!")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, result)
	assert.True(t, result.Matched())

	result, err = h.Verify(ctx, hash, "wrong")
	require.NoError(t, err)
	assert.Equal(t, VerifyFailed, result)
	assert.False(t, result.Matched())

	result, err = h.Verify(ctx, "", "Passw0rd!")
	require.NoError(t, err)
	assert.Equal(t, VerifyFailed, result)
}

func TestHashRejectsEmptyPassword(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost, 1)
	require.NoError(t, err)

	_, err = h.Hash(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestHashRejectsPasswordsOverBcryptLimit(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost, 1)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.Hash(ctx, "Aa1!"+strings.Repeat("x", 76))
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	// 20 four-byte runes: short in characters, 80 bytes long.
	_, err = h.Hash(ctx, strings.Repeat("\U0001F600", 20))
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	_, err = h.Hash(ctx, strings.Repeat("x", MaxPasswordBytes))
	assert.NoError(t, err)
}

func TestVerifyFlagsWeakerCost(t *testing.T) {
	ctx := context.Background()
	weak, err := NewHasher(bcrypt.MinCost, 1)
	require.NoError(t, err)
	strong, err := NewHasher(bcrypt.MinCost+1, 1)
	require.NoError(t, err)

	hash, err := weak.Hash(ctx, "Passw0rd!")
	require.NoError(t, err)

	result, err := strong.Verify(ctx, hash, "Passw0rd!")
	require.NoError(t, err)
	assert.Equal(t, VerifySuccessRehashNeeded, result)
	assert.True(t, result.Matched())
}

func TestNewHasherRejectsBadCost(t *testing.T) {
	_, err := NewHasher(bcrypt.MaxCost+1, 1)
	assert.Error(t, err)
	_, err = NewHasher(1, 1)
	assert.Error(t, err)
}

func TestRunHonorsCancellationWhilePoolIsFull(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost, 1)
	require.NoError(t, err)

	require.NoError(t, h.slots.Acquire(context.Background(), 1))
	defer h.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = h.Hash(ctx, "Passw0rd!")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentHashing(t *testing.T) {
	ctx := context.Background()
	h, err := NewHasher(bcrypt.MinCost, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := h.Hash(ctx, "Passw0rd!")
			if err != nil {
				errs <- err
				return
			}
			if _, err := h.Verify(ctx, hash, "Passw0rd!"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.NoError(t, h.Burn(ctx, "anything"))
}
