package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRepo fails the first n Update calls with ErrConflict after running fn,
// so partial writes must be rolled back by the underlying store.
type flakyRepo struct {
	Repository
	failures int
	calls    int
}

func (f *flakyRepo) Update(ctx context.Context, fn func(Tx) error) error {
	f.calls++
	if f.calls <= f.failures {
		return f.Repository.Update(ctx, func(tx Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return ErrConflict
		})
	}
	return f.Repository.Update(ctx, fn)
}

var fastRetry = RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestWithRetryingTransaction_RecoversFromConflicts(t *testing.T) {
	mem := NewMemoryStore()
	repo := &flakyRepo{Repository: mem, failures: 2}
	ctx := context.Background()
	root, _ := repo.Root(ctx)

	var retries int
	policy := fastRetry
	policy.OnRetry = func(err error, _ time.Duration) {
		assert.ErrorIs(t, err, ErrConflict)
		retries++
	}

	err := WithRetryingTransaction(ctx, repo, policy, func(tx Tx) error {
		_, err := tx.Create(&Node{Parent: root, Name: "once", Type: "cm:folder"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, 2, retries)

	count, err := Count(ctx, mem, root)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWithRetryingTransaction_Exhausted(t *testing.T) {
	repo := &flakyRepo{Repository: NewMemoryStore(), failures: 100}
	err := WithRetryingTransaction(context.Background(), repo, fastRetry, func(Tx) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, repo.calls)
}

func TestWithRetryingTransaction_PermanentError(t *testing.T) {
	repo := &flakyRepo{Repository: NewMemoryStore()}
	boom := errors.New("bad input")
	err := WithRetryingTransaction(context.Background(), repo, fastRetry, func(Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, repo.calls)
}

func TestWithRetryingTransaction_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := &flakyRepo{Repository: NewMemoryStore()}
	err := WithRetryingTransaction(ctx, repo, fastRetry, func(Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrConflict))
	assert.True(t, IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsTransient(ErrNameExists))
}
