package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxRetries bounds how often a conflicting transaction is re-run.
const DefaultMaxRetries = 5

// RetryPolicy controls WithRetryingTransaction.
type RetryPolicy struct {
	// MaxRetries is the number of re-runs after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry, if set, is called before each re-run.
	OnRetry func(err error, wait time.Duration)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	// BackOff implementations are stateful; build a fresh one per call.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// WithRetryingTransaction runs fn in a write transaction. Transient failures
// (see IsTransient) roll the transaction back and re-run fn with exponential
// backoff, at most policy.MaxRetries times. Any other error stops immediately.
// fn must therefore be safe to run more than once.
func WithRetryingTransaction(ctx context.Context, repo Repository, policy RetryPolicy, fn func(Tx) error) error {
	attempts := 0
	op := func() error {
		attempts++
		err := repo.Update(ctx, fn)
		if err != nil && IsTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	var notify backoff.Notify
	if policy.OnRetry != nil {
		notify = backoff.Notify(policy.OnRetry)
	}
	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err != nil && IsTransient(err) {
		return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
	}
	return err
}
