package gpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, d *fakeDriver, capacity int) *Client {
	t.Helper()
	c, err := CreateClient(ClientConfig{Driver: d, Concurrency: capacity})
	require.NoError(t, err)
	return c
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	runs := 0
	err := c.Transaction().Run(context.Background(), func(ctx context.Context, tx *TransactionContext) error {
		runs++
		return tx.Execute(ctx, "insert into t values (1)")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestTransactionRollsBackOnBodyError(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	sentinel := NewInterfaceError("body failed")
	err := c.Transaction().Run(context.Background(), func(ctx context.Context, tx *TransactionContext) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	fc := c.pool.holders[0].conn.inner.(*fakeConn)
	assert.False(t, fc.inTx, "the failed body's transaction must be rolled back")
}

func TestTransactionRetriesRetryableCommitError(t *testing.T) {
	d := newFakeDriver()
	d.scriptedTxErr = func(attempt int) error {
		if attempt < 3 {
			return &TransactionError{Kind: TxConflict, Err: assertErr("conflict")}
		}
		return nil
	}
	c := testClient(t, d, 1).WithRetryOptions(NewRetryPolicy().WithRand(NewFixedRand(0)))

	attempts := 0
	err := c.Transaction().Run(context.Background(), func(ctx context.Context, tx *TransactionContext) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestTransactionGivesUpAfterMaxAttempts(t *testing.T) {
	d := newFakeDriver()
	d.scriptedTxErr = func(attempt int) error {
		return &TransactionError{Kind: TxConflict, Err: assertErr("conflict")}
	}
	policy := NewRetryPolicy().
		WithRule(TagTransactionConflict, RetryRule{MaxAttempts: 2, Backoff: func(int) time.Duration { return 0 }})
	c := testClient(t, d, 1).WithRetryOptions(policy)

	attempts := 0
	err := c.Transaction().Run(context.Background(), func(ctx context.Context, tx *TransactionContext) error {
		attempts++
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestTransactionNonRetryableErrorStopsImmediately(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	attempts := 0
	sentinel := NewInternalClientError("not retryable")
	err := c.Transaction().Run(context.Background(), func(ctx context.Context, tx *TransactionContext) error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestTransactionReleasesConnectionOnEveryPath(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	_ = c.Transaction().Run(context.Background(), func(ctx context.Context, tx *TransactionContext) error {
		return NewInterfaceError("boom")
	})

	assert.Equal(t, 1, c.pool.FreeSize(), "the connection must be released back to the pool even after a failed body")
}

func TestTransactionCancellationDuringBackoffAbortsWithCtxErr(t *testing.T) {
	d := newFakeDriver()
	d.scriptedTxErr = func(attempt int) error {
		return &TransactionError{Kind: TxConflict, Err: assertErr("conflict")}
	}
	policy := NewRetryPolicy().
		WithRule(TagTransactionConflict, RetryRule{
			MaxAttempts: 5,
			Backoff:     func(int) time.Duration { return time.Hour },
		})
	c := testClient(t, d, 1).WithRetryOptions(policy)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- c.Transaction().Run(ctx, func(ctx context.Context, tx *TransactionContext) error {
			attempts++
			return nil
		})
	}()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled, "cancellation during back-off must surface the caller's cancellation signal, not the retryable transaction error")
	assert.Equal(t, 1, attempts)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
