package gpool

import (
	"context"
	"time"
)

// TransactionContext is handed to the user's transaction body exactly
// once per attempt (spec.md §4.4). Re-use after the body returns, or
// nested use, is forbidden.
type TransactionContext struct {
	connection Connection
	attempt    int
	options    Options
	done       bool
}

// Attempt returns the 1-based attempt number this context belongs to.
func (tc *TransactionContext) Attempt() int {
	return tc.attempt
}

// Execute runs cmd against this transaction's connection.
func (tc *TransactionContext) Execute(ctx context.Context, cmd string) error {
	if tc.done {
		return NewInterfaceError("transaction context used after its body returned")
	}
	_, err := tc.connection.Execute(ctx, cmd)
	return err
}

// Query runs cmd against this transaction's connection and returns its
// result.
func (tc *TransactionContext) Query(ctx context.Context, cmd string) (Result, error) {
	if tc.done {
		return Result{}, NewInterfaceError("transaction context used after its body returned")
	}
	return tc.connection.Execute(ctx, cmd)
}

// RetryingTransaction implements the BEGIN/body/COMMIT-or-ROLLBACK loop
// with tag-classified, back-off retry (spec.md §4.4). Each attempt
// acquires a fresh connection from the pool; a transaction never outlives
// a single connection checkout.
type RetryingTransaction struct {
	client *Client
}

func newRetryingTransaction(c *Client) *RetryingTransaction {
	return &RetryingTransaction{client: c}
}

// Run drives the attempt loop, invoking body once per attempt with a
// TransactionContext scoped to that attempt's connection. body's error,
// if any, is classified by RetryTag against the client's RetryPolicy; a
// retryable classification sleeps the tag's back-off (cancellable by
// ctx) and tries again, up to the tag's MaxAttempts. Any non-retryable
// error, or the error from the final retryable attempt, is returned
// as-is.
func (rt *RetryingTransaction) Run(ctx context.Context, body func(ctx context.Context, tx *TransactionContext) error) error {
	policy := rt.client.options.Retry
	if policy == nil {
		policy = NewRetryPolicy()
	}

	for attempt := 1; ; attempt++ {
		err := rt.client.withConn(ctx, func(conn Connection) error {
			return rt.runAttempt(ctx, conn, attempt, rt.client.options, body)
		})
		if err == nil {
			return nil
		}

		tag, rule, retryable := classify(err, policy)
		if !retryable || attempt >= rule.MaxAttempts {
			return err
		}

		rt.client.pool.stat.incRetry(tag)
		backoffFn := rule.Backoff
		if backoffFn == nil {
			backoffFn = defaultBackoff
		}
		wait := backoffFn(attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runAttempt performs BEGIN, body, and COMMIT-or-ROLLBACK for a single
// attempt on an already-acquired connection (spec.md §4.4).
func (rt *RetryingTransaction) runAttempt(ctx context.Context, conn Connection, attempt int, opts Options, body func(ctx context.Context, tx *TransactionContext) error) error {
	if err := conn.Begin(ctx, opts.TxOptions); err != nil {
		return err
	}

	tx := &TransactionContext{connection: conn, attempt: attempt, options: opts}
	bodyErr := body(ctx, tx)
	tx.done = true

	if bodyErr != nil {
		// Best-effort rollback: if the connection already broke, there is
		// nothing left to roll back and the original error is what matters
		// for classification (spec.md §4.4).
		_ = conn.Rollback(ctx)
		return bodyErr
	}

	return conn.Commit(ctx)
}

// classify maps err to a RetryTag and its configured rule, reporting
// whether it should be retried at all (spec.md §4.4/§7: "the core
// consumes error tags, not the hierarchy").
func classify(err error, policy *RetryPolicy) (RetryTag, RetryRule, bool) {
	for _, tag := range []RetryTag{TagTransactionConflict, TagSerialization, TagDeadlock, TagNetworkError} {
		if HasTag(err, tag) {
			if rule, ok := policy.rule(tag); ok {
				return tag, rule, true
			}
			return tag, RetryRule{}, false
		}
	}
	return "", RetryRule{}, false
}
