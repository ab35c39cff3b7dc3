package gpool

import (
	"context"
	"time"
)

// AcquireContext is a scoped resource representing a connection borrowed
// from the pool for the duration of a lexical scope (spec.md §4.3). It is
// created by Client.Acquire and must be released exactly once.
type AcquireContext struct {
	client     *Client
	timeout    time.Duration
	options    Options
	connection Connection
	done       bool
}

// newAcquireContext constructs an unentered AcquireContext.
func newAcquireContext(c *Client, timeout time.Duration, opts Options) *AcquireContext {
	return &AcquireContext{client: c, timeout: timeout, options: opts}
}

// Enter awaits pool.acquire and returns the connection. Re-entry is
// forbidden.
func (a *AcquireContext) Enter(ctx context.Context) (Connection, error) {
	if a.connection != nil || a.done {
		return nil, NewInterfaceError("a connection is already acquired")
	}
	conn, _, err := a.client.pool.acquire(ctx, a.timeout, a.options)
	if err != nil {
		return nil, err
	}
	a.connection = conn
	return conn, nil
}

// Release unconditionally releases the borrowed connection, even on the
// exceptional-unwinding path (call it from a defer immediately after a
// successful Enter so it also runs on panic).
func (a *AcquireContext) Release() error {
	a.done = true
	conn := a.connection
	a.connection = nil
	if conn == nil {
		return nil
	}
	return a.client.releaseConn(conn)
}

// withConn runs fn with a freshly acquired connection, guaranteeing
// release on every exit path including a panicking fn, the Go
// equivalent of an `async with pool.acquire() as con:` block (spec.md
// §4.3), used by every Client convenience method (spec.md §9(b): no
// method is special-cased).
func (c *Client) withConn(ctx context.Context, fn func(Connection) error) error {
	ac := newAcquireContext(c, 0, c.options)
	conn, err := ac.Enter(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ac.Release() }()
	return fn(conn)
}
