package gpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeDriver is an in-memory Driver standing in for a real server in
// tests, grounded on the teacher's echoServer (pool_test.go): instead of
// a real listener it hands out fakeConn values directly, letting tests
// control exactly when and how a "connection" misbehaves.
type fakeDriver struct {
	mu sync.Mutex

	opens     int
	resolved  int
	dialDelay time.Duration
	failOpen  error

	// suggestedConcurrency is reported via Settings on the first Open, as
	// a real server would via handshake (spec.md §4.2).
	suggestedConcurrency int

	// scriptedTxErr controls what happens on a per-attempt basis; index by
	// the 1-based count of Commit calls observed by the whole driver.
	scriptedTxErr func(attempt int) error

	// breakOnNextExecute, once set, makes the next Execute on any
	// connection it produces return a connection-broken error.
	breakOnNextExecute atomic.Bool

	attempt atomic.Int64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{}
}

func (d *fakeDriver) Open(ctx context.Context, cfg *ConnectConfig) (Connection, error) {
	d.mu.Lock()
	d.opens++
	delay := d.dialDelay
	failErr := d.failOpen
	concurrency := d.suggestedConcurrency
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	settings := Settings{}
	if concurrency > 0 {
		settings["suggested_pool_concurrency"] = concurrency
	}
	return &fakeConn{d: d, addr: "fake:0", settings: settings}, nil
}

func (d *fakeDriver) OpenResolved(ctx context.Context, addr string, cfg *ConnectConfig, settings Settings) (Connection, error) {
	d.mu.Lock()
	d.resolved++
	failErr := d.failOpen
	d.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return &fakeConn{d: d, addr: addr, settings: settings}, nil
}

// fakeConn is a minimal in-memory Connection. State transitions mirror
// what a real driver's Connection would track: closed flag, in-tx flag,
// and the count of statements executed.
type fakeConn struct {
	d    *fakeDriver
	addr string

	mu       sync.Mutex
	closed   bool
	inTx     bool
	settings Settings
	executed int

	statementCacheDrops int
	typeCacheDrops      int
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ShallowClone() Connection {
	return c
}

func (c *fakeConn) Detach() Connection {
	return c
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Settings() Settings { return c.settings }

func (c *fakeConn) SetOptions(Options) {}

func (c *fakeConn) Begin(ctx context.Context, opts TxOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &ConnectionError{Kind: ConnClosed, Err: fmt.Errorf("closed")}
	}
	c.inTx = true
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return NewInternalClientError("Commit called without Begin")
	}
	c.inTx = false

	attempt := int(c.d.attempt.Add(1))
	if c.d.scriptedTxErr != nil {
		if err := c.d.scriptedTxErr(attempt); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	return nil
}

func (c *fakeConn) Execute(ctx context.Context, query string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, &ConnectionError{Kind: ConnClosed, Err: fmt.Errorf("closed")}
	}
	if c.d.breakOnNextExecute.CompareAndSwap(true, false) {
		c.closed = true
		return Result{}, &ConnectionError{Kind: ConnFailedTemporarily, Err: fmt.Errorf("broken pipe")}
	}
	c.executed++
	return Result{Raw: []byte(query)}, nil
}

func (c *fakeConn) DropStatementCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statementCacheDrops++
}

func (c *fakeConn) DropTypeCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typeCacheDrops++
}

var _ Connection = (*fakeConn)(nil)
var _ Driver = (*fakeDriver)(nil)
var _ cacheInvalidator = (*fakeConn)(nil)
