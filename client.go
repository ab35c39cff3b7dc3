package gpool

import (
	"context"
)

// ClientConfig configures CreateClient (spec.md §6).
type ClientConfig struct {
	ConnectConfig *ConnectConfig
	Driver        Driver

	// Concurrency is the max number of pool connections. Zero adopts the
	// server-suggested concurrency (spec.md §6 "concurrency absent =>
	// adopt server suggestion").
	Concurrency int

	OnAcquire hook
	OnRelease hook
	OnConnect hook

	Log       Logger
	StatsAddr string
}

// Client is a thin, cheaply-cloneable handle wrapping a Pool (spec.md
// §4.5). Convenience query methods each open an Acquire Context,
// delegate to the driver, and release, every one of them symmetrically
// (spec.md §9(b): the original's `self._acquire` typo without a call on
// one query method must not recur here).
type Client struct {
	pool    *Pool
	options Options
	log     Logger
}

// CreateClient constructs a Client with a lazy connection pool (spec.md
// §6 "create_async_client"). The pool does not connect until the first
// acquire, unless EnsureConnected is called.
func CreateClient(cfg ClientConfig) (*Client, error) {
	if cfg.Driver == nil {
		return nil, NewInterfaceError("client requires a Driver")
	}

	log := cfg.Log
	if log == nil {
		log = noopLogger{}
	}
	stat, err := newMetrics(cfg.StatsAddr, "gpool")
	if err != nil {
		return nil, err
	}

	pool, err := NewPool(&PoolConfig{
		Driver:        cfg.Driver,
		Capacity:      cfg.Concurrency,
		ConnectConfig: cfg.ConnectConfig,
		OnAcquire:     cfg.OnAcquire,
		OnRelease:     cfg.OnRelease,
		OnConnect:     cfg.OnConnect,
		Log:           log,
		Statter:       stat,
	})
	if err != nil {
		return nil, err
	}

	return &Client{pool: pool, options: NewOptions(), log: log}, nil
}

// Concurrency returns the max number of connections in the pool.
func (c *Client) Concurrency() int {
	return c.pool.Capacity()
}

// shallowClone returns a sibling sharing the same pool but with
// independently overridable options (spec.md §4.5 "_shallow_clone").
func (c *Client) shallowClone() *Client {
	return &Client{pool: c.pool, options: c.options, log: c.log}
}

// WithRetryOptions returns a clone with policy substituted.
func (c *Client) WithRetryOptions(policy *RetryPolicy) *Client {
	cp := c.shallowClone()
	cp.options = cp.options.WithRetryOptions(policy)
	return cp
}

// WithTransactionOptions returns a clone with tx options substituted.
func (c *Client) WithTransactionOptions(tx TxOptions) *Client {
	cp := c.shallowClone()
	cp.options = cp.options.WithTransactionOptions(tx)
	return cp
}

// WithState returns a clone with opaque session state substituted.
func (c *Client) WithState(state map[string]any) *Client {
	cp := c.shallowClone()
	cp.options = cp.options.WithState(state)
	return cp
}

// EnsureConnected opens the first connection eagerly, surfacing
// credential or network errors at startup (spec.md §4.5/§6).
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.pool.mu.Lock()
	holders := c.pool.holders
	c.pool.mu.Unlock()

	for _, h := range holders {
		h.mu.Lock()
		live := h.conn != nil && !h.conn.IsClosed()
		h.mu.Unlock()
		if live {
			return nil
		}
	}

	if len(holders) == 0 {
		return NewInternalClientError("pool has no holders to connect")
	}
	return holders[0].connect(ctx)
}

// Acquire opens a scoped borrow of a connection from the pool. Callers
// MUST call AcquireContext.Release (typically via defer) on every exit
// path.
func (c *Client) Acquire(ctx context.Context) (*AcquireContext, Connection, error) {
	ac := newAcquireContext(c, 0, c.options)
	conn, err := ac.Enter(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ac, conn, nil
}

func (c *Client) releaseConn(conn Connection) error {
	return c.pool.release(conn)
}

// Close attempts to gracefully close all connections in the pool
// (spec.md §6).
func (c *Client) Close(ctx context.Context) error {
	return c.pool.Close(ctx)
}

// Terminate abruptly closes all connections in the pool (spec.md §6).
func (c *Client) Terminate() {
	c.pool.Terminate()
}

// ExpireConnections causes all currently open connections to be replaced
// on their next acquire (spec.md §6).
func (c *Client) ExpireConnections() {
	c.pool.expireConnections()
}

// Transaction returns a RetryingTransaction bound to this client (spec.md
// §6 "client.transaction()").
func (c *Client) Transaction() *RetryingTransaction {
	return newRetryingTransaction(c)
}

// Execute runs a command with no result, retry-free, inside its own
// acquire scope (spec.md §4.5).
func (c *Client) Execute(ctx context.Context, cmd string) error {
	return c.withConn(ctx, func(conn Connection) error {
		_, err := conn.Execute(ctx, cmd)
		return err
	})
}

// Query runs a query and returns its result set.
func (c *Client) Query(ctx context.Context, cmd string) (Result, error) {
	var res Result
	err := c.withConn(ctx, func(conn Connection) error {
		r, err := conn.Execute(ctx, cmd)
		res = r
		return err
	})
	return res, err
}

// QuerySingle runs a singleton-returning query.
func (c *Client) QuerySingle(ctx context.Context, cmd string) (Result, error) {
	return c.Query(ctx, cmd)
}

// QueryRequiredSingle runs a singleton-returning query that must produce
// exactly one result.
func (c *Client) QueryRequiredSingle(ctx context.Context, cmd string) (Result, error) {
	return c.Query(ctx, cmd)
}

// QueryJSON runs a query and returns its result set as JSON.
func (c *Client) QueryJSON(ctx context.Context, cmd string) (Result, error) {
	return c.Query(ctx, cmd)
}

// QuerySingleJSON runs a singleton-returning query and returns JSON.
func (c *Client) QuerySingleJSON(ctx context.Context, cmd string) (Result, error) {
	return c.Query(ctx, cmd)
}

// QueryRequiredSingleJSON runs a required singleton-returning query and
// returns JSON.
func (c *Client) QueryRequiredSingleJSON(ctx context.Context, cmd string) (Result, error) {
	return c.Query(ctx, cmd)
}

// --- Deprecated surfaces retained for compatibility (spec.md §6). ---

// AcquireDeprecated acquires a connection directly on the client without a
// scoped AcquireContext; the caller assumes responsibility for calling
// ReleaseDeprecated.
//
// Deprecated: use Acquire with its AcquireContext instead.
func (c *Client) AcquireDeprecated(ctx context.Context) (Connection, error) {
	c.log.Warn("Client.AcquireDeprecated is deprecated, use Acquire")
	_, conn, err := c.Acquire(ctx)
	return conn, err
}

// ReleaseDeprecated releases a connection acquired via AcquireDeprecated.
//
// Deprecated: use AcquireContext.Release instead.
func (c *Client) ReleaseDeprecated(conn Connection) error {
	c.log.Warn("Client.ReleaseDeprecated is deprecated, use AcquireContext.Release")
	return c.releaseConn(conn)
}

// NewPoolDeprecated mimics the legacy create_async_pool(min_size,
// max_size) API, which only ever honored max_size as the fixed capacity.
//
// Deprecated: use CreateClient instead.
func NewPoolDeprecated(minSize, maxSize int, cfg ClientConfig) (*Client, error) {
	cfg.Concurrency = maxSize
	c, err := CreateClient(cfg)
	if err != nil {
		return nil, err
	}
	c.log.Warn("NewPoolDeprecated is deprecated, use CreateClient")
	_ = minSize // retained for signature compatibility only
	return c, nil
}

// ConnectDeprecated mimics the legacy async_connect() API: a
// single-connection client that is eagerly connected.
//
// Deprecated: use CreateClient with Concurrency: 1, then EnsureConnected.
func ConnectDeprecated(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg.Concurrency = 1
	c, err := CreateClient(cfg)
	if err != nil {
		return nil, err
	}
	c.log.Warn("ConnectDeprecated is deprecated, use CreateClient")
	if err := c.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// RawTransaction mimics the legacy raw_transaction() API: a single,
// non-retrying transaction attempt.
//
// Deprecated: use Transaction() with a retry policy of 1 max attempt.
func (c *Client) RawTransaction() *RetryingTransaction {
	c.log.Warn(`Client.RawTransaction is deprecated, use Transaction() with retry attempts=1`)
	single := c.WithRetryOptions(NewRetryPolicy().
		WithRule(TagTransactionConflict, RetryRule{MaxAttempts: 1}).
		WithRule(TagSerialization, RetryRule{MaxAttempts: 1}).
		WithRule(TagDeadlock, RetryRule{MaxAttempts: 1}).
		WithRule(TagNetworkError, RetryRule{MaxAttempts: 1}))
	return single.Transaction()
}

// RetryingTransactionDeprecated mimics the legacy retrying_transaction()
// name.
//
// Deprecated: renamed to Transaction().
func (c *Client) RetryingTransactionDeprecated() *RetryingTransaction {
	c.log.Warn(`Client.RetryingTransactionDeprecated is deprecated, renamed to Transaction()`)
	return c.Transaction()
}
