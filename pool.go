package gpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// poolState is the Pool's lifecycle state machine (spec.md §4.2):
// initializing -> open -> closing -> closed (terminal); terminate() jumps
// straight to closed.
type poolState int32

const (
	poolInitializing poolState = iota
	poolOpen
	poolClosing
	poolClosed
)

// PoolConfig configures a Pool (spec.md §3 "Pool", §4.2).
type PoolConfig struct {
	Driver Driver

	// Capacity is the explicit user override. Zero means "adopt the
	// server-suggested concurrency, or DefaultCapacity if none is
	// offered" (spec.md §4.2 sizing rule).
	Capacity int

	ConnectConfig *ConnectConfig

	OnAcquire hook
	OnRelease hook
	OnConnect hook

	Log     Logger
	Statter *metrics
}

// Pool is a fixed-capacity (until resized once) LIFO set of connection
// holders (spec.md §4.2). It opens the first connection to discover
// server-suggested concurrency, then hands out connections with timeout
// and cancel-safety.
type Pool struct {
	mu sync.Mutex

	driver        Driver
	connectConfig *ConnectConfig

	userCapacity int // 0 means unset
	capacity     int

	holders []*Holder
	free    []*Holder          // LIFO free stack
	wake    chan struct{}      // signals a dequeue waiter that free grew

	gen generation

	state poolState

	serverAddress string
	settings      Settings

	onAcquire hook
	onRelease hook
	onConnect hook

	log  Logger
	stat *metrics
}

// NewPool constructs a Pool in the "initializing" state and immediately
// allocates its holder array at the starting capacity (user capacity, or
// DefaultCapacity pending server-suggested discovery).
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil || cfg.Driver == nil {
		return nil, NewInterfaceError("pool requires a Driver")
	}

	log := cfg.Log
	if log == nil {
		log = noopLogger{}
	}
	stat := cfg.Statter
	if stat == nil {
		stat = newNoopMetrics()
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	p := &Pool{
		driver:        cfg.Driver,
		connectConfig: cfg.ConnectConfig,
		userCapacity:  cfg.Capacity,
		capacity:      capacity,
		wake:          make(chan struct{}, 1),
		onAcquire:     cfg.OnAcquire,
		onRelease:     cfg.OnRelease,
		onConnect:     cfg.OnConnect,
		log:           log,
		stat:          stat,
		state:         poolInitializing,
	}
	p.resizeHolderPoolLocked()
	p.state = poolOpen
	return p, nil
}

// resizeHolderPoolLocked grows the holder array and free stack to match
// p.capacity. Shrinking is explicitly not implemented (spec.md §9(a)):
// the resize diff is simply ignored when negative, matching the
// original's `# TODO: shrink the pool` no-op.
func (p *Pool) resizeHolderPoolLocked() {
	diff := p.capacity - len(p.holders)
	if diff <= 0 {
		return
	}
	for i := 0; i < diff; i++ {
		h := newHolder(p, p.onAcquire, p.onRelease)
		p.holders = append(p.holders, h)
		p.free = append(p.free, h)
	}
	p.gaugeHoldersLocked()
	p.wakeLocked()
}

// Resize changes the pool's user-specified capacity. Growing is
// supported; shrinking returns an InterfaceError (spec.md §9(a)).
func (p *Pool) Resize(capacity int) error {
	if capacity <= 0 {
		return NewInterfaceError("capacity must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if capacity < p.capacity {
		return NewInterfaceError("pool capacity cannot shrink")
	}
	p.userCapacity = capacity
	p.capacity = capacity
	p.resizeHolderPoolLocked()
	return nil
}

// Capacity returns the pool's current capacity.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// FreeSize returns the number of currently free holders.
func (p *Pool) FreeSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) wakeLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// enqueue returns a holder to the free stack, LIFO (spec.md §5 "the
// most-recently-released holder is the next acquired").
func (p *Pool) enqueue(h *Holder) {
	p.mu.Lock()
	p.free = append(p.free, h)
	p.gaugeHoldersLocked()
	p.wakeLocked()
	p.mu.Unlock()
}

// dequeue blocks until a holder is free or ctx is done, popping LIFO.
func (p *Pool) dequeue(ctx context.Context) (*Holder, error) {
	for {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			h := p.free[n-1]
			p.free = p.free[:n-1]
			p.gaugeHoldersLocked()
			if len(p.free) > 0 {
				// Pass the wake-up on: the single wake token may have
				// stood for more than one enqueue.
				p.wakeLocked()
			}
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// gaugeHoldersLocked reports the current free/in-use holder split. Must be
// called with p.mu held.
func (p *Pool) gaugeHoldersLocked() {
	free := len(p.free)
	p.stat.gaugeFree(int32(free))
	p.stat.gaugeInUse(int32(len(p.holders) - free))
}

// dialWithRetry retries the very first dial attempt (before a server
// address has even been discovered) against transient failures, using
// github.com/cenkalti/backoff/v4's off-the-shelf jittered exponential
// back-off. This is a distinct concern from the transaction retry policy
// in options.go/transaction.go, which needs a deterministic-seedable
// jitter source for exact-duration test assertions (backoff/v4's
// ExponentialBackOff has no such seam). No test asserts exact dial-retry
// timing, so the library's own jitter is exactly right here.
func (p *Pool) dialWithRetry(ctx context.Context) (Connection, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefaultBackoffBase
	bo.MaxInterval = DefaultBackoffCap
	bo.MaxElapsedTime = DefaultBackoffCap

	var conn Connection
	op := func() error {
		c, err := p.driver.Open(ctx, p.connectConfig)
		if err != nil {
			var connErr *ConnectionError
			if errors.As(err, &connErr) && connErr.Kind == ConnFailedTemporarily {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// getNewConnection implements spec.md §4.2's _get_new_connection: first
// successful connect discovers server_address and session config; every
// subsequent connect short-circuits the handshake via OpenResolved.
func (p *Pool) getNewConnection(ctx context.Context) (Connection, error) {
	p.mu.Lock()
	addr := p.serverAddress
	settings := p.settings
	p.mu.Unlock()

	var conn Connection
	var err error
	if addr == "" {
		conn, err = p.dialWithRetry(ctx)
		if err != nil {
			return nil, err
		}
		addr = conn.RemoteAddr()
		settings = conn.Settings()

		p.mu.Lock()
		p.serverAddress = addr
		p.settings = settings
		if p.userCapacity == 0 {
			if suggested, ok := settings.SuggestedPoolConcurrency(); ok {
				p.capacity = suggested
				p.resizeHolderPoolLocked()
				p.log.Info("adopted server-suggested concurrency", "capacity", suggested)
			}
		}
		p.mu.Unlock()
	} else {
		conn, err = p.driver.OpenResolved(ctx, addr, p.connectConfig, settings)
		if err != nil {
			return nil, err
		}
	}

	if p.onConnect != nil {
		if err := p.onConnect(ctx, conn); err != nil {
			p.log.Warn("on_connect hook failed, closing connection", "err", err)
			_ = conn.Close(ctx)
			return nil, err
		}
	}
	return conn, nil
}

// acquire dequeues a holder LIFO, arms it, and stamps the checkout's
// timeout and options (spec.md §4.2 "acquire(timeout, options)").
func (p *Pool) acquire(ctx context.Context, timeout time.Duration, opts Options) (Connection, *Holder, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != poolOpen {
		return nil, nil, NewInterfaceError("pool is closing")
	}

	start := time.Now()

	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h, err := p.dequeue(acquireCtx)
	if err != nil {
		p.stat.incAcquireFail()
		if timeout > 0 && acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, nil, ErrClientConnectionTimeout
		}
		return nil, nil, err
	}

	conn, err := h.acquire(acquireCtx)
	if err != nil {
		p.enqueue(h)
		p.stat.incAcquireFail()
		if timeout > 0 && acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, nil, ErrClientConnectionTimeout
		}
		return nil, nil, err
	}

	h.setTimeout(timeout)
	conn.SetOptions(opts)

	p.stat.timingAcquire(time.Since(start))
	return conn, h, nil
}

// release validates ownership and releases conn's holder back to the
// free stack, shielded from cancellation so the holder always returns
// (spec.md §4.2 "release(connection)").
func (p *Pool) release(connection Connection) error {
	pc, ok := connection.(*pooledConn)
	if !ok {
		return NewInterfaceError("release() received a connection that does not belong to this pool")
	}
	if pc.isDetached() {
		// Already released: idempotent no-op (spec.md §8 invariant 8).
		return nil
	}
	h := pc.holder
	if h == nil || h.pool != p {
		return NewInterfaceError("release() received a connection that is not a member of this pool")
	}

	// Cancellation-shielded: release always runs to completion once begun
	// (spec.md §5).
	return h.release(context.Background())
}

// expireConnections increments the generation fence; any holder observed
// with a stale generation on its next acquire or release is closed and
// replaced (spec.md §4.2/§8 invariant 6).
func (p *Pool) expireConnections() {
	p.gen.bump()
	p.log.Info("connections expired", "generation", p.gen.load())
}

// cacheInvalidator is implemented by a Connection whose driver exposes a
// way to drop its local statement or type caches, used after schema
// changes (spec.md §4.2). The wire-level codec/statement cache itself is
// out of scope for this module; these are hooks a real driver can opt
// into by implementing the interface.
type cacheInvalidator interface {
	DropStatementCache()
	DropTypeCache()
}

// DropStatementCache drops the per-connection statement cache across
// every currently-held connection whose driver supports it.
func (p *Pool) DropStatementCache() {
	p.forEachConn(func(c Connection) {
		if inv, ok := c.(cacheInvalidator); ok {
			inv.DropStatementCache()
		}
	})
}

// DropTypeCache drops the per-connection type codec cache across every
// currently-held connection whose driver supports it.
func (p *Pool) DropTypeCache() {
	p.forEachConn(func(c Connection) {
		if inv, ok := c.(cacheInvalidator); ok {
			inv.DropTypeCache()
		}
	})
}

func (p *Pool) forEachConn(fn func(Connection)) {
	p.mu.Lock()
	holders := append([]*Holder(nil), p.holders...)
	p.mu.Unlock()
	for _, h := range holders {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn != nil {
			fn(conn)
		}
	}
}

// Close gracefully closes the pool: waits for every holder's in-use
// signal, then closes each holder's connection. Arms a watchdog that
// warns if shutdown is taking too long (spec.md §4.2). On any failure,
// including cancellation, falls through to Terminate and re-raises.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = poolClosing
	holders := append([]*Holder(nil), p.holders...)
	p.mu.Unlock()

	watchdog := time.AfterFunc(DefaultCloseWatchdog, func() {
		p.log.Warn("pool close is taking over 60 seconds; check for leaked acquires")
	})
	defer watchdog.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range holders {
		h := h
		g.Go(func() error { return h.waitUntilReleased(gctx) })
	}
	if err := g.Wait(); err != nil {
		p.Terminate()
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, h := range holders {
		h := h
		g.Go(func() error { return h.close(gctx) })
	}
	if err := g.Wait(); err != nil {
		p.Terminate()
		return err
	}

	p.mu.Lock()
	p.state = poolClosed
	p.mu.Unlock()
	return nil
}

// Terminate abruptly closes every connection and marks the pool closed.
// Idempotent.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	holders := append([]*Holder(nil), p.holders...)
	p.state = poolClosed
	p.mu.Unlock()

	for _, h := range holders {
		h.terminate()
	}
}
