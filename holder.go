package gpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// hook is the shape shared by on_acquire/on_release/on_connect (spec.md
// §4.1/§4.2): given a live connection, do something with it; any error or
// cancellation means the connection is no longer trustworthy.
type hook func(ctx context.Context, conn Connection) error

// Holder is a pool slot owning at most one live connection across
// multiple check-out cycles (spec.md §4.1). Only Pool Core calls its
// exported methods; a Holder never mutates another Holder's state.
//
// Concurrency model: this module targets the "parallel threads" variant
// spec.md §5 permits, so every state transition below is serialized under
// mu, standing in for the single-threaded-cooperative-executor model the
// spec describes natively.
type Holder struct {
	mu sync.Mutex

	pool *Pool

	conn       *pooledConn
	generation int64

	// connID correlates log lines across a connection's lifetime; reissued
	// on every fresh connect so reconnects don't share a log identity.
	connID string

	onAcquire hook
	onRelease hook

	inUse chan struct{} // non-nil while checked out; closed exactly once on release

	// timeout is recorded by Pool.acquire (spec.md §4.2 "stamp
	// holder.timeout = timeout") and applied to the graceful close this
	// holder performs on its own connection.
	timeout time.Duration

	log Logger
}

func newHolder(p *Pool, onAcquire, onRelease hook) *Holder {
	return &Holder{pool: p, onAcquire: onAcquire, onRelease: onRelease, log: p.log}
}

// connect opens a fresh Connection using the pool's current connect args.
// Must be called with h.conn == nil (InternalClientError otherwise).
func (h *Holder) connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectLocked(ctx)
}

func (h *Holder) connectLocked(ctx context.Context) error {
	if h.conn != nil {
		return NewInternalClientError("Holder.connect called while another connection already exists")
	}
	raw, err := h.pool.getNewConnection(ctx)
	if err != nil {
		return err
	}
	h.conn = newPooledConn(raw, h)
	h.generation = h.pool.gen.load()
	h.connID = uuid.NewString()
	h.log.Debug("connected", "conn_id", h.connID, "remote", raw.RemoteAddr())
	return nil
}

// acquire returns the live connection for this holder, reconnecting or
// replacing it as needed, then arms the in-use signal last (spec.md
// §4.1: "Create the in_use signal last, then return the connection").
func (h *Holder) acquire(ctx context.Context) (Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil || h.conn.IsClosed() {
		h.conn = nil
		if err := h.connectLocked(ctx); err != nil {
			return nil, err
		}
	} else if h.pool.gen.stale(h.generation) {
		// Connections have been expired; schedule async close of the old
		// one and reconnect the holder.
		stale := h.conn
		staleTimeout := h.timeout
		go func() {
			closeCtx := context.Background()
			if staleTimeout > 0 {
				var cancel context.CancelFunc
				closeCtx, cancel = context.WithTimeout(closeCtx, staleTimeout)
				defer cancel()
			}
			_ = stale.Close(closeCtx)
		}()
		h.conn = nil
		if err := h.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	if h.onAcquire != nil {
		if err := h.onAcquire(ctx, h.conn); err != nil {
			h.closeOnHookFailureLocked(ctx)
			return nil, err
		}
	}

	h.inUse = make(chan struct{})
	return h.conn, nil
}

// setTimeout records the acquire-time timeout for this checkout, applied
// by release to its own graceful close (spec.md §4.2).
func (h *Holder) setTimeout(timeout time.Duration) {
	h.mu.Lock()
	h.timeout = timeout
	h.mu.Unlock()
}

// release returns the holder to the free state. It is an
// InternalClientError to call on a holder that is not checked out.
func (h *Holder) release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inUse == nil {
		return NewInternalClientError("Holder.release called on a free connection holder")
	}

	if h.conn.IsClosed() {
		// The connection broke rather than being released cleanly; there
		// is no live session left to run hooks against, just bookkeeping.
		h.releaseOnCloseLocked()
		return nil
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	h.timeout = 0

	if h.pool.gen.stale(h.generation) {
		err := h.conn.Close(ctx)
		h.releaseOnCloseLocked()
		return err
	}

	if h.onRelease != nil {
		if err := h.onRelease(ctx, h.conn); err != nil {
			h.closeOnHookFailureLocked(ctx)
			return err
		}
	}

	h.releaseLocked()
	return nil
}

// closeOnHookFailureLocked implements the "close on any failure, then
// re-raise" discipline shared by all three hooks (spec.md §4.1/§4.2/§7).
func (h *Holder) closeOnHookFailureLocked(ctx context.Context) {
	h.log.Warn("hook failed, closing connection", "conn_id", h.connID, "remote", h.conn.RemoteAddr())
	_ = h.conn.Close(ctx)
	h.releaseOnCloseLocked()
}

// waitUntilReleased completes immediately if free; otherwise waits on the
// current in-use signal.
func (h *Holder) waitUntilReleased(ctx context.Context) error {
	h.mu.Lock()
	sig := h.inUse
	h.mu.Unlock()

	if sig == nil {
		return nil
	}
	select {
	case <-sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close gracefully closes the held connection, if any.
func (h *Holder) close(ctx context.Context) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

// terminate abruptly closes the held connection, if any.
func (h *Holder) terminate() {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Terminate()
}

// releaseOnCloseLocked frees the holder without detaching a connection
// proxy (there is no live proxy left to invalidate: the connection is
// already closed).
func (h *Holder) releaseOnCloseLocked() {
	h.freeLocked()
	h.conn = nil
}

// releaseLocked frees the holder and detaches the connection proxy,
// invalidating any outstanding reference the user still holds.
func (h *Holder) releaseLocked() {
	if h.inUse == nil {
		return
	}
	h.freeLocked()
	h.conn = h.conn.detach()
}

func (h *Holder) freeLocked() {
	if h.inUse == nil {
		return
	}
	close(h.inUse)
	h.inUse = nil
	h.pool.enqueue(h)
}

// isFree reports whether the holder currently has no checked-out
// connection. Used only for invariant assertions in tests.
func (h *Holder) isFree() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse == nil
}
