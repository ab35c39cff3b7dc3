package gpool

import (
	"context"
	"sync/atomic"
)

// pooledConn is the "produce a new handle for the slot while invalidating
// the old" trick spec.md §4.1/§9 calls detach. It wraps a driver
// Connection the same way the teacher's wrapper.go wrapped a net.Conn to
// intercept Close() and call back into the pool. Here every method is
// intercepted: once detached, Close, Begin, Commit, Rollback and Execute
// fail fast with InterfaceError, IsClosed reports true, ShallowClone and
// Detach return the detached wrapper itself, and the remaining methods do
// nothing, so a released handle never reaches the live session.
type pooledConn struct {
	inner    Connection
	holder   *Holder
	detached atomic.Bool
}

func newPooledConn(inner Connection, h *Holder) *pooledConn {
	return &pooledConn{inner: inner, holder: h}
}

// detach severs pc from its holder: pc becomes permanently unusable and a
// new pooledConn wrapping a fresh driver handle (but the same underlying
// session) is returned for the holder to keep. This is the sole place a
// pooledConn transitions to the detached state.
func (pc *pooledConn) detach() *pooledConn {
	h := pc.holder
	pc.holder = nil
	pc.detached.Store(true)
	return newPooledConn(pc.inner.Detach(), h)
}

func (pc *pooledConn) isDetached() bool {
	return pc.detached.Load()
}

func (pc *pooledConn) refuse() error {
	return NewInterfaceError("the underlying connection has been released back to the pool")
}

func (pc *pooledConn) Close(ctx context.Context) error {
	if pc.isDetached() {
		return pc.refuse()
	}
	return pc.inner.Close(ctx)
}

func (pc *pooledConn) Terminate() {
	if pc.isDetached() {
		return
	}
	pc.inner.Terminate()
}

func (pc *pooledConn) IsClosed() bool {
	if pc.isDetached() {
		return true
	}
	return pc.inner.IsClosed()
}

func (pc *pooledConn) ShallowClone() Connection {
	if pc.isDetached() {
		return pc
	}
	return pc.inner.ShallowClone()
}

func (pc *pooledConn) Detach() Connection {
	if pc.isDetached() {
		return pc
	}
	return pc.detach()
}

func (pc *pooledConn) RemoteAddr() string {
	if pc.isDetached() {
		return ""
	}
	return pc.inner.RemoteAddr()
}

func (pc *pooledConn) Settings() Settings {
	if pc.isDetached() {
		return nil
	}
	return pc.inner.Settings()
}

func (pc *pooledConn) SetOptions(o Options) {
	if pc.isDetached() {
		return
	}
	pc.inner.SetOptions(o)
}

func (pc *pooledConn) Begin(ctx context.Context, opts TxOptions) error {
	if pc.isDetached() {
		return pc.refuse()
	}
	return pc.inner.Begin(ctx, opts)
}

func (pc *pooledConn) Commit(ctx context.Context) error {
	if pc.isDetached() {
		return pc.refuse()
	}
	return pc.inner.Commit(ctx)
}

func (pc *pooledConn) Rollback(ctx context.Context) error {
	if pc.isDetached() {
		return pc.refuse()
	}
	return pc.inner.Rollback(ctx)
}

func (pc *pooledConn) Execute(ctx context.Context, query string) (Result, error) {
	if pc.isDetached() {
		return Result{}, pc.refuse()
	}
	return pc.inner.Execute(ctx, query)
}

// DropStatementCache delegates to the wrapped connection if it implements
// cacheInvalidator (pool.go), so Pool.DropStatementCache can reach through
// the detach wrapper transparently.
func (pc *pooledConn) DropStatementCache() {
	if pc.isDetached() {
		return
	}
	if inv, ok := pc.inner.(cacheInvalidator); ok {
		inv.DropStatementCache()
	}
}

// DropTypeCache is the type-cache analogue of DropStatementCache.
func (pc *pooledConn) DropTypeCache() {
	if pc.isDetached() {
		return
	}
	if inv, ok := pc.inner.(cacheInvalidator); ok {
		inv.DropTypeCache()
	}
}

var _ Connection = (*pooledConn)(nil)
