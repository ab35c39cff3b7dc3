package gpool

import "context"

// ConnectConfig bundles the material a Driver needs to dial a server.
// DSN parsing, credential resolution and TLS configuration are explicitly
// out of scope for this module (spec.md §1); callers are expected to
// produce a populated ConnectConfig using whatever external mechanism
// fits their deployment.
type ConnectConfig struct {
	Address  string
	Database string
	User     string
	Password string

	// TLSServerName overrides the server name used for certificate
	// verification, if set.
	TLSServerName string

	// InsecureSkipVerify disables TLS certificate verification. Only ever
	// meant for tests against the in-memory fake driver.
	InsecureSkipVerify bool
}

// Settings is a typed view over server-reported session settings,
// avoiding stringly-typed lookups at call sites (spec.md §4.2's
// "suggested_pool_concurrency" discovery step).
type Settings map[string]any

// SuggestedPoolConcurrency returns the server's suggested client-side
// concurrency, if it reported one.
func (s Settings) SuggestedPoolConcurrency() (int, bool) {
	v, ok := s["suggested_pool_concurrency"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, n > 0
	case int32:
		return int(n), n > 0
	case int64:
		return int(n), n > 0
	default:
		return 0, false
	}
}

// Result is an opaque handle to a query result. The query-shape-aware
// execution surface (query/query_single/execute and JSON variants) is out
// of scope for this module (spec.md §1); Result only carries what the
// core needs to thread through the pool boundary.
type Result struct {
	Raw []byte
}

// Driver is the opaque collaborator described in spec.md §6. It is
// consumed only by Pool Core's _get_new_connection analogue.
type Driver interface {
	// Open performs a full connect: DNS, TLS, handshake.
	Open(ctx context.Context, cfg *ConnectConfig) (Connection, error)

	// OpenResolved short-circuits the handshake using a previously
	// discovered address and cached settings.
	OpenResolved(ctx context.Context, addr string, cfg *ConnectConfig, settings Settings) (Connection, error)
}

// Connection is a single stateful session, opaque to this module except
// for the operations the core needs to drive pooling and transactions
// (spec.md §6).
type Connection interface {
	// Close gracefully closes the connection. Idempotent.
	Close(ctx context.Context) error
	// Terminate abruptly closes the connection. Idempotent.
	Terminate()
	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool

	// ShallowClone produces an alias referring to the same underlying
	// session.
	ShallowClone() Connection
	// Detach returns a new handle onto the same underlying session, for
	// the holder to keep after a release. Drivers need not invalidate
	// the receiver; the pool's pooledConn wrapper (detach.go) is what
	// makes the user's released handle fail with InterfaceError.
	Detach() Connection

	// RemoteAddr returns the address the underlying socket connected to.
	RemoteAddr() string
	// Settings exposes server-reported session settings.
	Settings() Settings

	// SetOptions attaches per-call options before the user sees the
	// connection.
	SetOptions(Options)

	Begin(ctx context.Context, opts TxOptions) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Execute(ctx context.Context, query string) (Result, error)
}
