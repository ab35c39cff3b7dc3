package gpool

import (
	"fmt"

	"github.com/pkg/errors"
)

// RetryTag labels the class of retry policy that applies to an error, per
// the error-tag contract in spec.md §6: the core never inspects concrete
// error types, only the tags an error carries.
type RetryTag string

// Well-known retry condition tags (spec.md §3 "Retry Policy").
const (
	TagTransactionConflict RetryTag = "transaction_conflict"
	TagSerialization       RetryTag = "serialization"
	TagDeadlock            RetryTag = "deadlock"
	TagNetworkError        RetryTag = "network_error"
)

// Tagged is implemented by any driver or server error that carries one or
// more retry-condition tags. Classification (transaction.go) consults only
// this interface.
type Tagged interface {
	error
	RetryTags() []RetryTag
}

// HasTag reports whether err (or anything it wraps) carries tag t.
func HasTag(err error, t RetryTag) bool {
	var tagged Tagged
	if !errors.As(err, &tagged) {
		return false
	}
	for _, got := range tagged.RetryTags() {
		if got == t {
			return true
		}
	}
	return false
}

// ConnectionErrorKind classifies a ConnectionError (spec.md §7).
type ConnectionErrorKind int

const (
	// ConnFailedTemporarily means the connection attempt failed but may
	// succeed if retried with back-off.
	ConnFailedTemporarily ConnectionErrorKind = iota
	// ConnFailed means the connection attempt failed fatally; no retry.
	ConnFailed
	// ConnClosed means the connection was found closed and must be
	// replaced before further use.
	ConnClosed
	// ConnTimeout means an operation exceeded its deadline.
	ConnTimeout
)

// ConnectionError represents a transport-level failure.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gpool: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RetryTags implements Tagged; only the temporary kind is retryable.
func (e *ConnectionError) RetryTags() []RetryTag {
	if e.Kind == ConnFailedTemporarily {
		return []RetryTag{TagNetworkError}
	}
	return nil
}

// TransactionErrorKind classifies a TransactionError (spec.md §7).
type TransactionErrorKind int

const (
	// TxConflict means the server reported a transaction conflict.
	TxConflict TransactionErrorKind = iota
	// TxSerialization means a serialization failure under the active
	// isolation level.
	TxSerialization
	// TxDeadlock means the server detected a deadlock.
	TxDeadlock
)

// TransactionError represents a server-reported transaction failure that
// is eligible for retry per policy.
type TransactionError struct {
	Kind TransactionErrorKind
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("gpool: transaction error: %v", e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// RetryTags implements Tagged.
func (e *TransactionError) RetryTags() []RetryTag {
	switch e.Kind {
	case TxConflict:
		return []RetryTag{TagTransactionConflict}
	case TxSerialization:
		return []RetryTag{TagSerialization}
	case TxDeadlock:
		return []RetryTag{TagDeadlock}
	}
	return nil
}

// InterfaceError indicates caller-side misuse: released twice, foreign
// connection, pool closing, nested acquire. Never retried, always
// surfaced verbatim.
type InterfaceError struct {
	Msg string
}

func (e *InterfaceError) Error() string { return "gpool: " + e.Msg }

// NewInterfaceError constructs an InterfaceError with the given message.
func NewInterfaceError(msg string) error {
	return &InterfaceError{Msg: msg}
}

// InternalClientError indicates an invariant violation inside the core:
// never retried, always surfaced, and always indicates a bug in this
// module rather than in the caller or the server. Wrapped with a stack
// trace via pkg/errors so the bug is triageable from logs alone.
type InternalClientError struct {
	Msg   string
	stack error
}

func (e *InternalClientError) Error() string { return "gpool: internal error: " + e.Msg }

func (e *InternalClientError) Unwrap() error { return e.stack }

// NewInternalClientError constructs an InternalClientError, capturing a
// stack trace at the call site.
func NewInternalClientError(msg string) error {
	return &InternalClientError{Msg: msg, stack: errors.New(msg)}
}

// ErrClientConnectionTimeout is returned by Pool.acquire when a bounded
// acquire does not complete before its timeout.
var ErrClientConnectionTimeout = &ConnectionError{Kind: ConnTimeout, Err: fmt.Errorf("acquire timed out")}
