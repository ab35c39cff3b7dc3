package gpool

import "time"

// Isolation is the transaction isolation level requested on BEGIN.
type Isolation int

// Isolation levels recognized by BEGIN (spec.md §3 "Options").
const (
	IsolationSerializable Isolation = iota
	IsolationRepeatableRead
)

// TxOptions carries the per-transaction flags sent with BEGIN.
type TxOptions struct {
	Isolation   Isolation
	ReadOnly    bool
	Deferrable  bool
}

// NewTxOptions returns the default transaction options: serializable,
// read-write, not deferrable.
func NewTxOptions() TxOptions {
	return TxOptions{Isolation: IsolationSerializable}
}

// BackoffFunc computes the back-off duration for a given 1-based attempt
// number. Implementations should apply jitter themselves if desired.
type BackoffFunc func(attempt int) time.Duration

// RetryRule is the per-condition retry behavior: how many attempts are
// allowed and how long to back off between them (spec.md §3 "Retry
// Policy").
type RetryRule struct {
	MaxAttempts int
	Backoff     BackoffFunc
}

// RetryPolicy maps a retry-condition tag to its rule. A zero-value
// RetryPolicy retries nothing; use NewRetryPolicy for sensible defaults.
type RetryPolicy struct {
	rules map[RetryTag]RetryRule
	rand  Rand
}

// NewRetryPolicy returns a policy with the default rule (max 3 attempts,
// exponential back-off with jitter, spec.md §3) applied to every
// well-known retry condition.
func NewRetryPolicy() *RetryPolicy {
	p := &RetryPolicy{rules: make(map[RetryTag]RetryRule), rand: defaultRand{}}
	def := RetryRule{MaxAttempts: DefaultMaxAttempts}
	p.rules[TagTransactionConflict] = def
	p.rules[TagSerialization] = def
	p.rules[TagDeadlock] = def
	p.rules[TagNetworkError] = def
	return p
}

// WithRule returns a shallow copy of the policy with tag's rule replaced.
func (p *RetryPolicy) WithRule(tag RetryTag, rule RetryRule) *RetryPolicy {
	cp := &RetryPolicy{rules: make(map[RetryTag]RetryRule, len(p.rules)+1), rand: p.rand}
	for k, v := range p.rules {
		cp.rules[k] = v
	}
	cp.rules[tag] = rule
	return cp
}

// WithRand returns a shallow copy of the policy using r as its jitter
// source, overriding the default rules' back-off functions to use it too.
// This is the "deterministic-seeded RNG interface" required by spec.md §9
// so tests can assert exact back-off durations.
func (p *RetryPolicy) WithRand(r Rand) *RetryPolicy {
	cp := &RetryPolicy{rules: make(map[RetryTag]RetryRule, len(p.rules)), rand: r}
	for k, v := range p.rules {
		cp.rules[k] = v
	}
	return cp
}

func (p *RetryPolicy) defaultBackoff(attempt int) time.Duration {
	return computeBackoff(attempt, DefaultBackoffBase, DefaultBackoffCap, p.rand)
}

// rule returns the rule registered for tag, and whether one is registered.
// A rule without a Backoff func gets the policy's default back-off, which
// draws its jitter from the policy's Rand.
func (p *RetryPolicy) rule(tag RetryTag) (RetryRule, bool) {
	r, ok := p.rules[tag]
	if ok && r.Backoff == nil && p.rand != nil {
		r.Backoff = p.defaultBackoff
	}
	return r, ok
}

// Options is the immutable per-call bundle attached to a borrowed
// Connection for the duration of a scope (spec.md §3).
type Options struct {
	TxOptions TxOptions
	Retry     *RetryPolicy
	State     map[string]any
}

// NewOptions returns the default Options bundle.
func NewOptions() Options {
	return Options{TxOptions: NewTxOptions(), Retry: NewRetryPolicy()}
}

// WithTransactionOptions returns a copy of o with tx substituted.
func (o Options) WithTransactionOptions(tx TxOptions) Options {
	cp := o
	cp.TxOptions = tx
	return cp
}

// WithRetryOptions returns a copy of o with policy substituted.
func (o Options) WithRetryOptions(policy *RetryPolicy) Options {
	cp := o
	cp.Retry = policy
	return cp
}

// WithState returns a copy of o with state substituted.
func (o Options) WithState(state map[string]any) Options {
	cp := o
	cp.State = state
	return cp
}
