package gpool

import "time"

// Package-wide defaults, mirroring the teacher's flat constant block.
const (
	// DefaultCapacity is used when neither an explicit user capacity nor a
	// server-suggested concurrency is available yet.
	DefaultCapacity = 1

	// DefaultCloseWatchdog is how long Pool.Close waits before logging a
	// warning about a shutdown that appears stuck (spec.md §4.2).
	DefaultCloseWatchdog = 60 * time.Second

	// DefaultBackoffBase is the base used by the default back-off function:
	// 2^attempt * DefaultBackoffBase, clamped to DefaultBackoffCap.
	DefaultBackoffBase = 100 * time.Millisecond

	// DefaultBackoffCap clamps the default back-off duration.
	DefaultBackoffCap = 10 * time.Second

	// DefaultMaxAttempts is the default per-condition retry attempt count.
	DefaultMaxAttempts = 3
)
