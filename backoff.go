package gpool

import (
	"math"
	"math/rand"
	"time"
)

// Rand is the deterministic-seedable jitter source spec.md §9 requires:
// "require a deterministic-seeded RNG interface so tests can assert exact
// durations". Production code uses defaultRand (backed by math/rand);
// tests can inject a Rand returning fixed values (RetryPolicy.WithRand) so
// back-off durations are exact, which no off-the-shelf backoff library's
// global-rand jitter allows (see DESIGN.md).
type Rand interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// seededRand wraps a *rand.Rand constructed from a fixed seed, for
// reproducible test runs.
type seededRand struct{ r *rand.Rand }

// NewSeededRand returns a Rand deterministically seeded with seed.
func NewSeededRand(seed int64) Rand {
	return seededRand{r: rand.New(rand.NewSource(seed))}
}

func (s seededRand) Float64() float64 { return s.r.Float64() }

// fixedRand always returns the same value; useful for asserting exact
// back-off durations in tests.
type fixedRand struct{ v float64 }

// NewFixedRand returns a Rand whose Float64() always returns v.
func NewFixedRand(v float64) Rand { return fixedRand{v: v} }

func (f fixedRand) Float64() float64 { return f.v }

// defaultBackoff is the fallback used when a RetryRule carries no Backoff
// func of its own (e.g. a caller-supplied RetryRule left it nil).
func defaultBackoff(attempt int) time.Duration {
	return computeBackoff(attempt, DefaultBackoffBase, DefaultBackoffCap, defaultRand{})
}

// computeBackoff implements the default back-off formula from spec.md §3:
// 2^attempt * base, clamped to cap, multiplied by jitter uniformly
// sampled in [1.0, 1.1).
func computeBackoff(attempt int, base, ceiling time.Duration, r Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(base) * math.Pow(2, float64(attempt))
	if raw > float64(ceiling) {
		raw = float64(ceiling)
	}
	jitter := 1.0 + r.Float64()*0.1
	return time.Duration(raw * jitter)
}
