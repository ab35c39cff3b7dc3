package gpool

import "sync/atomic"

// generation is a monotonically increasing fence (spec.md §3 "generation
// only increases"). Generalized from the teacher's atomic.go `state` CAS
// helper, which enforced the same "never move backwards" rule for a
// different purpose (connection state ranking).
type generation struct {
	v int64
}

func (g *generation) load() int64 {
	return atomic.LoadInt64(&g.v)
}

// bump increments the fence and returns the new value.
func (g *generation) bump() int64 {
	return atomic.AddInt64(&g.v, 1)
}

// stale reports whether observed is older than the fence's current value.
func (g *generation) stale(observed int64) bool {
	return observed < g.load()
}
