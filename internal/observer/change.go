// Package observer detects transitions of a polled value.
package observer

// Change fires once each time an observed value moves into a target value from
// any other value. It is not safe for concurrent use; callers serialise Observe.
type Change[T comparable] struct {
	target T
	prev   T
	seen   bool
}

func NewChange[T comparable](target T) *Change[T] {
	return &Change[T]{target: target}
}

// Observe records v and reports whether this observation is a transition into
// the target. The first observation counts as a transition when it already
// equals the target.
func (c *Change[T]) Observe(v T) bool {
	fired := (!c.seen || c.prev != v) && v == c.target
	c.prev = v
	c.seen = true
	return fired
}
