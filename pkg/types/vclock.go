package types

import (
	"sort"
	"strconv"
	"strings"
)

// VectorClock maps an actor id to a monotonically increasing counter.
// A nil clock is the zero clock.
type VectorClock map[string]uint64

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	// Equal clocks carry the same counters for every actor.
	Equal Ordering = iota
	// Before means the receiver is strictly dominated by the argument.
	Before
	// After means the receiver strictly dominates the argument.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// NewVectorClock builds a clock from actor counters, dropping zero entries.
func NewVectorClock(entries map[string]uint64) VectorClock {
	c := make(VectorClock, len(entries))
	for actor, n := range entries {
		if n > 0 {
			c[actor] = n
		}
	}
	return c
}

// Copy returns an independent copy. Zero components are dropped.
func (c VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(c))
	for actor, n := range c {
		if n > 0 {
			out[actor] = n
		}
	}
	return out
}

// Get returns the counter for actor, zero when absent.
func (c VectorClock) Get(actor string) uint64 {
	return c[actor]
}

// Tick returns a copy with actor's component incremented by one.
func (c VectorClock) Tick(actor string) VectorClock {
	out := c.Copy()
	out[actor]++
	return out
}

// Merge returns the component-wise maximum of a and b.
// TECHNICAL DISCOVERY: max is commutative, associative and idempotent per
// component, so Merge inherits all three properties.
func Merge(a, b VectorClock) VectorClock {
	out := a.Copy()
	for actor, n := range b {
		if n > out[actor] {
			out[actor] = n
		}
	}
	return out
}

// Compare reports how c relates causally to other.
func (c VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for actor, n := range c {
		m := other[actor]
		if n > m {
			greater = true
		} else if n < m {
			less = true
		}
	}
	for actor, m := range other {
		if _, seen := c[actor]; seen {
			continue
		}
		if m > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether every component of c is >= the matching component
// of other and at least one is strictly greater.
func (c VectorClock) Dominates(other VectorClock) bool {
	return c.Compare(other) == After
}

// Equal reports whether both clocks carry identical non-zero counters.
func (c VectorClock) Equal(other VectorClock) bool {
	return c.Compare(other) == Equal
}

// String renders the clock with sorted actors, e.g. {a:1,b:2}.
func (c VectorClock) String() string {
	actors := make([]string, 0, len(c))
	for actor, n := range c {
		if n > 0 {
			actors = append(actors, actor)
		}
	}
	sort.Strings(actors)
	var b strings.Builder
	b.WriteByte('{')
	for i, actor := range actors {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(actor)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[actor], 10))
	}
	b.WriteByte('}')
	return b.String()
}
