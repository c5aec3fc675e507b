package types

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func randomClock(r *rand.Rand) VectorClock {
	actors := []string{"a", "b", "c", "d", "resolver"}
	c := VectorClock{}
	for _, actor := range actors {
		if r.Intn(3) == 0 {
			continue
		}
		c[actor] = uint64(r.Intn(5))
	}
	return c
}

func TestMerge_Commutative(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a, b := randomClock(r), randomClock(r)
		assert.True(t, Merge(a, b).Equal(Merge(b, a)), "a=%s b=%s", a, b)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		a, b := randomClock(r), randomClock(r)
		ab := Merge(a, b)
		assert.True(t, Merge(a, ab).Equal(ab), "a=%s b=%s", a, b)
		assert.True(t, Merge(a, a).Equal(a), "a=%s", a)
	}
}

func TestMerge_Associative(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	for i := 0; i < 500; i++ {
		a, b, c := randomClock(r), randomClock(r), randomClock(r)
		left := Merge(Merge(a, b), c)
		right := Merge(a, Merge(b, c))
		assert.True(t, left.Equal(right), "a=%s b=%s c=%s", a, b, c)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	a := VectorClock{"a": 1}
	b := VectorClock{"b": 2}
	_ = Merge(a, b)
	assert.Equal(t, VectorClock{"a": 1}, a)
	assert.Equal(t, VectorClock{"b": 2}, b)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b VectorClock
		want Ordering
	}{
		{VectorClock{}, nil, Equal},
		{VectorClock{"a": 1}, VectorClock{"a": 1}, Equal},
		{VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, Equal},
		{VectorClock{"a": 2}, VectorClock{"a": 1}, After},
		{VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, Before},
		{VectorClock{"a": 1}, VectorClock{"b": 1}, Concurrent},
		{VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, Concurrent},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.a, tt.b), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestDominatesRequiresStrictComponent(t *testing.T) {
	a := VectorClock{"a": 1, "b": 1}
	assert.False(t, a.Dominates(a.Copy()))
	assert.True(t, a.Tick("a").Dominates(a))
	assert.False(t, a.Dominates(a.Tick("b")))
}

func TestMergeDominatesBothInputsAfterTick(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	for i := 0; i < 200; i++ {
		a, b := randomClock(r), randomClock(r)
		m := Merge(a, b).Tick("resolver")
		assert.True(t, m.Dominates(a))
		assert.True(t, m.Dominates(b))
	}
}

func TestVectorClockString(t *testing.T) {
	assert.Equal(t, "{a:1,b:1,resolver:1}", VectorClock{"resolver": 1, "b": 1, "a": 1}.String())
	assert.Equal(t, "{}", VectorClock(nil).String())
}
