package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManual(start)

	early := m.After(time.Second)
	late := m.After(time.Minute)

	m.Advance(2 * time.Second)
	select {
	case fired := <-early:
		assert.Equal(t, start.Add(2*time.Second), fired)
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}

	m.Advance(time.Minute)
	require.Len(t, late, 1)
}

func TestOrReal(t *testing.T) {
	assert.IsType(t, Real{}, OrReal(nil))
	m := NewManual(time.Now())
	assert.Same(t, m, OrReal(m))
}
