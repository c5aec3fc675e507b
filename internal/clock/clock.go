// Package clock abstracts wall-clock time so rate limits, circuit breakers,
// dedup windows and replay grace periods can be driven deterministically in
// tests.
package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// OrReal returns c when non-nil, otherwise the real clock.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
