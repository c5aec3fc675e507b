package router

import (
	"sort"
	"sync"
	"time"

	"boardsync/pkg/types"
)

// BreakerConfig sets when a destination's breaker trips and how long it
// stays open before a half-open probe.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	Window           time.Duration `mapstructure:"window" json:"window"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" json:"open_timeout"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		OpenTimeout:      10 * time.Second,
	}
}

// breaker tracks consecutive delivery failures for one destination.
type breaker struct {
	state        types.BreakerState
	failures     int
	firstFailure time.Time
	lastFailure  time.Time
	openedAt     time.Time
	probing      bool
	forcedReason string
}

// breakerSet owns every destination's breaker.
// TECHNICAL DISCOVERY: One mutex over the whole set keeps transitions
// atomic; every operation is a few field updates.
type breakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
}

func newBreakerSet(cfg BreakerConfig) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (s *breakerSet) get(dest string) *breaker {
	b, ok := s.breakers[dest]
	if !ok {
		b = &breaker{state: types.BreakerClosed}
		s.breakers[dest] = b
	}
	return b
}

func (s *breakerSet) retryAt(b *breaker) time.Time {
	return b.openedAt.Add(s.cfg.OpenTimeout)
}

// check fails fast while dest is open. It claims nothing, so a message may
// be queued for a destination whose probe is still pending.
func (s *breakerSet) check(dest string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[dest]
	if !ok || b.state != types.BreakerOpen {
		return nil
	}
	if now.Before(s.retryAt(b)) {
		return &types.CircuitOpenError{Destination: dest, RetryAt: s.retryAt(b)}
	}
	return nil
}

// acquire is called right before a delivery attempt. An open breaker whose
// timeout elapsed moves to half-open and admits exactly one probe.
func (s *breakerSet) acquire(dest string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dest)
	switch b.state {
	case types.BreakerOpen:
		if now.Before(s.retryAt(b)) {
			return &types.CircuitOpenError{Destination: dest, RetryAt: s.retryAt(b)}
		}
		b.state = types.BreakerHalfOpen
		b.probing = true
		return nil
	case types.BreakerHalfOpen:
		if b.probing {
			return &types.CircuitOpenError{Destination: dest, RetryAt: now.Add(s.cfg.OpenTimeout)}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// success closes a half-open breaker and resets the failure run.
func (s *breakerSet) success(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dest)
	b.state = types.BreakerClosed
	b.failures = 0
	b.probing = false
	b.forcedReason = ""
}

// failure records one failed delivery and reports whether the breaker
// opened because of it.
func (s *breakerSet) failure(dest string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dest)
	b.lastFailure = now

	if b.state == types.BreakerHalfOpen {
		b.state = types.BreakerOpen
		b.openedAt = now
		b.probing = false
		return true
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > s.cfg.Window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.state == types.BreakerClosed && b.failures >= s.cfg.FailureThreshold {
		b.state = types.BreakerOpen
		b.openedAt = now
		return true
	}
	return false
}

// release gives back an unused half-open probe, for attempts that never
// reached the transport.
func (s *breakerSet) release(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[dest]; ok && b.state == types.BreakerHalfOpen {
		b.probing = false
	}
}

func (s *breakerSet) forceOpen(dest, reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(dest)
	b.state = types.BreakerOpen
	b.openedAt = now
	b.probing = false
	b.forcedReason = reason
}

func (s *breakerSet) state(dest string) types.BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[dest]; ok {
		return b.state
	}
	return types.BreakerClosed
}

func (s *breakerSet) snapshot() []types.CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CircuitBreakerState, 0, len(s.breakers))
	for dest, b := range s.breakers {
		out = append(out, types.CircuitBreakerState{
			Destination:  dest,
			State:        b.state,
			Failures:     b.failures,
			LastFailure:  b.lastFailure,
			OpenedAt:     b.openedAt,
			ForcedReason: b.forcedReason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
