package security

import (
	"sync"
	"time"
)

// ViolationKind names a class of suspicious behaviour.
type ViolationKind string

const (
	ViolationAuthFailure ViolationKind = "repeated_auth_failure"
	ViolationRateLimit   ViolationKind = "rate_limit_abuse"
)

// ViolationPolicy decides when repeated failures escalate.
type ViolationPolicy struct {
	Window             time.Duration `mapstructure:"window" json:"window"`
	AuthThreshold      int           `mapstructure:"auth_threshold" json:"auth_threshold"`
	RateLimitThreshold int           `mapstructure:"rate_limit_threshold" json:"rate_limit_threshold"`
	// Evict closes the offending connection when a threshold trips.
	Evict bool `mapstructure:"evict" json:"evict"`
}

func DefaultViolationPolicy() ViolationPolicy {
	return ViolationPolicy{
		Window:             time.Minute,
		AuthThreshold:      5,
		RateLimitThreshold: 20,
		Evict:              true,
	}
}

// Violation is reported to the OnViolation hook.
type Violation struct {
	ConnectionID string
	UserID       string
	Kind         ViolationKind
	Count        int
	Reason       string
	Evict        bool
}

// violationTracker counts failures per connection in a sliding window.
type violationTracker struct {
	mu     sync.Mutex
	policy ViolationPolicy
	events map[string]map[ViolationKind][]time.Time
}

func newViolationTracker(policy ViolationPolicy) *violationTracker {
	return &violationTracker{policy: policy, events: make(map[string]map[ViolationKind][]time.Time)}
}

// record notes one failure at now and reports the count inside the window
// and whether this record crossed the threshold. A threshold trips once per
// window; further failures keep counting without re-tripping.
func (t *violationTracker) record(connectionID string, kind ViolationKind, now time.Time) (int, bool) {
	threshold := t.policy.AuthThreshold
	if kind == ViolationRateLimit {
		threshold = t.policy.RateLimitThreshold
	}
	if threshold <= 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	perConn, ok := t.events[connectionID]
	if !ok {
		perConn = make(map[ViolationKind][]time.Time)
		t.events[connectionID] = perConn
	}
	cutoff := now.Add(-t.policy.Window)
	kept := perConn[kind][:0]
	for _, ts := range perConn[kind] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	perConn[kind] = kept
	return len(kept), len(kept) == threshold
}

func (t *violationTracker) forget(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.events, connectionID)
}
