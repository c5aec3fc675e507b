package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"boardsync/internal/clock"
	"boardsync/pkg/types"
)

// BucketConfig sizes one token bucket: Burst tokens, refilled at
// RatePerSecond.
type BucketConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" json:"rate_per_second"`
	Burst         int     `mapstructure:"burst" json:"burst"`
}

// DefaultBuckets returns the per-class defaults.
// FUNCTIONAL DISCOVERY: Broadcasts fan out to many recipients, so their
// bucket is far smaller than the plain message bucket.
func DefaultBuckets() map[types.OperationClass]BucketConfig {
	return map[types.OperationClass]BucketConfig{
		types.OpMessage:   {RatePerSecond: 20, Burst: 100},
		types.OpBroadcast: {RatePerSecond: 2, Burst: 10},
		types.OpSync:      {RatePerSecond: 20, Burst: 60},
		types.OpSubscribe: {RatePerSecond: 1, Burst: 20},
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed           bool
	RetryAfter        time.Duration
	RetryAfterSeconds int
}

// RateLimiter keeps one token bucket per connection per operation class.
// ARCHITECTURAL DISCOVERY: Buckets are created lazily on first use and
// dropped when the connection is released, so state never outlives a session.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	config  map[types.OperationClass]BucketConfig
	buckets map[string]map[types.OperationClass]*rate.Limiter
}

// NewRateLimiter builds a limiter. Classes missing from config fall back to
// the message bucket.
func NewRateLimiter(config map[types.OperationClass]BucketConfig, clk clock.Clock) *RateLimiter {
	if len(config) == 0 {
		config = DefaultBuckets()
	}
	return &RateLimiter{
		clock:   clock.OrReal(clk),
		config:  config,
		buckets: make(map[string]map[types.OperationClass]*rate.Limiter),
	}
}

// Check consumes weight tokens from the bucket. Consuming exactly the
// remaining tokens is allowed; a rejected check consumes nothing.
func (rl *RateLimiter) Check(connectionID string, class types.OperationClass, weight int) Decision {
	if weight <= 0 {
		weight = 1
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	lim := rl.bucket(connectionID, class)
	rl.mu.Unlock()

	r := lim.ReserveN(now, weight)
	if !r.OK() {
		// Weight exceeds the burst and can never be satisfied; advise a full refill.
		retry := time.Duration(float64(lim.Burst()) / float64(lim.Limit()) * float64(time.Second))
		return Decision{RetryAfter: retry, RetryAfterSeconds: types.RetryAfterSeconds(retry)}
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay, RetryAfterSeconds: types.RetryAfterSeconds(delay)}
	}
	return Decision{Allowed: true}
}

// Tokens reports the tokens currently available, for diagnostics.
func (rl *RateLimiter) Tokens(connectionID string, class types.OperationClass) float64 {
	rl.mu.Lock()
	lim := rl.bucket(connectionID, class)
	rl.mu.Unlock()
	return lim.TokensAt(rl.clock.Now())
}

// Release drops every bucket held for connectionID.
func (rl *RateLimiter) Release(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, connectionID)
}

func (rl *RateLimiter) bucket(connectionID string, class types.OperationClass) *rate.Limiter {
	perConn, ok := rl.buckets[connectionID]
	if !ok {
		perConn = make(map[types.OperationClass]*rate.Limiter)
		rl.buckets[connectionID] = perConn
	}
	lim, ok := perConn[class]
	if !ok {
		cfg, found := rl.config[class]
		if !found {
			cfg = rl.config[types.OpMessage]
		}
		// New buckets start full.
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
		perConn[class] = lim
	}
	return lim
}
