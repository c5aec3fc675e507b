// Package router implements the Message Router: deduplication, routing
// rules, per-destination priority queues and per-destination circuit
// breakers. Delivery itself is delegated to a Deliverer.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"boardsync/internal/clock"
	"boardsync/pkg/types"
)

// DestinationKind distinguishes feature handlers from connection fan-out.
type DestinationKind string

const (
	DestHandler      DestinationKind = "handler"
	DestRoom         DestinationKind = "room"
	DestUsers        DestinationKind = "users"
	DestConnection   DestinationKind = "connection"
	DestOrganization DestinationKind = "organization"
	// DestFeature fans a feature-originated message out to every connection
	// of one organization that may read the feature.
	DestFeature DestinationKind = "feature"
)

// Destination is one independent delivery queue.
type Destination struct {
	Kind DestinationKind `json:"kind"`
	Key  string          `json:"key"`
}

func (d Destination) String() string { return string(d.Kind) + ":" + d.Key }

// Feature returns the feature addressed by handler and feature destinations.
func (d Destination) Feature() types.FeatureType {
	switch d.Kind {
	case DestHandler:
		return types.FeatureType(d.Key)
	case DestFeature:
		f, _, _ := strings.Cut(d.Key, "@")
		return types.FeatureType(f)
	default:
		return ""
	}
}

// HandlerDestination addresses the handler registered for feature.
func HandlerDestination(feature types.FeatureType) Destination {
	return Destination{Kind: DestHandler, Key: string(feature)}
}

// Deliverer performs the actual delivery for one destination. Returning
// ErrNoRecipients drops the message without counting a failure; a
// *types.DeliveryError is retried for high and critical messages.
type Deliverer interface {
	Deliver(ctx context.Context, dest Destination, msg *types.Message) error
}

// Observer is notified after every delivery attempt sequence.
type Observer interface {
	ObserveDelivery(dest Destination, msg *types.Message, latency time.Duration, err error)
}

// Drop reasons used in Stats.Dropped.
const (
	DropDuplicate    = "duplicate"
	DropNoRecipients = "no_recipients"
	DropBackpressure = "backpressure"
	DropCircuitOpen  = "circuit_open"
	DropRule         = "rule"
	DropShutdown     = "shutdown"
)

// Config configures the router.
type Config struct {
	QueueCapacity    int           `mapstructure:"queue_capacity" json:"queue_capacity"`
	DedupSize        int           `mapstructure:"dedup_size" json:"dedup_size"`
	DedupTTL         time.Duration `mapstructure:"dedup_ttl" json:"dedup_ttl"`
	Breaker          BreakerConfig `mapstructure:"breaker" json:"breaker"`
	DeliveryAttempts int           `mapstructure:"delivery_attempts" json:"delivery_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout" json:"delivery_timeout"`
	// QueueIdleTTL retires a drained destination queue and its goroutine.
	QueueIdleTTL time.Duration `mapstructure:"queue_idle_ttl" json:"queue_idle_ttl"`
	// Rules live in their own configuration section.
	Rules []RuleConfig `mapstructure:"-" json:"-"`
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity:    1024,
		DedupSize:        10000,
		DedupTTL:         5 * time.Minute,
		Breaker:          DefaultBreakerConfig(),
		DeliveryAttempts: 3,
		RetryBackoff:     50 * time.Millisecond,
		DeliveryTimeout:  5 * time.Second,
		QueueIdleTTL:     time.Minute,
	}
}

func (c Config) Validate() error {
	switch {
	case c.QueueCapacity <= 0:
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	case c.DedupSize <= 0 || c.DedupTTL <= 0:
		return errors.New("dedup_size and dedup_ttl must be positive")
	case c.Breaker.FailureThreshold <= 0:
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	case c.Breaker.Window <= 0 || c.Breaker.OpenTimeout <= 0:
		return errors.New("breaker.window and breaker.open_timeout must be positive")
	case c.DeliveryAttempts < 1:
		return fmt.Errorf("delivery_attempts must be at least 1, got %d", c.DeliveryAttempts)
	case c.DeliveryTimeout <= 0:
		return errors.New("delivery_timeout must be positive")
	case c.QueueIdleTTL <= 0:
		return errors.New("queue_idle_ttl must be positive")
	}
	return nil
}

// RoutingResult describes what Dispatch did with one message.
type RoutingResult struct {
	MessageID    string           `json:"messageId"`
	Priority     types.Priority   `json:"priority"`
	Duplicate    bool             `json:"duplicate,omitempty"`
	Dropped      bool             `json:"dropped,omitempty"`
	DropReason   string           `json:"dropReason,omitempty"`
	Destinations []Destination    `json:"destinations,omitempty"`
	Rejected     map[string]error `json:"-"`
	Alerts       []string         `json:"alerts,omitempty"`
}

// Stats is a point-in-time view of router counters.
type Stats struct {
	Routed     uint64            `json:"routed"`
	Delivered  uint64            `json:"delivered"`
	Failed     uint64            `json:"failed"`
	Duplicates uint64            `json:"duplicates"`
	Alerts     uint64            `json:"alerts"`
	Dropped    map[string]uint64 `json:"dropped"`
	Queues     int               `json:"queues"`
	QueueDepth int               `json:"queueDepth"`
}

// Router is the Message Router.
// ARCHITECTURAL DISCOVERY: Admission (dedup) and dispatch are separate steps
// so the coordinator can run state synchronization between them.
type Router struct {
	cfg       Config
	rules     []*Rule
	deliverer Deliverer
	observer  Observer
	clock     clock.Clock
	log       zerolog.Logger
	secLog    zerolog.Logger

	dedup    *dedupWindow
	breakers *breakerSet

	qmu     sync.Mutex
	queues  map[string]*destQueue
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	routed     atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
	alerts     atomic.Uint64

	dropMu  sync.Mutex
	dropped map[string]uint64
}

// New builds a router. Rules are compiled up front so a bad rule fails
// startup rather than a message.
func New(cfg Config, deliverer Deliverer, clk clock.Clock, log, secLog zerolog.Logger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	rules, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg:       cfg,
		rules:     rules,
		deliverer: deliverer,
		clock:     clock.OrReal(clk),
		log:       log.With().Str("component", "router").Logger(),
		secLog:    secLog,
		dedup:     newDedupWindow(cfg.DedupSize, cfg.DedupTTL),
		breakers:  newBreakerSet(cfg.Breaker),
		queues:    make(map[string]*destQueue),
		dropped:   make(map[string]uint64),
	}, nil
}

// SetObserver installs the delivery observer. Call before Start.
func (r *Router) SetObserver(o Observer) { r.observer = o }

// Start launches one owner goroutine per destination queue. Messages
// dispatched before Start wait in their queues.
func (r *Router) Start(ctx context.Context) error {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.stopped {
		return ErrRouterStopped
	}
	if r.running {
		return ErrAlreadyRunning
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	for _, q := range r.queues {
		r.spawnLocked(q)
	}
	r.log.Info().Int("queues", len(r.queues)).Msg("router started")
	return nil
}

// Stop cancels in-flight deliveries, waits for every queue goroutine and
// drops whatever is still queued.
func (r *Router) Stop() {
	r.qmu.Lock()
	if r.stopped {
		r.qmu.Unlock()
		return
	}
	r.stopped = true
	r.running = false
	cancel := r.cancel
	r.qmu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.qmu.Lock()
	pending := 0
	for _, q := range r.queues {
		pending += q.len()
	}
	r.queues = make(map[string]*destQueue)
	r.qmu.Unlock()
	if pending > 0 {
		r.countDrop(DropShutdown, uint64(pending))
		r.log.Warn().Int("pending", pending).Msg("router stopped with queued messages")
	}
}

// Admit records msg's id in the dedup window and reports whether it is new.
// A duplicate is counted and must not be processed further. Ids are scoped
// to the sending organization and user.
func (r *Router) Admit(msg *types.Message) bool {
	if r.dedup.seen(dedupKey(msg), r.clock.Now()) {
		r.duplicates.Add(1)
		r.countDrop(DropDuplicate, 1)
		r.log.Debug().Str("message_id", msg.ID).Msg("duplicate message dropped")
		return false
	}
	return true
}

// Forget releases msg's id from the dedup window. The coordinator calls it
// when an admitted message had no effect, so the sender can retry it.
func (r *Router) Forget(msg *types.Message) {
	if msg != nil && r.dedup.forget(dedupKey(msg)) {
		r.log.Debug().Str("message_id", msg.ID).Msg("message id released for retry")
	}
}

func dedupKey(msg *types.Message) string {
	return msg.OrganizationID + "|" + msg.SenderUserID + "|" + msg.ID
}

// Route is Admit followed by Dispatch. A message no destination accepted
// is released from the dedup window.
func (r *Router) Route(msg *types.Message) (*RoutingResult, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if !r.Admit(msg) {
		return &RoutingResult{MessageID: msg.ID, Priority: msg.Priority, Duplicate: true}, nil
	}
	res, err := r.Dispatch(msg)
	if err != nil {
		r.Forget(msg)
	}
	return res, err
}

// Dispatch applies routing rules, resolves destinations and enqueues msg on
// each destination's queue. It returns an error only when no destination
// accepted the message: a *types.CircuitOpenError when breakers rejected it
// or a *types.DeliveryError wrapping ErrQueueFull under backpressure.
func (r *Router) Dispatch(msg *types.Message) (*RoutingResult, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	res := &RoutingResult{MessageID: msg.ID, Priority: msg.Priority}

	out := applyRules(r.rules, msg)
	for _, name := range out.alerts {
		r.alerts.Add(1)
		r.secLog.Warn().
			Str("rule", name).
			Str("message_id", msg.ID).
			Str("feature", string(msg.Feature)).
			Str("organization_id", msg.OrganizationID).
			Str("sender_user_id", msg.SenderUserID).
			Str("action", msg.Action()).
			Msg("alert rule matched")
	}
	res.Alerts = out.alerts
	if out.drop {
		res.Dropped = true
		res.DropReason = DropRule + ":" + out.dropBy
		r.countDrop(DropRule, 1)
		r.log.Debug().Str("message_id", msg.ID).Str("rule", out.dropBy).Msg("message dropped by rule")
		return res, nil
	}
	msg = out.msg
	res.Priority = msg.Priority

	dests := Resolve(msg)
	for _, f := range out.mirrors {
		dests = appendUnique(dests, HandlerDestination(f))
	}
	if len(dests) == 0 {
		res.Dropped = true
		res.DropReason = DropNoRecipients
		r.countDrop(DropNoRecipients, 1)
		r.log.Debug().Str("message_id", msg.ID).Msg("message has no destination")
		return res, nil
	}

	now := r.clock.Now()
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.stopped {
		return nil, ErrRouterStopped
	}

	var firstErr error
	for _, d := range dests {
		key := d.String()
		err := r.breakers.check(key, now)
		if err == nil {
			err = r.enqueueLocked(d, queued{msg: msg, enqueued: now})
		}
		if err != nil {
			if res.Rejected == nil {
				res.Rejected = make(map[string]error)
			}
			res.Rejected[key] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Destinations = append(res.Destinations, d)
	}
	r.routed.Add(1)
	if len(res.Destinations) == 0 {
		return res, firstErr
	}
	return res, nil
}

func (r *Router) enqueueLocked(d Destination, item queued) error {
	key := d.String()
	q, ok := r.queues[key]
	if !ok {
		q = newDestQueue(d, r.cfg.QueueCapacity)
		r.queues[key] = q
		if r.running {
			r.spawnLocked(q)
		}
	}
	evicted, accepted := q.push(item)
	if evicted != nil {
		r.countDrop(DropBackpressure, 1)
		r.log.Warn().
			Str("destination", key).
			Str("message_id", evicted.msg.ID).
			Str("priority", evicted.msg.Priority.String()).
			Msg("queue full, evicted lower priority message")
	}
	if !accepted {
		r.countDrop(DropBackpressure, 1)
		r.log.Warn().
			Str("destination", key).
			Str("message_id", item.msg.ID).
			Str("priority", item.msg.Priority.String()).
			Msg("queue full, message rejected")
		return &types.DeliveryError{Destination: key, Err: ErrQueueFull}
	}
	return nil
}

func (r *Router) spawnLocked(q *destQueue) {
	r.wg.Add(1)
	go r.drain(q)
}

// drain is the owner loop of one destination queue.
func (r *Router) drain(q *destQueue) {
	defer r.wg.Done()
	for {
		for {
			if r.ctx.Err() != nil {
				return
			}
			item, ok := q.pop()
			if !ok {
				break
			}
			r.deliver(q.dest, item)
		}

		select {
		case <-r.ctx.Done():
			return
		case <-q.notify:
		case <-time.After(r.cfg.QueueIdleTTL):
			if r.retire(q) {
				return
			}
		}
	}
}

// retire removes q once it has stayed empty for the idle TTL.
func (r *Router) retire(q *destQueue) bool {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if q.len() > 0 {
		return false
	}
	key := q.dest.String()
	if r.queues[key] == q {
		delete(r.queues, key)
	}
	return true
}

func (r *Router) deliver(dest Destination, item queued) {
	key := dest.String()
	msg := item.msg

	if err := r.breakers.acquire(key, r.clock.Now()); err != nil {
		r.countDrop(DropCircuitOpen, 1)
		r.log.Warn().
			Str("destination", key).
			Str("message_id", msg.ID).
			Str("priority", msg.Priority.String()).
			Msg("circuit open, queued message dropped")
		r.observe(dest, msg, item.enqueued, err)
		return
	}

	attempts := 1
	if msg.Priority >= types.PriorityHigh {
		attempts = r.cfg.DeliveryAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DeliveryTimeout)
		err = r.deliverer.Deliver(ctx, dest, msg)
		cancel()
		if err == nil || !retryable(err) || attempt == attempts {
			break
		}
		if !r.backoff(time.Duration(attempt) * r.cfg.RetryBackoff) {
			break
		}
	}

	switch {
	case err == nil:
		r.breakers.success(key)
		r.delivered.Add(1)
	case errors.Is(err, ErrNoRecipients):
		r.breakers.release(key)
		r.countDrop(DropNoRecipients, 1)
		r.log.Debug().Str("destination", key).Str("message_id", msg.ID).Msg("no live recipients, message dropped")
	default:
		opened := r.breakers.failure(key, r.clock.Now())
		r.failed.Add(1)
		r.log.Warn().
			Err(err).
			Str("destination", key).
			Str("message_id", msg.ID).
			Str("priority", msg.Priority.String()).
			Msg("delivery failed")
		if opened {
			r.log.Error().Str("destination", key).Msg("circuit breaker opened")
		}
	}
	r.observe(dest, msg, item.enqueued, err)
}

func (r *Router) observe(dest Destination, msg *types.Message, enqueued time.Time, err error) {
	if r.observer == nil {
		return
	}
	r.observer.ObserveDelivery(dest, msg, r.clock.Now().Sub(enqueued), err)
}

func (r *Router) backoff(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func retryable(err error) bool {
	var de *types.DeliveryError
	return errors.As(err, &de)
}

func (r *Router) countDrop(reason string, n uint64) {
	r.dropMu.Lock()
	r.dropped[reason] += n
	r.dropMu.Unlock()
}

// ForceOpen opens dest's breaker immediately, for preemptive protection
// driven by the performance monitor.
func (r *Router) ForceOpen(dest, reason string) {
	r.breakers.forceOpen(dest, reason, r.clock.Now())
	r.log.Warn().Str("destination", dest).Str("reason", reason).Msg("circuit breaker forced open")
}

// BreakerState returns the state of dest's breaker.
func (r *Router) BreakerState(dest string) types.BreakerState {
	return r.breakers.state(dest)
}

// Breakers returns every known breaker sorted by destination.
func (r *Router) Breakers() []types.CircuitBreakerState {
	return r.breakers.snapshot()
}

// QueueDepth returns the number of messages waiting for dest.
func (r *Router) QueueDepth(dest string) int {
	r.qmu.Lock()
	q, ok := r.queues[dest]
	r.qmu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

func (r *Router) Stats() Stats {
	s := Stats{
		Routed:     r.routed.Load(),
		Delivered:  r.delivered.Load(),
		Failed:     r.failed.Load(),
		Duplicates: r.duplicates.Load(),
		Alerts:     r.alerts.Load(),
		Dropped:    make(map[string]uint64),
	}
	r.dropMu.Lock()
	for k, v := range r.dropped {
		s.Dropped[k] = v
	}
	r.dropMu.Unlock()

	r.qmu.Lock()
	s.Queues = len(r.queues)
	for _, q := range r.queues {
		s.QueueDepth += q.len()
	}
	r.qmu.Unlock()
	return s
}

// Resolve maps a message onto its destinations. Client messages reach
// their feature's handler; any non-feature target adds a fan-out
// destination.
func Resolve(msg *types.Message) []Destination {
	var dests []Destination
	if msg.Origin == types.OriginClient && msg.Feature != types.FeatureSystem {
		dests = append(dests, HandlerDestination(msg.Feature))
	}

	t := msg.Target
	switch t.Kind {
	case types.TargetRoom:
		dests = append(dests, Destination{Kind: DestRoom, Key: t.RoomID})
	case types.TargetUsers:
		ids := append([]string(nil), t.UserIDs...)
		sort.Strings(ids)
		dests = append(dests, Destination{Kind: DestUsers, Key: strings.Join(compact(ids), ",")})
	case types.TargetConnection:
		dests = append(dests, Destination{Kind: DestConnection, Key: t.ConnectionID})
	case types.TargetOrganization:
		org := t.OrganizationID
		if org == "" {
			org = msg.OrganizationID
		}
		dests = append(dests, Destination{Kind: DestOrganization, Key: org})
	case types.TargetFeature:
		if msg.Origin != types.OriginClient {
			dests = append(dests, Destination{Kind: DestFeature, Key: string(msg.Feature) + "@" + msg.OrganizationID})
		}
	}
	return dests
}

func compact(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

func appendUnique(dests []Destination, d Destination) []Destination {
	for _, existing := range dests {
		if existing == d {
			return dests
		}
	}
	return append(dests, d)
}
