// Package coordinator owns the live connection registry and orchestrates the
// other components: every inbound message passes the security gate, the
// router's admission check, state synchronization when it mutates shared
// state, and finally router dispatch. The coordinator is also the router's
// Deliverer, fanning messages out to feature handlers and connections.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boardsync/internal/clock"
	"boardsync/internal/router"
	"boardsync/internal/rooms"
	"boardsync/internal/security"
	"boardsync/internal/statesync"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Config configures the coordinator.
type Config struct {
	// ReplayBufferSize bounds the envelopes kept per connection for resume.
	ReplayBufferSize int `mapstructure:"replay_buffer_size" json:"replay_buffer_size"`
	// ReplayGrace is how long a closed connection's buffer stays resumable.
	ReplayGrace     time.Duration `mapstructure:"replay_grace" json:"replay_grace"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	DegradedTimeout time.Duration `mapstructure:"degraded_timeout" json:"degraded_timeout"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout" json:"handler_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout" json:"send_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

func DefaultConfig() Config {
	return Config{
		ReplayBufferSize: 256,
		ReplayGrace:      2 * time.Minute,
		IdleTimeout:      5 * time.Minute,
		DegradedTimeout:  2 * time.Minute,
		HandlerTimeout:   5 * time.Second,
		SendTimeout:      5 * time.Second,
		SweepInterval:    10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.ReplayBufferSize < 1 {
		return fmt.Errorf("replay_buffer_size must be positive, got %d", c.ReplayBufferSize)
	}
	if c.ReplayGrace < 0 || c.IdleTimeout < 0 || c.DegradedTimeout < 0 {
		return errors.New("replay_grace, idle_timeout and degraded_timeout must not be negative")
	}
	if c.HandlerTimeout <= 0 || c.SendTimeout <= 0 || c.SweepInterval <= 0 {
		return errors.New("handler_timeout, send_timeout and sweep_interval must be positive")
	}
	return nil
}

// Deps are the components the coordinator orchestrates. Rooms and Store are
// optional.
type Deps struct {
	Gate        *security.Gate
	Sync        *statesync.Synchronizer
	Rooms       *rooms.Manager
	Store       interfaces.MessageStore
	Clock       clock.Clock
	Log         zerolog.Logger
	SecurityLog zerolog.Logger
}

// SendObserver is told about every buffered send to a connection; the
// performance monitor uses it to detect degraded connections. Forget is
// called once the connection is unregistered.
type SendObserver interface {
	ObserveSend(connectionID string, latency time.Duration, err error)
	Forget(connectionID string)
}

// Result is the outcome of routing one message.
type Result struct {
	MessageID string                 `json:"messageId"`
	Duplicate bool                   `json:"duplicate,omitempty"`
	Routing   *router.RoutingResult  `json:"routing,omitempty"`
	Merged    *types.MergedState     `json:"merged,omitempty"`
	Resolved  []*types.ResolvedState `json:"resolved,omitempty"`
	Deltas    int                    `json:"deltas,omitempty"`
}

// applied reports whether a state change was stored for the message.
func (r *Result) applied() bool {
	return r.Merged != nil || len(r.Resolved) > 0
}

// Stats is a point-in-time view of coordinator counters.
type Stats struct {
	Connections  int                            `json:"connections"`
	ByStatus     map[types.ConnectionStatus]int `json:"byStatus"`
	Retained     int                            `json:"retained"`
	Delivered    uint64                         `json:"delivered"`
	Suppressed   uint64                         `json:"suppressed"`
	Denied       uint64                         `json:"denied"`
	SendFailures uint64                         `json:"sendFailures"`
	EncryptFails uint64                         `json:"encryptionFailures"`
	Replayed     uint64                         `json:"replayed"`
	Conflicts    uint64                         `json:"conflicts"`
	Features     []types.FeatureType            `json:"features"`
}

// retained is what survives of a closed connection for the grace window.
type retained struct {
	userID  string
	orgID   string
	ring    *ring
	lastSeq uint64
	rooms   []string
	expires time.Time
}

// Coordinator is the orchestration entry point.
// ARCHITECTURAL DISCOVERY: The registry is owned here alone; the router,
// synchronizer and gate are reached only through their public contracts.
type Coordinator struct {
	cfg    Config
	gate   *security.Gate
	router *router.Router
	sync   *statesync.Synchronizer
	rooms  *rooms.Manager
	store  interfaces.MessageStore
	clock  clock.Clock
	log    zerolog.Logger
	secLog zerolog.Logger

	reg      *registry
	handlers *handlerRegistry

	retainMu sync.Mutex
	retained map[string]*retained

	obsMu    sync.RWMutex
	observer SendObserver

	mu              sync.RWMutex
	running         bool
	shutdownChannel chan struct{}
	done            chan struct{}

	delivered    atomic.Uint64
	suppressed   atomic.Uint64
	denied       atomic.Uint64
	sendFailures atomic.Uint64
	encryptFails atomic.Uint64
	replayed     atomic.Uint64
	conflicts    atomic.Uint64
}

// New wires a coordinator and the router it delivers for.
func New(cfg Config, routerCfg router.Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if deps.Gate == nil || deps.Sync == nil {
		return nil, errors.New("coordinator requires a security gate and a synchronizer")
	}
	clk := clock.OrReal(deps.Clock)
	c := &Coordinator{
		cfg:      cfg,
		gate:     deps.Gate,
		sync:     deps.Sync,
		rooms:    deps.Rooms,
		store:    deps.Store,
		clock:    clk,
		log:      deps.Log.With().Str("component", "coordinator").Logger(),
		secLog:   deps.SecurityLog,
		reg:      newRegistry(),
		handlers: newHandlerRegistry(),
		retained: make(map[string]*retained),
	}
	r, err := router.New(routerCfg, c, clk, deps.Log, deps.SecurityLog)
	if err != nil {
		return nil, err
	}
	c.router = r

	c.gate.OnViolation(func(v security.Violation) {
		if !v.Evict {
			return
		}
		// FUNCTIONAL DISCOVERY: Evict asynchronously; the hook runs inside
		// the offending connection's own request path.
		go func() {
			if err := c.Evict(v.ConnectionID, types.CloseEvicted, "security_violation:"+string(v.Kind)); err == nil {
				c.secLog.Warn().
					Str("connection_id", v.ConnectionID).
					Str("user_id", v.UserID).
					Str("kind", string(v.Kind)).
					Msg("connection evicted")
			}
		}()
	})
	return c, nil
}

// Router exposes the router for operational views and the monitor.
func (c *Coordinator) Router() *router.Router { return c.router }

// SetSendObserver installs the per-connection send observer.
func (c *Coordinator) SetSendObserver(o SendObserver) {
	c.obsMu.Lock()
	c.observer = o
	c.obsMu.Unlock()
}

func (c *Coordinator) sendObserver() SendObserver {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.observer
}

// Start freezes the handler registry, starts the router and the sweep loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.handlers.freeze()
	if err := c.router.Start(ctx); err != nil {
		return err
	}
	c.running = true
	c.shutdownChannel = make(chan struct{})
	c.done = make(chan struct{})

	c.log.Info().Strs("features", featureNames(c.handlers.features())).Msg("coordinator started")
	go c.run(ctx)
	return nil
}

// Stop ends the sweep loop and the router. Open connections are left to
// CloseAll.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	close(c.shutdownChannel)
	done := c.done
	c.mu.Unlock()

	<-done
	c.router.Stop()
	c.log.Info().Msg("coordinator stopped")
	return nil
}

// run is the coordinator's housekeeping loop.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep(ctx)
		case <-c.shutdownChannel:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RegisterConnection binds an authenticated peer into the registry and
// moves it to active.
func (c *Coordinator) RegisterConnection(peer interfaces.Peer, sc *types.SecurityContext) error {
	if peer == nil || sc == nil {
		return ErrNilConnection
	}
	if sc.ConnectionID != peer.ID() {
		return ErrConnectionMismatch
	}
	now := c.clock.Now()
	s := newSession(peer, sc, now, c.cfg.ReplayBufferSize)
	if err := s.transition(types.StatusAuthenticated, now); err != nil {
		return err
	}
	if err := c.reg.add(s); err != nil {
		return err
	}
	if err := s.transition(types.StatusActive, now); err != nil {
		return err
	}

	c.log.Info().
		Str("connection_id", s.id).
		Str("user_id", sc.UserID).
		Str("organization_id", sc.OrganizationID).
		Msg("connection registered")

	c.sendControl(context.Background(), s, &types.SystemPayload{
		Event:        types.SystemEventConnectionReady,
		ConnectionID: s.id,
		Data: map[string]any{
			"userId":              sc.UserID,
			"organizationId":      sc.OrganizationID,
			"replayWindowSeconds": int(c.cfg.ReplayGrace / time.Second),
			"replayBufferSize":    c.cfg.ReplayBufferSize,
		},
	})
	return nil
}

// UnregisterConnection removes the connection and keeps its replay buffer
// for the grace window.
func (c *Coordinator) UnregisterConnection(connectionID string) error {
	return c.unregister(connectionID, true)
}

func (c *Coordinator) unregister(connectionID string, retain bool) error {
	s := c.reg.remove(connectionID)
	if s == nil {
		return ErrUnknownConnection
	}
	sc := s.context()
	_ = s.transition(types.StatusClosed, c.clock.Now())
	c.gate.Release(connectionID)
	if obs := c.sendObserver(); obs != nil {
		obs.Forget(connectionID)
	}

	if retain && c.cfg.ReplayGrace > 0 {
		c.retainMu.Lock()
		c.retained[connectionID] = &retained{
			userID:  sc.UserID,
			orgID:   sc.OrganizationID,
			ring:    s.replay,
			lastSeq: s.lastSeq(),
			rooms:   s.roomIDs(),
			expires: c.clock.Now().Add(c.cfg.ReplayGrace),
		}
		c.retainMu.Unlock()
	} else if c.store != nil {
		if err := c.store.DeleteConnection(context.Background(), connectionID); err != nil {
			c.log.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to drop replay buffer")
		}
	}

	c.log.Info().
		Str("connection_id", connectionID).
		Str("user_id", sc.UserID).
		Bool("retained", retain).
		Msg("connection unregistered")
	return nil
}

// Evict closes the transport and unregisters the connection. Security
// evictions forfeit the replay buffer.
func (c *Coordinator) Evict(connectionID string, code int, reason string) error {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if err := s.peer.Close(code, reason); err != nil {
		c.log.Debug().Err(err).Str("connection_id", connectionID).Msg("close during eviction failed")
	}
	c.log.Info().Str("connection_id", connectionID).Int("code", code).Str("reason", reason).Msg("connection evicted")
	return c.unregister(connectionID, code != types.CloseEvicted)
}

// CloseAll closes every live connection, used on shutdown.
func (c *Coordinator) CloseAll(code int, reason string) {
	for _, s := range c.reg.all() {
		if err := s.peer.Close(code, reason); err != nil {
			c.log.Debug().Err(err).Str("connection_id", s.id).Msg("close failed")
		}
		_ = c.unregister(s.id, true)
	}
}

// Rebind swaps in the context produced by re-authentication. The user and
// organization may not change.
func (c *Coordinator) Rebind(connectionID string, sc *types.SecurityContext) error {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	old := s.context()
	if sc == nil || sc.UserID != old.UserID || sc.OrganizationID != old.OrganizationID {
		return ErrIdentityChanged
	}
	s.rebind(sc)
	return nil
}

// Touch records activity on a connection, such as a pong.
func (c *Coordinator) Touch(connectionID string) {
	if s, ok := c.reg.get(connectionID); ok {
		s.touch(c.clock.Now())
	}
}

// MarkDegraded moves an active connection to degraded; only critical
// messages reach it until MarkRecovered.
func (c *Coordinator) MarkDegraded(connectionID, reason string) error {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if s.currentStatus() == types.StatusDegraded {
		return nil
	}
	if err := s.transition(types.StatusDegraded, c.clock.Now()); err != nil {
		return err
	}
	c.log.Warn().Str("connection_id", connectionID).Str("reason", reason).Msg("connection degraded")
	c.sendControl(context.Background(), s, &types.SystemPayload{Event: types.SystemEventDegraded, Message: reason})
	return nil
}

// MarkRecovered returns a degraded connection to active.
func (c *Coordinator) MarkRecovered(connectionID string) error {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if s.currentStatus() == types.StatusActive {
		return nil
	}
	if err := s.transition(types.StatusActive, c.clock.Now()); err != nil {
		return err
	}
	c.log.Info().Str("connection_id", connectionID).Msg("connection recovered")
	c.sendControl(context.Background(), s, &types.SystemPayload{Event: types.SystemEventRecovered})
	return nil
}

// Status returns the lifecycle status of a live connection.
func (c *Coordinator) Status(connectionID string) (types.ConnectionStatus, bool) {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return types.StatusClosed, false
	}
	return s.currentStatus(), true
}

// HandleInbound processes one decoded client frame. Failures are answered
// with a message_error frame and returned.
func (c *Coordinator) HandleInbound(ctx context.Context, connectionID string, env *types.InboundEnvelope) error {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	now := c.clock.Now()
	s.touch(now)

	var err error
	if env.FeatureType == types.FeatureSystem {
		err = c.handleControl(ctx, s, env)
	} else {
		var res *Result
		res, err = c.RouteMessage(ctx, connectionID, env.ToMessage(now))
		if err == nil && res.Routing != nil {
			c.reportRejected(ctx, s, env.MessageID, res.Routing.Rejected)
		}
	}
	if err != nil {
		c.reportError(ctx, s, env.MessageID, err)
	}
	return err
}

// RouteMessage authorizes msg for the sending connection, rate limits it,
// synchronizes any state mutation and dispatches it through the router.
func (c *Coordinator) RouteMessage(ctx context.Context, connectionID string, msg *types.Message) (*Result, error) {
	if msg == nil {
		return nil, router.ErrNilMessage
	}
	s, ok := c.reg.get(connectionID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	sc, status := s.snapshot()
	if status != types.StatusActive && status != types.StatusDegraded {
		return nil, ErrInactive
	}
	now := c.clock.Now()
	s.touch(now)

	msg = msg.Clone()
	if err := c.attribute(msg, sc, now); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	req, err := c.accessRequest(msg, sc)
	if err != nil {
		return nil, err
	}
	if err := c.gate.Authorize(connectionID, req); err != nil {
		return nil, err
	}
	if err := c.gate.Allow(connectionID, operationClass(msg), 1); err != nil {
		return nil, err
	}
	if msg.Mutation != nil {
		if err := c.gate.Allow(connectionID, types.OpSync, 1); err != nil {
			return nil, err
		}
	}
	return c.dispatch(ctx, msg)
}

// attribute stamps sender fields from the bound context. Client-supplied
// attribution is never trusted.
func (c *Coordinator) attribute(msg *types.Message, sc *types.SecurityContext, now time.Time) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Origin = types.OriginClient
	msg.SenderConnectionID = sc.ConnectionID
	msg.SenderUserID = sc.UserID
	msg.OrganizationID = sc.OrganizationID
	msg.Timestamp = now
	msg.Security = nil
	if m := msg.Mutation; m != nil {
		if m.ActorID == "" {
			m.ActorID = sc.UserID
		}
		if m.ActorID != sc.UserID {
			return &types.AuthError{Code: types.AuthForbidden, Reason: "state change actor must be the sender"}
		}
		m.OrganizationID = sc.OrganizationID
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	}
	return nil
}

func (c *Coordinator) accessRequest(msg *types.Message, sc *types.SecurityContext) (security.AccessRequest, error) {
	req := security.AccessRequest{
		Feature: msg.Feature,
		Action:  msg.Action(),
		Public:  msg.Public,
	}
	t := msg.Target
	switch t.Kind {
	case types.TargetOrganization:
		req.TargetOrganization = t.OrganizationID
		req.Resource = "organization:" + t.OrganizationID
	case types.TargetRoom:
		if c.rooms == nil {
			return req, ErrRoomsUnavailable
		}
		room, ok := c.rooms.Lookup(t.RoomID)
		if !ok {
			return req, fmt.Errorf("%w: room %s not found", types.ErrInvalidTarget, t.RoomID)
		}
		if !room.Admits(sc) {
			return req, &types.AuthError{Code: types.AuthForbidden, Reason: "not a member of room " + room.ID}
		}
		req.TargetOrganization = room.OrganizationID
		req.Public = req.Public || room.Public
		req.Resource = "room:" + room.ID
	case types.TargetUsers:
		req.Resource = "users"
	case types.TargetConnection:
		req.Resource = "connection:" + t.ConnectionID
	default:
		req.Resource = "feature:" + string(msg.Feature)
	}
	return req, nil
}

func operationClass(msg *types.Message) types.OperationClass {
	switch msg.Target.Kind {
	case types.TargetRoom, types.TargetOrganization, types.TargetUsers:
		return types.OpBroadcast
	default:
		return types.OpMessage
	}
}

// dispatch runs admission, synchronization and router dispatch for a
// message that has already passed the gate.
func (c *Coordinator) dispatch(ctx context.Context, msg *types.Message) (*Result, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.clock.Now()
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	res := &Result{MessageID: msg.ID}
	if !c.router.Admit(msg) {
		res.Duplicate = true
		return res, nil
	}
	if msg.Mutation != nil {
		if err := c.synchronize(msg, res); err != nil {
			c.router.Forget(msg)
			return res, err
		}
	}
	routing, err := c.router.Dispatch(msg)
	res.Routing = routing
	if err != nil && !res.applied() {
		// Nothing took effect, so a retry with the same id must not be
		// treated as a duplicate.
		c.router.Forget(msg)
	}
	return res, err
}

// synchronize applies msg's state change. Conflicts are settled with the
// resolver registered for the entity type; the accepted or resolved deltas
// are broadcast to the message's audience.
func (c *Coordinator) synchronize(msg *types.Message, res *Result) error {
	change := msg.Mutation.Clone()
	merged, err := c.sync.SynchronizeStates([]types.StateChange{change}, change.Clock)

	var deltas []types.EntityDelta
	var conflict *types.ConflictError
	switch {
	case err == nil:
		res.Merged = merged
		deltas = merged.Deltas
	case errors.As(err, &conflict):
		c.conflicts.Add(uint64(len(conflict.Conflicts)))
		for _, cf := range conflict.Conflicts {
			resolved, rerr := c.sync.ResolveStateConflict(cf, nil)
			if rerr != nil {
				return fmt.Errorf("resolve %s: %w", cf.Key(), rerr)
			}
			res.Resolved = append(res.Resolved, resolved)
			deltas = append(deltas, resolved.Delta)
		}
	default:
		return err
	}

	for _, d := range deltas {
		if d.Empty() {
			continue
		}
		if err := c.broadcastDelta(msg, d); err != nil {
			c.log.Warn().Err(err).Str("entity", d.EntityType+"/"+d.EntityID).Msg("state delta not routed")
			continue
		}
		res.Deltas++
	}
	return nil
}

func (c *Coordinator) broadcastDelta(source *types.Message, d types.EntityDelta) error {
	target := source.Target
	if target.Kind == types.TargetFeature {
		target = types.Target{Kind: types.TargetOrganization, OrganizationID: source.OrganizationID}
	}
	delta := &types.Message{
		ID:             uuid.NewString(),
		Feature:        types.FeatureSystem,
		Priority:       source.Priority,
		Target:         target,
		Timestamp:      c.clock.Now(),
		Origin:         types.OriginSystem,
		OrganizationID: source.OrganizationID,
		Public:         source.Public,
		Payload: &types.SystemPayload{
			Event: types.SystemEventStateDelta,
			Data: map[string]any{
				"feature":         string(source.Feature),
				"entityType":      d.EntityType,
				"entityId":        d.EntityID,
				"changed":         d.Changed,
				"clock":           map[string]uint64(d.Clock),
				"sourceMessageId": source.ID,
			},
		},
	}
	_, err := c.router.Route(delta)
	return err
}

// BroadcastToRoom delivers msg to every subscriber of roomID that passes
// per-recipient authorization.
func (c *Coordinator) BroadcastToRoom(ctx context.Context, roomID string, msg *types.Message) (*Result, error) {
	if c.rooms == nil {
		return nil, ErrRoomsUnavailable
	}
	room, ok := c.rooms.Lookup(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: room %s not found", types.ErrInvalidTarget, roomID)
	}
	m, err := prepare(msg, types.Target{Kind: types.TargetRoom, RoomID: room.ID}, room.OrganizationID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, m)
}

// BroadcastToOrganization delivers msg to every connection of orgID.
func (c *Coordinator) BroadcastToOrganization(ctx context.Context, orgID string, msg *types.Message) (*Result, error) {
	m, err := prepare(msg, types.Target{Kind: types.TargetOrganization, OrganizationID: orgID}, orgID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, m)
}

// BroadcastToUser delivers msg to every connection of userID. Without an
// organization on msg the user's own organization is assumed.
func (c *Coordinator) BroadcastToUser(ctx context.Context, userID string, msg *types.Message) (*Result, error) {
	org := ""
	if live := c.reg.user(userID); len(live) > 0 {
		org = live[0].context().OrganizationID
	}
	m, err := prepare(msg, types.Target{Kind: types.TargetUsers, UserIDs: []string{userID}}, org)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, m)
}

func prepare(msg *types.Message, target types.Target, org string) (*types.Message, error) {
	if msg == nil {
		return nil, router.ErrNilMessage
	}
	m := msg.Clone()
	m.Target = target
	if m.Origin == "" || m.Origin == types.OriginClient {
		m.Origin = types.OriginSystem
	}
	if m.OrganizationID == "" {
		m.OrganizationID = org
	}
	return m, nil
}

// Connections lists every live connection ordered by id.
func (c *Coordinator) Connections() []ConnectionInfo {
	all := c.reg.all()
	out := make([]ConnectionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	return out
}

// Connection returns one live connection.
func (c *Coordinator) Connection(connectionID string) (ConnectionInfo, bool) {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return s.info(), true
}

// ConnectionCount is the number of live connections.
func (c *Coordinator) ConnectionCount() int {
	return c.reg.len()
}

func (c *Coordinator) Stats() Stats {
	st := Stats{
		ByStatus:     make(map[types.ConnectionStatus]int),
		Delivered:    c.delivered.Load(),
		Suppressed:   c.suppressed.Load(),
		Denied:       c.denied.Load(),
		SendFailures: c.sendFailures.Load(),
		EncryptFails: c.encryptFails.Load(),
		Replayed:     c.replayed.Load(),
		Conflicts:    c.conflicts.Load(),
		Features:     c.handlers.features(),
	}
	for _, s := range c.reg.all() {
		st.Connections++
		st.ByStatus[s.currentStatus()]++
	}
	c.retainMu.Lock()
	st.Retained = len(c.retained)
	c.retainMu.Unlock()
	return st
}

// sweep evicts idle, expired and long-degraded connections and forgets
// replay buffers whose grace window has passed.
func (c *Coordinator) sweep(ctx context.Context) {
	now := c.clock.Now()
	for _, s := range c.reg.all() {
		sc, status := s.snapshot()
		s.mu.Lock()
		lastSeen, degradedAt := s.lastSeen, s.degradedAt
		s.mu.Unlock()

		switch {
		case sc.Expired(now):
			_ = c.Evict(s.id, types.CloseUnauthorized, "token_expired")
		case c.cfg.IdleTimeout > 0 && now.Sub(lastSeen) >= c.cfg.IdleTimeout:
			_ = c.Evict(s.id, types.CloseIdleTimeout, "idle_timeout")
		case status == types.StatusDegraded && c.cfg.DegradedTimeout > 0 && now.Sub(degradedAt) >= c.cfg.DegradedTimeout:
			_ = c.Evict(s.id, types.CloseDegradedTimeout, "degraded_timeout")
		}
	}

	var expired []string
	c.retainMu.Lock()
	for id, rec := range c.retained {
		if !now.Before(rec.expires) {
			expired = append(expired, id)
			delete(c.retained, id)
		}
	}
	c.retainMu.Unlock()

	if c.store == nil {
		return
	}
	for _, id := range expired {
		if err := c.store.DeleteConnection(ctx, id); err != nil {
			c.log.Warn().Err(err).Str("connection_id", id).Msg("failed to drop expired replay buffer")
		}
	}
	if n, err := c.store.PruneBefore(ctx, now.Add(-c.cfg.ReplayGrace)); err != nil {
		c.log.Warn().Err(err).Msg("replay prune failed")
	} else if n > 0 {
		c.log.Debug().Int64("rows", n).Msg("pruned replay buffer")
	}
}

func featureNames(fs []types.FeatureType) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
