package coordinator

import (
	"context"
	"errors"
	"fmt"

	"boardsync/internal/rooms"
	"boardsync/internal/security"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// handleControl serves system frames addressed to the coordinator itself.
func (c *Coordinator) handleControl(ctx context.Context, s *session, env *types.InboundEnvelope) error {
	p, ok := env.Payload.(*types.SystemPayload)
	if !ok || p == nil {
		return types.ErrMissingPayload
	}
	switch p.Event {
	case types.SystemEventPing, types.SystemEventSubscribe, types.SystemEventUnsubscribe, types.SystemEventResume:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, p.Event)
	}
	if err := c.gate.Authorize(s.id, security.AccessRequest{
		Feature:  types.FeatureSystem,
		Action:   p.Event,
		Resource: "connection:" + s.id,
	}); err != nil {
		return err
	}

	switch p.Event {
	case types.SystemEventPing:
		c.sendControl(ctx, s, &types.SystemPayload{Event: types.SystemEventPong, Data: map[string]any{"messageId": env.MessageID}})
		return nil
	case types.SystemEventSubscribe:
		room, err := c.Subscribe(ctx, s.id, p.RoomID)
		if err != nil {
			return err
		}
		c.sendControl(ctx, s, &types.SystemPayload{Event: types.SystemEventSubscribed, RoomID: room.ID})
		return nil
	case types.SystemEventUnsubscribe:
		if err := c.Unsubscribe(s.id, p.RoomID); err != nil {
			return err
		}
		c.sendControl(ctx, s, &types.SystemPayload{Event: types.SystemEventUnsubscribed, RoomID: p.RoomID})
		return nil
	case types.SystemEventResume:
		_, err := c.Resume(ctx, s.id, p.ConnectionID, p.Since)
		return err
	}
	return nil
}

// Subscribe joins a connection to a room after checking membership and
// organization.
func (c *Coordinator) Subscribe(ctx context.Context, connectionID, roomID string) (*types.Room, error) {
	if c.rooms == nil {
		return nil, ErrRoomsUnavailable
	}
	s, ok := c.reg.get(connectionID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	if err := c.gate.Allow(connectionID, types.OpSubscribe, 1); err != nil {
		return nil, err
	}
	return c.join(ctx, s, roomID)
}

func (c *Coordinator) join(ctx context.Context, s *session, roomID string) (*types.Room, error) {
	room, err := c.rooms.Admit(ctx, roomID, s.context())
	switch {
	case errors.Is(err, rooms.ErrNotAdmitted):
		return nil, &types.AuthError{Code: types.AuthForbidden, Reason: "not admitted to room " + roomID, Err: err}
	case errors.Is(err, interfaces.ErrRoomNotFound):
		return nil, fmt.Errorf("%w: room %s not found", types.ErrInvalidTarget, roomID)
	case err != nil:
		return nil, err
	}
	s.joinRoom(room.ID)
	c.reg.subscribe(room.ID, s)
	c.log.Debug().Str("connection_id", s.id).Str("room_id", room.ID).Msg("subscribed to room")
	return room, nil
}

// Unsubscribe removes a connection from a room.
func (c *Coordinator) Unsubscribe(connectionID, roomID string) error {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if !s.leaveRoom(roomID) {
		return fmt.Errorf("%w: not subscribed to room %s", types.ErrInvalidTarget, roomID)
	}
	c.reg.unsubscribe(roomID, connectionID)
	return nil
}

// DropRoom forgets every subscription to a deleted room.
func (c *Coordinator) DropRoom(roomID string) int {
	subs := c.reg.dropRoom(roomID)
	for _, s := range subs {
		s.leaveRoom(roomID)
	}
	return len(subs)
}

// ResumeResult reports what a resume request replayed.
type ResumeResult struct {
	PreviousConnectionID string `json:"previousConnectionId"`
	Since                uint64 `json:"since"`
	Replayed             int    `json:"replayed"`
	ResyncRequired       bool   `json:"resyncRequired"`
}

type replaySource struct {
	userID  string
	orgID   string
	ring    *ring
	lastSeq uint64
	rooms   []string
	live    bool
}

func (c *Coordinator) source(previousID string) (replaySource, bool) {
	if prev, ok := c.reg.get(previousID); ok {
		sc := prev.context()
		return replaySource{
			userID:  sc.UserID,
			orgID:   sc.OrganizationID,
			ring:    prev.replay,
			lastSeq: prev.lastSeq(),
			rooms:   prev.roomIDs(),
			live:    true,
		}, true
	}

	now := c.clock.Now()
	c.retainMu.Lock()
	defer c.retainMu.Unlock()
	rec, ok := c.retained[previousID]
	if !ok || !now.Before(rec.expires) {
		return replaySource{}, false
	}
	return replaySource{
		userID:  rec.userID,
		orgID:   rec.orgID,
		ring:    rec.ring,
		lastSeq: rec.lastSeq,
		rooms:   rec.rooms,
	}, true
}

// Resume replays what previousID was sent after since onto connectionID, in
// original order, and restores its room subscriptions. When the grace
// window has passed or the buffer no longer reaches back to since, the
// client is told to resync instead.
func (c *Coordinator) Resume(ctx context.Context, connectionID, previousID string, since uint64) (*ResumeResult, error) {
	s, ok := c.reg.get(connectionID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	sc := s.context()
	res := &ResumeResult{PreviousConnectionID: previousID, Since: since}

	src, found := c.source(previousID)
	if found && (src.userID != sc.UserID || src.orgID != sc.OrganizationID) {
		return nil, &types.AuthError{Code: types.AuthForbidden, Reason: "replay buffer belongs to another user"}
	}

	var envs []*types.OutboundEnvelope
	if found {
		envs = src.ring.after(since, c.cfg.ReplayBufferSize)
		if c.store != nil && !src.live {
			stored, err := c.store.LoadReplayBuffer(ctx, previousID, since, c.cfg.ReplayBufferSize)
			if err != nil {
				c.log.Warn().Err(err).Str("connection_id", previousID).Msg("replay store unavailable, using memory buffer")
			} else if len(stored) >= len(envs) {
				envs = stored
			}
		}
		// FUNCTIONAL DISCOVERY: The replay is complete only if it starts
		// right after since; a gap means the ring already overwrote it.
		found = since >= src.lastSeq || (len(envs) > 0 && envs[0].Seq == since+1)
	}

	if !found {
		res.ResyncRequired = true
		c.log.Info().
			Str("connection_id", connectionID).
			Str("previous_connection_id", previousID).
			Uint64("since", since).
			Msg("replay unavailable, resync required")
		c.sendControl(ctx, s, &types.SystemPayload{
			Event:        types.SystemEventResyncRequired,
			ConnectionID: previousID,
			Since:        since,
		})
		return res, nil
	}

	for _, env := range envs {
		cp := *env
		if err := c.send(ctx, s, &cp, false, true); err != nil {
			return res, err
		}
		res.Replayed++
	}
	c.replayed.Add(uint64(res.Replayed))

	for _, roomID := range src.rooms {
		if _, err := c.join(ctx, s, roomID); err != nil {
			c.log.Debug().Err(err).Str("room_id", roomID).Msg("room not restored on resume")
		}
	}

	if !src.live {
		c.retainMu.Lock()
		delete(c.retained, previousID)
		c.retainMu.Unlock()
		if c.store != nil {
			if err := c.store.DeleteConnection(ctx, previousID); err != nil {
				c.log.Warn().Err(err).Str("connection_id", previousID).Msg("failed to drop resumed replay buffer")
			}
		}
	}

	c.log.Info().
		Str("connection_id", connectionID).
		Str("previous_connection_id", previousID).
		Int("replayed", res.Replayed).
		Msg("connection resumed")
	c.sendControl(ctx, s, &types.SystemPayload{
		Event:        types.SystemEventReplayComplete,
		ConnectionID: previousID,
		Since:        since,
		Data:         map[string]any{"replayed": res.Replayed},
	})
	return res, nil
}
