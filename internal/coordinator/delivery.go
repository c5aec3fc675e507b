package coordinator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardsync/internal/codec"
	"boardsync/internal/router"
	"boardsync/pkg/types"
)

// Deliver implements router.Deliverer. Handler destinations run the feature
// handler; every other destination fans out to live connections.
func (c *Coordinator) Deliver(ctx context.Context, dest router.Destination, msg *types.Message) error {
	if dest.Kind == router.DestHandler {
		return c.runHandler(ctx, dest.Feature(), msg)
	}

	targets := c.recipients(dest)
	if len(targets) == 0 {
		return router.ErrNoRecipients
	}

	eligible := make([]*session, 0, len(targets))
	contexts := make([]*types.SecurityContext, 0, len(targets))
	for _, s := range targets {
		sc, status := s.snapshot()
		switch status {
		case types.StatusActive:
		case types.StatusDegraded:
			// FUNCTIONAL DISCOVERY: A degraded connection only receives
			// critical traffic until it recovers.
			if msg.Priority < types.PriorityCritical {
				c.suppressed.Add(1)
				continue
			}
		default:
			continue
		}
		if err := c.gate.AuthorizeDelivery(sc, msg); err != nil {
			c.denied.Add(1)
			c.log.Debug().
				Err(err).
				Str("connection_id", s.id).
				Str("message_id", msg.ID).
				Msg("recipient not authorized")
			continue
		}
		eligible = append(eligible, s)
		contexts = append(contexts, sc)
	}
	if len(eligible) == 0 {
		return nil
	}

	var md *types.SecurityMetadata
	skip := map[string]bool{}
	if msg.Encrypt {
		plaintext, err := codec.MarshalPayload(msg.Payload)
		if err != nil {
			return err
		}
		var sender *types.SecurityContext
		if s, ok := c.reg.get(msg.SenderConnectionID); ok {
			sender = s.context()
		}
		enc, err := c.gate.EncryptMessage(msg.ID, plaintext, sender, contexts)
		if err != nil {
			return err
		}
		for _, failed := range enc.Failed {
			skip[failed.Recipient] = true
			c.encryptFails.Add(1)
			c.log.Warn().
				Err(failed).
				Str("connection_id", failed.Recipient).
				Str("message_id", msg.ID).
				Msg("encryption failed for recipient")
		}
		md = enc.Metadata
	}

	ack := msg.Priority == types.PriorityCritical
	var sent, failed int
	var lastErr error
	for _, s := range eligible {
		if skip[s.id] {
			continue
		}
		env := msg.Outbound()
		if md != nil {
			env.Payload = nil
			env.SecurityMetadata = md.ForRecipient(s.id)
		}
		if err := c.send(ctx, s, env, ack, true); err != nil {
			failed++
			lastErr = err
			c.log.Debug().Err(err).Str("connection_id", s.id).Str("message_id", msg.ID).Msg("send failed")
			continue
		}
		sent++
	}
	// TECHNICAL DISCOVERY: Only a destination where every send failed is
	// reported, so a retry never duplicates a recipient that already got it.
	if sent == 0 && failed > 0 {
		return &types.DeliveryError{Destination: dest.String(), Attempts: 1, Err: lastErr}
	}
	return nil
}

// recipients resolves a fan-out destination to live sessions.
func (c *Coordinator) recipients(dest router.Destination) []*session {
	switch dest.Kind {
	case router.DestRoom:
		subs := c.reg.room(dest.Key)
		if c.rooms == nil {
			return nil
		}
		room, ok := c.rooms.Lookup(dest.Key)
		if !ok {
			return nil
		}
		out := subs[:0]
		for _, s := range subs {
			if room.Admits(s.context()) {
				out = append(out, s)
			}
		}
		return out
	case router.DestUsers:
		var out []*session
		for _, uid := range strings.Split(dest.Key, ",") {
			out = append(out, c.reg.user(uid)...)
		}
		return out
	case router.DestConnection:
		if s, ok := c.reg.get(dest.Key); ok {
			return []*session{s}
		}
		return nil
	case router.DestOrganization:
		return c.reg.org(dest.Key)
	case router.DestFeature:
		_, org, _ := strings.Cut(dest.Key, "@")
		return c.reg.org(org)
	default:
		return nil
	}
}

// send writes env to one session. Buffered sends get the next sequence
// number and enter the replay buffer; control frames do neither.
func (c *Coordinator) send(ctx context.Context, s *session, env *types.OutboundEnvelope, ack, buffered bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if buffered {
		s.seq++
		env.Seq = s.seq
		s.replay.push(env)
		if c.store != nil {
			if err := c.store.PersistMessage(ctx, s.id, env.Seq, env); err != nil {
				c.log.Warn().Err(err).Str("connection_id", s.id).Uint64("seq", env.Seq).Msg("failed to persist replay envelope")
			}
		}
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	err := s.peer.Send(sendCtx, env, ack)
	cancel()
	latency := time.Since(start)

	if err != nil {
		c.sendFailures.Add(1)
	} else if buffered {
		c.delivered.Add(1)
	}
	if buffered {
		if obs := c.sendObserver(); obs != nil {
			obs.ObserveSend(s.id, latency, err)
		}
	}
	return err
}

func (c *Coordinator) sendControl(ctx context.Context, s *session, p *types.SystemPayload) {
	env := &types.OutboundEnvelope{
		MessageID:   uuid.NewString(),
		FeatureType: types.FeatureSystem,
		Priority:    types.PriorityHigh,
		Payload:     p,
		Timestamp:   c.clock.Now(),
	}
	if err := c.send(ctx, s, env, false, false); err != nil {
		c.log.Debug().Err(err).Str("connection_id", s.id).Str("event", p.Event).Msg("control frame not sent")
	}
}

// reportError answers a failed inbound frame with a message_error frame.
// Internal failures are reported without detail.
func (c *Coordinator) reportError(ctx context.Context, s *session, messageID string, err error) {
	code, retry := errorCode(err)
	text := err.Error()
	if code == types.CodeInternal {
		text = "message could not be processed"
	}
	c.log.Debug().Err(err).Str("connection_id", s.id).Str("message_id", messageID).Str("code", code).Msg("inbound message rejected")
	c.sendControl(ctx, s, &types.SystemPayload{
		Event:             types.SystemEventMessageError,
		Code:              code,
		Message:           text,
		RetryAfterSeconds: retry,
		Data:              map[string]any{"messageId": messageID},
	})
}

// reportRejected tells the sender which destinations refused a message
// that other destinations accepted.
func (c *Coordinator) reportRejected(ctx context.Context, s *session, messageID string, rejected map[string]error) {
	dests := make([]string, 0, len(rejected))
	for d := range rejected {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	for _, d := range dests {
		err := rejected[d]
		code, retry := errorCode(err)
		c.log.Debug().Err(err).Str("connection_id", s.id).Str("message_id", messageID).Str("destination", d).Msg("message partially rejected")
		c.sendControl(ctx, s, &types.SystemPayload{
			Event:             types.SystemEventMessageError,
			Code:              code,
			Message:           err.Error(),
			RetryAfterSeconds: retry,
			Data:              map[string]any{"messageId": messageID, "destination": d, "partial": true},
		})
	}
}

func errorCode(err error) (string, int) {
	code, retry := types.ErrorCode(err)
	if code == types.CodeInternal &&
		(errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrRoomsUnavailable) || errors.Is(err, router.ErrNilMessage)) {
		return types.CodeInvalidMessage, 0
	}
	return code, retry
}
