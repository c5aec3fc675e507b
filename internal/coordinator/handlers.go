package coordinator

import (
	"context"
	"fmt"
	"sync"

	"boardsync/internal/router"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// handlerRegistry maps each feature type to exactly one handler.
// ARCHITECTURAL DISCOVERY: Registration closes when the coordinator starts,
// so dispatch never races with a late registration.
type handlerRegistry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[types.FeatureType]interfaces.FeatureHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[types.FeatureType]interfaces.FeatureHandler)}
}

func (h *handlerRegistry) register(handler interfaces.FeatureHandler) error {
	if handler == nil {
		return ErrInvalidHandler
	}
	f := handler.Feature()
	if !f.Valid() || f == types.FeatureSystem {
		return fmt.Errorf("%w: %q", ErrInvalidHandler, string(f))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return ErrHandlersFrozen
	}
	if _, exists := h.handlers[f]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, f)
	}
	h.handlers[f] = handler
	return nil
}

func (h *handlerRegistry) freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

func (h *handlerRegistry) lookup(f types.FeatureType) (interfaces.FeatureHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[f]
	return handler, ok
}

func (h *handlerRegistry) features() []types.FeatureType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []types.FeatureType
	for _, f := range types.Features {
		if _, ok := h.handlers[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// RegisterHandler adds the handler for its feature. Handlers must be
// registered before Start.
func (c *Coordinator) RegisterHandler(handler interfaces.FeatureHandler) error {
	if err := c.handlers.register(handler); err != nil {
		return err
	}
	c.log.Info().Str("feature", string(handler.Feature())).Msg("feature handler registered")
	return nil
}

// OnFeatureMessage registers fn as the handler for feature.
func (c *Coordinator) OnFeatureMessage(feature types.FeatureType, fn func(ctx context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error)) error {
	return c.RegisterHandler(interfaces.HandlerFunc{Type: feature, Fn: fn})
}

// Features lists the features that have a registered handler.
func (c *Coordinator) Features() []types.FeatureType {
	return c.handlers.features()
}

type handlerOutcome struct {
	res *interfaces.HandlerResult
	err error
}

// runHandler invokes the feature handler under HandlerTimeout. A handler
// that ignores its context is abandoned and reported as failed.
func (c *Coordinator) runHandler(ctx context.Context, feature types.FeatureType, msg *types.Message) error {
	handler, ok := c.handlers.lookup(feature)
	if !ok {
		return fmt.Errorf("no handler for feature %s: %w", feature, router.ErrNoRecipients)
	}

	hctx := interfaces.HandlerContext{ConnectionID: msg.SenderConnectionID}
	if s, live := c.reg.get(msg.SenderConnectionID); live {
		hctx.Sender = s.context()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: fmt.Errorf("feature handler %s panicked: %v", feature, p)}
			}
		}()
		res, err := handler.HandleFeatureMessage(ctx, msg.Clone(), hctx)
		done <- handlerOutcome{res: res, err: err}
	}()

	var out handlerOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrHandlerTimeout, feature)
	}
	if out.err != nil {
		return fmt.Errorf("feature handler %s: %w", feature, out.err)
	}
	if out.res == nil {
		return nil
	}

	for _, m := range out.res.Broadcast {
		if m == nil {
			continue
		}
		m = m.Clone()
		m.Origin = types.OriginFeature
		if m.OrganizationID == "" {
			m.OrganizationID = msg.OrganizationID
		}
		if m.Feature == "" {
			m.Feature = feature
		}
		if _, err := c.dispatch(context.WithoutCancel(ctx), m); err != nil {
			c.log.Warn().
				Err(err).
				Str("feature", string(feature)).
				Str("source_message_id", msg.ID).
				Msg("feature broadcast not routed")
		}
	}
	return nil
}
