// Package features holds the product feature modules the coordinator
// dispatches to: meeting workflows, document collaboration, AI analysis and
// compliance monitoring. Each module owns its state through a Hub.
package features

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Processor is a feature module's state machine. Process is only ever
// called from the owning hub's goroutine.
type Processor interface {
	Feature() types.FeatureType
	Process(ctx context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error)
}

type request struct {
	ctx   context.Context
	msg   *types.Message
	hctx  interfaces.HandlerContext
	reply chan outcome
}

type outcome struct {
	res *interfaces.HandlerResult
	err error
}

// Hub serializes a processor's messages through a single goroutine and
// implements interfaces.FeatureHandler for it.
// ARCHITECTURAL DISCOVERY: One owner goroutine per feature keeps module
// state free of locks while handlers for different features run in parallel.
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs bursts; a full queue fails
	// fast so the coordinator counts it against the handler breaker.
	requests        chan *request
	shutdownChannel chan struct{}

	proc Processor
	log  zerolog.Logger

	running bool
	mu      sync.RWMutex
}

func NewHub(proc Processor, queueSize int, log zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		requests:        make(chan *request, queueSize),
		shutdownChannel: make(chan struct{}),
		proc:            proc,
		log:             log.With().Str("component", "feature").Str("feature", string(proc.Feature())).Logger(),
	}
}

func (h *Hub) Feature() types.FeatureType { return h.proc.Feature() }

// Start launches the owner goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	go h.run(ctx)
	return nil
}

// Stop ends the owner goroutine. Queued requests fail with ErrHubNotRunning.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

// HandleFeatureMessage queues msg for the owner goroutine and waits for
// its outcome or ctx.
func (h *Hub) HandleFeatureMessage(ctx context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return nil, ErrHubNotRunning
	}

	req := &request{ctx: ctx, msg: msg, hctx: hctx, reply: make(chan outcome, 1)}
	select {
	case h.requests <- req:
	default:
		return nil, ErrQueueFull
	}

	select {
	case out := <-req.reply:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.shutdownChannel:
		return nil, ErrHubNotRunning
	}
}

// TECHNICAL DISCOVERY: Single select loop; a request whose caller already
// gave up is skipped instead of mutating state nobody will see.
func (h *Hub) run(ctx context.Context) {
	defer h.log.Debug().Msg("feature hub stopped")
	for {
		select {
		case req := <-h.requests:
			if req.ctx.Err() != nil {
				continue
			}
			res, err := h.proc.Process(req.ctx, req.msg, req.hctx)
			if err != nil {
				h.log.Warn().Err(err).Str("message_id", req.msg.ID).Msg("feature message failed")
			}
			req.reply <- outcome{res: res, err: err}
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			return
		}
	}
}

var _ interfaces.FeatureHandler = (*Hub)(nil)
