package interfaces

import (
	"context"

	"boardsync/pkg/types"
)

// HandlerContext is what a feature handler learns about the sender.
type HandlerContext struct {
	Sender       *types.SecurityContext
	ConnectionID string
}

// HandlerResult lists the messages a handler wants fanned out after it
// processed an inbound message. Each is routed like any feature-originated
// message.
type HandlerResult struct {
	Broadcast []*types.Message
}

// FeatureHandler is implemented by each product feature module. Handlers
// must honour ctx; the coordinator treats an expired deadline as a failure.
type FeatureHandler interface {
	Feature() types.FeatureType
	HandleFeatureMessage(ctx context.Context, msg *types.Message, hctx HandlerContext) (*HandlerResult, error)
}

// HandlerFunc adapts a function to FeatureHandler.
type HandlerFunc struct {
	Type types.FeatureType
	Fn   func(ctx context.Context, msg *types.Message, hctx HandlerContext) (*HandlerResult, error)
}

func (h HandlerFunc) Feature() types.FeatureType { return h.Type }

func (h HandlerFunc) HandleFeatureMessage(ctx context.Context, msg *types.Message, hctx HandlerContext) (*HandlerResult, error) {
	return h.Fn(ctx, msg, hctx)
}

// TokenVerifier is the authentication collaborator. It validates a token and
// returns the identity it represents; issuance is out of scope.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*types.Identity, error)
}

// HealthReporter exposes the metrics view for operational tooling.
type HealthReporter interface {
	Snapshot() types.HealthSnapshot
}
