package interfaces

import (
	"context"

	"boardsync/pkg/types"
)

// Peer is one live client session as seen by the coordinator.
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details so the
// coordinator can be driven by websocket connections or in-memory test peers.
type Peer interface {
	// ID returns the connection id assigned at handshake.
	ID() string

	// Send queues env for delivery. When ack is true the call blocks until the
	// frame has been written to the transport (or ctx ends), so the caller can
	// retry on failure. Without ack it returns once the frame is buffered.
	Send(ctx context.Context, env *types.OutboundEnvelope, ack bool) error

	// Close terminates the session with a transport close code and reason.
	Close(code int, reason string) error
}
