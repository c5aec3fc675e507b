package interfaces

import (
	"context"
	"time"

	"boardsync/pkg/types"
)

// MessageStore backs the bounded reconnection replay buffer.
// FUNCTIONAL DISCOVERY: The store is optional; without it replay is served
// from memory only and lost on restart.
type MessageStore interface {
	// PersistMessage records env as delivered to connectionID under seq.
	PersistMessage(ctx context.Context, connectionID string, seq uint64, env *types.OutboundEnvelope) error

	// LoadReplayBuffer returns up to limit envelopes for connectionID with
	// seq > since, in seq order.
	LoadReplayBuffer(ctx context.Context, connectionID string, since uint64, limit int) ([]*types.OutboundEnvelope, error)

	// DeleteConnection drops every buffered envelope for connectionID.
	DeleteConnection(ctx context.Context, connectionID string) error

	// PruneBefore removes envelopes persisted before cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// RoomStore persists room definitions.
type RoomStore interface {
	SaveRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	ListRooms(ctx context.Context, organizationID string) ([]*types.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}
