package types

import "time"

// EntityVersion is one side of a state comparison: the fields as known to
// that side, with the clock and wall-clock time of the last change.
type EntityVersion struct {
	Fields    map[string]any `json:"fields" cbor:"fields"`
	Clock     VectorClock    `json:"clock" cbor:"clock"`
	Timestamp time.Time      `json:"timestamp" cbor:"timestamp"`
	ActorID   string         `json:"actorId" cbor:"actorId"`
}

// Conflict pairs the stored version of an entity with a concurrent proposal.
type Conflict struct {
	OrganizationID string        `json:"organizationId,omitempty"`
	EntityType     string        `json:"entityType"`
	EntityID       string        `json:"entityId"`
	Local          EntityVersion `json:"local"`
	Remote         EntityVersion `json:"remote"`
}

// Key is the store key of the conflicting entity.
func (c *Conflict) Key() string {
	return EntityKey(c.OrganizationID, c.EntityType, c.EntityID)
}

// EntityDelta lists only the fields changed by one accepted merge. A nil
// value marks a removed field.
type EntityDelta struct {
	EntityType string         `json:"entityType" cbor:"entityType"`
	EntityID   string         `json:"entityId" cbor:"entityId"`
	Changed    map[string]any `json:"changed" cbor:"changed"`
	Clock      VectorClock    `json:"clock" cbor:"clock"`
}

// Empty reports whether the merge changed nothing.
func (d EntityDelta) Empty() bool {
	return len(d.Changed) == 0
}

// EntityState is the stored snapshot of one entity.
type EntityState struct {
	OrganizationID string        `json:"organizationId,omitempty"`
	EntityType     string        `json:"entityType"`
	EntityID       string        `json:"entityId"`
	Version        EntityVersion `json:"version"`
}

// MergedState is the outcome of a successful synchronization.
type MergedState struct {
	Entities []EntityState `json:"entities"`
	Deltas   []EntityDelta `json:"deltas"`
}

// ResolvedState is the outcome of applying a resolver to a Conflict.
type ResolvedState struct {
	Entity   EntityState `json:"entity"`
	Delta    EntityDelta `json:"delta"`
	Resolver string      `json:"resolver"`
}
