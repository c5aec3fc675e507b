package types

import (
	"fmt"
	"strings"
	"time"
)

// FeatureType identifies the product feature a message belongs to.
// ARCHITECTURAL DISCOVERY: A closed enum keeps handler dispatch exhaustive;
// unknown feature strings are rejected at the envelope boundary.
type FeatureType string

const (
	FeatureMeeting    FeatureType = "meeting"
	FeatureDocument   FeatureType = "document"
	FeatureAI         FeatureType = "ai"
	FeatureCompliance FeatureType = "compliance"
	FeatureSystem     FeatureType = "system"
)

// Features lists every feature type in a stable order.
var Features = []FeatureType{FeatureMeeting, FeatureDocument, FeatureAI, FeatureCompliance, FeatureSystem}

// Valid reports whether f is one of the known feature types.
func (f FeatureType) Valid() bool {
	switch f {
	case FeatureMeeting, FeatureDocument, FeatureAI, FeatureCompliance, FeatureSystem:
		return true
	default:
		return false
	}
}

func (f FeatureType) String() string { return string(f) }

// Priority orders messages within a single destination queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PriorityLevels is the number of priority tiers.
const PriorityLevels = 4

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts the wire representation into a Priority. An empty
// string maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MarshalText encodes the priority as its lowercase name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TargetKind selects how a message's recipients are resolved.
type TargetKind string

const (
	// TargetFeature delivers only to the feature handler for the message's feature.
	TargetFeature      TargetKind = "feature"
	TargetRoom         TargetKind = "room"
	TargetUsers        TargetKind = "users"
	TargetConnection   TargetKind = "connection"
	TargetOrganization TargetKind = "organization"
)

// Target describes where a message is going.
type Target struct {
	Kind           TargetKind `json:"kind" cbor:"kind"`
	RoomID         string     `json:"roomId,omitempty" cbor:"roomId,omitempty"`
	UserIDs        []string   `json:"userIds,omitempty" cbor:"userIds,omitempty"`
	ConnectionID   string     `json:"connectionId,omitempty" cbor:"connectionId,omitempty"`
	OrganizationID string     `json:"organizationId,omitempty" cbor:"organizationId,omitempty"`
}

// Origin records who produced a message.
type Origin string

const (
	OriginClient  Origin = "client"
	OriginFeature Origin = "feature"
	OriginSystem  Origin = "system"
)

// Message is the unit of work routed through the system.
// FUNCTIONAL DISCOVERY: Message is immutable once it enters the router;
// transformations (priority escalation, delta substitution) produce copies via Clone.
type Message struct {
	ID       string      `json:"messageId"`
	Feature  FeatureType `json:"featureType"`
	Priority Priority    `json:"priority"`
	Payload  Payload     `json:"-"`
	Target   Target      `json:"target"`

	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`

	// Sender attribution, filled by the coordinator from the bound SecurityContext.
	SenderConnectionID string `json:"senderConnectionId,omitempty"`
	SenderUserID       string `json:"senderUserId,omitempty"`
	OrganizationID     string `json:"organizationId,omitempty"`

	// Public messages may cross organization boundaries.
	Public bool `json:"public,omitempty"`
	// Encrypt requests per-recipient payload encryption on delivery.
	Encrypt bool `json:"encrypt,omitempty"`

	// Mutation is set when the message changes shared entity state.
	Mutation *StateChange `json:"mutation,omitempty"`

	Security *SecurityMetadata `json:"securityMetadata,omitempty"`
}

// Clone returns a shallow copy with independently owned slices and mutation.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Target.UserIDs != nil {
		c.Target.UserIDs = append([]string(nil), m.Target.UserIDs...)
	}
	if m.Mutation != nil {
		mut := m.Mutation.Clone()
		c.Mutation = &mut
	}
	return &c
}

// Action returns the payload action, or "" without a payload.
func (m *Message) Action() string {
	if m == nil || m.Payload == nil {
		return ""
	}
	return m.Payload.Action()
}

// StateChange is a proposed change to one logical entity tagged with the
// proposer's vector clock. OrganizationID scopes the entity; the coordinator
// stamps it from the sender's bound context.
type StateChange struct {
	OrganizationID string         `json:"organizationId,omitempty" cbor:"organizationId,omitempty"`
	EntityType     string         `json:"entityType" cbor:"entityType"`
	EntityID       string         `json:"entityId" cbor:"entityId"`
	ActorID        string         `json:"actorId" cbor:"actorId"`
	Fields         map[string]any `json:"fields" cbor:"fields"`
	Clock          VectorClock    `json:"clock" cbor:"clock"`
	Timestamp      time.Time      `json:"timestamp" cbor:"timestamp"`
}

// Key is the store key for the entity this change targets.
func (c StateChange) Key() string {
	return EntityKey(c.OrganizationID, c.EntityType, c.EntityID)
}

// EntityKey is the store key of an entity. Entities of different
// organizations never share a key.
func EntityKey(organizationID, entityType, entityID string) string {
	return organizationID + "|" + entityType + "/" + entityID
}

// Clone deep-copies the clock and the top-level field map.
func (c StateChange) Clone() StateChange {
	out := c
	out.Clock = c.Clock.Copy()
	if c.Fields != nil {
		out.Fields = make(map[string]any, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// OperationClass buckets rate limiting per kind of operation.
type OperationClass string

const (
	OpMessage   OperationClass = "message"
	OpBroadcast OperationClass = "broadcast"
	OpSync      OperationClass = "sync"
	OpSubscribe OperationClass = "subscribe"
)
