package types

import "time"

// InboundEnvelope is a client frame after deserialization.
type InboundEnvelope struct {
	MessageID   string
	FeatureType FeatureType
	Priority    Priority
	Target      Target
	Payload     Payload
	AuthToken   string
	Mutation    *StateChange
	Public      bool
	Encrypt     bool
}

// ToMessage builds the routable message. Sender attribution is left to the
// coordinator, which owns the bound SecurityContext.
func (e *InboundEnvelope) ToMessage(now time.Time) *Message {
	target := e.Target
	if target.Kind == "" {
		target.Kind = TargetFeature
	}
	return &Message{
		ID:        e.MessageID,
		Feature:   e.FeatureType,
		Priority:  e.Priority,
		Payload:   e.Payload,
		Target:    target,
		Timestamp: now,
		Origin:    OriginClient,
		Public:    e.Public,
		Encrypt:   e.Encrypt,
		Mutation:  e.Mutation,
	}
}

// OutboundEnvelope is what a recipient receives. Payload is nil when the
// message was encrypted; the recipient decrypts SecurityMetadata instead.
type OutboundEnvelope struct {
	MessageID        string
	FeatureType      FeatureType
	Priority         Priority
	Payload          Payload
	Timestamp        time.Time
	SecurityMetadata *SecurityMetadata
	// Seq is the per-connection sequence number used for resume.
	Seq uint64
}

// Outbound projects m into the envelope delivered to one recipient.
func (m *Message) Outbound() *OutboundEnvelope {
	return &OutboundEnvelope{
		MessageID:        m.ID,
		FeatureType:      m.Feature,
		Priority:         m.Priority,
		Payload:          m.Payload,
		Timestamp:        m.Timestamp,
		SecurityMetadata: m.Security,
	}
}
