package types

import (
	"fmt"
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for the hot validation path on every inbound frame.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// IsValidID checks ids used for messages, rooms, users and entities.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 128 {
		return false
	}
	return idRegex.MatchString(id)
}

// Validate checks a message before it enters the router.
// ARCHITECTURAL DISCOVERY: Payload type must agree with the feature tag, so a
// handler never receives a payload it cannot type-switch on.
func (m *Message) Validate() error {
	if !IsValidID(m.ID) {
		return ErrInvalidMessageID
	}
	if !m.Feature.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFeature, string(m.Feature))
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(m.Priority))
	}
	if m.Payload == nil {
		return ErrMissingPayload
	}
	if m.Payload.Feature() != m.Feature {
		return fmt.Errorf("%w: %s payload on %s message", ErrPayloadMismatch, m.Payload.Feature(), m.Feature)
	}
	if err := m.Target.Validate(); err != nil {
		return err
	}
	if m.Mutation != nil {
		if err := m.Mutation.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the target names what its kind requires.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetFeature:
		return nil
	case TargetRoom:
		if !IsValidID(t.RoomID) {
			return fmt.Errorf("%w: room target requires roomId", ErrInvalidTarget)
		}
	case TargetUsers:
		if len(t.UserIDs) == 0 {
			return fmt.Errorf("%w: users target requires userIds", ErrInvalidTarget)
		}
		for _, id := range t.UserIDs {
			if !IsValidID(id) {
				return fmt.Errorf("%w: invalid user id %q", ErrInvalidTarget, id)
			}
		}
	case TargetConnection:
		if !IsValidID(t.ConnectionID) {
			return fmt.Errorf("%w: connection target requires connectionId", ErrInvalidTarget)
		}
	case TargetOrganization:
		if !IsValidID(t.OrganizationID) {
			return fmt.Errorf("%w: organization target requires organizationId", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, string(t.Kind))
	}
	return nil
}

// Validate checks the identifying fields of a state change.
func (c *StateChange) Validate() error {
	if !IsValidID(c.EntityType) || !IsValidID(c.EntityID) || c.ActorID == "" {
		return ErrInvalidMutation
	}
	return nil
}
