package types

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrInvalidRoomName = errors.New("room name must be 1-200 characters")
	ErrInvalidRoomOrg  = errors.New("room must belong to a valid organization")
)

// Room is a broadcast group owned by one organization.
type Room struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Public         bool      `json:"public"`
	Members        []string  `json:"members"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Validate ensures the room meets storage requirements.
func (r *Room) Validate() error {
	if len(r.Name) < 1 || len(r.Name) > 200 {
		return ErrInvalidRoomName
	}
	if !IsValidID(r.OrganizationID) {
		return ErrInvalidRoomOrg
	}
	for _, m := range r.Members {
		if !IsValidID(m) {
			return ErrInvalidTarget
		}
	}
	return nil
}

// HasMember reports whether userID is listed on the room.
func (r *Room) HasMember(userID string) bool {
	return slices.Contains(r.Members, userID)
}

// Admits reports whether a security context may join the room: same
// organization and listed as member, or any organization for public rooms.
func (r *Room) Admits(sc *SecurityContext) bool {
	if sc == nil {
		return false
	}
	if r.Public {
		return true
	}
	if sc.OrganizationID != r.OrganizationID {
		return false
	}
	return len(r.Members) == 0 || r.HasMember(sc.UserID) || sc.HasRole("admin")
}
