// Package rooms keeps the registry of broadcast rooms. Rooms belong to one
// organization, list their members and may be marked public.
package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boardsync/internal/clock"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Manager caches rooms in memory and writes through to an optional store.
// ARCHITECTURAL DISCOVERY: Readers on the delivery path only ever touch the
// cache; the store is consulted on startup and on cache misses.
type Manager struct {
	store interfaces.RoomStore
	clock clock.Clock
	log   zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*types.Room
}

// NewManager returns a manager. store may be nil for memory-only rooms.
func NewManager(store interfaces.RoomStore, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		clock: clock.OrReal(clk),
		log:   log.With().Str("component", "rooms").Logger(),
		rooms: make(map[string]*types.Room),
	}
}

// Load fills the cache with every stored room.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rooms, err := m.store.ListRooms(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rooms {
		m.rooms[r.ID] = r
	}
	m.log.Info().Int("rooms", len(rooms)).Msg("loaded rooms")
	return nil
}

// CreateRoom validates and stores a new room. An empty id is generated.
func (m *Manager) CreateRoom(ctx context.Context, room types.Room) (*types.Room, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if !types.IsValidID(room.ID) {
		return nil, ErrInvalidRoomID
	}
	room.Members = uniqueSorted(room.Members)
	if err := room.Validate(); err != nil {
		return nil, err
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = m.clock.Now()
	}

	m.mu.RLock()
	_, exists := m.rooms[room.ID]
	m.mu.RUnlock()
	if exists {
		return nil, ErrRoomExists
	}

	r := &room
	if m.store != nil {
		if err := m.store.SaveRoom(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}
	}

	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()

	m.log.Info().
		Str("room_id", r.ID).
		Str("organization_id", r.OrganizationID).
		Int("members", len(r.Members)).
		Bool("public", r.Public).
		Msg("room created")
	return clone(r), nil
}

// GetRoom returns a copy of the room, consulting the store on a cache miss.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return clone(r), nil
	}
	if m.store == nil {
		return nil, interfaces.ErrRoomNotFound
	}

	r, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
	return clone(r), nil
}

// ListRooms returns the rooms of one organization, or all rooms for "".
func (m *Manager) ListRooms(organizationID string) []*types.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if organizationID == "" || r.OrganizationID == organizationID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetMembers replaces the member list of a room.
func (m *Manager) SetMembers(ctx context.Context, roomID string, members []string) (*types.Room, error) {
	current, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	current.Members = uniqueSorted(members)
	if err := current.Validate(); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.SaveRoom(ctx, current); err != nil {
			return nil, fmt.Errorf("failed to update room: %w", err)
		}
	}

	m.mu.Lock()
	m.rooms[roomID] = current
	m.mu.Unlock()
	return clone(current), nil
}

// DeleteRoom removes the room from the cache and the store.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.RLock()
	_, cached := m.rooms[roomID]
	m.mu.RUnlock()

	if m.store != nil {
		if err := m.store.DeleteRoom(ctx, roomID); err != nil {
			return err
		}
	} else if !cached {
		return interfaces.ErrRoomNotFound
	}

	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
	m.log.Info().Str("room_id", roomID).Msg("room deleted")
	return nil
}

// Admit checks that sc may subscribe to roomID.
func (m *Manager) Admit(ctx context.Context, roomID string, sc *types.SecurityContext) (*types.Room, error) {
	r, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.Admits(sc) {
		return nil, ErrNotAdmitted
	}
	return r, nil
}

// Lookup is the cache-only read used on the delivery path.
func (m *Manager) Lookup(roomID string) (*types.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return clone(r), true
}

// Len reports the number of cached rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func clone(r *types.Room) *types.Room {
	c := *r
	c.Members = append([]string(nil), r.Members...)
	return &c
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
