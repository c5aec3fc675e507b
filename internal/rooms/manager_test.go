package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/clock"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

type memoryStore struct {
	mu       sync.Mutex
	rooms    map[string]types.Room
	failSave bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rooms: make(map[string]types.Room)}
}

func (s *memoryStore) SaveRoom(_ context.Context, r *types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("disk full")
	}
	s.rooms[r.ID] = *r
	return nil
}

func (s *memoryStore) GetRoom(_ context.Context, id string) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, interfaces.ErrRoomNotFound
	}
	return &r, nil
}

func (s *memoryStore) ListRooms(_ context.Context, org string) ([]*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Room
	for _, r := range s.rooms {
		if org == "" || r.OrganizationID == org {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return interfaces.ErrRoomNotFound
	}
	delete(s.rooms, id)
	return nil
}

var roomEpoch = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

func newManager(store interfaces.RoomStore) *Manager {
	return NewManager(store, clock.NewManual(roomEpoch), zerolog.Nop())
}

func TestCreateRoom(t *testing.T) {
	store := newMemoryStore()
	m := newManager(store)

	r, err := m.CreateRoom(context.Background(), types.Room{
		OrganizationID: "orgX",
		Name:           "Audit committee",
		Members:        []string{"carol", "alice", "carol"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, []string{"alice", "carol"}, r.Members)
	assert.Equal(t, roomEpoch, r.CreatedAt)
	assert.Contains(t, store.rooms, r.ID)

	_, err = m.CreateRoom(context.Background(), types.Room{ID: r.ID, OrganizationID: "orgX", Name: "dup"})
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = m.CreateRoom(context.Background(), types.Room{OrganizationID: "orgX"})
	assert.ErrorIs(t, err, types.ErrInvalidRoomName)

	_, err = m.CreateRoom(context.Background(), types.Room{ID: "bad id!", OrganizationID: "orgX", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidRoomID)

	store.failSave = true
	_, err = m.CreateRoom(context.Background(), types.Room{OrganizationID: "orgX", Name: "never stored"})
	assert.Error(t, err)
	assert.Equal(t, 1, m.Len(), "failed writes never reach the cache")
}

func TestReturnedRoomsAreCopies(t *testing.T) {
	m := newManager(nil)
	r, err := m.CreateRoom(context.Background(), types.Room{ID: "r1", OrganizationID: "orgX", Name: "Board", Members: []string{"alice"}})
	require.NoError(t, err)

	r.Members[0] = "mallory"
	again, ok := m.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, again.Members)
}

func TestAdmit(t *testing.T) {
	m := newManager(nil)
	ctx := context.Background()
	_, err := m.CreateRoom(ctx, types.Room{ID: "board", OrganizationID: "orgX", Name: "Board", Members: []string{"alice"}})
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, types.Room{ID: "townhall", OrganizationID: "orgX", Name: "Town hall", Public: true})
	require.NoError(t, err)

	alice := &types.SecurityContext{UserID: "alice", OrganizationID: "orgX"}
	bob := &types.SecurityContext{UserID: "bob", OrganizationID: "orgX"}
	admin := &types.SecurityContext{UserID: "root", OrganizationID: "orgX", Roles: []string{"admin"}}
	outsider := &types.SecurityContext{UserID: "yuri", OrganizationID: "orgY", Roles: []string{"admin"}}

	_, err = m.Admit(ctx, "board", alice)
	assert.NoError(t, err)
	_, err = m.Admit(ctx, "board", bob)
	assert.ErrorIs(t, err, ErrNotAdmitted)
	_, err = m.Admit(ctx, "board", admin)
	assert.NoError(t, err)
	_, err = m.Admit(ctx, "board", outsider)
	assert.ErrorIs(t, err, ErrNotAdmitted, "admins never cross organizations")
	_, err = m.Admit(ctx, "townhall", outsider)
	assert.NoError(t, err)
	_, err = m.Admit(ctx, "missing", alice)
	assert.ErrorIs(t, err, interfaces.ErrRoomNotFound)
}

func TestLoadSetMembersDelete(t *testing.T) {
	store := newMemoryStore()
	store.rooms["r1"] = types.Room{ID: "r1", OrganizationID: "orgX", Name: "Finance"}
	store.rooms["r2"] = types.Room{ID: "r2", OrganizationID: "orgY", Name: "Risk"}

	m := newManager(store)
	require.NoError(t, m.Load(context.Background()))
	assert.Equal(t, 2, m.Len())
	assert.Len(t, m.ListRooms("orgX"), 1)
	assert.Len(t, m.ListRooms(""), 2)

	r, err := m.SetMembers(context.Background(), "r1", []string{"bob", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, r.Members)
	assert.Equal(t, []string{"alice", "bob"}, store.rooms["r1"].Members)

	require.NoError(t, m.DeleteRoom(context.Background(), "r1"))
	_, ok := m.Lookup("r1")
	assert.False(t, ok)
	assert.ErrorIs(t, m.DeleteRoom(context.Background(), "r1"), interfaces.ErrRoomNotFound)
}

func TestGetRoomFallsBackToStore(t *testing.T) {
	store := newMemoryStore()
	m := newManager(store)
	store.rooms["late"] = types.Room{ID: "late", OrganizationID: "orgX", Name: "Added elsewhere"}

	r, err := m.GetRoom(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, "Added elsewhere", r.Name)
	_, ok := m.Lookup("late")
	assert.True(t, ok, "store hit is cached")
}
