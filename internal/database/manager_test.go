package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "boardsync/pkg/database"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

func setupTestDB(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	cfg.WriteRetryDelay = 10 * time.Millisecond

	m, err := NewManager(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func envelope(id string, p types.Priority) *types.OutboundEnvelope {
	return &types.OutboundEnvelope{
		MessageID:   id,
		FeatureType: types.FeatureMeeting,
		Priority:    p,
		Payload:     &types.MeetingPayload{Op: "vote", MeetingID: "M1", Vote: "yes"},
		Timestamp:   time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestNewManager_MigratesSchema(t *testing.T) {
	m := setupTestDB(t)
	require.NoError(t, dbconfig.NewSchemaValidator(m.DB()).Validate())
	require.NoError(t, m.HealthCheck(context.Background()))
}

func TestReplayBuffer_RoundTripInSeqOrder(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, m.PersistMessage(ctx, "c1", seq, envelope(fmt.Sprintf("m%d", seq), types.PriorityNormal)))
	}
	require.NoError(t, m.PersistMessage(ctx, "c2", 1, envelope("other", types.PriorityLow)))

	got, err := m.LoadReplayBuffer(ctx, "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, uint64(i+3), env.Seq)
		assert.Equal(t, fmt.Sprintf("m%d", i+3), env.MessageID)
	}
	payload, ok := got[0].Payload.(*types.MeetingPayload)
	require.True(t, ok)
	assert.Equal(t, "yes", payload.Vote)
	assert.True(t, got[0].Timestamp.Equal(time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)))

	limited, err := m.LoadReplayBuffer(ctx, "c1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, m.DeleteConnection(ctx, "c1"))
	got, err = m.LoadReplayBuffer(ctx, "c1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplayBuffer_TrimsToLimit(t *testing.T) {
	m := setupTestDB(t, WithReplayLimit(3))
	ctx := context.Background()
	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, m.PersistMessage(ctx, "c1", seq, envelope(fmt.Sprintf("m%d", seq), types.PriorityHigh)))
	}
	got, err := m.LoadReplayBuffer(ctx, "c1", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(8), got[0].Seq)
}

func TestReplayBuffer_EncryptedEnvelope(t *testing.T) {
	m := setupTestDB(t)
	env := envelope("secret", types.PriorityCritical)
	env.Payload = nil
	env.SecurityMetadata = &types.SecurityMetadata{
		Algorithm:   "age-x25519+xchacha20poly1305+blake3",
		MessageID:   "secret",
		Digest:      "abcd",
		Ciphertext:  []byte{1, 2, 3},
		WrappedKeys: map[string][]byte{"c1": {9, 9}},
	}
	require.NoError(t, m.PersistMessage(context.Background(), "c1", 1, env))

	got, err := m.LoadReplayBuffer(context.Background(), "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Payload)
	require.NotNil(t, got[0].SecurityMetadata)
	assert.Equal(t, []byte{1, 2, 3}, got[0].SecurityMetadata.Ciphertext)
	assert.Equal(t, types.PriorityCritical, got[0].Priority)
}

func TestPruneBefore(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, m.PersistMessage(ctx, "c1", 1, envelope("old", types.PriorityNormal)))

	n, err := m.PruneBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.PruneBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRooms(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	room := &types.Room{ID: "r1", OrganizationID: "orgX", Name: "Board", Members: []string{"alice"}, CreatedAt: created}
	require.NoError(t, m.SaveRoom(ctx, room))
	require.NoError(t, m.SaveRoom(ctx, &types.Room{ID: "r2", OrganizationID: "orgY", Name: "Open forum", Public: true, CreatedAt: created}))

	got, err := m.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.Members)
	assert.True(t, got.CreatedAt.Equal(created))

	room.Members = []string{"alice", "bob"}
	room.Name = "Board of directors"
	require.NoError(t, m.SaveRoom(ctx, room))
	got, err = m.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Board of directors", got.Name)
	assert.Equal(t, []string{"alice", "bob"}, got.Members)

	all, err := m.ListRooms(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	orgY, err := m.ListRooms(ctx, "orgY")
	require.NoError(t, err)
	require.Len(t, orgY, 1)
	assert.True(t, orgY[0].Public)
	assert.Empty(t, orgY[0].Members)

	require.NoError(t, m.DeleteRoom(ctx, "r1"))
	_, err = m.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, interfaces.ErrRoomNotFound)
	assert.ErrorIs(t, m.DeleteRoom(ctx, "r1"), interfaces.ErrRoomNotFound)
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for c := 0; c < 5; c++ {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			for seq := uint64(1); seq <= 20; seq++ {
				assert.NoError(t, m.PersistMessage(ctx, conn, seq, envelope(fmt.Sprintf("%s-%d", conn, seq), types.PriorityNormal)))
			}
		}(fmt.Sprintf("c%d", c))
	}
	wg.Wait()

	for c := 0; c < 5; c++ {
		got, err := m.LoadReplayBuffer(ctx, fmt.Sprintf("c%d", c), 0, 0)
		require.NoError(t, err)
		assert.Len(t, got, 20)
	}
}

func TestClose(t *testing.T) {
	m := setupTestDB(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.PersistMessage(context.Background(), "c1", 1, envelope("late", types.PriorityLow)), ErrClosed)
}
