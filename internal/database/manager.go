// Package database is the SQLite storage collaborator: the bounded replay
// buffer behind reconnection and the room table.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boardsync/internal/codec"
	dbconfig "boardsync/pkg/database"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("database manager is closed")

// DefaultReplayLimit bounds the rows kept per connection.
const DefaultReplayLimit = 256

// Manager implements interfaces.MessageStore and interfaces.RoomStore.
// ARCHITECTURAL DISCOVERY: SQLite allows one writer at a time, so every
// write funnels through a single goroutine while reads use the pool.
type Manager struct {
	db          *sql.DB
	config      *dbconfig.Config
	log         zerolog.Logger
	replayLimit int

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Option tunes a Manager.
type Option func(*Manager)

// WithReplayLimit keeps at most n envelopes per connection.
func WithReplayLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.replayLimit = n
		}
	}
}

// NewManager opens the database, applies pending migrations and starts the
// writer.
func NewManager(config *dbconfig.Config, log zerolog.Logger, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}
	applied, err := dbconfig.NewMigrationManager(db).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		log:          log.With().Str("component", "database").Logger(),
		replayLimit:  DefaultReplayLimit,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(applied) > 0 {
		m.log.Info().Strs("versions", applied).Msg("applied migrations")
	}

	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

// writeLoop runs every write; a failed write is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && !errors.Is(err, interfaces.ErrRoomNotFound) {
				m.log.Warn().Err(err).Dur("retry_in", m.config.WriteRetryDelay).Msg("database write failed, retrying")
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.log.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PersistMessage stores env under (connectionID, seq) and trims the
// connection's buffer to the replay limit.
func (m *Manager) PersistMessage(ctx context.Context, connectionID string, seq uint64, env *types.OutboundEnvelope) error {
	blob, err := codec.CBOR.EncodeOutbound(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO replay_messages
				(connection_id, seq, message_id, feature_type, priority, envelope, persisted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			connectionID, int64(seq), env.MessageID, string(env.FeatureType), int(env.Priority), blob, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert replay row: %w", err)
		}

		if seq > uint64(m.replayLimit) {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM replay_messages WHERE connection_id = ? AND seq <= ?`,
				connectionID, int64(seq)-int64(m.replayLimit),
			)
			if err != nil {
				return fmt.Errorf("failed to trim replay buffer: %w", err)
			}
		}
		return tx.Commit()
	})
}

// LoadReplayBuffer returns envelopes with seq > since in seq order.
func (m *Manager) LoadReplayBuffer(ctx context.Context, connectionID string, since uint64, limit int) ([]*types.OutboundEnvelope, error) {
	if limit <= 0 {
		limit = m.replayLimit
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT seq, envelope FROM replay_messages
		WHERE connection_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		connectionID, int64(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay buffer: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.OutboundEnvelope
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan replay row: %w", err)
		}
		env, err := codec.CBOR.DecodeOutbound(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode envelope %d: %w", seq, err)
		}
		env.Seq = uint64(seq)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating replay rows: %w", err)
	}
	return out, nil
}

// DeleteConnection drops every buffered envelope of connectionID.
func (m *Manager) DeleteConnection(ctx context.Context, connectionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM replay_messages WHERE connection_id = ?`, connectionID)
		return err
	})
}

// PruneBefore removes envelopes persisted before cutoff.
func (m *Manager) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM replay_messages WHERE persisted_at < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune replay buffer: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// SaveRoom inserts or updates a room.
func (m *Manager) SaveRoom(ctx context.Context, room *types.Room) error {
	members, err := json.Marshal(room.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}
	if room.Members == nil {
		members = []byte("[]")
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (id, organization_id, name, public, members, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				organization_id = excluded.organization_id,
				name = excluded.name,
				public = excluded.public,
				members = excluded.members`,
			room.ID, room.OrganizationID, room.Name, room.Public, string(members), room.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save room: %w", err)
		}
		return nil
	})
}

const roomColumns = `id, organization_id, name, public, members, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*types.Room, error) {
	var r types.Room
	var members string
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Public, &members, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &r.Members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal members: %w", err)
	}
	return &r, nil
}

// GetRoom loads one room.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, roomID)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return r, nil
}

// ListRooms lists the rooms of one organization, or all of them for "".
func (m *Manager) ListRooms(ctx context.Context, organizationID string) ([]*types.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY id`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}
	return out, nil
}

// DeleteRoom removes a room.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
		if err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return interfaces.ErrRoomNotFound
		}
		return nil
	})
}

// HealthCheck validates connectivity and that the replay table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replay_messages`).Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the pool for schema validation.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. It is safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

var (
	_ interfaces.MessageStore = (*Manager)(nil)
	_ interfaces.RoomStore    = (*Manager)(nil)
)
