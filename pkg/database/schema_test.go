package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	return cfg
}

func TestMigrationManager_AppliesEmbeddedSchemaOnce(t *testing.T) {
	cfg := openTestDB(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mm := NewMigrationManager(db)
	migrations, err := mm.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "replay_buffer", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)

	ran, err := mm.ApplyMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, ran)

	ran, err = mm.ApplyMigrations()
	require.NoError(t, err)
	assert.Empty(t, ran)

	applied, err := mm.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, applied)
}

func TestSchemaValidator(t *testing.T) {
	cfg := openTestDB(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	validator := NewSchemaValidator(db)
	assert.Error(t, validator.ValidateTablesExist(), "empty database must fail validation")

	_, err = NewMigrationManager(db).ApplyMigrations()
	require.NoError(t, err)

	assert.NoError(t, validator.Validate())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM replay_messages").Scan(&count))
	assert.Zero(t, count, "constraint probes must not leave rows behind")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.DatabasePath = ""
	assert.Error(t, cfg.Validate())

	cfg.Enabled = false
	assert.NoError(t, cfg.Validate(), "disabled store skips validation")

	cfg = DefaultConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.WriteRetryDelay = -1
	assert.Error(t, cfg.Validate())
}
