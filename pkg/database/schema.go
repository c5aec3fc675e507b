package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies a database carries the schema the replay store
// and room registry expect.
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration runner
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"replay_messages":   "reconnection replay buffer",
		"rooms":             "room registry",
		"schema_migrations": "migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types match what the store scans.
func (v *SchemaValidator) ValidateTableStructure() error {
	replayColumns := map[string]string{
		"connection_id": "TEXT",
		"seq":           "INTEGER",
		"message_id":    "TEXT",
		"feature_type":  "TEXT",
		"priority":      "INTEGER",
		"envelope":      "BLOB",
		"persisted_at":  "DATETIME",
	}
	if err := v.validateColumns("replay_messages", replayColumns); err != nil {
		return fmt.Errorf("replay_messages table structure invalid: %w", err)
	}

	roomColumns := map[string]string{
		"id":              "TEXT",
		"organization_id": "TEXT",
		"name":            "TEXT",
		"public":          "INTEGER",
		"members":         "TEXT",
		"created_at":      "DATETIME",
	}
	if err := v.validateColumns("rooms", roomColumns); err != nil {
		return fmt.Errorf("rooms table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
// FUNCTIONAL DISCOVERY: Pruning scans by persisted_at on every tick, so a
// missing index turns the prune into a full table scan.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_replay_persisted_at": "replay pruning",
		"idx_replay_message_id":   "replay lookups by message",
		"idx_rooms_organization":  "room listing per organization",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies CHECK constraints reject invalid rows.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO replay_messages (connection_id, seq, message_id, feature_type, priority, envelope, persisted_at)
		VALUES ('constraint-probe', 1, 'probe', 'chat', 1, x'00', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM replay_messages WHERE connection_id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: replay_messages.feature_type")
	}

	_, err = v.db.Exec(`
		INSERT INTO replay_messages (connection_id, seq, message_id, feature_type, priority, envelope, persisted_at)
		VALUES ('constraint-probe', 1, 'probe', 'meeting', 7, x'00', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM replay_messages WHERE connection_id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: replay_messages.priority")
	}

	_, err = v.db.Exec(`INSERT INTO rooms (id, organization_id, name) VALUES ('constraint-probe', 'org', '')`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM rooms WHERE id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: rooms.name")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, ok := foundColumns[expectedCol]
		if !ok {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
