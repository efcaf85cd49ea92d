package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Well-known station config keys
const (
	KeyLegacyMigrationDone = "legacy_migration_done"
	KeyLastTicketNumber    = "last_ticket_number"
)

// ConfigRepository is the station's persisted key/value bookkeeping,
// carried over from the prior system's configuration table. It holds
// the legacy-migration marker and the issuance sequence.
type ConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *sql.DB, logger *zap.Logger) *ConfigRepository {
	return &ConfigRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the value for a key, or "" when unset
func (r *ConfigRepository) Get(key string) (string, error) {
	var value sql.NullString
	err := r.db.QueryRow(
		"SELECT value FROM station_config WHERE key = ?", key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %q: %w", key, err)
	}
	return value.String, nil
}

// Set stores a key/value pair, replacing any prior value
func (r *ConfigRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO station_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config %q: %w", key, err)
	}
	return nil
}
