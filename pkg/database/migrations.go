package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered set of schema migrations for the station
// ledger. The legacy one-shot migration is separate; it runs against
// whatever a prior installation left behind, after these have applied.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_vouchers",
		SQL: `
			CREATE TABLE IF NOT EXISTS vouchers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				code TEXT UNIQUE NOT NULL,
				amount TEXT NOT NULL,
				currency TEXT NOT NULL CHECK(currency IN ('USD','DOP')),
				status TEXT NOT NULL DEFAULT 'active'
					CHECK(status IN ('active','redeemed','cancelled','expired')),
				qr_payload TEXT NOT NULL,
				integrity_hash TEXT NOT NULL,
				issued_at_station TEXT NOT NULL,
				issued_by TEXT NOT NULL,
				issued_at DATETIME NOT NULL,
				redeemed_by TEXT,
				redeemed_at DATETIME,
				cancel_reason TEXT,
				expires_at DATETIME NOT NULL,
				sync_state TEXT NOT NULL DEFAULT 'pending'
					CHECK(sync_state IN ('pending','synced'))
			);
			CREATE INDEX IF NOT EXISTS idx_vouchers_status ON vouchers(status);
			CREATE INDEX IF NOT EXISTS idx_vouchers_sync ON vouchers(sync_state);
			CREATE INDEX IF NOT EXISTS idx_vouchers_issued_at ON vouchers(issued_at);
		`,
	},
	{
		Version: 2,
		Name:    "create_audit_entries",
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_entries (
				id TEXT PRIMARY KEY,
				event_kind TEXT NOT NULL,
				voucher_code TEXT,
				actor_id TEXT NOT NULL,
				station_id TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				details TEXT,
				severity TEXT NOT NULL DEFAULT 'medium'
					CHECK(severity IN ('low','medium','high','critical')),
				outcome TEXT NOT NULL DEFAULT 'success'
					CHECK(outcome IN ('success','failure')),
				sync_state TEXT NOT NULL DEFAULT 'pending'
					CHECK(sync_state IN ('pending','synced'))
			);
			CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
			CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor_id);
			CREATE INDEX IF NOT EXISTS idx_audit_sync ON audit_entries(sync_state);
		`,
	},
	{
		Version: 3,
		Name:    "create_sync_cursors",
		SQL: `
			CREATE TABLE IF NOT EXISTS sync_cursors (
				kind TEXT PRIMARY KEY,
				position INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 4,
		Name:    "create_station_config",
		SQL: `
			CREATE TABLE IF NOT EXISTS station_config (
				key TEXT PRIMARY KEY,
				value TEXT,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
}

// Migrator handles database migrations
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
	}
}

// createMigrationsTable creates the migrations tracking table
func (m *Migrator) createMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := m.db.Exec(query)
	return err
}

// getAppliedMigrations returns the set of applied migration versions
func (m *Migrator) getAppliedMigrations() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// RunMigrations applies all pending schema migrations
func (m *Migrator) RunMigrations() error {
	if err := m.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			m.logger.Debug("Skipping applied migration",
				zap.Int("version", migration.Version),
				zap.String("name", migration.Name))
			continue
		}

		m.logger.Info("Applying migration",
			zap.Int("version", migration.Version),
			zap.String("name", migration.Name))

		err := m.db.WithTransaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migration.SQL); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
				migration.Version, migration.Name,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version, or zero
// for a store that has never been migrated.
func (m *Migrator) SchemaVersion() (int, error) {
	var exists int
	err := m.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	if err := m.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
