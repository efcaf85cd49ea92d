package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Cursor kinds, one per record stream the sync engine drains
const (
	CursorVouchers = "vouchers"
	CursorAudit    = "audit"
)

// CursorRepository persists sync cursors so an interrupted pass can
// resume mid-batch instead of restarting from the beginning.
type CursorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *sql.DB, logger *zap.Logger) *CursorRepository {
	return &CursorRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the persisted position for a cursor kind, zero when the
// cursor has never advanced
func (r *CursorRepository) Get(kind string) (int64, error) {
	var position int64
	err := r.db.QueryRow(
		"SELECT position FROM sync_cursors WHERE kind = ?", kind,
	).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sync cursor %q: %w", kind, err)
	}
	return position, nil
}

// Set records the cursor position
func (r *CursorRepository) Set(kind string, position int64) error {
	_, err := r.db.Exec(`
		INSERT INTO sync_cursors (kind, position, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind) DO UPDATE SET position = excluded.position,
			updated_at = CURRENT_TIMESTAMP
	`, kind, position)
	if err != nil {
		return fmt.Errorf("failed to set sync cursor %q: %w", kind, err)
	}
	return nil
}

// Reset rewinds the cursor to the start of the stream
func (r *CursorRepository) Reset(kind string) error {
	return r.Set(kind, 0)
}
