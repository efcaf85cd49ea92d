package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/models"
)

const auditColumns = `rowid, id, event_kind, voucher_code, actor_id, station_id,
	timestamp, details, severity, outcome, sync_state`

// AuditRepository persists the append-only audit trail. Rows are never
// updated or deleted except for the sync-state bookkeeping flag.
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Append inserts an audit entry. When a tx is supplied the entry
// commits or rolls back with its parent transition.
func (r *AuditRepository) Append(tx *sql.Tx, e *models.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (
			id, event_kind, voucher_code, actor_id, station_id,
			timestamp, details, severity, outcome, sync_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var voucherCode interface{}
	if e.VoucherCode != "" {
		voucherCode = e.VoucherCode
	}

	res, err := exec(tx, r.db, query,
		e.ID,
		string(e.EventKind),
		voucherCode,
		e.ActorID,
		e.StationID,
		e.Timestamp,
		e.Details,
		string(e.Severity),
		string(e.Outcome),
		string(e.SyncState),
	)
	if err != nil {
		r.logger.Error("Failed to append audit entry",
			zap.String("event_kind", string(e.EventKind)),
			zap.Error(err))
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if rowID, err := res.LastInsertId(); err == nil {
		e.RowID = rowID
	}
	return nil
}

// Recent returns the latest entries, newest first
func (r *AuditRepository) Recent(limit int) ([]*models.AuditEntry, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM audit_entries ORDER BY rowid DESC LIMIT ?", auditColumns)
	return r.queryEntries(query, limit)
}

// ByActor returns the latest entries recorded for an actor
func (r *AuditRepository) ByActor(actorID string, limit int) ([]*models.AuditEntry, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM audit_entries WHERE actor_id = ? ORDER BY rowid DESC LIMIT ?",
		auditColumns)
	return r.queryEntries(query, actorID, limit)
}

// ByDateRange returns entries whose timestamp falls within [from, to],
// oldest first
func (r *AuditRepository) ByDateRange(from, to time.Time) ([]*models.AuditEntry, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM audit_entries WHERE timestamp BETWEEN ? AND ? ORDER BY rowid",
		auditColumns)
	return r.queryEntries(query, from, to)
}

// ListUnsynced returns pending entries with rowid greater than afterID
func (r *AuditRepository) ListUnsynced(afterID int64, limit int) ([]*models.AuditEntry, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM audit_entries WHERE sync_state = ? AND rowid > ? ORDER BY rowid LIMIT ?",
		auditColumns)
	return r.queryEntries(query, string(models.SyncPending), afterID, limit)
}

// MarkSynced flips the given entry ids to synced; unknown or already
// synced ids are ignored
func (r *AuditRepository) MarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	query := fmt.Sprintf(
		"UPDATE audit_entries SET sync_state = ? WHERE id IN (%s) AND sync_state = ?",
		placeholders)

	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, string(models.SyncSynced))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(models.SyncPending))

	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to mark audit entries synced: %w", err)
	}
	return nil
}

func (r *AuditRepository) queryEntries(query string, args ...interface{}) ([]*models.AuditEntry, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var eventKind, severity, outcome, syncState string
		var voucherCode, details sql.NullString
		err := rows.Scan(
			&e.RowID, &e.ID, &eventKind, &voucherCode, &e.ActorID, &e.StationID,
			&e.Timestamp, &details, &severity, &outcome, &syncState,
		)
		if err != nil {
			return nil, err
		}
		e.EventKind = models.EventKind(eventKind)
		e.Severity = models.Severity(severity)
		e.Outcome = models.Outcome(outcome)
		e.SyncState = models.SyncState(syncState)
		if voucherCode.Valid {
			e.VoucherCode = voucherCode.String
		}
		if details.Valid {
			e.Details = details.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
