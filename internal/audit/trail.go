// Package audit records every lifecycle transition and security-relevant
// rejection with actor/station/time provenance. A state change whose
// audit entry cannot be persisted is treated as not having happened.
package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/models"
	"github.com/coralreef/tito-station/internal/repository"
)

// Trail is the append-only audit log service
type Trail struct {
	repo      *repository.AuditRepository
	stationID string
	logger    *zap.Logger
}

// NewTrail creates the audit trail for this station
func NewTrail(repo *repository.AuditRepository, stationID string, logger *zap.Logger) *Trail {
	return &Trail{
		repo:      repo,
		stationID: stationID,
		logger:    logger,
	}
}

// Entry assembles an audit entry with provenance filled in
func (t *Trail) Entry(kind models.EventKind, voucherCode, actorID string, details interface{}) *models.AuditEntry {
	var detailsJSON string
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			detailsJSON = string(raw)
		}
	}
	return &models.AuditEntry{
		ID:          uuid.NewString(),
		EventKind:   kind,
		VoucherCode: voucherCode,
		ActorID:     actorID,
		StationID:   t.stationID,
		Timestamp:   time.Now().UTC(),
		Details:     detailsJSON,
		Severity:    models.SeverityMedium,
		Outcome:     models.OutcomeSuccess,
		SyncState:   models.SyncPending,
	}
}

// Append persists an entry within the parent transaction. An error
// here must abort the transition that produced the entry.
func (t *Trail) Append(tx *sql.Tx, e *models.AuditEntry) error {
	return t.repo.Append(tx, e)
}

// Record persists an entry outside any transaction, used for failed
// attempts where no state changed but the attempt itself is evidence.
func (t *Trail) Record(e *models.AuditEntry) {
	if err := t.repo.Append(nil, e); err != nil {
		// Nothing committed; the attempt is lost from the trail but
		// the rejection already reached the caller.
		t.logger.Error("Failed to record audit entry",
			zap.String("event_kind", string(e.EventKind)),
			zap.Error(err))
	}
}

// Recent returns the latest entries, newest first
func (t *Trail) Recent(limit int) ([]*models.AuditEntry, error) {
	return t.repo.Recent(limit)
}

// ByActor returns the latest entries for one actor
func (t *Trail) ByActor(actorID string, limit int) ([]*models.AuditEntry, error) {
	return t.repo.ByActor(actorID, limit)
}

// ByDateRange returns entries within [from, to]
func (t *Trail) ByDateRange(from, to time.Time) ([]*models.AuditEntry, error) {
	return t.repo.ByDateRange(from, to)
}
