package models

import "time"

// EventKind identifies the kind of audited action
type EventKind string

const (
	EventVoucherIssued    EventKind = "voucher_issued"
	EventVoucherRedeemed  EventKind = "voucher_redeemed"
	EventVoucherCancelled EventKind = "voucher_cancelled"
	EventVoucherExpired   EventKind = "voucher_expired"
	EventRedeemRejected   EventKind = "redeem_rejected"
	EventCancelRejected   EventKind = "cancel_rejected"
	EventLegacyMigration  EventKind = "legacy_migration"
	EventSyncCompleted    EventKind = "sync_completed"
	EventSyncConflict     EventKind = "sync_conflict"
	EventSyncRemoteAdopt  EventKind = "sync_remote_adopted"
)

// Severity grades how security-relevant an audit entry is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records whether the audited action succeeded
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEntry is an immutable record of a lifecycle transition or
// administrative action. Entries are created once by the transition
// executor and never mutated or deleted.
type AuditEntry struct {
	ID          string    `json:"id"`
	RowID       int64     `json:"-"`
	EventKind   EventKind `json:"event_kind"`
	VoucherCode string    `json:"voucher_code,omitempty"`
	ActorID     string    `json:"actor_id"`
	StationID   string    `json:"station_id"`
	Timestamp   time.Time `json:"timestamp"`
	Details     string    `json:"details,omitempty"`
	Severity    Severity  `json:"severity"`
	Outcome     Outcome   `json:"outcome"`
	SyncState   SyncState `json:"-"`
}
