package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the type of domain event
type Type string

const (
	TypeVoucherIssued    Type = "voucher.issued"
	TypeVoucherRedeemed  Type = "voucher.redeemed"
	TypeVoucherCancelled Type = "voucher.cancelled"
	TypeVoucherExpired   Type = "voucher.expired"
	TypeSyncCompleted    Type = "sync.completed"
	TypeSyncConflict     Type = "sync.conflict"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeVoucherIssued,
		TypeVoucherRedeemed,
		TypeVoucherCancelled,
		TypeVoucherExpired,
		TypeSyncCompleted,
		TypeSyncConflict:
		return true
	default:
		return false
	}
}

// Event carries a voucher-state-change notification to presentation
// subscribers. The core never depends on who is listening.
type Event struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	VoucherCode string                 `json:"voucher_code,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// New creates an event with a generated ID and current timestamp
func New(eventType Type, voucherCode string, payload map[string]interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		VoucherCode: voucherCode,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}
