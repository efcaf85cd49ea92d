// Package models defines the voucher ledger's domain types: the
// voucher itself, its lifecycle status vocabulary, and the audit
// entry shape shared by every package that records or reads the trail.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is a voucher's lifecycle state. active is the only
// non-terminal state; every transition leaves it and none return.
type Status string

const (
	StatusActive    Status = "active"
	StatusRedeemed  Status = "redeemed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// String returns the status as a string
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave this state
func (s Status) IsTerminal() bool {
	return s == StatusRedeemed || s == StatusCancelled || s == StatusExpired
}

// transitions is the closed edge set of the lifecycle state machine
var transitions = map[Status][]Status{
	StatusActive: {StatusRedeemed, StatusCancelled, StatusExpired},
}

// CanTransition reports whether the edge from -> to exists
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a raw status string
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusActive, StatusRedeemed, StatusCancelled, StatusExpired:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown voucher status %q", raw)
	}
}

// Currency is an ISO 4217 code the station accepts
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyDOP Currency = "DOP"
)

// String returns the currency as a string
func (c Currency) String() string { return string(c) }

// IsValid reports whether the currency is one the station accepts
func (c Currency) IsValid() bool {
	return c == CurrencyUSD || c == CurrencyDOP
}

// ParseCurrency validates a raw currency code
func ParseCurrency(raw string) (Currency, error) {
	c := Currency(raw)
	if !c.IsValid() {
		return "", fmt.Errorf("unsupported currency %q", raw)
	}
	return c, nil
}

// SyncState tracks whether a record has been acknowledged by the
// remote ledger
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// Voucher is one ticket in the local ledger. The monetary amount is an
// exact decimal; it never passes through a float.
type Voucher struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        Currency        `json:"currency"`
	Status          Status          `json:"status"`
	QRPayload       string          `json:"qr_payload"`
	IntegrityHash   string          `json:"integrity_hash"`
	IssuedAtStation string          `json:"issued_at_station"`
	IssuedBy        string          `json:"issued_by"`
	IssuedAt        time.Time       `json:"issued_at"`
	RedeemedBy      string          `json:"redeemed_by,omitempty"`
	RedeemedAt      *time.Time      `json:"redeemed_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
	SyncState       SyncState       `json:"sync_state"`
}

// ExpiredAt reports whether the voucher's window has closed at the
// given instant. The boundary itself counts as expired.
func (v *Voucher) ExpiredAt(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
