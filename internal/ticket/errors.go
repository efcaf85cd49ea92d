package ticket

import "errors"

// Validation errors, rejected before any mutation
var (
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// State-conflict errors; the attempt is rejected and audit-logged
var (
	ErrNotFound          = errors.New("voucher not found")
	ErrAlreadyRedeemed   = errors.New("voucher already redeemed")
	ErrAlreadyCancelled  = errors.New("voucher already cancelled")
	ErrExpired           = errors.New("voucher expired")
	ErrIntegrityMismatch = errors.New("integrity proof does not match voucher")
)
