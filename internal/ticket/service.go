// Package ticket implements the voucher lifecycle state machine: the
// issue, redeem, cancel and expiry transitions, their invariants, and
// the audit side effects every accepted or rejected transition carries.
package ticket

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/audit"
	"github.com/coralreef/tito-station/internal/event"
	"github.com/coralreef/tito-station/internal/models"
	"github.com/coralreef/tito-station/internal/repository"
	"github.com/coralreef/tito-station/pkg/database"
)

// SystemActor is recorded for transitions no human initiated
const SystemActor = "system"

// Service executes voucher state transitions against the local ledger
type Service struct {
	db       *database.DB
	vouchers *repository.VoucherRepository
	trail    *audit.Trail
	bus      *event.Bus
	codes    *CodeGenerator
	signer   *Signer
	window   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the lifecycle service. window is the fixed offset
// from issuance to expiry.
func NewService(
	db *database.DB,
	vouchers *repository.VoucherRepository,
	trail *audit.Trail,
	bus *event.Bus,
	codes *CodeGenerator,
	signer *Signer,
	window time.Duration,
	logger *zap.Logger,
) *Service {
	return &Service{
		db:       db,
		vouchers: vouchers,
		trail:    trail,
		bus:      bus,
		codes:    codes,
		signer:   signer,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// IssueRequest carries the inputs of the issue transition
type IssueRequest struct {
	Amount    decimal.Decimal
	Currency  models.Currency
	StationID string
	ActorID   string
}

// RedeemRequest carries the inputs of the redeem transition
type RedeemRequest struct {
	Code           string
	IntegrityProof string
	StationID      string
	ActorID        string
}

// Issue creates a new active voucher. Validation failures happen
// before any mutation and carry no audit entry.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*models.Voucher, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !req.Currency.IsValid() {
		return nil, ErrUnsupportedCurrency
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	code, err := s.codes.Generate(req.StationID, issuedAt)
	if err != nil {
		return nil, err
	}

	v := &models.Voucher{
		Code:            code,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Status:          models.StatusActive,
		QRPayload:       s.signer.QRPayload(code, req.Amount, req.Currency, issuedAt),
		IntegrityHash:   s.signer.Hash(code, req.Amount, req.Currency, issuedAt),
		IssuedAtStation: req.StationID,
		IssuedBy:        req.ActorID,
		IssuedAt:        issuedAt,
		ExpiresAt:       issuedAt.Add(s.window),
		SyncState:       models.SyncPending,
	}

	err = s.db.WithTransaction(func(tx *sql.Tx) error {
		if err := s.vouchers.Create(tx, v); err != nil {
			return err
		}
		entry := s.trail.Entry(models.EventVoucherIssued, v.Code, req.ActorID, map[string]interface{}{
			"amount":   v.Amount.String(),
			"currency": v.Currency.String(),
			"station":  req.StationID,
		})
		entry.Severity = models.SeverityLow
		return s.trail.Append(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Voucher issued",
		zap.String("code", v.Code),
		zap.String("amount", v.Amount.String()),
		zap.String("currency", v.Currency.String()),
		zap.String("actor", req.ActorID))

	s.bus.Publish(event.New(event.TypeVoucherIssued, v.Code, map[string]interface{}{
		"amount":   v.Amount.String(),
		"currency": v.Currency.String(),
	}))
	return v, nil
}

// Redeem settles a voucher. At most one concurrent caller wins; a
// loser observes the error matching the state the winner left behind.
// Every rejection here is security-relevant and lands in the audit
// trail.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*models.Voucher, error) {
	v, err := s.vouchers.GetByCode(req.Code)
	if err != nil {
		return nil, err
	}
	if v == nil {
		s.reject(models.EventRedeemRejected, req.Code, req.ActorID, "not_found", models.SeverityHigh)
		return nil, ErrNotFound
	}

	if !s.signer.Verify(v, req.IntegrityProof) {
		s.reject(models.EventRedeemRejected, req.Code, req.ActorID, "integrity_mismatch", models.SeverityCritical)
		return nil, ErrIntegrityMismatch
	}

	now := s.now().UTC()
	if v.Status == models.StatusActive && v.ExpiredAt(now) {
		// Lazy expiry: the attempt itself moves the voucher to its
		// terminal state rather than waiting for the sweeper.
		if err := s.expireOne(v.Code, now); err != nil {
			return nil, err
		}
		s.reject(models.EventRedeemRejected, req.Code, req.ActorID, "expired", models.SeverityMedium)
		return nil, ErrExpired
	}

	if v.Status.IsTerminal() {
		s.reject(models.EventRedeemRejected, req.Code, req.ActorID, string(v.Status), models.SeverityHigh)
		return nil, terminalError(v.Status)
	}

	redeemedAt := now.Truncate(time.Second)
	var won bool
	err = s.db.WithTransaction(func(tx *sql.Tx) error {
		var txErr error
		won, txErr = s.vouchers.Redeem(tx, req.Code, req.ActorID, redeemedAt)
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		entry := s.trail.Entry(models.EventVoucherRedeemed, req.Code, req.ActorID, map[string]interface{}{
			"amount":   v.Amount.String(),
			"currency": v.Currency.String(),
			"station":  req.StationID,
		})
		return s.trail.Append(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	if !won {
		// A concurrent caller settled the voucher between our read and
		// the conditional update.
		s.reject(models.EventRedeemRejected, req.Code, req.ActorID, "lost_race", models.SeverityHigh)
		return nil, s.lostRace(req.Code)
	}

	s.logger.Info("Voucher redeemed",
		zap.String("code", req.Code),
		zap.String("actor", req.ActorID))

	s.bus.Publish(event.New(event.TypeVoucherRedeemed, req.Code, map[string]interface{}{
		"amount":   v.Amount.String(),
		"currency": v.Currency.String(),
	}))

	return s.vouchers.GetByCode(req.Code)
}

// Cancel voids an active voucher. A redeemed voucher can never be
// cancelled.
func (s *Service) Cancel(ctx context.Context, code, reason, actorID string) (*models.Voucher, error) {
	v, err := s.vouchers.GetByCode(code)
	if err != nil {
		return nil, err
	}
	if v == nil {
		s.reject(models.EventCancelRejected, code, actorID, "not_found", models.SeverityHigh)
		return nil, ErrNotFound
	}

	now := s.now().UTC()
	if v.Status == models.StatusActive && v.ExpiredAt(now) {
		if err := s.expireOne(v.Code, now); err != nil {
			return nil, err
		}
		s.reject(models.EventCancelRejected, code, actorID, "expired", models.SeverityMedium)
		return nil, ErrExpired
	}
	if v.Status.IsTerminal() {
		s.reject(models.EventCancelRejected, code, actorID, string(v.Status), models.SeverityHigh)
		return nil, terminalError(v.Status)
	}

	var won bool
	err = s.db.WithTransaction(func(tx *sql.Tx) error {
		var txErr error
		won, txErr = s.vouchers.Cancel(tx, code, reason)
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		entry := s.trail.Entry(models.EventVoucherCancelled, code, actorID, map[string]interface{}{
			"reason": reason,
		})
		return s.trail.Append(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	if !won {
		s.reject(models.EventCancelRejected, code, actorID, "lost_race", models.SeverityHigh)
		return nil, s.lostRace(code)
	}

	s.logger.Info("Voucher cancelled",
		zap.String("code", code),
		zap.String("reason", reason),
		zap.String("actor", actorID))

	s.bus.Publish(event.New(event.TypeVoucherCancelled, code, map[string]interface{}{
		"reason": reason,
	}))

	return s.vouchers.GetByCode(code)
}

// SweepExpired transitions every active voucher past its window to
// expired, one audit entry per voucher. Running it again immediately
// finds nothing and is a no-op.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	codes, err := s.vouchers.ListExpiredActive(now.UTC())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, code := range codes {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}
		if err := s.expireOne(code, now.UTC()); err != nil {
			s.logger.Error("Failed to expire voucher", zap.String("code", code), zap.Error(err))
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info("Expiry sweep completed", zap.Int("expired", count))
	}
	return count, nil
}

// GetByCode returns a voucher for presentation collaborators
func (s *Service) GetByCode(code string) (*models.Voucher, error) {
	v, err := s.vouchers.GetByCode(code)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// expireOne performs the conditional active->expired transition with
// its audit entry; a no-op when another path settled the voucher first.
func (s *Service) expireOne(code string, now time.Time) error {
	var won bool
	err := s.db.WithTransaction(func(tx *sql.Tx) error {
		var txErr error
		won, txErr = s.vouchers.Expire(tx, code, now)
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		entry := s.trail.Entry(models.EventVoucherExpired, code, SystemActor, nil)
		entry.Severity = models.SeverityLow
		return s.trail.Append(tx, entry)
	})
	if err != nil {
		return err
	}
	if won {
		s.bus.Publish(event.New(event.TypeVoucherExpired, code, nil))
	}
	return nil
}

// lostRace re-reads a voucher after a lost conditional update so the
// caller learns which terminal state the winner left behind.
func (s *Service) lostRace(code string) error {
	v, err := s.vouchers.GetByCode(code)
	if err != nil || v == nil {
		return ErrAlreadyRedeemed
	}
	return terminalError(v.Status)
}

// reject records a security-relevant failed attempt
func (s *Service) reject(kind models.EventKind, code, actorID, reason string, severity models.Severity) {
	entry := s.trail.Entry(kind, code, actorID, map[string]interface{}{
		"reason": reason,
	})
	entry.Severity = severity
	entry.Outcome = models.OutcomeFailure
	s.trail.Record(entry)
}

func terminalError(status models.Status) error {
	switch status {
	case models.StatusRedeemed:
		return ErrAlreadyRedeemed
	case models.StatusCancelled:
		return ErrAlreadyCancelled
	case models.StatusExpired:
		return ErrExpired
	default:
		return ErrNotFound
	}
}
