package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/models"
)

const voucherColumns = `id, code, amount, currency, status, qr_payload, integrity_hash,
	issued_at_station, issued_by, issued_at, redeemed_by, redeemed_at,
	cancel_reason, expires_at, sync_state`

// VoucherRepository handles voucher persistence. All state transitions
// go through the conditional updates below; fields are never written
// directly by callers.
type VoucherRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewVoucherRepository creates a new voucher repository
func NewVoucherRepository(db *sql.DB, logger *zap.Logger) *VoucherRepository {
	return &VoucherRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a freshly issued voucher. The unique constraint on
// code is the collision guard of last resort.
func (r *VoucherRepository) Create(tx *sql.Tx, v *models.Voucher) error {
	query := `
		INSERT INTO vouchers (
			code, amount, currency, status, qr_payload, integrity_hash,
			issued_at_station, issued_by, issued_at, expires_at, sync_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	args := []interface{}{
		v.Code,
		v.Amount.String(),
		string(v.Currency),
		string(v.Status),
		v.QRPayload,
		v.IntegrityHash,
		v.IssuedAtStation,
		v.IssuedBy,
		v.IssuedAt,
		v.ExpiresAt,
		string(v.SyncState),
	}

	var result sql.Result
	var err error
	if tx != nil {
		result, err = tx.Exec(query, args...)
	} else {
		result, err = r.db.Exec(query, args...)
	}
	if err != nil {
		r.logger.Error("Failed to create voucher", zap.String("code", v.Code), zap.Error(err))
		return fmt.Errorf("failed to create voucher: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	v.ID = id
	return nil
}

// CreateMigrated inserts a voucher carried over from the legacy
// schema with its full lifecycle state, unlike Create which only ever
// writes freshly issued rows.
func (r *VoucherRepository) CreateMigrated(tx *sql.Tx, v *models.Voucher) error {
	query := `
		INSERT INTO vouchers (
			code, amount, currency, status, qr_payload, integrity_hash,
			issued_at_station, issued_by, issued_at, redeemed_by, redeemed_at,
			cancel_reason, expires_at, sync_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var redeemedBy, cancelReason interface{}
	if v.RedeemedBy != "" {
		redeemedBy = v.RedeemedBy
	}
	if v.CancelReason != "" {
		cancelReason = v.CancelReason
	}

	result, err := exec(tx, r.db, query,
		v.Code,
		v.Amount.String(),
		string(v.Currency),
		string(v.Status),
		v.QRPayload,
		v.IntegrityHash,
		v.IssuedAtStation,
		v.IssuedBy,
		v.IssuedAt,
		redeemedBy,
		v.RedeemedAt,
		cancelReason,
		v.ExpiresAt,
		string(v.SyncState),
	)
	if err != nil {
		return fmt.Errorf("failed to insert migrated voucher: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		v.ID = id
	}
	return nil
}

// GetByCode retrieves a voucher by its code, or nil when absent
func (r *VoucherRepository) GetByCode(code string) (*models.Voucher, error) {
	query := fmt.Sprintf("SELECT %s FROM vouchers WHERE code = ?", voucherColumns)
	v, err := scanVoucher(r.db.QueryRow(query, code))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get voucher", zap.String("code", code), zap.Error(err))
		return nil, fmt.Errorf("failed to get voucher: %w", err)
	}
	return v, nil
}

// Redeem performs the atomic check-and-set that settles concurrent
// redemption races: the row flips to redeemed only while still active.
// Returns true when this caller won the transition.
func (r *VoucherRepository) Redeem(tx *sql.Tx, code, actorID string, at time.Time) (bool, error) {
	query := `
		UPDATE vouchers
		SET status = ?, redeemed_by = ?, redeemed_at = ?, sync_state = ?
		WHERE code = ? AND status = ?
	`
	res, err := exec(tx, r.db, query,
		string(models.StatusRedeemed), actorID, at, string(models.SyncPending),
		code, string(models.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to redeem voucher: %w", err)
	}
	return affectedOne(res)
}

// Cancel transitions an active voucher to cancelled
func (r *VoucherRepository) Cancel(tx *sql.Tx, code, reason string) (bool, error) {
	query := `
		UPDATE vouchers
		SET status = ?, cancel_reason = ?, sync_state = ?
		WHERE code = ? AND status = ?
	`
	res, err := exec(tx, r.db, query,
		string(models.StatusCancelled), reason, string(models.SyncPending),
		code, string(models.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to cancel voucher: %w", err)
	}
	return affectedOne(res)
}

// Expire transitions an active voucher past its window to expired
func (r *VoucherRepository) Expire(tx *sql.Tx, code string, now time.Time) (bool, error) {
	query := `
		UPDATE vouchers
		SET status = ?, sync_state = ?
		WHERE code = ? AND status = ? AND expires_at <= ?
	`
	res, err := exec(tx, r.db, query,
		string(models.StatusExpired), string(models.SyncPending),
		code, string(models.StatusActive), now)
	if err != nil {
		return false, fmt.Errorf("failed to expire voucher: %w", err)
	}
	return affectedOne(res)
}

// ListExpiredActive returns codes of active vouchers whose window has
// passed at now
func (r *VoucherRepository) ListExpiredActive(now time.Time) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT code FROM vouchers WHERE status = ? AND expires_at <= ? ORDER BY id",
		string(models.StatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired vouchers: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// ListUnsynced returns pending vouchers with id greater than afterID,
// in insertion order, bounded by limit. The id ordering is what makes
// the sync cursor resumable.
func (r *VoucherRepository) ListUnsynced(afterID int64, limit int) ([]*models.Voucher, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM vouchers WHERE sync_state = ? AND id > ? ORDER BY id LIMIT ?",
		voucherColumns)
	rows, err := r.db.Query(query, string(models.SyncPending), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []*models.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}

// MarkSynced flips the given codes to synced. Missing or already
// synced codes are silently ignored, so a retried acknowledgment is a
// no-op.
func (r *VoucherRepository) MarkSynced(codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(codes)-1) + "?"
	query := fmt.Sprintf(
		"UPDATE vouchers SET sync_state = ? WHERE code IN (%s) AND sync_state = ?",
		placeholders)

	args := make([]interface{}, 0, len(codes)+2)
	args = append(args, string(models.SyncSynced))
	for _, c := range codes {
		args = append(args, c)
	}
	args = append(args, string(models.SyncPending))

	if _, err := r.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to mark vouchers synced: %w", err)
	}
	return nil
}

// AdoptRemoteState applies the remote ledger's terminal state onto a
// non-terminal local copy during conflict resolution. The adopted row
// is considered settled and marked synced.
func (r *VoucherRepository) AdoptRemoteState(code string, remote *models.Voucher) (bool, error) {
	if !remote.Status.IsTerminal() {
		return false, fmt.Errorf("remote state %q is not terminal", remote.Status)
	}
	query := `
		UPDATE vouchers
		SET status = ?, redeemed_by = ?, redeemed_at = ?, cancel_reason = ?, sync_state = ?
		WHERE code = ? AND status = ?
	`
	res, err := r.db.Exec(query,
		string(remote.Status), remote.RedeemedBy, remote.RedeemedAt, remote.CancelReason,
		string(models.SyncSynced),
		code, string(models.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to adopt remote state: %w", err)
	}
	return affectedOne(res)
}

// StatusCounts returns the number of vouchers per lifecycle status
func (r *VoucherRepository) StatusCounts() (map[models.Status]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM vouchers GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count vouchers: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// RedeemedTotals returns the sum of redeemed amounts per currency for
// vouchers redeemed at or after since
func (r *VoucherRepository) RedeemedTotals(since time.Time) (map[models.Currency]decimal.Decimal, error) {
	rows, err := r.db.Query(
		"SELECT currency, amount FROM vouchers WHERE status = ? AND redeemed_at >= ?",
		string(models.StatusRedeemed), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query redeemed totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[models.Currency]decimal.Decimal)
	for rows.Next() {
		var currency, amount string
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
		}
		c := models.Currency(currency)
		totals[c] = totals[c].Add(d)
	}
	return totals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVoucher(row rowScanner) (*models.Voucher, error) {
	var v models.Voucher
	var amount, currency, status, syncState string
	var redeemedBy, cancelReason sql.NullString
	var redeemedAt sql.NullTime

	err := row.Scan(
		&v.ID, &v.Code, &amount, &currency, &status, &v.QRPayload, &v.IntegrityHash,
		&v.IssuedAtStation, &v.IssuedBy, &v.IssuedAt, &redeemedBy, &redeemedAt,
		&cancelReason, &v.ExpiresAt, &syncState,
	)
	if err != nil {
		return nil, err
	}

	v.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	v.Currency = models.Currency(currency)
	v.Status = models.Status(status)
	v.SyncState = models.SyncState(syncState)
	if redeemedBy.Valid {
		v.RedeemedBy = redeemedBy.String
	}
	if redeemedAt.Valid {
		t := redeemedAt.Time
		v.RedeemedAt = &t
	}
	if cancelReason.Valid {
		v.CancelReason = cancelReason.String
	}
	return &v, nil
}

func exec(tx *sql.Tx, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	if tx != nil {
		return tx.Exec(query, args...)
	}
	return db.Exec(query, args...)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
