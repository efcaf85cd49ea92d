// Package legacy performs the one-shot migration of a prior
// installation's ticket records into the current voucher schema. It
// runs at startup before the sync engine and before any redemption
// handler accepts traffic, and is safe to re-run: a persisted marker
// short-circuits it, and records whose code already exists are
// skipped, never overwritten.
package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/audit"
	"github.com/coralreef/tito-station/internal/models"
	"github.com/coralreef/tito-station/internal/repository"
	"github.com/coralreef/tito-station/internal/ticket"
	"github.com/coralreef/tito-station/pkg/database"
)

// legacyTable is the prior schema's ticket table
const legacyTable = "tickets"

// Report summarizes one migration run
type Report struct {
	Migrated int
	Skipped  int
	Failed   int
}

// Migrator transforms legacy ticket rows into current vouchers
type Migrator struct {
	db       *database.DB
	vouchers *repository.VoucherRepository
	config   *repository.ConfigRepository
	trail    *audit.Trail
	signer   *ticket.Signer
	window   time.Duration
	logger   *zap.Logger
}

// NewMigrator creates the legacy migrator. window is the expiry offset
// applied to migrated vouchers that predate stored expiry dates.
func NewMigrator(
	db *database.DB,
	vouchers *repository.VoucherRepository,
	config *repository.ConfigRepository,
	trail *audit.Trail,
	signer *ticket.Signer,
	window time.Duration,
	logger *zap.Logger,
) *Migrator {
	return &Migrator{
		db:       db,
		vouchers: vouchers,
		config:   config,
		trail:    trail,
		signer:   signer,
		window:   window,
		logger:   logger,
	}
}

// Run executes the migration. Individual record failures are logged
// and skipped; they never abort the batch, and an interrupted run
// resumes on the next start because unmigrated codes are still absent
// from the voucher table.
func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	done, err := m.config.Get(repository.KeyLegacyMigrationDone)
	if err != nil {
		return report, err
	}
	if done != "" {
		m.logger.Debug("Legacy migration already applied", zap.String("at", done))
		return report, nil
	}

	exists, err := m.legacyTableExists()
	if err != nil {
		return report, err
	}
	if !exists {
		// Fresh installation; nothing to transform.
		return report, m.markDone()
	}

	rows, err := m.db.Query("SELECT * FROM " + legacyTable)
	if err != nil {
		return report, fmt.Errorf("failed to read legacy tickets: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return report, err
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		record, err := scanRecord(rows, columns)
		if err != nil {
			report.Failed++
			m.logger.Warn("Unreadable legacy record skipped", zap.Error(err))
			continue
		}

		v, err := m.transform(record)
		if err != nil {
			report.Failed++
			m.logger.Warn("Legacy record failed to transform",
				zap.String("code", record.str("code", "ticket_number")),
				zap.Error(err))
			continue
		}

		existing, err := m.vouchers.GetByCode(v.Code)
		if err != nil {
			return report, err
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		if err := m.vouchers.CreateMigrated(nil, v); err != nil {
			report.Failed++
			m.logger.Warn("Legacy record failed to insert",
				zap.String("code", v.Code), zap.Error(err))
			continue
		}
		report.Migrated++
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	m.retireLegacyTable()

	if err := m.markDone(); err != nil {
		return report, err
	}

	entry := m.trail.Entry(models.EventLegacyMigration, "", ticket.SystemActor, map[string]interface{}{
		"migrated": report.Migrated,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
	})
	entry.Severity = models.SeverityHigh
	m.trail.Record(entry)

	m.logger.Info("Legacy migration completed",
		zap.Int("migrated", report.Migrated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (m *Migrator) legacyTableExists() (bool, error) {
	var n int
	err := m.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?",
		legacyTable,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect legacy schema: %w", err)
	}
	return n > 0, nil
}

func (m *Migrator) markDone() error {
	return m.config.Set(repository.KeyLegacyMigrationDone,
		time.Now().UTC().Format(time.RFC3339))
}

// retireLegacyTable renames the source table so the evidence stays on
// disk without ever being scanned again. Failure here is tolerated:
// the marker alone prevents a re-run.
func (m *Migrator) retireLegacyTable() {
	if _, err := m.db.Exec("ALTER TABLE " + legacyTable + " RENAME TO tickets_legacy"); err != nil {
		m.logger.Warn("Could not retire legacy table", zap.Error(err))
	}
}

// legacy status vocabulary, both naming generations
var statusMap = map[string]models.Status{
	"emitido":   models.StatusActive,
	"activo":    models.StatusActive,
	"usado":     models.StatusRedeemed,
	"canjeado":  models.StatusRedeemed,
	"cancelado": models.StatusCancelled,
	"expirado":  models.StatusExpired,
}

// transform maps one legacy row to the current voucher shape. Legacy
// installations disagreed on column names, so every field probes its
// known aliases.
func (m *Migrator) transform(r record) (*models.Voucher, error) {
	code := strings.ToUpper(strings.TrimSpace(r.str("code", "ticket_number")))
	if code == "" {
		return nil, fmt.Errorf("record has no code")
	}

	rawAmount := r.str("amount", "valor")
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", rawAmount, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("non-positive amount %s", amount)
	}

	currency, err := models.ParseCurrency(r.str("currency", "moneda"))
	if err != nil {
		return nil, err
	}

	rawStatus := strings.ToLower(r.str("estado", "status"))
	status, ok := statusMap[rawStatus]
	if !ok {
		return nil, fmt.Errorf("unknown legacy status %q", rawStatus)
	}

	issuedAt := r.time("fecha_emision", "created_at")
	if issuedAt.IsZero() {
		return nil, fmt.Errorf("record has no issuance date")
	}

	v := &models.Voucher{
		Code:            code,
		Amount:          amount,
		Currency:        currency,
		Status:          status,
		IssuedAtStation: firstNonEmpty(r.str("mesa", "mesa_id"), "legacy"),
		IssuedBy:        firstNonEmpty(r.str("usuario_emision", "issued_by_user_id"), "legacy"),
		IssuedAt:        issuedAt,
		ExpiresAt:       issuedAt.Add(m.window),
		SyncState:       models.SyncPending,
	}

	// Legacy hashes used a different scheme; the record is re-signed
	// so the stored hash stays a deterministic function of the current
	// station secret.
	v.IntegrityHash = m.signer.Hash(v.Code, v.Amount, v.Currency, v.IssuedAt)
	v.QRPayload = firstNonEmpty(r.str("qr_data"),
		m.signer.QRPayload(v.Code, v.Amount, v.Currency, v.IssuedAt))

	if status == models.StatusRedeemed {
		redeemedAt := r.time("fecha_cobro", "redeemed_at")
		if redeemedAt.IsZero() {
			redeemedAt = issuedAt
		}
		v.RedeemedAt = &redeemedAt
		v.RedeemedBy = firstNonEmpty(r.str("cajero_id", "usuario_canje", "redeemed_by_user_id"), "legacy")
	}
	if status == models.StatusCancelled {
		v.CancelReason = firstNonEmpty(r.str("notas"), "migrated from legacy schema")
	}

	return v, nil
}

// record is one legacy row keyed by column name
type record map[string]interface{}

func scanRecord(rows *sql.Rows, columns []string) (record, error) {
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	r := make(record, len(columns))
	for i, col := range columns {
		r[strings.ToLower(col)] = values[i]
	}
	return r, nil
}

// str returns the first present, non-empty alias rendered as a string
func (r record) str(aliases ...string) string {
	for _, alias := range aliases {
		v, ok := r[alias]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case []byte:
			if len(t) > 0 {
				return string(t)
			}
		case int64:
			return fmt.Sprintf("%d", t)
		case float64:
			return decimal.NewFromFloat(t).String()
		case time.Time:
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

// legacy datetime renderings seen in the wild
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999Z07:00",
	"2006-01-02",
}

// time returns the first alias parseable as a timestamp
func (r record) time(aliases ...string) time.Time {
	for _, alias := range aliases {
		v, ok := r[alias]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t.UTC()
		case string:
			for _, layout := range timeLayouts {
				if parsed, err := time.Parse(layout, t); err == nil {
					return parsed.UTC()
				}
			}
		case []byte:
			for _, layout := range timeLayouts {
				if parsed, err := time.Parse(layout, string(t)); err == nil {
					return parsed.UTC()
				}
			}
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
