package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/audit"
	"github.com/coralreef/tito-station/internal/event"
	"github.com/coralreef/tito-station/internal/models"
	"github.com/coralreef/tito-station/internal/remote"
	"github.com/coralreef/tito-station/internal/repository"
	"github.com/coralreef/tito-station/internal/ticket"
	"github.com/coralreef/tito-station/pkg/database"
)

// fakeLedger is a programmable in-memory stand-in for the remote
// ledger service.
type fakeLedger struct {
	mu        sync.Mutex
	offline   bool
	failCodes map[string]error
	conflicts map[string]*models.Voucher
	auditErr  error
	onUpsert  func()

	upserts      map[string]int
	stored       map[string]*models.Voucher
	auditEntries map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		failCodes:    make(map[string]error),
		conflicts:    make(map[string]*models.Voucher),
		upserts:      make(map[string]int),
		stored:       make(map[string]*models.Voucher),
		auditEntries: make(map[string]bool),
	}
}

func (f *fakeLedger) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *fakeLedger) UpsertVoucher(ctx context.Context, v *models.Voucher) (*remote.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failCodes[v.Code]; ok {
		return nil, err
	}
	f.upserts[v.Code]++
	if remoteState, ok := f.conflicts[v.Code]; ok {
		return &remote.UpsertResult{Acked: false, Remote: remoteState}, nil
	}
	f.stored[v.Code] = v
	if f.onUpsert != nil {
		f.onUpsert()
	}
	return &remote.UpsertResult{Acked: true, Remote: v}, nil
}

func (f *fakeLedger) AppendAuditBatch(ctx context.Context, entries []*models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.auditErr != nil {
		return f.auditErr
	}
	for _, e := range entries {
		f.auditEntries[e.ID] = true
	}
	return nil
}

func (f *fakeLedger) upsertCount(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[code]
}

type engineFixture struct {
	engine   *Engine
	tickets  *ticket.Service
	vouchers *repository.VoucherRepository
	entries  *repository.AuditRepository
	cursors  *repository.CursorRepository
	ledger   *fakeLedger
	bus      *event.Bus
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.Open(database.Config{
		Path:         filepath.Join(t.TempDir(), "station.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.NewMigrator(db, logger).RunMigrations())

	vouchers := repository.NewVoucherRepository(db.DB, logger)
	entries := repository.NewAuditRepository(db.DB, logger)
	cursors := repository.NewCursorRepository(db.DB, logger)
	trail := audit.NewTrail(entries, "CAJA-01", logger)
	bus := event.NewBus(128, logger)
	t.Cleanup(bus.Close)

	tickets := ticket.NewService(db, vouchers, trail, bus,
		ticket.NewCodeGenerator("PREV"), ticket.NewSigner("test-secret"),
		365*24*time.Hour, logger)

	ledger := newFakeLedger()
	engine := NewEngine(vouchers, entries, cursors, trail, tickets, ledger, bus, Config{
		Interval:    time.Hour,
		BatchSize:   2,
		ItemTimeout: time.Second,
	}, logger)

	return &engineFixture{
		engine:   engine,
		tickets:  tickets,
		vouchers: vouchers,
		entries:  entries,
		cursors:  cursors,
		ledger:   ledger,
		bus:      bus,
	}
}

func (f *engineFixture) issue(t *testing.T, amount string) *models.Voucher {
	t.Helper()
	v, err := f.tickets.Issue(context.Background(), ticket.IssueRequest{
		Amount:    decimal.RequireFromString(amount),
		Currency:  models.CurrencyUSD,
		StationID: "P01",
		ActorID:   "operator@station",
	})
	require.NoError(t, err)
	return v
}

func TestRunPassDrainsPendingRecords(t *testing.T) {
	f := newEngineFixture(t)
	a := f.issue(t, "100")
	b := f.issue(t, "200")
	c := f.issue(t, "300")

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.VouchersSynced)
	assert.Equal(t, 3, report.AuditSynced, "one issuance audit entry per voucher")
	assert.Zero(t, report.Conflicts)

	for _, code := range []string{a.Code, b.Code, c.Code} {
		got, err := f.vouchers.GetByCode(code)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSynced, got.SyncState)
		assert.Equal(t, 1, f.ledger.upsertCount(code))
	}

	// What the remote holds matches the local original.
	remoteCopy := f.ledger.stored[a.Code]
	require.NotNil(t, remoteCopy)
	assert.Equal(t, a.Code, remoteCopy.Code)
	assert.True(t, remoteCopy.Amount.Equal(a.Amount))
	assert.Equal(t, a.Currency, remoteCopy.Currency)

	// Drained streams rewind their cursors.
	pos, err := f.cursors.Get(repository.CursorVouchers)
	require.NoError(t, err)
	assert.Zero(t, pos)
	pos, err = f.cursors.Get(repository.CursorAudit)
	require.NoError(t, err)
	assert.Zero(t, pos)

	// A second pass finds nothing and re-sends nothing.
	report, err = f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.VouchersSynced)
	assert.Zero(t, report.AuditSynced)
	assert.Equal(t, 1, f.ledger.upsertCount(a.Code))
}

func TestRunPassSkipsDrainWhenOffline(t *testing.T) {
	f := newEngineFixture(t)
	v := f.issue(t, "100")
	f.ledger.offline = true

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.VouchersSynced)

	got, err := f.vouchers.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.SyncState)
}

func TestTransientFailureLeavesPending(t *testing.T) {
	f := newEngineFixture(t)
	stuck := f.issue(t, "100")
	fine := f.issue(t, "200")
	f.ledger.failCodes[stuck.Code] = remote.ErrTransient

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.VouchersSynced)
	assert.Equal(t, 1, report.Transient)

	got, err := f.vouchers.GetByCode(stuck.Code)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.SyncState)
	got, err = f.vouchers.GetByCode(fine.Code)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.SyncState)

	// Once the remote recovers the stuck record goes through exactly
	// once more.
	delete(f.ledger.failCodes, stuck.Code)
	report, err = f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.VouchersSynced)

	got, err = f.vouchers.GetByCode(stuck.Code)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.SyncState)
	assert.Equal(t, 1, f.ledger.upsertCount(fine.Code))
}

func TestCancelMidPassKeepsAckedRecordsSynced(t *testing.T) {
	f := newEngineFixture(t)
	a := f.issue(t, "100")
	b := f.issue(t, "200")
	c := f.issue(t, "300")

	// Pull the plug as soon as the first record is acknowledged.
	ctx, cancel := context.WithCancel(context.Background())
	f.ledger.onUpsert = cancel

	_, err := f.engine.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := f.vouchers.GetByCode(a.Code)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.SyncState)
	for _, code := range []string{b.Code, c.Code} {
		got, err := f.vouchers.GetByCode(code)
		require.NoError(t, err)
		assert.Equal(t, models.SyncPending, got.SyncState)
	}

	// The cursor stayed on the acknowledged record so the interrupted
	// pass resumes where it stopped.
	pos, err := f.cursors.Get(repository.CursorVouchers)
	require.NoError(t, err)
	assert.Equal(t, a.ID, pos)

	f.ledger.mu.Lock()
	f.ledger.onUpsert = nil
	f.ledger.mu.Unlock()

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.VouchersSynced)
	assert.Equal(t, 1, f.ledger.upsertCount(a.Code), "acknowledged record is not re-sent")

	for _, code := range []string{b.Code, c.Code} {
		got, err := f.vouchers.GetByCode(code)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSynced, got.SyncState)
	}
	pos, err = f.cursors.Get(repository.CursorVouchers)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestConflictAdoptsRemoteTerminalState(t *testing.T) {
	f := newEngineFixture(t)
	v := f.issue(t, "100")

	redeemedAt := time.Now().UTC().Truncate(time.Second)
	f.ledger.conflicts[v.Code] = &models.Voucher{
		Code:       v.Code,
		Status:     models.StatusRedeemed,
		RedeemedBy: "cashier@other-station",
		RedeemedAt: &redeemedAt,
	}

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.VouchersSynced)
	assert.Zero(t, report.Conflicts)

	got, err := f.vouchers.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRedeemed, got.Status)
	assert.Equal(t, "cashier@other-station", got.RedeemedBy)
	assert.Equal(t, models.SyncSynced, got.SyncState)

	adoptions, err := f.entries.Recent(20)
	require.NoError(t, err)
	found := false
	for _, e := range adoptions {
		if e.EventKind == models.EventSyncRemoteAdopt && e.VoucherCode == v.Code {
			found = true
		}
	}
	assert.True(t, found, "adoption must land in the audit trail")
}

func TestUnresolvableConflictStaysPending(t *testing.T) {
	f := newEngineFixture(t)
	v := f.issue(t, "100")

	// Remote holds the code active too; neither side is terminal, so
	// nothing is adopted.
	f.ledger.conflicts[v.Code] = &models.Voucher{
		Code:   v.Code,
		Status: models.StatusActive,
	}

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	got, err := f.vouchers.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, models.SyncPending, got.SyncState)

	// The conflict keeps counting but is audited only once per run.
	report, err = f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	entries, err := f.entries.Recent(50)
	require.NoError(t, err)
	conflictAudits := 0
	for _, e := range entries {
		if e.EventKind == models.EventSyncConflict && e.VoucherCode == v.Code {
			conflictAudits++
		}
	}
	assert.Equal(t, 1, conflictAudits)
}

func TestAuditDrainStopsOnTransientFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.issue(t, "100")
	f.ledger.auditErr = remote.ErrTransient

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.VouchersSynced)
	assert.Zero(t, report.AuditSynced)

	pending, err := f.entries.ListUnsynced(0, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	f.ledger.auditErr = nil
	report, err = f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, report.AuditSynced)

	pending, err = f.entries.ListUnsynced(0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpiredVouchersStillDrain(t *testing.T) {
	f := newEngineFixture(t)
	v := f.issue(t, "100")

	// Force the voucher past its window.
	_, err := f.vouchers.Expire(nil, v.Code, v.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)

	report, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)

	// The already-expired record still drains to the remote.
	assert.Equal(t, 1, report.VouchersSynced)
	got, err := f.vouchers.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, models.SyncSynced, got.SyncState)
}

func TestTriggerSyncCoalesces(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.TriggerSync()
	f.engine.TriggerSync()
	f.engine.TriggerSync()

	assert.Len(t, f.engine.trigger, 1, "pending triggers must coalesce")
}

func TestStartStop(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	assert.Error(t, f.engine.Start(ctx), "second start must be refused")

	f.issue(t, "100")
	f.engine.TriggerSync()

	require.Eventually(t, func() bool {
		pending, err := f.vouchers.ListUnsynced(0, 10)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 20*time.Millisecond)

	f.engine.Stop()
	f.engine.Stop()
}
