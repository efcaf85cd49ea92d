package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/models"
)

func testEntry(kind models.EventKind, actorID string, at time.Time) *models.AuditEntry {
	return &models.AuditEntry{
		ID:          uuid.New().String(),
		EventKind:   kind,
		VoucherCode: "PREV-260830-CAJA01-AAAAAA",
		ActorID:     actorID,
		StationID:   "CAJA-01",
		Timestamp:   at,
		Details:     `{"amount":"100"}`,
		Severity:    models.SeverityMedium,
		Outcome:     models.OutcomeSuccess,
		SyncState:   models.SyncPending,
	}
}

func TestAppendAssignsRowID(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db.DB, zap.NewNop())

	e := testEntry(models.EventVoucherIssued, "operator@station", time.Now().UTC())
	require.NoError(t, repo.Append(nil, e))
	assert.NotZero(t, e.RowID)

	second := testEntry(models.EventVoucherRedeemed, "cashier@station", time.Now().UTC())
	require.NoError(t, repo.Append(nil, second))
	assert.Greater(t, second.RowID, e.RowID)
}

func TestRecentNewestFirst(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db.DB, zap.NewNop())

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(nil,
			testEntry(models.EventVoucherIssued, fmt.Sprintf("actor-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	entries, err := repo.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "actor-4", entries[0].ActorID)
	assert.Equal(t, "actor-2", entries[2].ActorID)
}

func TestByActorAndDateRange(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db.DB, zap.NewNop())

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Append(nil, testEntry(models.EventVoucherIssued, "alice@station", base)))
	require.NoError(t, repo.Append(nil, testEntry(models.EventVoucherRedeemed, "bob@station", base.Add(time.Hour))))
	require.NoError(t, repo.Append(nil, testEntry(models.EventVoucherCancelled, "alice@station", base.Add(2*time.Hour))))

	byAlice, err := repo.ByActor("alice@station", 10)
	require.NoError(t, err)
	require.Len(t, byAlice, 2)
	assert.Equal(t, models.EventVoucherCancelled, byAlice[0].EventKind)

	window, err := repo.ByDateRange(base.Add(30*time.Minute), base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "bob@station", window[0].ActorID)
}

func TestAuditMarkSyncedIdempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewAuditRepository(db.DB, zap.NewNop())

	a := testEntry(models.EventVoucherIssued, "operator@station", time.Now().UTC())
	b := testEntry(models.EventVoucherRedeemed, "cashier@station", time.Now().UTC())
	require.NoError(t, repo.Append(nil, a))
	require.NoError(t, repo.Append(nil, b))

	require.NoError(t, repo.MarkSynced([]string{a.ID}))
	require.NoError(t, repo.MarkSynced([]string{a.ID, uuid.New().String()}))
	require.NoError(t, repo.MarkSynced(nil))

	pending, err := repo.ListUnsynced(0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	// Resuming past the remaining rowid drains the stream.
	drained, err := repo.ListUnsynced(pending[0].RowID, 10)
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestCursorRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewCursorRepository(db.DB, zap.NewNop())

	pos, err := repo.Get(CursorVouchers)
	require.NoError(t, err)
	assert.Zero(t, pos, "unset cursor reads as zero")

	require.NoError(t, repo.Set(CursorVouchers, 42))
	require.NoError(t, repo.Set(CursorVouchers, 99))
	pos, err = repo.Get(CursorVouchers)
	require.NoError(t, err)
	assert.EqualValues(t, 99, pos)

	// Cursors of different kinds do not interfere.
	pos, err = repo.Get(CursorAudit)
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, repo.Reset(CursorVouchers))
	pos, err = repo.Get(CursorVouchers)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestStationConfigRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewConfigRepository(db.DB, zap.NewNop())

	v, err := repo.Get(KeyLegacyMigrationDone)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, repo.Set(KeyLegacyMigrationDone, "2026-08-30T12:00:00Z"))
	require.NoError(t, repo.Set(KeyLastTicketNumber, "1042"))

	v, err = repo.Get(KeyLegacyMigrationDone)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30T12:00:00Z", v)

	require.NoError(t, repo.Set(KeyLastTicketNumber, "1043"))
	v, err = repo.Get(KeyLastTicketNumber)
	require.NoError(t, err)
	assert.Equal(t, "1043", v)
}
