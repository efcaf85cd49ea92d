// Package sync reconciles the station's local ledger with the remote
// cloud ledger: it drains pending vouchers and audit entries, applies
// the terminal-state-wins conflict policy, and marks records synced
// only after a durable remote acknowledgment.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/audit"
	"github.com/coralreef/tito-station/internal/event"
	"github.com/coralreef/tito-station/internal/models"
	"github.com/coralreef/tito-station/internal/remote"
	"github.com/coralreef/tito-station/internal/repository"
	"github.com/coralreef/tito-station/internal/ticket"
)

// RemoteLedger is the slice of the remote ledger service the engine
// needs. remote.Client satisfies it.
type RemoteLedger interface {
	Available() bool
	UpsertVoucher(ctx context.Context, v *models.Voucher) (*remote.UpsertResult, error)
	AppendAuditBatch(ctx context.Context, entries []*models.AuditEntry) error
}

// Config holds synchronization engine configuration
type Config struct {
	Interval    time.Duration
	BatchSize   int
	ItemTimeout time.Duration
}

// Report summarizes one sync pass
type Report struct {
	VouchersSynced int
	AuditSynced    int
	Conflicts      int
	Transient      int
	Expired        int
}

// Engine is the station's synchronization worker. A single pass runs
// at a time; a trigger during an in-flight pass coalesces into at most
// one follow-up pass.
type Engine struct {
	vouchers *repository.VoucherRepository
	entries  *repository.AuditRepository
	cursors  *repository.CursorRepository
	trail    *audit.Trail
	tickets  *ticket.Service
	ledger   RemoteLedger
	bus      *event.Bus
	cfg      Config
	logger   *zap.Logger

	passMu  sync.Mutex
	trigger chan struct{}

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}

	// conflicts already surfaced this process run, so a record stuck
	// in manual reconciliation is reported once, not once per pass
	reportedMu sync.Mutex
	reported   map[string]bool
}

// NewEngine creates the synchronization engine
func NewEngine(
	vouchers *repository.VoucherRepository,
	entries *repository.AuditRepository,
	cursors *repository.CursorRepository,
	trail *audit.Trail,
	tickets *ticket.Service,
	ledger RemoteLedger,
	bus *event.Bus,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		vouchers: vouchers,
		entries:  entries,
		cursors:  cursors,
		trail:    trail,
		tickets:  tickets,
		ledger:   ledger,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		reported: make(map[string]bool),
	}
}

// Name implements worker.Worker
func (e *Engine) Name() string { return "sync-engine" }

// Start launches the scheduled sync loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("sync engine is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.isRunning = true
	e.done = make(chan struct{})

	go e.loop(runCtx)

	e.logger.Info("Sync engine started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("batch_size", e.cfg.BatchSize))
	return nil
}

// Stop cancels the loop and waits for any in-flight pass to settle.
// Records acknowledged before cancellation stay synced; the rest stay
// pending for the next run.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	<-done
	e.logger.Info("Sync engine stopped")
}

// TriggerSync requests an on-demand pass. Requests made while a pass
// is in flight coalesce into a single follow-up pass.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		if _, err := e.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Sync pass failed", zap.Error(err))
		}
	}
}

// RunPass executes one full reconciliation pass: expiry sweep, then
// voucher drain, then audit drain.
func (e *Engine) RunPass(ctx context.Context) (*Report, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	report := &Report{}

	expired, err := e.tickets.SweepExpired(ctx, time.Now())
	if err != nil {
		return report, fmt.Errorf("expiry sweep: %w", err)
	}
	report.Expired = expired

	if !e.ledger.Available() {
		e.logger.Debug("Remote ledger not configured, skipping drain")
		return report, nil
	}

	if err := e.drainVouchers(ctx, report); err != nil {
		return report, err
	}
	if err := e.drainAudit(ctx, report); err != nil {
		return report, err
	}

	if report.VouchersSynced > 0 || report.AuditSynced > 0 || report.Conflicts > 0 {
		e.logger.Info("Sync pass completed",
			zap.Int("vouchers", report.VouchersSynced),
			zap.Int("audit_entries", report.AuditSynced),
			zap.Int("conflicts", report.Conflicts),
			zap.Int("transient", report.Transient))
		e.bus.Publish(event.New(event.TypeSyncCompleted, "", map[string]interface{}{
			"vouchers":      report.VouchersSynced,
			"audit_entries": report.AuditSynced,
			"conflicts":     report.Conflicts,
		}))
	}
	return report, nil
}

// drainVouchers walks the pending voucher stream from the persisted
// cursor. The cursor advances per processed record so an interrupted
// pass resumes mid-batch; it rewinds once the stream is drained so
// records left pending (transient failures, unresolved conflicts) are
// retried on the next pass.
func (e *Engine) drainVouchers(ctx context.Context, report *Report) error {
	position, err := e.cursors.Get(repository.CursorVouchers)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.vouchers.ListUnsynced(position, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return e.cursors.Reset(repository.CursorVouchers)
		}

		for _, v := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}

			e.syncVoucher(ctx, v, report)

			position = v.ID
			if err := e.cursors.Set(repository.CursorVouchers, position); err != nil {
				return err
			}
		}
	}
}

// syncVoucher pushes a single voucher; failures leave it pending and
// never halt the surrounding batch.
func (e *Engine) syncVoucher(ctx context.Context, v *models.Voucher, report *Report) {
	itemCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	defer cancel()

	result, err := e.ledger.UpsertVoucher(itemCtx, v)
	if err != nil {
		report.Transient++
		if errors.Is(err, remote.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("Voucher sync deferred",
				zap.String("code", v.Code), zap.Error(err))
		} else {
			e.logger.Error("Voucher sync failed",
				zap.String("code", v.Code), zap.Error(err))
		}
		return
	}

	if result.Acked {
		if err := e.vouchers.MarkSynced([]string{v.Code}); err != nil {
			e.logger.Error("Failed to mark voucher synced",
				zap.String("code", v.Code), zap.Error(err))
			return
		}
		report.VouchersSynced++
		return
	}

	e.resolveConflict(v, result.Remote, report)
}

// resolveConflict applies the terminal-state-wins policy: the remote
// copy is authoritative only when it reached a terminal state the
// local copy has not. Anything else is surfaced for manual
// reconciliation and the record stays pending.
func (e *Engine) resolveConflict(local, remoteState *models.Voucher, report *Report) {
	if remoteState != nil && remoteState.Status.IsTerminal() && !local.Status.IsTerminal() {
		adopted, err := e.vouchers.AdoptRemoteState(local.Code, remoteState)
		if err != nil {
			e.logger.Error("Failed to adopt remote state",
				zap.String("code", local.Code), zap.Error(err))
			return
		}
		if adopted {
			entry := e.trail.Entry(models.EventSyncRemoteAdopt, local.Code, ticket.SystemActor,
				map[string]interface{}{
					"remote_status": remoteState.Status.String(),
					"local_status":  local.Status.String(),
				})
			entry.Severity = models.SeverityHigh
			e.trail.Record(entry)
			report.VouchersSynced++
			e.logger.Warn("Adopted remote terminal state",
				zap.String("code", local.Code),
				zap.String("remote_status", remoteState.Status.String()))
		}
		return
	}

	report.Conflicts++

	e.reportedMu.Lock()
	alreadyReported := e.reported[local.Code]
	e.reported[local.Code] = true
	e.reportedMu.Unlock()
	if alreadyReported {
		return
	}

	remoteStatus := "unknown"
	if remoteState != nil {
		remoteStatus = remoteState.Status.String()
	}
	entry := e.trail.Entry(models.EventSyncConflict, local.Code, ticket.SystemActor,
		map[string]interface{}{
			"local_status":  local.Status.String(),
			"remote_status": remoteStatus,
		})
	entry.Severity = models.SeverityHigh
	entry.Outcome = models.OutcomeFailure
	e.trail.Record(entry)

	e.bus.Publish(event.New(event.TypeSyncConflict, local.Code, map[string]interface{}{
		"local_status":  local.Status.String(),
		"remote_status": remoteStatus,
	}))

	e.logger.Warn("Sync conflict left for manual reconciliation",
		zap.String("code", local.Code),
		zap.String("local_status", local.Status.String()),
		zap.String("remote_status", remoteStatus))
}

// drainAudit ships pending audit entries in batches keyed on their
// uuids. A transient failure stops the audit drain for this pass;
// everything unacknowledged stays pending.
func (e *Engine) drainAudit(ctx context.Context, report *Report) error {
	position, err := e.cursors.Get(repository.CursorAudit)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.entries.ListUnsynced(position, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return e.cursors.Reset(repository.CursorAudit)
		}

		batchCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
		err = e.ledger.AppendAuditBatch(batchCtx, batch)
		cancel()
		if err != nil {
			report.Transient++
			if errors.Is(err, remote.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
				e.logger.Warn("Audit sync deferred", zap.Int("batch", len(batch)), zap.Error(err))
				return nil
			}
			return err
		}

		ids := make([]string, 0, len(batch))
		for _, entry := range batch {
			ids = append(ids, entry.ID)
		}
		if err := e.entries.MarkSynced(ids); err != nil {
			return err
		}
		report.AuditSynced += len(batch)

		position = batch[len(batch)-1].RowID
		if err := e.cursors.Set(repository.CursorAudit, position); err != nil {
			return err
		}
	}
}
