package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkkn/solutionshub-batch/internal/archive"
	"github.com/jkkn/solutionshub-batch/internal/earnings"
	"github.com/jkkn/solutionshub-batch/internal/lock"
	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/service/config"
	"github.com/jkkn/solutionshub-batch/internal/service/notifyclient"
	"github.com/jkkn/solutionshub-batch/internal/split"
	"github.com/jkkn/solutionshub-batch/internal/store"
)

type Service interface {
	ProcessExpiredBatches(ctx context.Context, triggeredBy string) (model.BatchRun, error)
	GetBatchStatus(ctx context.Context) (model.BatchStatus, error)
	RetryPayments(ctx context.Context, paymentIDs []string, triggeredBy string) (model.BatchRun, error)
	FindExpiredPendingPayments(ctx context.Context, now time.Time) ([]model.Payment, error)
	FlagPayment(ctx context.Context, paymentID string, reason string) error
	GetEarnings(ctx context.Context, paymentID string) ([]model.EarningsEntry, error)
	AdvanceEarnings(ctx context.Context, entryID string, status string) (model.EarningsEntry, error)
	Reconcile(ctx context.Context) ([]model.Reconciliation, error)
	Ping(ctx context.Context) error
	Run(ctx context.Context)
}

const (
	TriggeredByScheduler = "scheduler"
)

// Dependencies are the collaborators of the batch service. Notifier and
// Archiver are optional.
type Dependencies struct {
	Store    store.Store
	Splits   *split.Table
	Locker   lock.Locker
	Notifier notifyclient.Notifier
	Archiver archive.Archiver
	Logger   *zap.Logger
	Now      func() time.Time
}

type service struct {
	cfg      config.Config
	store    store.Store
	splits   *split.Table
	locker   lock.Locker
	notifier notifyclient.Notifier
	archiver archive.Archiver
	earnings earnings.Earnings
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewService(cfg config.Config, deps Dependencies) (Service, error) {
	if deps.Store == nil || deps.Splits == nil || deps.Locker == nil {
		return nil, fmt.Errorf("service: store, split table and locker required")
	}
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = config.DefaultPendingWindow
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = config.DefaultBatchLimit
	}
	if cfg.Budget <= 0 {
		cfg.Budget = config.DefaultBudget
	}
	if cfg.LockKey == "" {
		cfg.LockKey = config.DefaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = config.DefaultLockTTL
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = config.DefaultNotifyTimeout
	}
	if cfg.LockTTL <= cfg.Budget+cfg.NotifyTimeout {
		return nil, fmt.Errorf("service: lock ttl %s must exceed budget %s plus notify timeout %s",
			cfg.LockTTL, cfg.Budget, cfg.NotifyTimeout)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	service := service{
		cfg:      cfg,
		store:    deps.Store,
		splits:   deps.Splits,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		archiver: deps.Archiver,
		earnings: earnings.NewEarnings(deps.Store),
		zaplog:   deps.Logger,
		now:      func() time.Time { return deps.Now().UTC() },
	}
	return &service, nil
}

// FindExpiredPendingPayments returns unflagged pending payments created at least
// one pending window before now, ordered by due date then creation time.
func (service *service) FindExpiredPendingPayments(ctx context.Context, now time.Time) ([]model.Payment, error) {
	cutoff := now.Add(-service.cfg.PendingWindow)
	return service.store.PaymentsGetExpiredPending(ctx, cutoff, service.cfg.BatchLimit)
}

func (service *service) ProcessExpiredBatches(ctx context.Context, triggeredBy string) (model.BatchRun, error) {
	release, err := service.acquire(ctx)
	if err != nil {
		return model.BatchRun{}, err
	}
	defer release()

	run := service.newRun(triggeredBy)
	candidates, err := service.FindExpiredPendingPayments(ctx, run.StartedAt)
	if err != nil {
		service.zaplog.Error("batch discovery failed",
			zap.String("batch_id", run.BatchID),
			zap.Error(err))
		return model.BatchRun{}, fmt.Errorf("discover expired payments: %w", err)
	}

	service.zaplog.Info("batch started",
		zap.String("batch_id", run.BatchID),
		zap.String("triggered_by", triggeredBy),
		zap.Int("candidates", len(candidates)))

	service.disposeAll(ctx, &run, candidates)
	service.finish(ctx, &run)
	return run, nil
}

// RetryPayments runs the engine over the given payments, e.g. the failures of a
// previous run. Payments that are no longer eligible are reported as skipped.
func (service *service) RetryPayments(ctx context.Context, paymentIDs []string, triggeredBy string) (model.BatchRun, error) {
	if len(paymentIDs) == 0 {
		return model.BatchRun{}, ErrInsufficientData
	}
	release, err := service.acquire(ctx)
	if err != nil {
		return model.BatchRun{}, err
	}
	defer release()

	run := service.newRun(triggeredBy)
	cutoff := run.StartedAt.Add(-service.cfg.PendingWindow)

	var candidates []model.Payment
	seen := make(map[string]bool, len(paymentIDs))
	for _, id := range paymentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		payment, err := service.store.PaymentGet(ctx, id)
		if err != nil {
			d := model.Disposition{PaymentID: id, Outcome: model.OutcomeSkipped, Stage: stageDiscovery,
				Reason: "payment not found"}
			if !errors.Is(err, store.ErrNoRows) {
				d = model.Disposition{PaymentID: id, Outcome: model.OutcomeFailed, Stage: stageDiscovery,
					Reason: "payment could not be loaded; retry later"}
				service.logDisposition(run.BatchID, d, &PersistenceError{PaymentID: id, Stage: stageDiscovery, Err: err})
			}
			service.record(&run, d)
			continue
		}
		if reason, ok := ineligible(payment, cutoff); ok {
			service.record(&run, model.Disposition{PaymentID: id, Outcome: model.OutcomeSkipped, Stage: stageDiscovery, Reason: reason})
			continue
		}
		candidates = append(candidates, payment)
	}

	service.disposeAll(ctx, &run, candidates)
	service.finish(ctx, &run)
	return run, nil
}

func (service *service) GetBatchStatus(ctx context.Context) (model.BatchStatus, error) {
	now := service.now()
	cutoff := now.Add(-service.cfg.PendingWindow)

	eligible, err := service.store.PaymentsCountExpiredPending(ctx, cutoff)
	if err != nil {
		return model.BatchStatus{}, err
	}
	payments, err := service.store.PaymentsGetExpiredPending(ctx, cutoff, service.cfg.BatchLimit)
	if err != nil {
		return model.BatchStatus{}, err
	}

	return model.BatchStatus{
		CheckedAt:     now,
		Eligible:      eligible,
		PendingWindow: service.cfg.PendingWindow,
		BatchLimit:    service.cfg.BatchLimit,
		Payments:      payments,
	}, nil
}

func (service *service) FlagPayment(ctx context.Context, paymentID string, reason string) error {
	if paymentID == "" || reason == "" {
		return ErrInsufficientData
	}
	err := service.store.PaymentFlag(ctx, paymentID, reason)
	switch {
	case errors.Is(err, store.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	}
	return err
}

func (service *service) GetEarnings(ctx context.Context, paymentID string) ([]model.EarningsEntry, error) {
	if paymentID == "" {
		return nil, ErrInsufficientData
	}
	if _, err := service.store.PaymentGet(ctx, paymentID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return service.earnings.Get(ctx, paymentID)
}

func (service *service) AdvanceEarnings(ctx context.Context, entryID string, status string) (model.EarningsEntry, error) {
	if entryID == "" || status == "" {
		return model.EarningsEntry{}, ErrInsufficientData
	}
	entry, err := service.earnings.Advance(ctx, entryID, status)
	switch {
	case errors.Is(err, earnings.ErrNotFound):
		return model.EarningsEntry{}, ErrNotFound
	case errors.Is(err, earnings.ErrInvalidTransition), errors.Is(err, earnings.ErrStatusChanged):
		return model.EarningsEntry{}, ErrConflict
	}
	return entry, err
}

func (service *service) Reconcile(ctx context.Context) ([]model.Reconciliation, error) {
	unbalanced, err := service.earnings.Unbalanced(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range unbalanced {
		service.zaplog.Warn("approved payment with unbalanced earnings",
			zap.String("payment_id", r.PaymentID),
			zap.Int64("amount", r.Amount),
			zap.Int64("distributed", r.Distributed),
			zap.Int("entries", r.Entries))
	}
	return unbalanced, nil
}

func (service *service) Ping(ctx context.Context) error {
	return service.store.Ping(ctx)
}

// Run запускает пакетную обработку по таймеру, пока не отменен ctx.
func (service *service) Run(ctx context.Context) {
	if service.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(service.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := service.ProcessExpiredBatches(ctx, TriggeredByScheduler)
			if err != nil {
				if errors.Is(err, ErrBatchAlreadyRunning) {
					service.zaplog.Info("scheduled batch skipped, another run in progress")
					continue
				}
				service.zaplog.Error("scheduled batch failed", zap.Error(err))
				continue
			}
			service.zaplog.Info("scheduled batch finished",
				zap.String("batch_id", run.BatchID),
				zap.Int("total", run.Summary.Total),
				zap.Int("processed", run.Summary.Processed))
		}
	}
}

func (service *service) acquire(ctx context.Context) (func(), error) {
	release, err := service.locker.Acquire(ctx, service.cfg.LockKey, service.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			service.zaplog.Warn("batch already running", zap.String("lock", service.cfg.LockKey))
			return nil, ErrBatchAlreadyRunning
		}
		return nil, fmt.Errorf("acquire batch lock: %w", err)
	}

	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			service.zaplog.Error("release batch lock", zap.String("lock", service.cfg.LockKey), zap.Error(err))
		}
	}, nil
}

func (service *service) newRun(triggeredBy string) model.BatchRun {
	return model.BatchRun{
		BatchID:     uuid.NewString(),
		StartedAt:   service.now(),
		TriggeredBy: triggeredBy,
	}
}

func (service *service) finish(ctx context.Context, run *model.BatchRun) {
	run.CompletedAt = service.now()

	// Журнал запуска: ошибка записи не отменяет уже примененные решения
	if err := service.store.BatchRunPost(ctx, *run); err != nil {
		service.zaplog.Error("persist batch run", zap.String("batch_id", run.BatchID), zap.Error(err))
	}
	if service.archiver != nil {
		if key, err := service.archiver.ArchiveRun(ctx, *run); err != nil {
			service.zaplog.Error("archive batch run", zap.String("batch_id", run.BatchID), zap.Error(err))
		} else {
			service.zaplog.Debug("batch run archived", zap.String("batch_id", run.BatchID), zap.String("key", key))
		}
	}

	service.zaplog.Info("batch finished",
		zap.String("batch_id", run.BatchID),
		zap.Int("total", run.Summary.Total),
		zap.Int("processed", run.Summary.Processed),
		zap.Int("skipped", run.Summary.Skipped),
		zap.Int("failed", run.Summary.Failed),
		zap.Int("deferred", run.Summary.Deferred),
		zap.Duration("duration", run.Duration()))
}

func (service *service) record(run *model.BatchRun, d model.Disposition) {
	run.Results = append(run.Results, d)
	run.Summary.Add(d.Outcome)
}
