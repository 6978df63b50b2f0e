package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/service/notifyclient"
	"github.com/jkkn/solutionshub-batch/internal/split"
	"github.com/jkkn/solutionshub-batch/internal/store"
)

const (
	stageDiscovery = "discovery"
	stageSplit     = "split"
	stagePersist   = "persist"
	stageBudget    = "budget"
)

// disposeAll обрабатывает кандидатов строго по порядку. После исчерпания бюджета
// оставшиеся платежи не трогаются и помечаются deferred.
func (service *service) disposeAll(ctx context.Context, run *model.BatchRun, candidates []model.Payment) {
	deadline := run.StartedAt.Add(service.cfg.Budget)
	for i, payment := range candidates {
		if ctx.Err() != nil || !service.now().Before(deadline) {
			for _, rest := range candidates[i:] {
				service.record(run, model.Disposition{
					PaymentID: rest.ID,
					Outcome:   model.OutcomeDeferred,
					Stage:     stageBudget,
					Reason:    "time budget exhausted; left pending for the next run",
				})
			}
			service.zaplog.Warn("batch budget exhausted",
				zap.String("batch_id", run.BatchID),
				zap.Int("deferred", len(candidates)-i))
			return
		}
		service.record(run, service.dispose(ctx, run.BatchID, payment))
	}
}

// dispose решает судьбу одного платежа. Ошибки не выходят наружу: каждая
// превращается в запись результата.
func (service *service) dispose(ctx context.Context, batchID string, payment model.Payment) model.Disposition {
	d := model.Disposition{PaymentID: payment.ID}

	entries, err := service.splits.Compute(payment)
	if err != nil {
		d.Outcome = model.OutcomeFailed
		d.Stage = stageSplit
		var cfgErr *split.ConfigurationError
		if errors.As(err, &cfgErr) {
			d.Reason = cfgErr.Error()
		} else {
			d.Reason = "payment cannot be split"
		}
		service.logDisposition(batchID, d, err)
		service.notify(ctx, batchID, d)
		return d
	}

	approvedAt := service.now()
	err = service.store.PaymentApprove(ctx, store.Approval{
		PaymentID:  payment.ID,
		Amount:     payment.Data.Amount,
		Subject:    payment.Data.Subject,
		Status:     approvedStatus(payment),
		ApprovedAt: approvedAt,
		BatchID:    batchID,
		Entries:    entries,
	})
	switch {
	case err == nil:
		for i := range entries {
			entries[i].Data.BatchID = batchID
			entries[i].Data.CreatedAt = approvedAt
		}
		d.Outcome = model.OutcomeApproved
		d.Reason = fmt.Sprintf("auto-approved after %s pending window", service.cfg.PendingWindow)
		d.Split = entries
		service.logDisposition(batchID, d, nil)
		service.notify(ctx, batchID, d)
	case errors.Is(err, store.ErrConflict):
		d.Outcome = model.OutcomeSkipped
		d.Stage = stagePersist
		d.Reason = service.skipReason(ctx, payment)
		service.logDisposition(batchID, d, nil)
	default:
		d.Outcome = model.OutcomeFailed
		d.Stage = stagePersist
		d.Reason = "approval could not be saved; payment left pending for retry"
		service.logDisposition(batchID, d, &PersistenceError{PaymentID: payment.ID, Stage: stagePersist, Err: err})
		service.notify(ctx, batchID, d)
	}
	return d
}

// approvedStatus: уже оплаченный платеж становится received, остальные invoiced.
func approvedStatus(payment model.Payment) string {
	if payment.Data.PaidAt != nil {
		return model.PaymentStatusReceived
	}
	return model.PaymentStatusInvoiced
}

func ineligible(payment model.Payment, cutoff time.Time) (string, bool) {
	switch {
	case payment.Data.Status != model.PaymentStatusPending:
		return fmt.Sprintf("payment already %s", payment.Data.Status), true
	case payment.Data.Flagged:
		return flaggedReason(payment), true
	case payment.Data.CreatedAt.After(cutoff):
		return "pending window has not elapsed", true
	}
	return "", false
}

func flaggedReason(payment model.Payment) string {
	if payment.Data.FlagReason == "" {
		return "payment flagged for manual review"
	}
	return "payment flagged for manual review: " + payment.Data.FlagReason
}

func (service *service) skipReason(ctx context.Context, snapshot model.Payment) string {
	current, err := service.store.PaymentGet(ctx, snapshot.ID)
	if err != nil {
		return "payment changed by another process"
	}
	switch {
	case current.Data.Status != model.PaymentStatusPending:
		return fmt.Sprintf("payment already %s", current.Data.Status)
	case current.Data.Flagged:
		return flaggedReason(current)
	case current.Data.Amount != snapshot.Data.Amount || current.Data.Subject != snapshot.Data.Subject:
		return "payment amount or subject changed since discovery; left pending for the next run"
	}
	return "payment changed by another process"
}

func (service *service) logDisposition(batchID string, d model.Disposition, cause error) {
	fields := []zap.Field{
		zap.String("batch_id", batchID),
		zap.String("payment_id", d.PaymentID),
		zap.String("outcome", d.Outcome),
		zap.String("reason", d.Reason),
	}
	if d.Stage != "" {
		fields = append(fields, zap.String("stage", d.Stage))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}

	switch d.Outcome {
	case model.OutcomeFailed:
		service.zaplog.Error("payment disposition", fields...)
	default:
		service.zaplog.Info("payment disposition", fields...)
	}
}

func (service *service) notify(ctx context.Context, batchID string, d model.Disposition) {
	if service.notifier == nil {
		return
	}
	// медленный получатель не должен съедать бюджет запуска
	notifyCtx, cancel := context.WithTimeout(ctx, service.cfg.NotifyTimeout)
	defer cancel()
	err := service.notifier.PaymentDisposed(notifyCtx, notifyclient.Event{
		PaymentID: d.PaymentID,
		Outcome:   d.Outcome,
		Reason:    d.Reason,
		BatchID:   batchID,
		Timestamp: service.now(),
	})
	if err != nil {
		service.zaplog.Warn("payment notification failed",
			zap.String("batch_id", batchID),
			zap.String("payment_id", d.PaymentID),
			zap.Error(err))
	}
}
