package earnings

import (
	"context"
	"errors"

	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/store"
)

type Earnings interface {
	Get(ctx context.Context, paymentID string) ([]model.EarningsEntry, error)
	Advance(ctx context.Context, id string, status string) (model.EarningsEntry, error)
	Unbalanced(ctx context.Context) ([]model.Reconciliation, error)
}

var (
	ErrInvalidTransition = errors.New("invalid earnings status transition")
	ErrNotFound          = errors.New("earnings entry not found")
	ErrStatusChanged     = errors.New("earnings entry status changed")
)

type earnings struct {
	store store.Store
}

func NewEarnings(store store.Store) Earnings {
	earnings := earnings{store: store}
	return &earnings
}

func (earnings *earnings) Get(ctx context.Context, paymentID string) ([]model.EarningsEntry, error) {
	return earnings.store.EarningsGet(ctx, paymentID)
}

// Advance двигает статус начисления на один шаг вперед: calculated -> approved -> paid.
func (earnings *earnings) Advance(ctx context.Context, id string, status string) (model.EarningsEntry, error) {
	from, ok := previousStatus(status)
	if !ok {
		return model.EarningsEntry{}, ErrInvalidTransition
	}

	entry, err := earnings.store.EarningsAdvance(ctx, id, from, status)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoRows):
			return model.EarningsEntry{}, ErrNotFound
		case errors.Is(err, store.ErrConflict):
			return model.EarningsEntry{}, ErrStatusChanged
		default:
			return model.EarningsEntry{}, err
		}
	}
	return entry, nil
}

func (earnings *earnings) Unbalanced(ctx context.Context) ([]model.Reconciliation, error) {
	return earnings.store.EarningsGetUnbalanced(ctx)
}

func previousStatus(status string) (string, bool) {
	for _, from := range []string{model.EarningsStatusCalculated, model.EarningsStatusApproved} {
		if next, ok := model.NextEarningsStatus(from); ok && next == status {
			return from, true
		}
	}
	return "", false
}
