package earnings

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/store"
)

func seededStore(t *testing.T) *store.MemoryStore {
	ctx := context.Background()
	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(nil)

	payment := model.Payment{ID: "pay-1", Data: model.PaymentData{
		Subject:   model.PaymentSubject{Kind: model.SubjectSolutionPhase, ID: "sp-1", Category: "software"},
		Amount:    1000,
		Status:    model.PaymentStatusPending,
		Type:      model.PaymentTypeMilestone,
		DueDate:   created,
		CreatedAt: created,
	}}
	require.NoError(t, st.PaymentPost(ctx, payment))
	require.NoError(t, st.PaymentApprove(ctx, store.Approval{
		PaymentID:  "pay-1",
		Status:     model.PaymentStatusInvoiced,
		ApprovedAt: created.Add(49 * time.Hour),
		BatchID:    "batch-1",
		Entries: []model.EarningsEntry{{
			Key:  model.EarningsKey{RecipientType: model.RecipientBuilder, RecipientID: "b-1"},
			Data: model.EarningsData{ID: "e-1", Amount: 1000, Share: decimal.NewFromInt(1)},
		}},
	}))
	return st
}

func TestEarningsAdvance(t *testing.T) {
	ctx := context.Background()
	e := NewEarnings(seededStore(t))

	// сразу в paid нельзя
	_, err := e.Advance(ctx, "e-1", model.EarningsStatusPaid)
	require.ErrorIs(t, err, ErrStatusChanged)

	entry, err := e.Advance(ctx, "e-1", model.EarningsStatusApproved)
	require.NoError(t, err)
	require.Equal(t, model.EarningsStatusApproved, entry.Data.Status)

	entry, err = e.Advance(ctx, "e-1", model.EarningsStatusPaid)
	require.NoError(t, err)
	require.Equal(t, model.EarningsStatusPaid, entry.Data.Status)

	_, err = e.Advance(ctx, "e-1", model.EarningsStatusCalculated)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.Advance(ctx, "missing", model.EarningsStatusApproved)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEarningsGetAndUnbalanced(t *testing.T) {
	ctx := context.Background()
	e := NewEarnings(seededStore(t))

	entries, err := e.Get(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "batch-1", entries[0].Data.BatchID)

	unbalanced, err := e.Unbalanced(ctx)
	require.NoError(t, err)
	require.Empty(t, unbalanced)
}
