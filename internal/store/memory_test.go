package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkkn/solutionshub-batch/internal/model"
)

func seedMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	created := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	m := NewMemoryStore(nil)
	require.NoError(t, m.PaymentPost(context.Background(), model.Payment{ID: "pay-1", Data: model.PaymentData{
		Subject:   model.PaymentSubject{Kind: model.SubjectSolutionPhase, ID: "sp-1", Category: "software"},
		Amount:    1000000,
		Status:    model.PaymentStatusPending,
		Type:      model.PaymentTypeMilestone,
		DueDate:   created.Add(72 * time.Hour),
		CreatedAt: created,
	}}))
	return m
}

func TestMemoryStorePaymentApproveChecksSnapshot(t *testing.T) {
	ctx := context.Background()
	m := seedMemoryStore(t)

	changedAmount := testApproval()
	changedAmount.Amount = 999900
	require.ErrorIs(t, m.PaymentApprove(ctx, changedAmount), ErrConflict)

	changedSubject := testApproval()
	changedSubject.Subject.Category = "hardware"
	require.ErrorIs(t, m.PaymentApprove(ctx, changedSubject), ErrConflict)

	entries, err := m.EarningsGet(ctx, "pay-1")
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, m.PaymentApprove(ctx, testApproval()))
	payment, err := m.PaymentGet(ctx, "pay-1")
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusInvoiced, payment.Data.Status)
}

func TestMemoryStorePaymentApproveDuplicateEntry(t *testing.T) {
	ctx := context.Background()
	m := seedMemoryStore(t)

	approval := testApproval()
	approval.Entries[1].Key = approval.Entries[0].Key
	err := m.PaymentApprove(ctx, approval)
	require.ErrorIs(t, err, ErrDuplicateEntry)

	// ничего не записано
	payment, err := m.PaymentGet(ctx, "pay-1")
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPending, payment.Data.Status)
	entries, err := m.EarningsGet(ctx, "pay-1")
	require.NoError(t, err)
	require.Empty(t, entries)
}
