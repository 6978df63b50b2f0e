package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jkkn/solutionshub-batch/internal/model"
)

var paymentRowColumns = []string{"id", "solution_phase_id", "training_program_id", "content_order_id", "category",
	"amount", "status", "payment_type", "due_date", "created_at", "paid_at", "approved_at",
	"flagged", "flag_reason", "assignees", "batch_id"}

func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newStore(db), mock
}

func testApproval() Approval {
	return Approval{
		PaymentID:  "pay-1",
		Amount:     1000000,
		Subject:    model.PaymentSubject{Kind: model.SubjectSolutionPhase, ID: "sp-1", Category: "software"},
		Status:     model.PaymentStatusInvoiced,
		ApprovedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		BatchID:    "batch-1",
		Entries: []model.EarningsEntry{
			{Key: model.EarningsKey{PaymentID: "pay-1", RecipientType: model.RecipientDepartment, RecipientID: "dept-cse"},
				Data: model.EarningsData{Amount: 600000, Share: decimal.RequireFromString("0.6")}},
			{Key: model.EarningsKey{PaymentID: "pay-1", RecipientType: model.RecipientBuilder, RecipientID: "b-1"},
				Data: model.EarningsData{Amount: 400000, Share: decimal.RequireFromString("0.4")}},
		},
	}
}

func TestStorePaymentApprove(t *testing.T) {
	store, mock := newMockStore(t)
	approval := testApproval()

	// Условное обновление + две строки начислений, одна транзакция
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").
		WithArgs(model.PaymentStatusInvoiced, approval.ApprovedAt, "batch-1", "pay-1", model.PaymentStatusPending,
			int64(1000000), "software", "sp-1", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO earnings_entries").
		WithArgs(sqlmock.AnyArg(), "pay-1", 0, model.RecipientDepartment, "dept-cse", int64(600000), sqlmock.AnyArg(),
			model.EarningsStatusCalculated, "batch-1", approval.ApprovedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO earnings_entries").
		WithArgs(sqlmock.AnyArg(), "pay-1", 1, model.RecipientBuilder, "b-1", int64(400000), sqlmock.AnyArg(),
			model.EarningsStatusCalculated, "batch-1", approval.ApprovedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.PaymentApprove(context.Background(), approval)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePaymentApproveConflict(t *testing.T) {
	store, mock := newMockStore(t)

	// Платеж уже не pending: ни одной строки не затронуто, начисления не пишутся
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.PaymentApprove(context.Background(), testApproval())
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePaymentApproveAmountChanged(t *testing.T) {
	store, mock := newMockStore(t)
	approval := testApproval()
	approval.Amount = 999900

	// Сумма в строке уже другая: условие по amount не совпадает
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments (.+) AND amount = \\$6").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "pay-1", model.PaymentStatusPending,
			int64(999900), "software", "sp-1", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.PaymentApprove(context.Background(), approval)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePaymentApproveDuplicateEntryIsNotConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO earnings_entries").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.PaymentApprove(context.Background(), testApproval())
	require.ErrorIs(t, err, ErrDuplicateEntry)
	require.NotErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePaymentApproveInsertFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	insertErr := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO earnings_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO earnings_entries").WillReturnError(insertErr)
	mock.ExpectRollback()

	err := store.PaymentApprove(context.Background(), testApproval())
	require.ErrorIs(t, err, insertErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePaymentsGetExpiredPending(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	due := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(paymentRowColumns).
		AddRow("pay-1", "sp-1", nil, nil, "software", int64(1000000), "pending", "milestone",
			due, cutoff.Add(-2*time.Hour), nil, nil, false, "", []byte(`{"builder":"b-1"}`), "").
		AddRow("pay-2", nil, nil, "co-7", "video", int64(700000), "pending", "advance",
			due, cutoff.Add(-time.Hour), nil, nil, false, "", []byte(`{}`), "")
	mock.ExpectQuery("SELECT (.+) FROM payments").
		WithArgs(model.PaymentStatusPending, cutoff, 50).
		WillReturnRows(rows)

	payments, err := store.PaymentsGetExpiredPending(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Equal(t, model.PaymentSubject{Kind: model.SubjectSolutionPhase, ID: "sp-1", Category: "software"}, payments[0].Data.Subject)
	require.Equal(t, "b-1", payments[0].Data.Assignees[model.RecipientBuilder])
	require.Equal(t, model.SubjectContentOrder, payments[1].Data.Subject.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePaymentGetRejectsAmbiguousSubject(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(paymentRowColumns).
		AddRow("pay-3", "sp-1", "tp-1", nil, "software", int64(100), "pending", "advance",
			now, now, nil, nil, false, "", []byte(`{}`), "")
	mock.ExpectQuery("SELECT (.+) FROM payments").WithArgs("pay-3").WillReturnRows(rows)

	_, err := store.PaymentGet(context.Background(), "pay-3")
	require.ErrorIs(t, err, model.ErrInvalidSubject)
}

func TestStorePaymentGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM payments").WithArgs("nope").WillReturnRows(sqlmock.NewRows(paymentRowColumns))

	_, err := store.PaymentGet(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNoRows)
}

func TestStoreEarningsAdvanceConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE earnings_entries").
		WithArgs(model.EarningsStatusPaid, "e-1", model.EarningsStatusApproved).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT status FROM earnings_entries").
		WithArgs("e-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.EarningsStatusCalculated))

	_, err := store.EarningsAdvance(context.Background(), "e-1", model.EarningsStatusApproved, model.EarningsStatusPaid)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreEarningsGetUnbalanced(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT p.id, p.amount").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "sum", "count"}).AddRow("pay-9", int64(500), int64(0), 0))

	unbalanced, err := store.EarningsGetUnbalanced(context.Background())
	require.NoError(t, err)
	require.Equal(t, []model.Reconciliation{{PaymentID: "pay-9", Amount: 500}}, unbalanced)
}

func TestStoreBatchRunPost(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	run := model.BatchRun{
		BatchID:     "batch-1",
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
		TriggeredBy: "cron",
		Summary:     model.BatchSummary{Total: 1, Skipped: 1},
		Results:     []model.Disposition{{PaymentID: "pay-1", Outcome: model.OutcomeSkipped, Reason: "flagged"}},
	}

	mock.ExpectExec("INSERT INTO batch_runs").
		WithArgs("batch-1", started, started.Add(time.Second), "cron", 1, 0, 1, 0, 0,
			[]byte(`[{"payment_id":"pay-1","outcome":"skipped","reason":"flagged"}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.BatchRunPost(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}
