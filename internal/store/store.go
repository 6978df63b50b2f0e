package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/store/config"
)

type Store interface {
	PaymentPost(ctx context.Context, payment model.Payment) error
	PaymentGet(ctx context.Context, id string) (model.Payment, error)
	PaymentFlag(ctx context.Context, id string, reason string) error
	PaymentsGetExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error)
	PaymentsCountExpiredPending(ctx context.Context, cutoff time.Time) (int, error)
	PaymentApprove(ctx context.Context, approval Approval) error
	EarningsGet(ctx context.Context, paymentID string) ([]model.EarningsEntry, error)
	EarningsAdvance(ctx context.Context, id string, from string, to string) (model.EarningsEntry, error)
	EarningsGetUnbalanced(ctx context.Context) ([]model.Reconciliation, error)
	SplitRulesGet(ctx context.Context) ([]model.SplitRule, error)
	BatchRunPost(ctx context.Context, run model.BatchRun) error
	Ping(ctx context.Context) error
}

// Approval переводит платеж из pending и создает его начисления одной транзакцией.
// Amount и Subject - значения, по которым посчитан split; если платеж с тех пор
// изменился, обновление не проходит.
type Approval struct {
	PaymentID  string
	Amount     int64
	Subject    model.PaymentSubject
	Status     string
	ApprovedAt time.Time
	BatchID    string
	Entries    []model.EarningsEntry
}

var (
	ErrNoRows         = errors.New("no rows")
	ErrAlreadyExists  = errors.New("already exists")
	ErrConflict       = errors.New("payment changed concurrently")
	ErrDuplicateEntry = errors.New("duplicate earnings entry")
)

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	s := newStore(db)
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB) *store {
	return &store{database: db}
}

func (store *store) migrate(ctx context.Context) error {
	// Таблица платежей.
	// Ровно одна ссылка на предмет платежа, строки не удаляются
	_, err := store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS payments ("+
			" id VARCHAR (64) PRIMARY KEY,"+
			" solution_phase_id VARCHAR (64),"+
			" training_program_id VARCHAR (64),"+
			" content_order_id VARCHAR (64),"+
			" category VARCHAR (64) NOT NULL DEFAULT '',"+
			" amount BIGINT NOT NULL CHECK (amount > 0),"+
			" status VARCHAR (16) NOT NULL,"+
			" payment_type VARCHAR (16) NOT NULL,"+
			" due_date TIMESTAMPTZ NOT NULL,"+
			" created_at TIMESTAMPTZ NOT NULL,"+
			" paid_at TIMESTAMPTZ,"+
			" approved_at TIMESTAMPTZ,"+
			" flagged BOOLEAN NOT NULL DEFAULT FALSE,"+
			" flag_reason TEXT NOT NULL DEFAULT '',"+
			" assignees JSONB NOT NULL DEFAULT '{}',"+
			" batch_id VARCHAR (64) NOT NULL DEFAULT '',"+
			" CHECK (num_nonnulls(solution_phase_id, training_program_id, content_order_id) = 1)"+
			" );")
	if err != nil {
		return err
	}

	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS payments_pending_idx"+
			" ON payments (due_date, created_at) WHERE status = 'pending' AND flagged = FALSE;")
	if err != nil {
		return err
	}

	// Таблица начислений.
	// Одна строка на (платеж, получатель); меняется только статус
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS earnings_entries ("+
			" id VARCHAR (64) PRIMARY KEY,"+
			" payment_id VARCHAR (64) NOT NULL REFERENCES payments (id),"+
			" line SMALLINT NOT NULL,"+
			" recipient_type VARCHAR (32) NOT NULL,"+
			" recipient_id VARCHAR (64) NOT NULL,"+
			" amount BIGINT NOT NULL,"+
			" share NUMERIC (9, 6) NOT NULL,"+
			" status VARCHAR (16) NOT NULL,"+
			" batch_id VARCHAR (64) NOT NULL,"+
			" created_at TIMESTAMPTZ NOT NULL,"+
			" UNIQUE (payment_id, recipient_type, recipient_id)"+
			" );")
	if err != nil {
		return err
	}

	// Конфигурация распределения выручки (только чтение)
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS revenue_split_config ("+
			" subject_kind VARCHAR (32) NOT NULL,"+
			" category VARCHAR (64) NOT NULL,"+
			" recipient_type VARCHAR (32) NOT NULL,"+
			" recipient_id VARCHAR (64) NOT NULL DEFAULT '',"+
			" share NUMERIC (9, 6) NOT NULL,"+
			" position SMALLINT NOT NULL DEFAULT 0,"+
			" PRIMARY KEY (subject_kind, category, recipient_type, recipient_id)"+
			" );")
	if err != nil {
		return err
	}

	// Журнал пакетных запусков
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS batch_runs ("+
			" batch_id VARCHAR (64) PRIMARY KEY,"+
			" started_at TIMESTAMPTZ NOT NULL,"+
			" completed_at TIMESTAMPTZ NOT NULL,"+
			" triggered_by VARCHAR (64) NOT NULL,"+
			" total INTEGER NOT NULL,"+
			" processed INTEGER NOT NULL,"+
			" skipped INTEGER NOT NULL,"+
			" failed INTEGER NOT NULL,"+
			" deferred INTEGER NOT NULL,"+
			" details JSONB NOT NULL"+
			" );")
	return err
}

const paymentColumns = "id, solution_phase_id, training_program_id, content_order_id, category," +
	" amount, status, payment_type, due_date, created_at, paid_at, approved_at," +
	" flagged, flag_reason, assignees, batch_id"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (model.Payment, error) {
	var (
		payment                               model.Payment
		solutionPhase, trainingProgram, order sql.NullString
		category                              string
		paidAt, approvedAt                    sql.NullTime
		assignees                             []byte
	)
	err := row.Scan(&payment.ID,
		&solutionPhase,
		&trainingProgram,
		&order,
		&category,
		&payment.Data.Amount,
		&payment.Data.Status,
		&payment.Data.Type,
		&payment.Data.DueDate,
		&payment.Data.CreatedAt,
		&paidAt,
		&approvedAt,
		&payment.Data.Flagged,
		&payment.Data.FlagReason,
		&assignees,
		&payment.Data.BatchID)
	if err != nil {
		return model.Payment{}, err
	}

	payment.Data.Subject, err = model.NewPaymentSubject(solutionPhase.String, trainingProgram.String, order.String, category)
	if err != nil {
		return model.Payment{}, fmt.Errorf("payment %s: %w", payment.ID, err)
	}
	if paidAt.Valid {
		payment.Data.PaidAt = &paidAt.Time
	}
	if approvedAt.Valid {
		payment.Data.ApprovedAt = &approvedAt.Time
	}
	if len(assignees) > 0 {
		if err := json.Unmarshal(assignees, &payment.Data.Assignees); err != nil {
			return model.Payment{}, fmt.Errorf("payment %s assignees: %w", payment.ID, err)
		}
	}
	return payment, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (store *store) PaymentPost(ctx context.Context, payment model.Payment) error {
	solutionPhase, trainingProgram, order := payment.Data.Subject.References()
	assignees, err := json.Marshal(payment.Data.Assignees)
	if err != nil {
		return err
	}
	if payment.Data.Assignees == nil {
		assignees = []byte("{}")
	}

	//Запись нового платежа
	_, err = store.database.ExecContext(ctx,
		"INSERT INTO payments ("+paymentColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)",
		payment.ID,
		nullString(solutionPhase),
		nullString(trainingProgram),
		nullString(order),
		payment.Data.Subject.Category,
		payment.Data.Amount,
		payment.Data.Status,
		payment.Data.Type,
		payment.Data.DueDate,
		payment.Data.CreatedAt,
		payment.Data.PaidAt,
		payment.Data.ApprovedAt,
		payment.Data.Flagged,
		payment.Data.FlagReason,
		assignees,
		payment.Data.BatchID)
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) PaymentGet(ctx context.Context, id string) (model.Payment, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+paymentColumns+
			" FROM payments"+
			" WHERE id = $1",
		id)
	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Payment{}, ErrNoRows
		}
		return model.Payment{}, err
	}
	return payment, nil
}

func (store *store) PaymentFlag(ctx context.Context, id string, reason string) error {
	//Ручная блокировка: только пока платеж ожидает
	res, err := store.database.ExecContext(ctx,
		"UPDATE payments"+
			" SET flagged = TRUE, flag_reason = $1"+
			" WHERE id = $2"+
			"   AND status = $3",
		reason,
		id,
		model.PaymentStatusPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.missingOrConflict(ctx, id)
	}
	return nil
}

func (store *store) missingOrConflict(ctx context.Context, id string) error {
	_, err := store.PaymentGet(ctx, id)
	if err != nil {
		return err
	}
	return ErrConflict
}

func (store *store) PaymentsGetExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error) {
	//Получение просроченных ожидающих платежей
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+paymentColumns+
			" FROM payments"+
			" WHERE status = $1"+
			"   AND flagged = FALSE"+
			"   AND created_at <= $2"+
			" ORDER BY due_date, created_at, id"+
			" LIMIT $3",
		model.PaymentStatusPending,
		cutoff,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func (store *store) PaymentsCountExpiredPending(ctx context.Context, cutoff time.Time) (int, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT COUNT(*)"+
			" FROM payments"+
			" WHERE status = $1"+
			"   AND flagged = FALSE"+
			"   AND created_at <= $2",
		model.PaymentStatusPending,
		cutoff)
	var count int
	err := row.Scan(&count)
	return count, err
}

func (store *store) PaymentApprove(ctx context.Context, approval Approval) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	//Условное обновление: только если платеж все еще ожидает, не помечен
	//и сумма с предметом те же, что при расчете split
	solutionPhaseID, trainingProgramID, contentOrderID := approval.Subject.References()
	res, err := tx.ExecContext(ctx,
		"UPDATE payments"+
			" SET status = $1, approved_at = $2, batch_id = $3"+
			" WHERE id = $4"+
			"   AND status = $5"+
			"   AND flagged = FALSE"+
			"   AND amount = $6"+
			"   AND category = $7"+
			"   AND solution_phase_id IS NOT DISTINCT FROM $8"+
			"   AND training_program_id IS NOT DISTINCT FROM $9"+
			"   AND content_order_id IS NOT DISTINCT FROM $10",
		approval.Status,
		approval.ApprovedAt,
		approval.BatchID,
		approval.PaymentID,
		model.PaymentStatusPending,
		approval.Amount,
		approval.Subject.Category,
		nullString(solutionPhaseID),
		nullString(trainingProgramID),
		nullString(contentOrderID))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}

	//Начисления в той же транзакции
	for i, entry := range approval.Entries {
		id := entry.Data.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO earnings_entries (id, payment_id, line, recipient_type, recipient_id, amount, share, status, batch_id, created_at)"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
			id,
			approval.PaymentID,
			i,
			entry.Key.RecipientType,
			entry.Key.RecipientID,
			entry.Data.Amount,
			entry.Data.Share,
			model.EarningsStatusCalculated,
			approval.BatchID,
			approval.ApprovedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s %s/%s", ErrDuplicateEntry,
					approval.PaymentID, entry.Key.RecipientType, entry.Key.RecipientID)
			}
			return err
		}
	}

	return tx.Commit()
}

const earningsColumns = "id, payment_id, recipient_type, recipient_id, amount, share, status, batch_id, created_at"

func scanEarnings(row rowScanner) (model.EarningsEntry, error) {
	var entry model.EarningsEntry
	err := row.Scan(&entry.Data.ID,
		&entry.Key.PaymentID,
		&entry.Key.RecipientType,
		&entry.Key.RecipientID,
		&entry.Data.Amount,
		&entry.Data.Share,
		&entry.Data.Status,
		&entry.Data.BatchID,
		&entry.Data.CreatedAt)
	return entry, err
}

func (store *store) EarningsGet(ctx context.Context, paymentID string) ([]model.EarningsEntry, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+earningsColumns+
			" FROM earnings_entries"+
			" WHERE payment_id = $1"+
			" ORDER BY line",
		paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.EarningsEntry
	for rows.Next() {
		entry, err := scanEarnings(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (store *store) EarningsAdvance(ctx context.Context, id string, from string, to string) (model.EarningsEntry, error) {
	row := store.database.QueryRowContext(ctx,
		"UPDATE earnings_entries"+
			" SET status = $1"+
			" WHERE id = $2"+
			"   AND status = $3"+
			" RETURNING "+earningsColumns,
		to,
		id,
		from)
	entry, err := scanEarnings(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.EarningsEntry{}, err
	}

	// Нет строки: либо записи нет, либо статус уже другой
	var status string
	err = store.database.QueryRowContext(ctx,
		"SELECT status FROM earnings_entries WHERE id = $1", id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.EarningsEntry{}, ErrNoRows
		}
		return model.EarningsEntry{}, err
	}
	return model.EarningsEntry{}, ErrConflict
}

func (store *store) EarningsGetUnbalanced(ctx context.Context) ([]model.Reconciliation, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT p.id, p.amount, COALESCE(SUM(e.amount), 0), COUNT(e.id)"+
			" FROM payments AS p"+
			" LEFT JOIN earnings_entries AS e ON e.payment_id = p.id"+
			" WHERE p.approved_at IS NOT NULL"+
			" GROUP BY p.id, p.amount"+
			" HAVING COALESCE(SUM(e.amount), 0) <> p.amount"+
			" ORDER BY p.id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unbalanced []model.Reconciliation
	for rows.Next() {
		var r model.Reconciliation
		if err := rows.Scan(&r.PaymentID, &r.Amount, &r.Distributed, &r.Entries); err != nil {
			return nil, err
		}
		unbalanced = append(unbalanced, r)
	}
	return unbalanced, rows.Err()
}

func (store *store) SplitRulesGet(ctx context.Context) ([]model.SplitRule, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT subject_kind, category, recipient_type, recipient_id, share"+
			" FROM revenue_split_config"+
			" ORDER BY subject_kind, category, position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.SplitRule
	for rows.Next() {
		var rule model.SplitRule
		err := rows.Scan(&rule.SubjectKind,
			&rule.Category,
			&rule.RecipientType,
			&rule.RecipientID,
			&rule.Share)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type dispositionRecord struct {
	PaymentID string `json:"payment_id"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
	Stage     string `json:"stage,omitempty"`
}

func (store *store) BatchRunPost(ctx context.Context, run model.BatchRun) error {
	records := make([]dispositionRecord, 0, len(run.Results))
	for _, d := range run.Results {
		records = append(records, dispositionRecord{
			PaymentID: d.PaymentID,
			Outcome:   d.Outcome,
			Reason:    d.Reason,
			Stage:     d.Stage,
		})
	}
	details, err := json.Marshal(records)
	if err != nil {
		return err
	}

	_, err = store.database.ExecContext(ctx,
		"INSERT INTO batch_runs (batch_id, started_at, completed_at, triggered_by, total, processed, skipped, failed, deferred, details)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		run.BatchID,
		run.StartedAt,
		run.CompletedAt,
		run.TriggeredBy,
		run.Summary.Total,
		run.Summary.Processed,
		run.Summary.Skipped,
		run.Summary.Failed,
		run.Summary.Deferred,
		details)
	return err
}

func (store *store) Ping(ctx context.Context) error {
	return store.database.PingContext(ctx)
}
