package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Платежи

type Payment struct {
	ID   string
	Data PaymentData
}
type PaymentData struct {
	Subject    PaymentSubject
	Amount     int64 // в минимальных единицах валюты (пайсы)
	Status     string
	Type       string
	DueDate    time.Time
	CreatedAt  time.Time
	PaidAt     *time.Time
	ApprovedAt *time.Time
	Flagged    bool
	FlagReason string
	Assignees  map[string]string // recipient_type -> recipient_id
	BatchID    string
}

const (
	PaymentStatusPending  = "pending"
	PaymentStatusInvoiced = "invoiced"
	PaymentStatusReceived = "received"
	PaymentStatusOverdue  = "overdue"
	PaymentStatusFailed   = "failed"
)

const (
	PaymentTypeAdvance    = "advance"
	PaymentTypeMilestone  = "milestone"
	PaymentTypeCompletion = "completion"
	PaymentTypeAMC        = "amc"
	PaymentTypeMOUSigning = "mou_signing"
	PaymentTypeDeployment = "deployment"
	PaymentTypeAcceptance = "acceptance"
)

// Предмет платежа: ровно одна из трех ссылок

type PaymentSubject struct {
	Kind     string
	ID       string
	Category string
}

const (
	SubjectSolutionPhase   = "solution_phase"
	SubjectTrainingProgram = "training_program"
	SubjectContentOrder    = "content_order"
)

var ErrInvalidSubject = errors.New("payment must reference exactly one of solution phase, training program or content order")

func NewPaymentSubject(solutionPhaseID, trainingProgramID, contentOrderID, category string) (PaymentSubject, error) {
	var subject PaymentSubject
	set := 0
	if solutionPhaseID != "" {
		subject = PaymentSubject{Kind: SubjectSolutionPhase, ID: solutionPhaseID}
		set++
	}
	if trainingProgramID != "" {
		subject = PaymentSubject{Kind: SubjectTrainingProgram, ID: trainingProgramID}
		set++
	}
	if contentOrderID != "" {
		subject = PaymentSubject{Kind: SubjectContentOrder, ID: contentOrderID}
		set++
	}
	if set != 1 {
		return PaymentSubject{}, ErrInvalidSubject
	}
	subject.Category = category
	return subject, nil
}

// References раскладывает предмет обратно на три колонки.
func (s PaymentSubject) References() (solutionPhaseID, trainingProgramID, contentOrderID string) {
	switch s.Kind {
	case SubjectSolutionPhase:
		solutionPhaseID = s.ID
	case SubjectTrainingProgram:
		trainingProgramID = s.ID
	case SubjectContentOrder:
		contentOrderID = s.ID
	}
	return
}

// Начисления получателям

type EarningsEntry struct {
	Key  EarningsKey
	Data EarningsData
}
type EarningsKey struct {
	PaymentID     string
	RecipientType string
	RecipientID   string
}
type EarningsData struct {
	ID        string
	Amount    int64
	Share     decimal.Decimal
	Status    string
	BatchID   string
	CreatedAt time.Time
}

const (
	EarningsStatusCalculated = "calculated"
	EarningsStatusApproved   = "approved"
	EarningsStatusPaid       = "paid"
)

// NextEarningsStatus возвращает единственный допустимый следующий статус.
func NextEarningsStatus(status string) (string, bool) {
	switch status {
	case EarningsStatusCalculated:
		return EarningsStatusApproved, true
	case EarningsStatusApproved:
		return EarningsStatusPaid, true
	default:
		return "", false
	}
}

const (
	RecipientDepartment        = "department"
	RecipientBuilder           = "builder"
	RecipientCohortMember      = "cohort_member"
	RecipientProductionLearner = "production_learner"
	RecipientInstitution       = "institution"
)

// Конфигурация распределения выручки

type SplitRule struct {
	SubjectKind   string
	Category      string
	RecipientType string
	RecipientID   string
	Share         decimal.Decimal
}

// Пакетная обработка

type Disposition struct {
	PaymentID string
	Outcome   string
	Reason    string
	Stage     string
	Split     []EarningsEntry
}

const (
	OutcomeApproved = "approved"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

type BatchSummary struct {
	Total     int
	Processed int
	Skipped   int
	Failed    int
	Deferred  int
}

func (s *BatchSummary) Add(outcome string) {
	s.Total++
	switch outcome {
	case OutcomeApproved:
		s.Processed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	case OutcomeDeferred:
		s.Deferred++
	}
}

type BatchRun struct {
	BatchID     string
	StartedAt   time.Time
	CompletedAt time.Time
	TriggeredBy string
	Summary     BatchSummary
	Results     []Disposition
}

func (run BatchRun) Duration() time.Duration {
	return run.CompletedAt.Sub(run.StartedAt)
}

// Предпросмотр пакета (dry run)

type BatchStatus struct {
	CheckedAt     time.Time
	Eligible      int
	PendingWindow time.Duration
	BatchLimit    int
	Payments      []Payment
}

// Сверка: одобренный платеж, начисления которого не сходятся с суммой

type Reconciliation struct {
	PaymentID   string
	Amount      int64
	Distributed int64
	Entries     int
}
