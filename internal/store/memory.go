package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkkn/solutionshub-batch/internal/model"
)

// MemoryStore keeps everything in process memory. It backs local runs without a
// database and the tests, which can hook into PaymentApprove.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]model.Payment
	earnings map[string][]model.EarningsEntry
	rules    []model.SplitRule
	runs     []model.BatchRun
	calls    atomic.Int64

	// BeforeApprove runs before the conditional update; returning an error fails the approval.
	BeforeApprove func(paymentID string) error
}

func NewMemoryStore(rules []model.SplitRule) *MemoryStore {
	return &MemoryStore{
		payments: map[string]model.Payment{},
		earnings: map[string][]model.EarningsEntry{},
		rules:    append([]model.SplitRule(nil), rules...),
	}
}

// Calls returns how many store operations were made.
func (m *MemoryStore) Calls() int64 {
	return m.calls.Load()
}

// Runs returns the persisted batch runs.
func (m *MemoryStore) Runs() []model.BatchRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.BatchRun(nil), m.runs...)
}

func copyPayment(p model.Payment) model.Payment {
	if p.Data.Assignees != nil {
		assignees := make(map[string]string, len(p.Data.Assignees))
		for k, v := range p.Data.Assignees {
			assignees[k] = v
		}
		p.Data.Assignees = assignees
	}
	return p
}

func (m *MemoryStore) PaymentPost(ctx context.Context, payment model.Payment) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.ID]; ok {
		return ErrAlreadyExists
	}
	m.payments[payment.ID] = copyPayment(payment)
	return nil
}

func (m *MemoryStore) PaymentGet(ctx context.Context, id string) (model.Payment, error) {
	m.calls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	payment, ok := m.payments[id]
	if !ok {
		return model.Payment{}, ErrNoRows
	}
	return copyPayment(payment), nil
}

func (m *MemoryStore) PaymentFlag(ctx context.Context, id string, reason string) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return ErrNoRows
	}
	if payment.Data.Status != model.PaymentStatusPending {
		return ErrConflict
	}
	payment.Data.Flagged = true
	payment.Data.FlagReason = reason
	m.payments[id] = payment
	return nil
}

func (m *MemoryStore) expiredPending(cutoff time.Time) []model.Payment {
	var payments []model.Payment
	for _, p := range m.payments {
		if p.Data.Status != model.PaymentStatusPending || p.Data.Flagged || p.Data.CreatedAt.After(cutoff) {
			continue
		}
		payments = append(payments, copyPayment(p))
	}
	sort.Slice(payments, func(i, j int) bool {
		a, b := payments[i].Data, payments[j].Data
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return payments[i].ID < payments[j].ID
	})
	return payments
}

func (m *MemoryStore) PaymentsGetExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error) {
	m.calls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := m.expiredPending(cutoff)
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

func (m *MemoryStore) PaymentsCountExpiredPending(ctx context.Context, cutoff time.Time) (int, error) {
	m.calls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.expiredPending(cutoff)), nil
}

func (m *MemoryStore) PaymentApprove(ctx context.Context, approval Approval) error {
	m.calls.Add(1)
	if m.BeforeApprove != nil {
		if err := m.BeforeApprove(approval.PaymentID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[approval.PaymentID]
	if !ok || payment.Data.Status != model.PaymentStatusPending || payment.Data.Flagged ||
		payment.Data.Amount != approval.Amount || payment.Data.Subject != approval.Subject {
		return ErrConflict
	}
	if len(m.earnings[approval.PaymentID]) > 0 {
		return ErrConflict
	}

	entries := make([]model.EarningsEntry, 0, len(approval.Entries))
	keys := make(map[model.EarningsKey]bool, len(approval.Entries))
	for _, entry := range approval.Entries {
		entry.Key.PaymentID = approval.PaymentID
		if keys[entry.Key] {
			return fmt.Errorf("%w: %s %s/%s", ErrDuplicateEntry,
				approval.PaymentID, entry.Key.RecipientType, entry.Key.RecipientID)
		}
		keys[entry.Key] = true
		if entry.Data.ID == "" {
			entry.Data.ID = uuid.NewString()
		}
		entry.Data.Status = model.EarningsStatusCalculated
		entry.Data.BatchID = approval.BatchID
		entry.Data.CreatedAt = approval.ApprovedAt
		entries = append(entries, entry)
	}

	approvedAt := approval.ApprovedAt
	payment.Data.Status = approval.Status
	payment.Data.ApprovedAt = &approvedAt
	payment.Data.BatchID = approval.BatchID
	m.payments[approval.PaymentID] = payment
	m.earnings[approval.PaymentID] = entries
	return nil
}

func (m *MemoryStore) EarningsGet(ctx context.Context, paymentID string) ([]model.EarningsEntry, error) {
	m.calls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.EarningsEntry(nil), m.earnings[paymentID]...), nil
}

func (m *MemoryStore) EarningsAdvance(ctx context.Context, id string, from string, to string) (model.EarningsEntry, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for paymentID, entries := range m.earnings {
		for i, entry := range entries {
			if entry.Data.ID != id {
				continue
			}
			if entry.Data.Status != from {
				return model.EarningsEntry{}, ErrConflict
			}
			entry.Data.Status = to
			m.earnings[paymentID][i] = entry
			return entry, nil
		}
	}
	return model.EarningsEntry{}, ErrNoRows
}

func (m *MemoryStore) EarningsGetUnbalanced(ctx context.Context) ([]model.Reconciliation, error) {
	m.calls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var unbalanced []model.Reconciliation
	for id, p := range m.payments {
		if p.Data.ApprovedAt == nil {
			continue
		}
		r := model.Reconciliation{PaymentID: id, Amount: p.Data.Amount}
		for _, e := range m.earnings[id] {
			r.Distributed += e.Data.Amount
			r.Entries++
		}
		if r.Distributed != r.Amount {
			unbalanced = append(unbalanced, r)
		}
	}
	sort.Slice(unbalanced, func(i, j int) bool { return unbalanced[i].PaymentID < unbalanced[j].PaymentID })
	return unbalanced, nil
}

func (m *MemoryStore) SplitRulesGet(ctx context.Context) ([]model.SplitRule, error) {
	m.calls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.SplitRule(nil), m.rules...), nil
}

func (m *MemoryStore) BatchRunPost(ctx context.Context, run model.BatchRun) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
