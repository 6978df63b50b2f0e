// Package split computes how an approved payment is distributed between
// recipients according to the revenue split configuration.
package split

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/jkkn/solutionshub-batch/internal/model"
)

// AnyCategory matches every category of a subject kind. It has to be configured
// explicitly, the calculator never falls back on its own.
const AnyCategory = "*"

// ConfigurationError reports that a payment cannot be split with the loaded table.
type ConfigurationError struct {
	SubjectKind string
	Category    string
	Reason      string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("revenue split configuration for %s/%s: %s", e.SubjectKind, e.Category, e.Reason)
}

type bucketKey struct {
	kind     string
	category string
}

// Table is the immutable split configuration. Build it once with NewTable.
type Table struct {
	buckets map[bucketKey][]model.SplitRule
}

func NewTable(rules []model.SplitRule) (*Table, error) {
	buckets := make(map[bucketKey][]model.SplitRule)
	for _, rule := range rules {
		if rule.SubjectKind == "" || rule.Category == "" || rule.RecipientType == "" {
			return nil, fmt.Errorf("split rule %+v: subject kind, category and recipient type required", rule)
		}
		if !rule.Share.IsPositive() {
			return nil, fmt.Errorf("split rule %s/%s/%s: share must be positive",
				rule.SubjectKind, rule.Category, rule.RecipientType)
		}
		key := bucketKey{kind: rule.SubjectKind, category: rule.Category}
		for _, existing := range buckets[key] {
			if existing.RecipientType == rule.RecipientType && existing.RecipientID == rule.RecipientID {
				return nil, fmt.Errorf("split rule %s/%s: duplicate recipient %s/%s",
					rule.SubjectKind, rule.Category, rule.RecipientType, rule.RecipientID)
			}
		}
		buckets[key] = append(buckets[key], rule)
	}

	// Доли каждой корзины должны давать ровно 1
	for key, bucket := range buckets {
		total := decimal.Zero
		for _, rule := range bucket {
			total = total.Add(rule.Share)
		}
		if !total.Equal(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("split bucket %s/%s: shares sum to %s, want 1", key.kind, key.category, total)
		}
	}

	return &Table{buckets: buckets}, nil
}

// Len returns the number of configured buckets.
func (t *Table) Len() int {
	return len(t.buckets)
}

// Resolve returns the bucket configured for the payment subject.
func (t *Table) Resolve(subject model.PaymentSubject) ([]model.SplitRule, error) {
	if bucket, ok := t.buckets[bucketKey{kind: subject.Kind, category: subject.Category}]; ok {
		return bucket, nil
	}
	if bucket, ok := t.buckets[bucketKey{kind: subject.Kind, category: AnyCategory}]; ok {
		return bucket, nil
	}
	return nil, &ConfigurationError{
		SubjectKind: subject.Kind,
		Category:    subject.Category,
		Reason:      "no matching bucket",
	}
}

// Compute splits the payment amount into one calculated entry per recipient.
// Rounded amounts always sum to the payment amount: the residual goes to the
// recipient with the largest share.
func (t *Table) Compute(payment model.Payment) ([]model.EarningsEntry, error) {
	if payment.Data.Amount <= 0 {
		return nil, fmt.Errorf("payment %s: amount must be positive", payment.ID)
	}

	bucket, err := t.Resolve(payment.Data.Subject)
	if err != nil {
		return nil, err
	}

	amount := decimal.NewFromInt(payment.Data.Amount)
	entries := make([]model.EarningsEntry, 0, len(bucket))
	var distributed int64
	largest := 0
	seen := make(map[model.EarningsKey]bool, len(bucket))
	for i, rule := range bucket {
		recipientID := rule.RecipientID
		if recipientID == "" {
			recipientID = payment.Data.Assignees[rule.RecipientType]
		}
		if recipientID == "" {
			return nil, &ConfigurationError{
				SubjectKind: payment.Data.Subject.Kind,
				Category:    payment.Data.Subject.Category,
				Reason:      fmt.Sprintf("no %s assigned to payment %s", rule.RecipientType, payment.ID),
			}
		}
		// один получатель - одна строка начислений
		key := model.EarningsKey{PaymentID: payment.ID, RecipientType: rule.RecipientType, RecipientID: recipientID}
		if seen[key] {
			return nil, &ConfigurationError{
				SubjectKind: payment.Data.Subject.Kind,
				Category:    payment.Data.Subject.Category,
				Reason:      fmt.Sprintf("%s %s resolves to more than one share of payment %s", rule.RecipientType, recipientID, payment.ID),
			}
		}
		seen[key] = true

		share := amount.Mul(rule.Share).RoundBank(0).IntPart()
		distributed += share
		if rule.Share.GreaterThan(bucket[largest].Share) {
			largest = i
		}

		entries = append(entries, model.EarningsEntry{
			Key: key,
			Data: model.EarningsData{
				Amount: share,
				Share:  rule.Share,
				Status: model.EarningsStatusCalculated,
			},
		})
	}

	entries[largest].Data.Amount += payment.Data.Amount - distributed

	return entries, nil
}

type fileRule struct {
	SubjectKind   string          `json:"subject_kind"`
	Category      string          `json:"category"`
	RecipientType string          `json:"recipient_type"`
	RecipientID   string          `json:"recipient_id"`
	Share         decimal.Decimal `json:"share"`
}

// LoadFile reads split rules from a JSON array.
func LoadFile(path string) ([]model.SplitRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []fileRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	rules := make([]model.SplitRule, 0, len(raw))
	for _, r := range raw {
		rules = append(rules, model.SplitRule{
			SubjectKind:   r.SubjectKind,
			Category:      r.Category,
			RecipientType: r.RecipientType,
			RecipientID:   r.RecipientID,
			Share:         r.Share,
		})
	}
	return rules, nil
}
