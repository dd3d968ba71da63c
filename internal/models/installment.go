package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentStatus is the lifecycle state of a single installment.
type InstallmentStatus string

const (
	StatusScheduled  InstallmentStatus = "SCHEDULED"
	StatusProcessing InstallmentStatus = "PROCESSING"
	StatusCompleted  InstallmentStatus = "COMPLETED"
	StatusFailed     InstallmentStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s InstallmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Installment represents one scheduled partial payment of a transaction
type Installment struct {
	ID                string            `json:"id"`
	TransactionID     string            `json:"transaction_id"`
	InstallmentNumber int               `json:"installment_number"`
	Amount            decimal.Decimal   `json:"amount"`
	DueDate           time.Time         `json:"due_date"`
	Status            InstallmentStatus `json:"status"`
	RetryCount        int               `json:"retry_count"`
	NextRetryAt       *time.Time        `json:"next_retry_at,omitempty"`
	LastFailureReason *string           `json:"last_failure_reason,omitempty"`
	ExternalChargeRef *string           `json:"external_charge_ref,omitempty"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	DiscountApplied   decimal.Decimal   `json:"discount_applied"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsDue reports whether the installment should be picked up by a batch run at now.
// A pending retry hides the original due date until NextRetryAt passes.
func (i *Installment) IsDue(now time.Time) bool {
	if i.Status != StatusScheduled {
		return false
	}
	if i.NextRetryAt != nil {
		return !i.NextRetryAt.After(now)
	}
	return !i.DueDate.After(now)
}

// Clone returns a deep copy, so callers can build the next state of a row
// without touching the one they read.
func (i Installment) Clone() Installment {
	c := i
	c.NextRetryAt = cloneTime(i.NextRetryAt)
	c.LastAttemptAt = cloneTime(i.LastAttemptAt)
	c.PaidAt = cloneTime(i.PaidAt)
	c.LastFailureReason = cloneString(i.LastFailureReason)
	c.ExternalChargeRef = cloneString(i.ExternalChargeRef)
	return c
}

// TruncateToDay normalizes t to UTC midnight.
func TruncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
