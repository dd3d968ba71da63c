package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStats represents the aggregate outcome of one batch processor run
type BatchStats struct {
	Skipped         bool          `json:"skipped"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Retried         int           `json:"retried"`
	Failed          int           `json:"failed"`
	Conflicts       int           `json:"conflicts"`
	IntegrityErrors int           `json:"integrity_errors"`
	Batches         int           `json:"batches"`
	Duration        time.Duration `json:"duration"`
}

// ScheduleSummary represents the state of a transaction's schedule
type ScheduleSummary struct {
	TransactionID     string                    `json:"transaction_id"`
	TotalAmount       decimal.Decimal           `json:"total_amount"`
	PaidAmount        decimal.Decimal           `json:"paid_amount"`
	OutstandingAmount decimal.Decimal           `json:"outstanding_amount"`
	DiscountsApplied  decimal.Decimal           `json:"discounts_applied"`
	StatusCounts      map[InstallmentStatus]int `json:"status_counts"`
	NextDue           *Installment              `json:"next_due,omitempty"`
	Installments      []Installment             `json:"installments"`
	Healthy           bool                      `json:"healthy"`
	Issues            []string                  `json:"issues,omitempty"`
}
