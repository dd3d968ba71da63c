package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Audit actions recorded against transactions and installments.
const (
	AuditScheduleCreated    = "schedule_created"
	AuditScheduleRepaired   = "schedule_repaired"
	AuditInstrumentCreated  = "instrument_provisioned"
	AuditChargeAttempted    = "charge_attempted"
	AuditChargeSucceeded    = "charge_succeeded"
	AuditRetryScheduled     = "retry_scheduled"
	AuditChargeFailed       = "charge_failed"
	AuditChargeRefunded     = "charge_refunded"
	AuditManualRetry        = "manual_retry"
	AuditIntegrityViolation = "integrity_violation"
	AuditEarlySettlement    = "early_settlement"
	AuditSettlementRefunded = "settlement_refunded"
)

// AuditEntry is an append-only record of a state change
type AuditEntry struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	InstallmentID string            `json:"installment_id,omitempty"`
	Action        string            `json:"action"`
	FromStatus    InstallmentStatus `json:"from_status,omitempty"`
	ToStatus      InstallmentStatus `json:"to_status,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NotificationKind identifies the customer-facing message to deliver.
type NotificationKind string

const (
	NotifyPaymentFailed    NotificationKind = "payment_failed"
	NotifyRetryScheduled   NotificationKind = "retry_scheduled"
	NotifyPaymentCompleted NotificationKind = "payment_completed"
	NotifyEarlySettlement  NotificationKind = "early_settlement"
)

// Notification is an outbox row. Rows of kind NotifyPaymentFailed are an
// obligation and stay pending until delivered.
type Notification struct {
	ID            string           `json:"id"`
	Kind          NotificationKind `json:"kind"`
	TransactionID string           `json:"transaction_id"`
	InstallmentID string           `json:"installment_id,omitempty"`
	CustomerRef   string           `json:"customer_ref"`
	Amount        decimal.Decimal  `json:"amount"`
	Reason        string           `json:"reason,omitempty"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	Attempts      int              `json:"attempts"`
	CreatedAt     time.Time        `json:"created_at"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
}
