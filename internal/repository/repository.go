// Package repository persists transactions, installments and merchant
// configuration. Writes happen inside a unit of work obtained from WithinTx.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Dan9191/bnpl-service/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStaleInstallment = errors.New("installment was modified concurrently")
	ErrScheduleExists   = errors.New("schedule already exists for transaction")
)

// DueFilter selects installments for a batch run.
type DueFilter struct {
	Now time.Time
	// RetriesOnly restricts the selection to installments with a pending retry.
	RetriesOnly bool
}

// Reader provides database reads
type Reader interface {
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetInstallment(ctx context.Context, id string) (*models.Installment, error)
	ListInstallments(ctx context.Context, transactionID string) ([]models.Installment, error)
	ListDueInstallments(ctx context.Context, f DueFilter) ([]models.Installment, error)
	// ListStaleProcessing returns PROCESSING installments last attempted, or
	// created when never attempted, at or before before.
	ListStaleProcessing(ctx context.Context, before time.Time) ([]models.Installment, error)
	GetCustomer(ctx context.Context, ref string) (*models.Customer, error)
	GetDiscountConfig(ctx context.Context, merchantRef string) (*models.MerchantDiscountConfig, error)
	GetMerchantSettings(ctx context.Context, merchantRef string) (*models.MerchantSettings, error)
	ListPendingNotifications(ctx context.Context, limit int) ([]models.Notification, error)
	ListAudit(ctx context.Context, transactionID string) ([]models.AuditEntry, error)
}

// Tx is a unit of work. Nothing it writes is visible to other readers until
// the function passed to WithinTx returns nil.
type Tx interface {
	Reader

	// InsertTransaction stores txn unless a row with its ID already exists.
	InsertTransaction(ctx context.Context, txn *models.Transaction) error
	// InsertInstallments fails with ErrScheduleExists on a duplicate
	// (transaction, installment number) pair.
	InsertInstallments(ctx context.Context, installments []models.Installment) error
	DeleteInstallments(ctx context.Context, transactionID string) (int64, error)
	// CompareAndSwapInstallment writes next only if the stored row still has
	// cur's status and version, and returns next with the bumped version.
	CompareAndSwapInstallment(ctx context.Context, cur, next models.Installment) (models.Installment, error)

	UpsertCustomer(ctx context.Context, c *models.Customer) error
	SetDefaultInstrument(ctx context.Context, customerRef, instrumentRef string) error
	SaveDiscountConfig(ctx context.Context, cfg *models.MerchantDiscountConfig) error
	SaveMerchantSettings(ctx context.Context, s *models.MerchantSettings) error

	AppendAudit(ctx context.Context, entries ...models.AuditEntry) error
	EnqueueNotification(ctx context.Context, n models.Notification) error
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string) error
}

// Store is the persistence contract used by the services.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
