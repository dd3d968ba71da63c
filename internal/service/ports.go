package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/models"
)

// PaymentGateway is the card-processing collaborator.
type PaymentGateway interface {
	ChargeStoredInstrument(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error)
	CreateReusableInstrument(ctx context.Context, customerRef string) (string, error)
	RefundCharge(ctx context.Context, chargeRef string, amount *decimal.Decimal) (string, error)
}

// Notifier delivers an outbox notification. The customer may be nil when no
// profile is on file.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification, customer *models.Customer) error
}

// Locker guards batch runs across service instances. ok is false when another
// instance holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// Capturer charges the first installment of a new schedule at checkout.
type Capturer interface {
	CaptureInstallment(ctx context.Context, installmentID string) (*models.Installment, error)
}
