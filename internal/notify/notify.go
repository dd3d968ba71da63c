// Package notify combines notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/models"
)

// Channel delivers one notification.
type Channel interface {
	Notify(ctx context.Context, n models.Notification, customer *models.Customer) error
}

// Multi delivers to every channel. Delivery fails if any channel fails, so the
// outbox row stays pending and is retried on the next dispatch.
type Multi []Channel

func (m Multi) Notify(ctx context.Context, n models.Notification, customer *models.Customer) error {
	var errs []error
	for _, c := range m {
		if err := c.Notify(ctx, n, customer); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification %s: %w", n.ID, errors.Join(errs...))
	}
	return nil
}

// Log writes notifications to the service log. It is the only channel when
// neither SMTP nor Kafka is configured.
type Log struct {
	Logger *logrus.Logger
}

func (l Log) Notify(_ context.Context, n models.Notification, _ *models.Customer) error {
	l.Logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"transaction_id":  n.TransactionID,
		"installment_id":  n.InstallmentID,
		"customer_ref":    n.CustomerRef,
		"amount":          n.Amount.StringFixed(2),
	}).Info("Customer notification")
	return nil
}
