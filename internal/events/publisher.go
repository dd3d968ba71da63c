// Package events publishes installment lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/models"
)

// Event is the message value written for every delivered notification.
type Event struct {
	ID            string                  `json:"id"`
	Type          models.NotificationKind `json:"type"`
	TransactionID string                  `json:"transaction_id"`
	InstallmentID string                  `json:"installment_id,omitempty"`
	CustomerRef   string                  `json:"customer_ref"`
	Amount        string                  `json:"amount"`
	Reason        string                  `json:"reason,omitempty"`
	NextRetryAt   *time.Time              `json:"next_retry_at,omitempty"`
	OccurredAt    time.Time               `json:"occurred_at"`
}

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes lifecycle events keyed by transaction, so every event of
// one transaction lands on the same partition in order.
type Publisher struct {
	w   MessageWriter
	log *logrus.Logger
}

// NewPublisher builds a synchronous writer for the configured topic.
func NewPublisher(cfg config.KafkaConfig, log *logrus.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("topic", cfg.Topic).Errorf(msg, args...)
		}),
	}
	return NewPublisherWithWriter(w, log)
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter, log *logrus.Logger) *Publisher {
	return &Publisher{w: w, log: log}
}

// Notify publishes n. It satisfies the service notifier contract.
func (p *Publisher) Notify(ctx context.Context, n models.Notification, _ *models.Customer) error {
	value, err := json.Marshal(Event{
		ID:            n.ID,
		Type:          n.Kind,
		TransactionID: n.TransactionID,
		InstallmentID: n.InstallmentID,
		CustomerRef:   n.CustomerRef,
		Amount:        n.Amount.StringFixed(2),
		Reason:        n.Reason,
		NextRetryAt:   n.NextRetryAt,
		OccurredAt:    n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.TransactionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(n.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", n.Kind, err)
	}
	p.log.WithFields(logrus.Fields{"event_id": n.ID, "type": n.Kind}).Debug("Lifecycle event published")
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
