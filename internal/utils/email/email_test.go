package email

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/models"
)

func newTestSender(sent *[]*email.Email, err error) *Sender {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := NewSender(config.SMTPConfig{Host: "smtp.local", Port: "587", SenderEmail: "billing@bnpl.local"}, log)
	s.send = func(e *email.Email) error {
		if err != nil {
			return err
		}
		*sent = append(*sent, e)
		return nil
	}
	return s
}

func TestNotify(t *testing.T) {
	retryAt := time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)
	tests := []struct {
		kind    models.NotificationKind
		subject string
		text    string
	}{
		{models.NotifyPaymentCompleted, "Installment Payment Received", "100.00"},
		{models.NotifyRetryScheduled, "Installment Payment Declined", "2024-01-15 07:00 UTC"},
		{models.NotifyPaymentFailed, "Installment Payment Failed", "All attempts"},
		{models.NotifyEarlySettlement, "Early Payment Confirmation", "paying early"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var sent []*email.Email
			s := newTestSender(&sent, nil)
			err := s.Notify(context.Background(), models.Notification{
				Kind:          tt.kind,
				TransactionID: "txn-1",
				Amount:        decimal.NewFromInt(100),
				NextRetryAt:   &retryAt,
			}, &models.Customer{Email: "jane@example.com", Name: "Jane"})
			if err != nil {
				t.Fatalf("Notify: %v", err)
			}
			if len(sent) != 1 {
				t.Fatalf("expected 1 email, got %d", len(sent))
			}
			e := sent[0]
			if e.Subject != tt.subject {
				t.Errorf("expected subject %q, got %q", tt.subject, e.Subject)
			}
			if e.From != "billing@bnpl.local" || e.To[0] != "jane@example.com" {
				t.Errorf("unexpected envelope %s -> %v", e.From, e.To)
			}
			if !strings.Contains(string(e.Text), tt.text) || !strings.Contains(string(e.Text), "Dear Jane") {
				t.Errorf("expected body to contain %q, got %s", tt.text, e.Text)
			}
		})
	}
}

func TestNotifySkipsMissingAddress(t *testing.T) {
	var sent []*email.Email
	s := newTestSender(&sent, nil)
	if err := s.Notify(context.Background(), models.Notification{Kind: models.NotifyPaymentFailed}, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sent) != 0 {
		t.Errorf("expected no email, got %d", len(sent))
	}
}

func TestNotifySendError(t *testing.T) {
	var sent []*email.Email
	s := newTestSender(&sent, errors.New("connection refused"))
	err := s.Notify(context.Background(), models.Notification{Kind: models.NotifyPaymentFailed}, &models.Customer{Email: "jane@example.com"})
	if err == nil {
		t.Fatal("expected error")
	}
}
