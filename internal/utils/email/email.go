package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/models"
)

// Sender handles sending customer notifications via SMTP
type Sender struct {
	cfg    config.SMTPConfig
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg config.SMTPConfig, logger *logrus.Logger) *Sender {
	s := &Sender{cfg: cfg, logger: logger}
	s.send = func(e *email.Email) error {
		addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		return e.Send(addr, auth)
	}
	return s
}

// Notify e-mails the customer about n. Customers without an address on file
// are skipped.
func (s *Sender) Notify(_ context.Context, n models.Notification, customer *models.Customer) error {
	if customer == nil || customer.Email == "" {
		s.logger.WithField("customer_ref", n.CustomerRef).Debug("No e-mail on file, skipping notification")
		return nil
	}

	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{customer.Email}
	e.Subject, e.Text = compose(n, customer)

	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send email to %s: %v", customer.Email, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infof("Email sent to %s: %s", customer.Email, e.Subject)
	return nil
}

func compose(n models.Notification, customer *models.Customer) (string, []byte) {
	name := customer.Name
	if name == "" {
		name = "customer"
	}
	amount := n.Amount.StringFixed(2)

	var subject, body string
	body = fmt.Sprintf("Dear %s,\n\n", name)
	switch n.Kind {
	case models.NotifyPaymentCompleted:
		subject = "Installment Payment Received"
		body += fmt.Sprintf("We received your installment payment of %s.\n", amount)
	case models.NotifyRetryScheduled:
		subject = "Installment Payment Declined"
		body += fmt.Sprintf("Your installment payment of %s could not be processed", amount)
		if n.Reason != "" {
			body += fmt.Sprintf(" (%s)", n.Reason)
		}
		body += ".\n"
		if n.NextRetryAt != nil {
			body += fmt.Sprintf("We will try again on %s.\n", n.NextRetryAt.Format("2006-01-02 15:04 MST"))
		}
		body += "Please make sure sufficient funds are available on your card.\n"
	case models.NotifyPaymentFailed:
		subject = "Installment Payment Failed"
		body += fmt.Sprintf(
			"All attempts to collect your installment payment of %s have failed.\n"+
				"Please update your payment method or contact us to settle the amount.\n",
			amount,
		)
	case models.NotifyEarlySettlement:
		subject = "Early Payment Confirmation"
		body += fmt.Sprintf("Thank you for paying early. We charged %s", amount)
		if n.Reason != "" {
			body += fmt.Sprintf(" and you %s", n.Reason)
		}
		body += ".\n"
	default:
		subject = "Payment Plan Update"
		body += "There is an update on your payment plan.\n"
	}
	body += fmt.Sprintf("\nReference: %s\n\nBest regards,\nBNPL Service", n.TransactionID)
	return subject, []byte(body)
}
