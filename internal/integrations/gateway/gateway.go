// Package gateway talks to the card-processing gateway that charges stored
// instruments, provisions reusable instruments and issues refunds.
package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Decline and failure codes reported by the gateway.
const (
	CodeCardDeclined      = "card_declined"
	CodeInsufficientFunds = "insufficient_funds"
	CodeProcessingError   = "processing_error"
	CodeTimeout           = "timeout"
	CodeMissingInstrument = "missing_instrument"
	CodeInvalidInstrument = "invalid_instrument"
	CodeExpiredCard       = "expired_card"
)

// Charge statuses.
const (
	StatusSucceeded = "succeeded"
	StatusDeclined  = "declined"
	StatusFailed    = "failed"
)

// ErrMissingInstrument is returned when no reusable instrument is on file.
var ErrMissingInstrument = &Error{Code: CodeMissingInstrument, Message: "no stored payment instrument"}

// Error is a failed gateway operation.
type Error struct {
	Code      string
	Message   string
	ChargeRef string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s", e.Code)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// Is matches gateway errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ChargeResult is a successful charge.
type ChargeResult struct {
	ChargeRef string
	Status    string
}

// ChargeRequest describes a charge against a stored instrument.
type ChargeRequest struct {
	CustomerRef   string
	InstrumentRef string
	Amount        decimal.Decimal
	Currency      string
	Metadata      map[string]string
}
