package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Dan9191/bnpl-service/internal/discount"
	"github.com/Dan9191/bnpl-service/internal/repository"
	"github.com/Dan9191/bnpl-service/internal/schedule"
)

var (
	ErrScheduleExists     = repository.ErrScheduleExists
	ErrNotFound           = repository.ErrNotFound
	ErrNotEligible        = errors.New("early settlement is not eligible")
	ErrInvalidState       = errors.New("installment is not in a valid state for this operation")
	ErrSettlementConflict = errors.New("installments changed during settlement")
)

// ValidationError rejects caller input before anything is written.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IntegrityError reports a corrupted schedule. It is never repaired
// implicitly; RepairSchedule is the explicit recovery path.
type IntegrityError struct {
	TransactionID string
	Issues        schedule.Issues
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("schedule of transaction %s is corrupt: %s", e.TransactionID, strings.Join(e.Issues.Strings(), "; "))
}

// NotEligibleError carries the eligibility verdict that blocked a settlement.
type NotEligibleError struct {
	Eligibility discount.Eligibility
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotEligible, e.Eligibility.Reason)
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }
