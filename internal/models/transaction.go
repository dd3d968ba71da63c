package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentPlan selects how many installments a purchase is split into
type InstallmentPlan string

const (
	PlanPayInFull InstallmentPlan = "PAY_IN_FULL"
	PlanPayIn2    InstallmentPlan = "PAY_IN_2"
	PlanPayIn3    InstallmentPlan = "PAY_IN_3"
	PlanPayIn4    InstallmentPlan = "PAY_IN_4"
)

// Count returns the number of installments for the plan.
func (p InstallmentPlan) Count() (int, error) {
	switch p {
	case PlanPayInFull:
		return 1, nil
	case PlanPayIn2:
		return 2, nil
	case PlanPayIn3:
		return 3, nil
	case PlanPayIn4:
		return 4, nil
	}
	return 0, fmt.Errorf("unknown installment plan %q", string(p))
}

// Transaction represents an approved BNPL purchase
type Transaction struct {
	ID               string          `json:"id"`
	MerchantRef      string          `json:"merchant_ref"`
	CustomerRef      string          `json:"customer_ref"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	CardFundedAmount decimal.Decimal `json:"card_funded_amount"`
	Currency         string          `json:"currency"`
	Plan             InstallmentPlan `json:"plan"`
	CreatedAt        time.Time       `json:"created_at"`
	Installments     []Installment   `json:"installments,omitempty"`
}
