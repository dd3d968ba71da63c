// Package discount computes early payment discounts from merchant tiers.
package discount

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/bnpl-service/internal/models"
)

var (
	// FallbackRate applies when a merchant has no enabled configuration.
	FallbackRate = decimal.RequireFromString("0.01")

	minimumBeneficial     = decimal.NewFromInt(1)
	minimumBeneficialRate = decimal.RequireFromString("0.005")
)

// Quote is the discount offered for settling an amount early.
type Quote struct {
	Amount      decimal.Decimal      `json:"amount"`
	DaysBefore  int                  `json:"days_before_due"`
	Tier        *models.DiscountTier `json:"tier,omitempty"`
	Rate        decimal.Decimal      `json:"rate"`
	Discount    decimal.Decimal      `json:"discount"`
	FinalAmount decimal.Decimal      `json:"final_amount"`
	Beneficial  bool                 `json:"beneficial"`
	Fallback    bool                 `json:"fallback"`
}

// SelectTier returns the highest-rate tier whose range covers days and whose
// minimum amount is met. Declaration order only matters between equal rates.
func SelectTier(tiers []models.DiscountTier, amount decimal.Decimal, days int) *models.DiscountTier {
	var best *models.DiscountTier
	for i := range tiers {
		t := &tiers[i]
		if !t.Covers(days) || amount.LessThan(t.MinimumAmount) {
			continue
		}
		if best == nil || t.Rate.GreaterThan(best.Rate) {
			best = t
		}
	}
	return best
}

// Calculate quotes the discount for paying amount days before the original
// due date under cfg.
func Calculate(amount decimal.Decimal, cfg *models.MerchantDiscountConfig, days int) Quote {
	q := Quote{Amount: amount, DaysBefore: days, Rate: decimal.Zero, Discount: decimal.Zero}

	switch {
	case cfg == nil || !cfg.Enabled:
		q.Fallback = true
		q.Rate = FallbackRate
		q.Discount = amount.Mul(FallbackRate).Round(2)
	default:
		if tier := SelectTier(cfg.Tiers, amount, days); tier != nil {
			selected := *tier
			q.Tier = &selected
			q.Rate = tier.Rate
			d := amount.Mul(tier.Rate)
			if tier.MaximumDiscount.IsPositive() && d.GreaterThan(tier.MaximumDiscount) {
				d = tier.MaximumDiscount
			}
			q.Discount = d.Round(2)
		}
	}

	q.FinalAmount = amount.Sub(q.Discount)
	q.Beneficial = IsBeneficial(amount, q.Discount)
	return q
}

// IsBeneficial reports whether a discount is worth presenting: at least 1.00
// or 0.5% of the amount, whichever is larger.
func IsBeneficial(amount, discount decimal.Decimal) bool {
	threshold := decimal.Max(minimumBeneficial, amount.Mul(minimumBeneficialRate))
	return discount.GreaterThanOrEqual(threshold)
}

// Rejection reasons returned by CanSettleEarly.
const (
	ReasonDisabled         = "early payment is disabled for this merchant"
	ReasonBelowMinimum     = "amount is below the minimum early payment amount"
	ReasonAboveMaximum     = "amount exceeds the maximum early payment amount"
	ReasonExcludedMethod   = "payment method is not eligible for early payment"
	ReasonRestrictedTier   = "customer tier is not eligible for early payment"
	ReasonRequiresApproval = "amount requires merchant approval"
)

// EligibilityRequest describes a prospective early settlement.
type EligibilityRequest struct {
	Amount            decimal.Decimal
	PaymentMethodType string
	CustomerTier      string
}

// Eligibility is the outcome of CanSettleEarly.
type Eligibility struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
}

// CanSettleEarly gates early settlement before any discount is calculated.
// A missing configuration allows settlement at the fallback rate.
func CanSettleEarly(cfg *models.MerchantDiscountConfig, req EligibilityRequest) Eligibility {
	if cfg == nil {
		return Eligibility{Allowed: true}
	}
	if !cfg.Enabled {
		return Eligibility{Reason: ReasonDisabled}
	}
	if cfg.MinimumEarlyPaymentAmount.IsPositive() && req.Amount.LessThan(cfg.MinimumEarlyPaymentAmount) {
		return Eligibility{Reason: ReasonBelowMinimum}
	}
	if cfg.MaximumEarlyPaymentAmount.IsPositive() && req.Amount.GreaterThan(cfg.MaximumEarlyPaymentAmount) {
		return Eligibility{Reason: ReasonAboveMaximum}
	}
	if req.PaymentMethodType != "" && contains(cfg.ExcludedPaymentMethods, req.PaymentMethodType) {
		return Eligibility{Reason: ReasonExcludedMethod}
	}
	if req.CustomerTier != "" && contains(cfg.RestrictedCustomerTiers, req.CustomerTier) {
		return Eligibility{Reason: ReasonRestrictedTier}
	}
	if cfg.ApprovalThreshold.IsPositive() && req.Amount.GreaterThanOrEqual(cfg.ApprovalThreshold) {
		return Eligibility{RequiresApproval: true, Reason: ReasonRequiresApproval}
	}
	return Eligibility{Allowed: true}
}

// RecordSettlement folds one successful early settlement into the merchant
// analytics. The average rate is the discount-weighted mean over all settled
// amounts.
func RecordSettlement(a *models.DiscountAnalytics, discount, amount decimal.Decimal) {
	a.EarlyPaymentCount++
	a.TotalDiscountGranted = a.TotalDiscountGranted.Add(discount)
	a.TotalSettledAmount = a.TotalSettledAmount.Add(amount)
	if a.TotalSettledAmount.IsPositive() {
		a.AverageDiscountRate = a.TotalDiscountGranted.Div(a.TotalSettledAmount).Round(6)
	}
}

var dayRangePattern = regexp.MustCompile(`^\s*(\d+)\s*(?:-\s*(\d+)|(\+))\s*(?:days?)?\s*$`)

// ParseDayRange parses tier ranges such as "0-7days", "8-14 days" or "31+days".
func ParseDayRange(s string) (minDays int, maxDays *int, err error) {
	m := dayRangePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, nil, fmt.Errorf("invalid day range %q", s)
	}
	minDays, _ = strconv.Atoi(m[1])
	if m[3] == "+" {
		return minDays, nil, nil
	}
	upper, _ := strconv.Atoi(m[2])
	if upper < minDays {
		return 0, nil, fmt.Errorf("invalid day range %q: upper bound below lower bound", s)
	}
	return minDays, &upper, nil
}

// ValidateConfig checks a merchant configuration before it is stored.
func ValidateConfig(cfg *models.MerchantDiscountConfig) error {
	if cfg.MerchantRef == "" {
		return fmt.Errorf("merchant reference is required")
	}
	if cfg.MinimumEarlyPaymentAmount.IsNegative() || cfg.MaximumEarlyPaymentAmount.IsNegative() {
		return fmt.Errorf("early payment limits must not be negative")
	}
	if cfg.MaximumEarlyPaymentAmount.IsPositive() && cfg.MinimumEarlyPaymentAmount.GreaterThan(cfg.MaximumEarlyPaymentAmount) {
		return fmt.Errorf("minimum early payment amount exceeds maximum")
	}
	for i, t := range cfg.Tiers {
		if t.MinDays < 0 {
			return fmt.Errorf("tier %d: negative lower bound", i)
		}
		if t.MaxDays != nil && *t.MaxDays < t.MinDays {
			return fmt.Errorf("tier %d: upper bound below lower bound", i)
		}
		if t.Rate.IsNegative() || t.Rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("tier %d: rate must be in [0,1)", i)
		}
		if t.MinimumAmount.IsNegative() || t.MaximumDiscount.IsNegative() {
			return fmt.Errorf("tier %d: amounts must not be negative", i)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
