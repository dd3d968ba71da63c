package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountTier pairs a closed "days before due" range with a rate
type DiscountTier struct {
	Name            string          `json:"name"`
	MinDays         int             `json:"min_days"`
	MaxDays         *int            `json:"max_days,omitempty"` // nil means open-ended
	Rate            decimal.Decimal `json:"rate"`
	MinimumAmount   decimal.Decimal `json:"minimum_amount"`
	MaximumDiscount decimal.Decimal `json:"maximum_discount"`
}

// Covers reports whether days falls inside the tier range.
func (t DiscountTier) Covers(days int) bool {
	if days < t.MinDays {
		return false
	}
	return t.MaxDays == nil || days <= *t.MaxDays
}

// DiscountAnalytics accumulates early payment statistics for a merchant
type DiscountAnalytics struct {
	EarlyPaymentCount    int64           `json:"early_payment_count"`
	TotalDiscountGranted decimal.Decimal `json:"total_discount_granted"`
	TotalSettledAmount   decimal.Decimal `json:"total_settled_amount"`
	AverageDiscountRate  decimal.Decimal `json:"average_discount_rate"`
}

// MerchantDiscountConfig holds a merchant's early payment incentives
type MerchantDiscountConfig struct {
	MerchantRef               string            `json:"merchant_ref"`
	Enabled                   bool              `json:"enabled"`
	AllowPartialSettlement    bool              `json:"allow_partial_settlement"`
	MinimumEarlyPaymentAmount decimal.Decimal   `json:"minimum_early_payment_amount"`
	MaximumEarlyPaymentAmount decimal.Decimal   `json:"maximum_early_payment_amount"`
	ApprovalThreshold         decimal.Decimal   `json:"approval_threshold"`
	ExcludedPaymentMethods    []string          `json:"excluded_payment_methods"`
	RestrictedCustomerTiers   []string          `json:"restricted_customer_tiers"`
	Tiers                     []DiscountTier    `json:"tiers"`
	Analytics                 DiscountAnalytics `json:"analytics"`
	UpdatedAt                 time.Time         `json:"updated_at"`
}

// Clone returns a deep copy, so a cached configuration can be handed out
// without sharing its tiers.
func (c *MerchantDiscountConfig) Clone() *MerchantDiscountConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Tiers = make([]DiscountTier, len(c.Tiers))
	for i, t := range c.Tiers {
		out.Tiers[i] = t
		if t.MaxDays != nil {
			out.Tiers[i].MaxDays = intPtr(*t.MaxDays)
		}
	}
	out.ExcludedPaymentMethods = append([]string(nil), c.ExcludedPaymentMethods...)
	out.RestrictedCustomerTiers = append([]string(nil), c.RestrictedCustomerTiers...)
	return &out
}

func intPtr(v int) *int { return &v }

// DefaultDiscountConfig returns the configuration created on merchant onboarding.
func DefaultDiscountConfig(merchantRef string) *MerchantDiscountConfig {
	return &MerchantDiscountConfig{
		MerchantRef:               merchantRef,
		Enabled:                   true,
		AllowPartialSettlement:    true,
		MinimumEarlyPaymentAmount: decimal.NewFromInt(10),
		MaximumEarlyPaymentAmount: decimal.NewFromInt(10000),
		ApprovalThreshold:         decimal.NewFromInt(5000),
		Tiers: []DiscountTier{
			{Name: "0-7days", MinDays: 0, MaxDays: intPtr(7), Rate: decimal.RequireFromString("0.02"), MinimumAmount: decimal.NewFromInt(10), MaximumDiscount: decimal.NewFromInt(50)},
			{Name: "8-14days", MinDays: 8, MaxDays: intPtr(14), Rate: decimal.RequireFromString("0.03"), MinimumAmount: decimal.NewFromInt(10), MaximumDiscount: decimal.NewFromInt(75)},
			{Name: "15-30days", MinDays: 15, MaxDays: intPtr(30), Rate: decimal.RequireFromString("0.04"), MinimumAmount: decimal.NewFromInt(25), MaximumDiscount: decimal.NewFromInt(100)},
			{Name: "31+days", MinDays: 31, Rate: decimal.RequireFromString("0.05"), MinimumAmount: decimal.NewFromInt(50), MaximumDiscount: decimal.NewFromInt(150)},
		},
	}
}

// SchedulingSettings is the scheduling category of per-merchant settings.
type SchedulingSettings struct {
	Interval string `json:"interval,omitempty"`
}

// MerchantSettings are typed per-merchant overrides, stored as key/value rows
type MerchantSettings struct {
	MerchantRef string             `json:"merchant_ref"`
	Scheduling  SchedulingSettings `json:"scheduling"`
}

// Setting keys used by the key/value persistence of MerchantSettings.
const (
	SettingSchedulingInterval = "scheduling.interval"
)
