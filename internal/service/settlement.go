package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Dan9191/bnpl-service/internal/clock"
	"github.com/Dan9191/bnpl-service/internal/discount"
	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/metrics"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/repository"
)

const reasonPartialNotAllowed = "partial early settlement is not allowed for this merchant"

// Settlement quotes and executes early payment of future installments
type Settlement struct {
	store   repository.Store
	gateway PaymentGateway
	clock   clock.Clock
	log     *logrus.Logger
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedConfig
	group singleflight.Group
}

type cachedConfig struct {
	cfg      *models.MerchantDiscountConfig
	loadedAt time.Time
}

// NewSettlement initializes the early settlement service. Merchant discount
// configurations are cached for ttl; zero disables the cache.
func NewSettlement(store repository.Store, gw PaymentGateway, clk clock.Clock, log *logrus.Logger, ttl time.Duration) *Settlement {
	return &Settlement{
		store:   store,
		gateway: gw,
		clock:   clk,
		log:     log,
		ttl:     ttl,
		cache:   make(map[string]cachedConfig),
	}
}

// EarlyPaymentOption is the quote for settling one installment today.
type EarlyPaymentOption struct {
	InstallmentID     string               `json:"installment_id"`
	InstallmentNumber int                  `json:"installment_number"`
	DueDate           time.Time            `json:"due_date"`
	DaysBeforeDue     int                  `json:"days_before_due"`
	Quote             discount.Quote       `json:"quote"`
	Eligibility       discount.Eligibility `json:"eligibility"`
}

// SettlementQuote aggregates the quotes of several installments.
type SettlementQuote struct {
	InstallmentIDs []string             `json:"installment_ids"`
	Amount         decimal.Decimal      `json:"amount"`
	Discount       decimal.Decimal      `json:"discount"`
	FinalAmount    decimal.Decimal      `json:"final_amount"`
	Beneficial     bool                 `json:"beneficial"`
	Eligibility    discount.Eligibility `json:"eligibility"`
}

// EarlyPaymentOptions lists what a customer can settle early.
type EarlyPaymentOptions struct {
	TransactionID string               `json:"transaction_id"`
	Options       []EarlyPaymentOption `json:"options"`
	AllRemaining  *SettlementQuote     `json:"all_remaining,omitempty"`
}

// SettlementResult is the outcome of a successful SettleEarly.
type SettlementResult struct {
	TransactionID string               `json:"transaction_id"`
	ChargeRef     string               `json:"charge_ref"`
	Quote         SettlementQuote      `json:"quote"`
	Installments  []models.Installment `json:"installments"`
}

// GetEarlyPaymentOptions quotes every SCHEDULED installment due today or
// later, one by one and all together.
func (s *Settlement) GetEarlyPaymentOptions(ctx context.Context, transactionID string) (*EarlyPaymentOptions, error) {
	txn, insts, customer, cfg, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	today := models.TruncateToDay(s.clock.Now())

	out := &EarlyPaymentOptions{TransactionID: txn.ID, Options: []EarlyPaymentOption{}}
	future := futureInstallments(insts, today)
	for _, inst := range future {
		days := daysBefore(inst.DueDate, today)
		out.Options = append(out.Options, EarlyPaymentOption{
			InstallmentID:     inst.ID,
			InstallmentNumber: inst.InstallmentNumber,
			DueDate:           inst.DueDate,
			DaysBeforeDue:     days,
			Quote:             discount.Calculate(inst.Amount, cfg, days),
			Eligibility:       discount.CanSettleEarly(cfg, eligibilityRequest(inst.Amount, customer)),
		})
	}
	if len(future) > 0 {
		q := quote(future, cfg, customer, today)
		out.AllRemaining = &q
	}
	return out, nil
}

// SettleEarly charges the discounted total of the selected installments once
// and marks them COMPLETED. An empty selection settles everything remaining.
// When the installments change before they can be marked, the charge is
// refunded and ErrSettlementConflict is returned.
func (s *Settlement) SettleEarly(ctx context.Context, transactionID string, installmentIDs []string) (*SettlementResult, error) {
	txn, insts, customer, cfg, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	today := models.TruncateToDay(s.clock.Now())
	future := futureInstallments(insts, today)
	if len(future) == 0 {
		return nil, &ValidationError{Field: "transaction_id", Message: "no installments left to settle early", Err: ErrInvalidState}
	}

	selected := future
	if len(installmentIDs) > 0 {
		byID := make(map[string]models.Installment, len(future))
		for _, inst := range future {
			byID[inst.ID] = inst
		}
		selected = make([]models.Installment, 0, len(installmentIDs))
		seen := make(map[string]bool, len(installmentIDs))
		for _, id := range installmentIDs {
			inst, ok := byID[id]
			if !ok {
				return nil, &ValidationError{Field: "installment_ids", Message: fmt.Sprintf("installment %s cannot be settled early", id), Err: ErrInvalidState}
			}
			if !seen[id] {
				seen[id] = true
				selected = append(selected, inst)
			}
		}
		sort.Slice(selected, func(a, b int) bool { return selected[a].InstallmentNumber < selected[b].InstallmentNumber })
	}
	if len(selected) < len(future) && cfg != nil && !cfg.AllowPartialSettlement {
		metrics.EarlySettlement("rejected")
		return nil, &NotEligibleError{Eligibility: discount.Eligibility{Reason: reasonPartialNotAllowed}}
	}

	q := quote(selected, cfg, customer, today)
	if !q.Eligibility.Allowed {
		metrics.EarlySettlement("rejected")
		return nil, &NotEligibleError{Eligibility: q.Eligibility}
	}
	if !customer.HasInstrument() {
		return nil, fmt.Errorf("customer %s: %w", txn.CustomerRef, gateway.ErrMissingInstrument)
	}

	entry := s.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "merchant_ref": txn.MerchantRef})
	timer := metrics.GatewayTimer("charge")
	res, err := s.gateway.ChargeStoredInstrument(ctx, gateway.ChargeRequest{
		CustomerRef:   txn.CustomerRef,
		InstrumentRef: customer.DefaultInstrumentRef,
		Amount:        q.FinalAmount,
		Currency:      txn.Currency,
		Metadata: map[string]string{
			"transaction_id":  txn.ID,
			"installment_ids": strings.Join(q.InstallmentIDs, ","),
			"early_payment":   "true",
			"discount":        q.Discount.StringFixed(2),
		},
	})
	timer.ObserveDuration()
	if err != nil {
		metrics.EarlySettlement("charge_failed")
		entry.Warnf("Early settlement charge failed: %v", err)
		return nil, fmt.Errorf("early settlement charge failed: %w", err)
	}

	now := s.clock.Now()
	settled, err := s.markSettled(ctx, txn, selected, cfg, customer, today, q, res.ChargeRef, now)
	if err != nil {
		s.refund(ctx, txn, res.ChargeRef, err)
		if errors.Is(err, repository.ErrStaleInstallment) {
			return nil, fmt.Errorf("%w: %v", ErrSettlementConflict, err)
		}
		return nil, err
	}
	s.Invalidate(txn.MerchantRef)

	metrics.EarlySettlement("settled")
	entry.WithFields(logrus.Fields{
		"installments": len(settled),
		"amount":       q.Amount.StringFixed(2),
		"discount":     q.Discount.StringFixed(2),
	}).Info("Early settlement completed")
	return &SettlementResult{TransactionID: txn.ID, ChargeRef: res.ChargeRef, Quote: q, Installments: settled}, nil
}

func (s *Settlement) markSettled(ctx context.Context, txn *models.Transaction, selected []models.Installment,
	cfg *models.MerchantDiscountConfig, customer *models.Customer, today time.Time, q SettlementQuote,
	chargeRef string, now time.Time) ([]models.Installment, error) {
	var settled []models.Installment
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		settled = settled[:0]
		for _, cur := range selected {
			iq := discount.Calculate(cur.Amount, cfg, daysBefore(cur.DueDate, today))
			next := cur.Clone()
			next.Status = models.StatusCompleted
			next.ExternalChargeRef = &chargeRef
			next.PaidAt = &now
			next.LastAttemptAt = &now
			next.NextRetryAt = nil
			next.DiscountApplied = iq.Discount
			next.UpdatedAt = now
			stored, err := tx.CompareAndSwapInstallment(ctx, cur, next)
			if err != nil {
				return err
			}
			settled = append(settled, stored)
			detail := fmt.Sprintf("charge %s, discount %s", chargeRef, iq.Discount.StringFixed(2))
			if err := tx.AppendAudit(ctx, audit(txn.ID, cur.ID, models.AuditEarlySettlement, cur.Status, stored.Status, detail, now)); err != nil {
				return err
			}
		}

		stored, err := tx.GetDiscountConfig(ctx, txn.MerchantRef)
		switch {
		case err == nil:
			discount.RecordSettlement(&stored.Analytics, q.Discount, q.Amount)
			stored.UpdatedAt = now
			if err := tx.SaveDiscountConfig(ctx, stored); err != nil {
				return err
			}
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		return tx.EnqueueNotification(ctx, models.Notification{
			ID:            uuid.NewString(),
			Kind:          models.NotifyEarlySettlement,
			TransactionID: txn.ID,
			CustomerRef:   txn.CustomerRef,
			Amount:        q.FinalAmount,
			Reason:        fmt.Sprintf("saved %s", q.Discount.StringFixed(2)),
			CreatedAt:     now,
		})
	})
	return settled, err
}

// refund reverses an early settlement charge whose bookkeeping failed.
func (s *Settlement) refund(ctx context.Context, txn *models.Transaction, chargeRef string, cause error) {
	ctx = context.WithoutCancel(ctx)
	entry := s.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "charge_ref": chargeRef})
	timer := metrics.GatewayTimer("refund")
	refundRef, err := s.gateway.RefundCharge(ctx, chargeRef, nil)
	timer.ObserveDuration()
	if err != nil {
		metrics.EarlySettlement("refund_failed")
		entry.Errorf("Refund of early settlement charge failed, manual reconciliation required: %v", err)
		return
	}
	metrics.EarlySettlement("refunded")
	entry.Warnf("Early settlement refunded: %v", cause)

	err = s.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.AppendAudit(ctx, audit(txn.ID, "", models.AuditSettlementRefunded, "", "",
			fmt.Sprintf("charge %s refunded as %s: %v", chargeRef, refundRef, cause), s.clock.Now()))
	})
	if err != nil {
		entry.Errorf("Failed to audit settlement refund: %v", err)
	}
}

func (s *Settlement) load(ctx context.Context, transactionID string) (*models.Transaction, []models.Installment, *models.Customer, *models.MerchantDiscountConfig, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	insts, err := s.store.ListInstallments(ctx, transactionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	customer, err := s.store.GetCustomer(ctx, txn.CustomerRef)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, nil, nil, err
	}
	cfg, err := s.GetDiscountConfig(ctx, txn.MerchantRef)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, nil, nil, err
	}
	return txn, insts, customer, cfg, nil
}

// GetDiscountConfig returns the merchant configuration through the cache.
// Concurrent misses for one merchant share a single store read. Every caller
// gets its own copy.
func (s *Settlement) GetDiscountConfig(ctx context.Context, merchantRef string) (*models.MerchantDiscountConfig, error) {
	if s.ttl > 0 {
		s.mu.RLock()
		c, ok := s.cache[merchantRef]
		s.mu.RUnlock()
		if ok && s.clock.Now().Sub(c.loadedAt) < s.ttl {
			if c.cfg == nil {
				return nil, repository.ErrNotFound
			}
			return c.cfg.Clone(), nil
		}
	}

	v, err, _ := s.group.Do(merchantRef, func() (interface{}, error) {
		cfg, err := s.store.GetDiscountConfig(ctx, merchantRef)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if s.ttl > 0 {
			s.mu.Lock()
			s.cache[merchantRef] = cachedConfig{cfg: cfg, loadedAt: s.clock.Now()}
			s.mu.Unlock()
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	cfg, _ := v.(*models.MerchantDiscountConfig)
	if cfg == nil {
		return nil, repository.ErrNotFound
	}
	return cfg.Clone(), nil
}

// Invalidate drops the cached configuration of a merchant.
func (s *Settlement) Invalidate(merchantRef string) {
	s.mu.Lock()
	delete(s.cache, merchantRef)
	s.mu.Unlock()
}

// SaveDiscountConfig validates and stores a merchant configuration. The
// analytics accumulator is owned by settlements and is never overwritten.
func (s *Settlement) SaveDiscountConfig(ctx context.Context, cfg *models.MerchantDiscountConfig) error {
	if cfg == nil {
		return invalid("config", "is required")
	}
	if err := discount.ValidateConfig(cfg); err != nil {
		return invalid("config", "%v", err)
	}
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		existing, err := tx.GetDiscountConfig(ctx, cfg.MerchantRef)
		switch {
		case err == nil:
			cfg.Analytics = existing.Analytics
		case errors.Is(err, repository.ErrNotFound):
			cfg.Analytics = models.DiscountAnalytics{}
		default:
			return err
		}
		cfg.UpdatedAt = s.clock.Now()
		return tx.SaveDiscountConfig(ctx, cfg)
	})
	if err != nil {
		return err
	}
	s.Invalidate(cfg.MerchantRef)
	s.log.WithField("merchant_ref", cfg.MerchantRef).Info("Discount configuration saved")
	return nil
}

// OnboardMerchant creates the default discount configuration unless the
// merchant already has one.
func (s *Settlement) OnboardMerchant(ctx context.Context, merchantRef string) (*models.MerchantDiscountConfig, error) {
	if merchantRef == "" {
		return nil, invalid("merchant_ref", "is required")
	}
	var cfg *models.MerchantDiscountConfig
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		existing, err := tx.GetDiscountConfig(ctx, merchantRef)
		if err == nil {
			cfg = existing
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		cfg = models.DefaultDiscountConfig(merchantRef)
		cfg.UpdatedAt = s.clock.Now()
		return tx.SaveDiscountConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	s.Invalidate(merchantRef)
	return cfg, nil
}

func futureInstallments(insts []models.Installment, today time.Time) []models.Installment {
	var out []models.Installment
	for _, inst := range insts {
		if inst.Status == models.StatusScheduled && !inst.DueDate.Before(today) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InstallmentNumber < out[b].InstallmentNumber })
	return out
}

func daysBefore(due, today time.Time) int {
	return int(models.TruncateToDay(due).Sub(today).Hours() / 24)
}

func eligibilityRequest(amount decimal.Decimal, c *models.Customer) discount.EligibilityRequest {
	req := discount.EligibilityRequest{Amount: amount}
	if c != nil {
		req.PaymentMethodType = c.PaymentMethodType
		req.CustomerTier = c.Tier
	}
	return req
}

// quote sums per-installment quotes, each discounted by its own days before
// due, and gates the combined amount.
func quote(insts []models.Installment, cfg *models.MerchantDiscountConfig, c *models.Customer, today time.Time) SettlementQuote {
	q := SettlementQuote{Amount: decimal.Zero, Discount: decimal.Zero}
	for _, inst := range insts {
		iq := discount.Calculate(inst.Amount, cfg, daysBefore(inst.DueDate, today))
		q.InstallmentIDs = append(q.InstallmentIDs, inst.ID)
		q.Amount = q.Amount.Add(inst.Amount)
		q.Discount = q.Discount.Add(iq.Discount)
	}
	q.FinalAmount = q.Amount.Sub(q.Discount)
	q.Beneficial = discount.IsBeneficial(q.Amount, q.Discount)
	q.Eligibility = discount.CanSettleEarly(cfg, eligibilityRequest(q.Amount, c))
	return q
}
