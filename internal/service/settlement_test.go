package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/repository"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetEarlyPaymentOptions(t *testing.T) {
	h := newHarness(t)
	h.create(t, purchase("txn-1", "cust-1"))
	if _, err := h.settlement.OnboardMerchant(context.Background(), "merchant-1"); err != nil {
		t.Fatalf("OnboardMerchant: %v", err)
	}

	opts, err := h.settlement.GetEarlyPaymentOptions(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("GetEarlyPaymentOptions: %v", err)
	}
	if len(opts.Options) != 2 {
		t.Fatalf("expected 2 future installments, got %d", len(opts.Options))
	}

	tests := []struct {
		days     int
		rate     string
		discount string
	}{
		{14, "0.03", "3.00"},
		{28, "0.04", "4.00"},
	}
	for i, tt := range tests {
		o := opts.Options[i]
		if o.DaysBeforeDue != tt.days {
			t.Errorf("option %d: expected %d days, got %d", i, tt.days, o.DaysBeforeDue)
		}
		if !o.Quote.Rate.Equal(dec(tt.rate)) || !o.Quote.Discount.Equal(dec(tt.discount)) {
			t.Errorf("option %d: expected %s at %s, got %s at %s", i, tt.discount, tt.rate, o.Quote.Discount, o.Quote.Rate)
		}
		if !o.Eligibility.Allowed {
			t.Errorf("option %d: expected eligible, got %+v", i, o.Eligibility)
		}
	}

	all := opts.AllRemaining
	if all == nil || !all.Amount.Equal(dec("200")) || !all.Discount.Equal(dec("7")) || !all.FinalAmount.Equal(dec("193")) {
		t.Fatalf("expected 200 - 7 = 193, got %+v", all)
	}
	if !all.Beneficial {
		t.Error("expected all remaining option to be beneficial")
	}
}

func TestSettleEarly(t *testing.T) {
	h := newHarness(t)
	h.create(t, purchase("txn-1", "cust-1"))
	if _, err := h.settlement.OnboardMerchant(context.Background(), "merchant-1"); err != nil {
		t.Fatalf("OnboardMerchant: %v", err)
	}

	res, err := h.settlement.SettleEarly(context.Background(), "txn-1", nil)
	if err != nil {
		t.Fatalf("SettleEarly: %v", err)
	}
	if len(res.Installments) != 2 || res.ChargeRef == "" {
		t.Fatalf("expected 2 settled installments, got %+v", res)
	}
	charges := h.gw.Charges()
	if len(charges) != 1 || !charges[0].Amount.Equal(dec("193")) {
		t.Fatalf("expected a single charge of 193, got %+v", charges)
	}

	for _, inst := range res.Installments {
		stored := h.installment(t, inst.ID)
		if stored.Status != models.StatusCompleted || *stored.ExternalChargeRef != res.ChargeRef {
			t.Errorf("installment %d: expected COMPLETED with %s, got %s", stored.InstallmentNumber, res.ChargeRef, stored.Status)
		}
	}
	if !h.installment(t, res.Installments[0].ID).DiscountApplied.Equal(dec("3")) {
		t.Error("expected discount 3.00 on installment 2")
	}

	cfg, err := h.settlement.GetDiscountConfig(context.Background(), "merchant-1")
	if err != nil {
		t.Fatalf("GetDiscountConfig: %v", err)
	}
	a := cfg.Analytics
	if a.EarlyPaymentCount != 1 || !a.TotalDiscountGranted.Equal(dec("7")) || !a.TotalSettledAmount.Equal(dec("200")) {
		t.Errorf("unexpected analytics %+v", a)
	}
	if !a.AverageDiscountRate.Equal(dec("0.035")) {
		t.Errorf("expected average rate 0.035, got %s", a.AverageDiscountRate)
	}

	if _, err := h.settlement.SettleEarly(context.Background(), "txn-1", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected nothing left to settle, got %v", err)
	}
}

func TestSettleEarlyPartial(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, purchase("txn-1", "cust-1"))
	cfg, err := h.settlement.OnboardMerchant(context.Background(), "merchant-1")
	if err != nil {
		t.Fatalf("OnboardMerchant: %v", err)
	}
	third := res.Installments[2].ID

	cfg.AllowPartialSettlement = false
	if err := h.settlement.SaveDiscountConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveDiscountConfig: %v", err)
	}
	_, err = h.settlement.SettleEarly(context.Background(), "txn-1", []string{third})
	var nerr *NotEligibleError
	if !errors.As(err, &nerr) || !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected NotEligibleError, got %v", err)
	}

	cfg.AllowPartialSettlement = true
	if err := h.settlement.SaveDiscountConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveDiscountConfig: %v", err)
	}
	settled, err := h.settlement.SettleEarly(context.Background(), "txn-1", []string{third})
	if err != nil {
		t.Fatalf("SettleEarly: %v", err)
	}
	if len(settled.Installments) != 1 || !settled.Quote.FinalAmount.Equal(dec("96")) {
		t.Errorf("expected 96 for installment 3, got %+v", settled.Quote)
	}
	if h.installment(t, res.Installments[1].ID).Status != models.StatusScheduled {
		t.Error("expected installment 2 untouched")
	}

	if _, err := h.settlement.SettleEarly(context.Background(), "txn-1", []string{res.Installments[0].ID}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected PROCESSING installment rejected, got %v", err)
	}
}

func TestSettleEarlyEligibility(t *testing.T) {
	h := newHarness(t)
	h.create(t, purchase("txn-1", "cust-1"))
	cfg, err := h.settlement.OnboardMerchant(context.Background(), "merchant-1")
	if err != nil {
		t.Fatalf("OnboardMerchant: %v", err)
	}
	cfg.ApprovalThreshold = dec("150")
	if err := h.settlement.SaveDiscountConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveDiscountConfig: %v", err)
	}

	_, err = h.settlement.SettleEarly(context.Background(), "txn-1", nil)
	var nerr *NotEligibleError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NotEligibleError, got %v", err)
	}
	if !nerr.Eligibility.RequiresApproval {
		t.Errorf("expected approval required, got %+v", nerr.Eligibility)
	}
	if len(h.gw.Charges()) != 0 {
		t.Errorf("expected no charge, got %d", len(h.gw.Charges()))
	}
}

type racingGateway struct {
	*gateway.Sandbox
	onCharge  func()
	chargeRef string
}

func (g *racingGateway) ChargeStoredInstrument(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	res, err := g.Sandbox.ChargeStoredInstrument(ctx, req)
	g.chargeRef = res.ChargeRef
	if g.onCharge != nil {
		g.onCharge()
	}
	return res, err
}

func TestSettleEarlyRefundsOnConflict(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, purchase("txn-1", "cust-1"))
	gw := &racingGateway{Sandbox: h.gw}
	gw.onCharge = func() {
		corrupt(t, h, res.Installments[2].ID, func(i *models.Installment) { i.Status = models.StatusProcessing })
	}
	h.settlement.gateway = gw

	_, err := h.settlement.SettleEarly(context.Background(), "txn-1", nil)
	if !errors.Is(err, ErrSettlementConflict) {
		t.Fatalf("expected ErrSettlementConflict, got %v", err)
	}
	if _, ok := h.gw.Refunded(gw.chargeRef); !ok {
		t.Error("expected charge to be refunded")
	}
	if h.installment(t, res.Installments[1].ID).Status != models.StatusScheduled {
		t.Error("expected installment 2 rolled back to SCHEDULED")
	}
	if !hasAudit(t, h.store, "txn-1", models.AuditSettlementRefunded) {
		t.Error("expected settlement_refunded audit entry")
	}
}

func TestSettleEarlyWithoutConfigUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.create(t, purchase("txn-1", "cust-1"))

	res, err := h.settlement.SettleEarly(context.Background(), "txn-1", nil)
	if err != nil {
		t.Fatalf("SettleEarly: %v", err)
	}
	if !res.Quote.Discount.Equal(dec("2")) {
		t.Errorf("expected flat 1%% discount of 2.00, got %s", res.Quote.Discount)
	}
	if _, err := h.settlement.GetDiscountConfig(context.Background(), "merchant-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected no config to be created, got %v", err)
	}
}

func TestDiscountConfigCache(t *testing.T) {
	h := newHarness(t)
	cfg, err := h.settlement.OnboardMerchant(context.Background(), "merchant-1")
	if err != nil {
		t.Fatalf("OnboardMerchant: %v", err)
	}
	if _, err := h.settlement.GetDiscountConfig(context.Background(), "merchant-1"); err != nil {
		t.Fatalf("GetDiscountConfig: %v", err)
	}

	// written behind the cache's back
	direct := *cfg
	direct.Enabled = false
	if err := h.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.SaveDiscountConfig(context.Background(), &direct)
	}); err != nil {
		t.Fatalf("SaveDiscountConfig: %v", err)
	}
	got, _ := h.settlement.GetDiscountConfig(context.Background(), "merchant-1")
	if !got.Enabled {
		t.Error("expected cached config before the TTL expires")
	}

	h.clock.Advance(2 * time.Minute)
	got, _ = h.settlement.GetDiscountConfig(context.Background(), "merchant-1")
	if got.Enabled {
		t.Error("expected reload after the TTL expires")
	}

	cfg.Tiers[0].Rate = dec("1.5")
	if err := h.settlement.SaveDiscountConfig(context.Background(), cfg); err == nil {
		t.Error("expected invalid tier rate to be rejected")
	}
}

func TestDiscountConfigCacheHandsOutCopies(t *testing.T) {
	h := newHarness(t)
	if _, err := h.settlement.OnboardMerchant(context.Background(), "merchant-1"); err != nil {
		t.Fatalf("OnboardMerchant: %v", err)
	}

	first, err := h.settlement.GetDiscountConfig(context.Background(), "merchant-1")
	if err != nil {
		t.Fatalf("GetDiscountConfig: %v", err)
	}
	rate := first.Tiers[0].Rate
	first.Enabled = false
	first.Tiers[0].Rate = dec("0.9")
	*first.Tiers[0].MaxDays = 999

	again, _ := h.settlement.GetDiscountConfig(context.Background(), "merchant-1")
	if !again.Enabled || !again.Tiers[0].Rate.Equal(rate) {
		t.Errorf("expected cached config untouched, got enabled=%v rate=%s", again.Enabled, again.Tiers[0].Rate)
	}
	if again.Tiers[0].MaxDays != nil && *again.Tiers[0].MaxDays == 999 {
		t.Error("expected tier bounds not shared between callers")
	}
}
