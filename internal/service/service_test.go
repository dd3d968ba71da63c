package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/clock"
	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/repository"
	"github.com/Dan9191/bnpl-service/internal/repository/memory"
	"github.com/Dan9191/bnpl-service/internal/retry"
)

var checkout = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type stubNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
	fail error
}

func (n *stubNotifier) Notify(_ context.Context, msg models.Notification, _ *models.Customer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, msg)
	return nil
}

type stubLocker struct{ held bool }

func (l *stubLocker) TryLock(context.Context) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type harness struct {
	store      *memory.Store
	gw         *gateway.Sandbox
	clock      *clock.Mock
	notifier   *stubNotifier
	scheduler  *Scheduler
	processor  *Processor
	settlement *Settlement
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{
		store:    memory.New(),
		gw:       gateway.NewSandbox(),
		clock:    clock.NewMock(checkout),
		notifier: &stubNotifier{},
	}
	ctrl := retry.NewController(config.RetryConfig{MaxRetries: 3, Delays: retry.DefaultDelays}, h.clock)
	h.scheduler = NewScheduler(h.store, h.gw, h.clock, log, "biweekly")
	h.processor = NewProcessor(h.store, h.gw, ctrl, h.notifier, nil, h.clock, log,
		config.BatchConfig{Size: 2, Concurrency: 2, ChargeTimeout: time.Second})
	h.settlement = NewSettlement(h.store, h.gw, h.clock, log, time.Minute)
	return h
}

func purchase(id, customer string) *models.Transaction {
	return &models.Transaction{
		ID:               id,
		MerchantRef:      "merchant-1",
		CustomerRef:      customer,
		TotalAmount:      decimal.NewFromInt(300),
		CardFundedAmount: decimal.NewFromInt(300),
		Plan:             models.PlanPayIn3,
	}
}

func (h *harness) create(t *testing.T, txn *models.Transaction) *ScheduleResult {
	t.Helper()
	res, err := h.scheduler.CreateSchedule(context.Background(), txn, ScheduleOptions{
		Customer: &models.Customer{Ref: txn.CustomerRef, Email: txn.CustomerRef + "@example.com"},
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return res
}

func (h *harness) installment(t *testing.T, id string) *models.Installment {
	t.Helper()
	inst, err := h.store.GetInstallment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInstallment(%s): %v", id, err)
	}
	return inst
}

func (h *harness) instrument(t *testing.T, customerRef string) string {
	t.Helper()
	c, err := h.store.GetCustomer(context.Background(), customerRef)
	if err != nil {
		t.Fatalf("GetCustomer(%s): %v", customerRef, err)
	}
	return c.DefaultInstrumentRef
}

func hasAudit(t *testing.T, s repository.Reader, txnID, action string) bool {
	t.Helper()
	entries, err := s.ListAudit(context.Background(), txnID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func TestCreateSchedule(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, purchase("txn-1", "cust-1"))

	if !res.Success || len(res.Installments) != 3 {
		t.Fatalf("expected 3 installments, got %+v", res)
	}
	if !res.InstrumentProvisioned || h.gw.InstrumentsCreated() != 1 {
		t.Errorf("expected one instrument provisioned, got %d", h.gw.InstrumentsCreated())
	}
	wantDue := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC),
	}
	for i, inst := range res.Installments {
		if !inst.Amount.Equal(decimal.NewFromInt(100)) {
			t.Errorf("installment %d: expected amount 100, got %s", i+1, inst.Amount)
		}
		if !inst.DueDate.Equal(wantDue[i]) {
			t.Errorf("installment %d: expected due %s, got %s", i+1, wantDue[i], inst.DueDate)
		}
		want := models.StatusScheduled
		if i == 0 {
			want = models.StatusProcessing
		}
		if inst.Status != want {
			t.Errorf("installment %d: expected %s, got %s", i+1, want, inst.Status)
		}
	}
	if h.store.Count() != 3 {
		t.Errorf("expected 3 stored installments, got %d", h.store.Count())
	}
	if !hasAudit(t, h.store, "txn-1", models.AuditScheduleCreated) {
		t.Error("expected schedule_created audit entry")
	}
}

func TestCreateScheduleRollsBackOnInsertFailure(t *testing.T) {
	h := newHarness(t)
	h.store.BeforeInsert = func(inst models.Installment) error {
		if inst.InstallmentNumber == 3 {
			return errors.New("disk full")
		}
		return nil
	}

	res, err := h.scheduler.CreateSchedule(context.Background(), purchase("txn-1", "cust-1"), ScheduleOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Success || len(res.Errors) == 0 {
		t.Errorf("expected failed result with errors, got %+v", res)
	}
	if h.store.Count() != 0 {
		t.Errorf("expected no installments after rollback, got %d", h.store.Count())
	}
	if _, err := h.store.GetTransaction(context.Background(), "txn-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected transaction row rolled back, got %v", err)
	}
}

func TestCreateScheduleRollsBackOnProvisioningFailure(t *testing.T) {
	h := newHarness(t)
	h.gw.FailProvisioning(errors.New("gateway unavailable"))

	if _, err := h.scheduler.CreateSchedule(context.Background(), purchase("txn-1", "cust-1"), ScheduleOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if h.store.Count() != 0 {
		t.Errorf("expected no installments after rollback, got %d", h.store.Count())
	}
}

func TestCreateScheduleRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.create(t, purchase("txn-1", "cust-1"))

	_, err := h.scheduler.CreateSchedule(context.Background(), purchase("txn-1", "cust-1"), ScheduleOptions{})
	if !errors.Is(err, ErrScheduleExists) {
		t.Fatalf("expected ErrScheduleExists, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %T", err)
	}
	if h.store.Count() != 3 {
		t.Errorf("expected original 3 installments, got %d", h.store.Count())
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	tests := []struct {
		name  string
		txn   *models.Transaction
		field string
	}{
		{"nil", nil, "transaction"},
		{"zero amount", &models.Transaction{MerchantRef: "m", CustomerRef: "c", TotalAmount: decimal.Zero, Plan: models.PlanPayIn2}, "total_amount"},
		{"sub cent", &models.Transaction{MerchantRef: "m", CustomerRef: "c", TotalAmount: decimal.RequireFromString("10.001"), Plan: models.PlanPayIn2}, "total_amount"},
		{"bad plan", &models.Transaction{MerchantRef: "m", CustomerRef: "c", TotalAmount: decimal.NewFromInt(10), Plan: "PAY_IN_7"}, "plan"},
		{"no customer", &models.Transaction{MerchantRef: "m", TotalAmount: decimal.NewFromInt(10), Plan: models.PlanPayIn2}, "customer_ref"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.scheduler.CreateSchedule(context.Background(), tt.txn, ScheduleOptions{})
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, verr.Field)
			}
			if h.store.Count() != 0 {
				t.Errorf("expected nothing stored, got %d", h.store.Count())
			}
		})
	}
}

func TestCreateScheduleUsesMerchantInterval(t *testing.T) {
	h := newHarness(t)
	err := h.scheduler.SaveMerchantSettings(context.Background(), &models.MerchantSettings{
		MerchantRef: "merchant-1",
		Scheduling:  models.SchedulingSettings{Interval: "weekly"},
	})
	if err != nil {
		t.Fatalf("SaveMerchantSettings: %v", err)
	}
	res := h.create(t, purchase("txn-1", "cust-1"))
	if want := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC); !res.Installments[1].DueDate.Equal(want) {
		t.Errorf("expected weekly due date %s, got %s", want, res.Installments[1].DueDate)
	}

	if err := h.scheduler.SaveMerchantSettings(context.Background(), &models.MerchantSettings{
		MerchantRef: "merchant-1",
		Scheduling:  models.SchedulingSettings{Interval: "daily"},
	}); err == nil {
		t.Error("expected invalid interval to be rejected")
	}
}

func corrupt(t *testing.T, h *harness, id string, mutate func(*models.Installment)) {
	t.Helper()
	cur := *h.installment(t, id)
	next := cur.Clone()
	mutate(&next)
	err := h.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		_, err := tx.CompareAndSwapInstallment(context.Background(), cur, next)
		return err
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}
}

func TestRepairSchedule(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, purchase("txn-1", "cust-1"))
	corrupt(t, h, res.Installments[2].ID, func(i *models.Installment) { i.Amount = decimal.NewFromInt(-5) })

	issues, err := h.scheduler.ValidateSchedule(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("ValidateSchedule: %v", err)
	}
	if !issues.HasBlocking() {
		t.Fatalf("expected blocking issues, got %v", issues)
	}

	repaired, err := h.scheduler.RepairSchedule(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("RepairSchedule: %v", err)
	}
	if len(repaired.Installments) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(repaired.Installments))
	}
	if !repaired.Installments[0].DueDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected repair to keep the original start, got %s", repaired.Installments[0].DueDate)
	}
	if h.store.Count() != 3 {
		t.Errorf("expected 3 stored installments, got %d", h.store.Count())
	}
	if issues, _ := h.scheduler.ValidateSchedule(context.Background(), "txn-1"); issues.HasBlocking() {
		t.Errorf("expected healthy schedule after repair, got %v", issues)
	}
	if !hasAudit(t, h.store, "txn-1", models.AuditScheduleRepaired) {
		t.Error("expected schedule_repaired audit entry")
	}
	if h.gw.InstrumentsCreated() != 1 {
		t.Errorf("expected no second instrument, got %d", h.gw.InstrumentsCreated())
	}
}

func TestRepairScheduleRefusesCollectedSchedule(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, purchase("txn-1", "cust-1"))
	if _, err := h.processor.CaptureInstallment(context.Background(), res.Installments[0].ID); err != nil {
		t.Fatalf("CaptureInstallment: %v", err)
	}
	corrupt(t, h, res.Installments[2].ID, func(i *models.Installment) { i.Amount = decimal.NewFromInt(-5) })

	_, err := h.scheduler.RepairSchedule(context.Background(), "txn-1")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if h.installment(t, res.Installments[0].ID).Status != models.StatusCompleted {
		t.Error("expected the paid installment kept")
	}
	if hasAudit(t, h.store, "txn-1", models.AuditScheduleRepaired) {
		t.Error("expected no schedule_repaired audit entry")
	}
}

func TestCreateScheduleCapturesFirstInstallment(t *testing.T) {
	h := newHarness(t)
	h.scheduler.WithCapture(h.processor)

	res := h.create(t, purchase("txn-1", "cust-1"))
	if res.Installments[0].Status != models.StatusCompleted || res.Installments[0].ExternalChargeRef == nil {
		t.Errorf("expected first installment captured, got %+v", res.Installments[0])
	}
	if h.installment(t, res.Installments[0].ID).Status != models.StatusCompleted {
		t.Error("expected captured installment stored as COMPLETED")
	}
	charges := h.gw.Charges()
	if len(charges) != 1 || !charges[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected one charge of 100, got %+v", charges)
	}
	if res.Installments[1].Status != models.StatusScheduled {
		t.Errorf("expected installment 2 SCHEDULED, got %s", res.Installments[1].Status)
	}
}

func TestCreateScheduleCaptureDeclined(t *testing.T) {
	h := newHarness(t)
	h.scheduler.WithCapture(h.processor)
	err := h.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.UpsertCustomer(context.Background(), &models.Customer{Ref: "cust-1", DefaultInstrumentRef: "pm_low"})
	})
	if err != nil {
		t.Fatalf("UpsertCustomer: %v", err)
	}
	h.gw.Decline("pm_low", gateway.CodeInsufficientFunds)

	res := h.create(t, purchase("txn-1", "cust-1"))
	first := res.Installments[0]
	if first.Status != models.StatusScheduled || first.RetryCount != 1 || first.NextRetryAt == nil {
		t.Errorf("expected a scheduled retry, got %s/%d/%v", first.Status, first.RetryCount, first.NextRetryAt)
	}
	if !res.Success {
		t.Error("expected the schedule to be created despite the decline")
	}
}

func TestGetScheduleSummary(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, purchase("txn-1", "cust-1"))
	if _, err := h.processor.CaptureInstallment(context.Background(), res.Installments[0].ID); err != nil {
		t.Fatalf("CaptureInstallment: %v", err)
	}

	sum, err := h.scheduler.GetScheduleSummary(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("GetScheduleSummary: %v", err)
	}
	if !sum.PaidAmount.Equal(decimal.NewFromInt(100)) || !sum.OutstandingAmount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected paid 100 outstanding 200, got %s / %s", sum.PaidAmount, sum.OutstandingAmount)
	}
	if sum.StatusCounts[models.StatusCompleted] != 1 || sum.StatusCounts[models.StatusScheduled] != 2 {
		t.Errorf("unexpected status counts %v", sum.StatusCounts)
	}
	if sum.NextDue == nil || sum.NextDue.InstallmentNumber != 2 {
		t.Errorf("expected installment 2 next, got %+v", sum.NextDue)
	}
	if !sum.Healthy {
		t.Errorf("expected healthy schedule, got issues %v", sum.Issues)
	}

	if _, err := h.scheduler.GetScheduleSummary(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
