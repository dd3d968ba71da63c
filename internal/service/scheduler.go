package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/clock"
	"github.com/Dan9191/bnpl-service/internal/metrics"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/repository"
	"github.com/Dan9191/bnpl-service/internal/schedule"
)

// Scheduler creates, repairs and inspects installment schedules
type Scheduler struct {
	store           repository.Store
	gateway         PaymentGateway
	clock           clock.Clock
	log             *logrus.Logger
	defaultInterval string
	capturer        Capturer
}

// NewScheduler initializes a new scheduler. defaultInterval is the global
// interval used when neither the caller nor the merchant picks one.
func NewScheduler(store repository.Store, gw PaymentGateway, clk clock.Clock, log *logrus.Logger, defaultInterval string) *Scheduler {
	return &Scheduler{store: store, gateway: gw, clock: clk, log: log, defaultInterval: defaultInterval}
}

// WithCapture makes CreateSchedule charge the first installment of card
// funded transactions right after the schedule is stored.
func (s *Scheduler) WithCapture(c Capturer) *Scheduler {
	s.capturer = c
	return s
}

// ScheduleOptions tune CreateSchedule.
type ScheduleOptions struct {
	// Start is the due date of the first installment. Zero means today.
	Start time.Time
	// Interval overrides the merchant and global interval.
	Interval string
	// Customer, when set, is stored or refreshed with the transaction.
	Customer *models.Customer
}

// ScheduleResult is the outcome of CreateSchedule and RepairSchedule.
type ScheduleResult struct {
	Success               bool                 `json:"success"`
	TransactionID         string               `json:"transaction_id"`
	Installments          []models.Installment `json:"installments"`
	Warnings              []string             `json:"warnings,omitempty"`
	Errors                []string             `json:"errors,omitempty"`
	InstrumentProvisioned bool                 `json:"instrument_provisioned"`
}

func failed(txnID string, err error) *ScheduleResult {
	return &ScheduleResult{TransactionID: txnID, Errors: []string{err.Error()}}
}

// CreateSchedule validates txn, computes its installments and persists them
// together with the transaction row in one unit of work. The first
// installment starts in PROCESSING since its capture happens at checkout.
// With a capturer the capture runs inline once the schedule is committed; a
// failed capture leaves the schedule in place and is reported as a warning.
func (s *Scheduler) CreateSchedule(ctx context.Context, txn *models.Transaction, opts ScheduleOptions) (*ScheduleResult, error) {
	if err := validateTransaction(txn); err != nil {
		if txn == nil {
			return failed("", err), err
		}
		return failed(txn.ID, err), err
	}
	now := s.clock.Now()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if txn.Currency == "" {
		txn.Currency = "USD"
	}

	var res *ScheduleResult
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = s.create(ctx, tx, txn, opts, now)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit(txn.ID, "", models.AuditScheduleCreated, "", "",
			fmt.Sprintf("%d installment(s), plan %s", len(res.Installments), txn.Plan), now))
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "merchant_ref": txn.MerchantRef}).Warnf("Schedule creation failed: %v", err)
		return failed(txn.ID, err), err
	}

	metrics.ScheduleCreated("created")
	s.log.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"merchant_ref":   txn.MerchantRef,
		"installments":   len(res.Installments),
	}).Info("Schedule created")

	if s.capturer != nil && txn.CardFundedAmount.IsPositive() {
		s.captureFirst(ctx, res)
	}
	return res, nil
}

func (s *Scheduler) captureFirst(ctx context.Context, res *ScheduleResult) {
	first := res.Installments[0]
	captured, err := s.capturer.CaptureInstallment(ctx, first.ID)
	if err != nil {
		s.log.WithFields(logrus.Fields{"transaction_id": res.TransactionID, "installment_id": first.ID}).
			Warnf("First installment capture failed: %v", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("first installment capture failed: %v", err))
		return
	}
	res.Installments[0] = *captured
}

// create runs inside tx. Everything it does is rolled back with tx.
func (s *Scheduler) create(ctx context.Context, tx repository.Tx, txn *models.Transaction, opts ScheduleOptions, now time.Time) (*ScheduleResult, error) {
	existing, err := tx.ListInstallments(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, &ValidationError{Field: "transaction_id", Message: fmt.Sprintf("transaction %s already has a schedule", txn.ID), Err: ErrScheduleExists}
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if opts.Customer != nil {
		c := *opts.Customer
		if c.Ref == "" {
			c.Ref = txn.CustomerRef
		}
		if err := tx.UpsertCustomer(ctx, &c); err != nil {
			return nil, err
		}
	}

	settings, err := tx.GetMerchantSettings(ctx, txn.MerchantRef)
	if err != nil {
		return nil, err
	}
	interval, err := schedule.ResolveInterval(opts.Interval, settings.Scheduling.Interval, s.defaultInterval)
	if err != nil {
		return nil, &ValidationError{Field: "interval", Message: err.Error()}
	}
	count, _ := txn.Plan.Count()
	start := opts.Start
	if start.IsZero() {
		start = now
	}
	entries, err := schedule.Calculate(schedule.Input{Amount: txn.TotalAmount, Count: count, Start: start, Interval: interval})
	if err != nil {
		return nil, &ValidationError{Field: "transaction", Message: err.Error()}
	}

	installments := make([]models.Installment, len(entries))
	for i, e := range entries {
		status := models.StatusScheduled
		if i == 0 {
			status = models.StatusProcessing
		}
		installments[i] = models.Installment{
			ID:                uuid.NewString(),
			TransactionID:     txn.ID,
			InstallmentNumber: e.Number,
			Amount:            e.Amount,
			DueDate:           e.DueDate,
			Status:            status,
			DiscountApplied:   decimal.Zero,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}

	issues := schedule.Validate(installments)
	issues = append(issues, schedule.CheckTotal(installments, txn.TotalAmount)...)
	if issues.HasBlocking() {
		return nil, &IntegrityError{TransactionID: txn.ID, Issues: issues}
	}
	if err := tx.InsertInstallments(ctx, installments); err != nil {
		if errors.Is(err, repository.ErrScheduleExists) {
			return nil, &ValidationError{Field: "transaction_id", Message: err.Error(), Err: ErrScheduleExists}
		}
		return nil, err
	}

	res := &ScheduleResult{
		Success:       true,
		TransactionID: txn.ID,
		Installments:  installments,
		Warnings:      issues.Strings(),
	}
	provisioned, err := s.ensureInstrument(ctx, tx, txn, now)
	if err != nil {
		return nil, err
	}
	res.InstrumentProvisioned = provisioned
	return res, nil
}

// ensureInstrument provisions a reusable instrument for future installments
// when the transaction is card funded and the customer has none on file.
func (s *Scheduler) ensureInstrument(ctx context.Context, tx repository.Tx, txn *models.Transaction, now time.Time) (bool, error) {
	if !txn.CardFundedAmount.IsPositive() {
		return false, nil
	}
	customer, err := tx.GetCustomer(ctx, txn.CustomerRef)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if customer.HasInstrument() {
		return false, nil
	}

	timer := metrics.GatewayTimer("create_instrument")
	ref, err := s.gateway.CreateReusableInstrument(ctx, txn.CustomerRef)
	timer.ObserveDuration()
	if err != nil {
		return false, fmt.Errorf("failed to provision instrument for customer %s: %w", txn.CustomerRef, err)
	}
	if err := tx.SetDefaultInstrument(ctx, txn.CustomerRef, ref); err != nil {
		return false, err
	}
	if err := tx.AppendAudit(ctx, audit(txn.ID, "", models.AuditInstrumentCreated, "", "", "reusable instrument provisioned", now)); err != nil {
		return false, err
	}
	return true, nil
}

// RepairSchedule deletes a transaction's installments and recreates them from
// the transaction, starting at the earliest previous due date. A schedule
// with money already collected, or a charge in flight, is refused since the
// recreated rows would be charged again.
func (s *Scheduler) RepairSchedule(ctx context.Context, transactionID string) (*ScheduleResult, error) {
	now := s.clock.Now()
	var (
		res     *ScheduleResult
		deleted int64
		before  schedule.Issues
	)
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		txn, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		old, err := tx.ListInstallments(ctx, transactionID)
		if err != nil {
			return err
		}
		before = append(schedule.Validate(old), schedule.CheckTotal(old, txn.TotalAmount)...)
		for _, inst := range old {
			if inst.Status == models.StatusCompleted || (inst.Status == models.StatusProcessing && inst.LastAttemptAt != nil) {
				return &ValidationError{
					Field:   "transaction_id",
					Message: fmt.Sprintf("installment %d is %s with a charge on record, repair it manually", inst.InstallmentNumber, inst.Status),
					Err:     ErrInvalidState,
				}
			}
		}

		start := now
		for i, inst := range old {
			if i == 0 || inst.DueDate.Before(start) {
				start = inst.DueDate
			}
		}
		if deleted, err = tx.DeleteInstallments(ctx, transactionID); err != nil {
			return err
		}
		if res, err = s.create(ctx, tx, txn, ScheduleOptions{Start: start}, now); err != nil {
			return err
		}
		detail := fmt.Sprintf("deleted %d, recreated %d", deleted, len(res.Installments))
		if len(before) > 0 {
			detail += "; issues: " + before.Error()
		}
		return tx.AppendAudit(ctx, audit(transactionID, "", models.AuditScheduleRepaired, "", "", detail, now))
	})
	if err != nil {
		s.log.WithField("transaction_id", transactionID).Errorf("Schedule repair failed: %v", err)
		return failed(transactionID, err), err
	}

	metrics.ScheduleCreated("repaired")
	s.log.WithFields(logrus.Fields{
		"transaction_id": transactionID,
		"deleted":        deleted,
		"recreated":      len(res.Installments),
		"issues":         len(before),
	}).Warn("Schedule repaired")
	return res, nil
}

// ValidateSchedule runs the integrity checks against the stored schedule.
func (s *Scheduler) ValidateSchedule(ctx context.Context, transactionID string) (schedule.Issues, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	insts, err := s.store.ListInstallments(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return append(schedule.Validate(insts), schedule.CheckTotal(insts, txn.TotalAmount)...), nil
}

// GetScheduleSummary aggregates a transaction's schedule.
func (s *Scheduler) GetScheduleSummary(ctx context.Context, transactionID string) (*models.ScheduleSummary, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	insts, err := s.store.ListInstallments(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	sum := &models.ScheduleSummary{
		TransactionID:     txn.ID,
		TotalAmount:       txn.TotalAmount,
		PaidAmount:        decimal.Zero,
		OutstandingAmount: decimal.Zero,
		DiscountsApplied:  decimal.Zero,
		StatusCounts:      make(map[models.InstallmentStatus]int),
		Installments:      insts,
	}
	var nextAt time.Time
	for i := range insts {
		inst := &insts[i]
		sum.StatusCounts[inst.Status]++
		if inst.Status == models.StatusCompleted {
			sum.PaidAmount = sum.PaidAmount.Add(inst.Amount.Sub(inst.DiscountApplied))
			sum.DiscountsApplied = sum.DiscountsApplied.Add(inst.DiscountApplied)
			continue
		}
		sum.OutstandingAmount = sum.OutstandingAmount.Add(inst.Amount)
		if inst.Status != models.StatusScheduled {
			continue
		}
		at := inst.DueDate
		if inst.NextRetryAt != nil {
			at = *inst.NextRetryAt
		}
		if sum.NextDue == nil || at.Before(nextAt) {
			sum.NextDue = inst
			nextAt = at
		}
	}

	issues := append(schedule.Validate(insts), schedule.CheckTotal(insts, txn.TotalAmount)...)
	sum.Healthy = !issues.HasBlocking()
	sum.Issues = issues.Strings()
	return sum, nil
}

// SaveMerchantSettings validates and stores a merchant's scheduling overrides.
func (s *Scheduler) SaveMerchantSettings(ctx context.Context, settings *models.MerchantSettings) error {
	if settings.MerchantRef == "" {
		return invalid("merchant_ref", "is required")
	}
	if settings.Scheduling.Interval != "" {
		if _, err := schedule.ParseInterval(settings.Scheduling.Interval); err != nil {
			return invalid("scheduling.interval", "%v", err)
		}
	}
	return s.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.SaveMerchantSettings(ctx, settings)
	})
}

func validateTransaction(txn *models.Transaction) error {
	if txn == nil {
		return invalid("transaction", "is required")
	}
	if txn.MerchantRef == "" {
		return invalid("merchant_ref", "is required")
	}
	if txn.CustomerRef == "" {
		return invalid("customer_ref", "is required")
	}
	if !txn.TotalAmount.IsPositive() {
		return invalid("total_amount", "must be positive, got %s", txn.TotalAmount)
	}
	if !txn.TotalAmount.Equal(txn.TotalAmount.Round(2)) {
		return invalid("total_amount", "must have at most two decimal places, got %s", txn.TotalAmount)
	}
	if _, err := txn.Plan.Count(); err != nil {
		return invalid("plan", "%v", err)
	}
	if txn.CardFundedAmount.IsNegative() || txn.CardFundedAmount.GreaterThan(txn.TotalAmount) {
		return invalid("card_funded_amount", "must be between 0 and the total amount")
	}
	return nil
}

func audit(txnID, instID, action string, from, to models.InstallmentStatus, detail string, at time.Time) models.AuditEntry {
	return models.AuditEntry{
		ID:            uuid.NewString(),
		TransactionID: txnID,
		InstallmentID: instID,
		Action:        action,
		FromStatus:    from,
		ToStatus:      to,
		Detail:        detail,
		CreatedAt:     at,
	}
}
