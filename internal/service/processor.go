package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Dan9191/bnpl-service/internal/clock"
	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/metrics"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/repository"
	"github.com/Dan9191/bnpl-service/internal/retry"
	"github.com/Dan9191/bnpl-service/internal/schedule"
)

// Processor charges due installments and records the outcomes
type Processor struct {
	store    repository.Store
	gateway  PaymentGateway
	retry    *retry.Controller
	notifier Notifier
	locker   Locker
	clock    clock.Clock
	log      *logrus.Logger
	cfg      config.BatchConfig

	running     atomic.Bool
	reconciling atomic.Bool
}

// NewProcessor initializes a new processor. locker may be nil for a single
// instance deployment.
func NewProcessor(store repository.Store, gw PaymentGateway, ctrl *retry.Controller, notifier Notifier, locker Locker,
	clk clock.Clock, log *logrus.Logger, cfg config.BatchConfig) *Processor {
	return &Processor{
		store:    store,
		gateway:  gw,
		retry:    ctrl,
		notifier: notifier,
		locker:   locker,
		clock:    clk,
		log:      log,
		cfg:      cfg,
	}
}

// ProcessOptions tune a single batch run.
type ProcessOptions struct {
	// RetriesOnly limits the run to installments with a pending retry.
	RetriesOnly bool
	BatchSize   int
	Concurrency int
}

type outcome string

// ProcessDuePayments charges every due installment in fixed-size batches.
// An overlapping call returns Skipped stats and no error. ctx is checked
// between batches only; a started batch always runs to completion.
func (p *Processor) ProcessDuePayments(ctx context.Context, opts ProcessOptions) (*models.BatchStats, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Info("Batch run already in progress, skipping")
		stats := &models.BatchStats{Skipped: true}
		metrics.ObserveBatch(stats)
		return stats, nil
	}
	defer p.running.Store(false)

	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx)
		if err != nil {
			metrics.BatchError()
			return nil, fmt.Errorf("failed to acquire batch lock: %w", err)
		}
		if !ok {
			p.log.Info("Batch lock held by another instance, skipping")
			stats := &models.BatchStats{Skipped: true}
			metrics.ObserveBatch(stats)
			return stats, nil
		}
		defer release()
	}

	size := firstPositive(opts.BatchSize, p.cfg.Size, 25)
	concurrency := firstPositive(opts.Concurrency, p.cfg.Concurrency, 5)
	started := time.Now()
	now := p.clock.Now()

	due, err := p.store.ListDueInstallments(ctx, repository.DueFilter{Now: now, RetriesOnly: opts.RetriesOnly})
	if err != nil {
		metrics.BatchError()
		return nil, fmt.Errorf("failed to select due installments: %w", err)
	}

	stats := &models.BatchStats{Total: len(due)}
	p.log.WithFields(logrus.Fields{"due": len(due), "retries_only": opts.RetriesOnly, "batch_size": size}).Info("Batch run started")

	for start := 0; start < len(due); start += size {
		if start > 0 {
			if err := pause(ctx, p.cfg.Pause); err != nil {
				stats.Duration = time.Since(started)
				p.log.WithField("processed", start).Warn("Batch run cancelled between batches")
				metrics.BatchError()
				return stats, err
			}
		}
		end := start + size
		if end > len(due) {
			end = len(due)
		}
		p.runBatch(ctx, due[start:end], concurrency, stats)
		stats.Batches++
	}

	stats.Duration = time.Since(started)
	metrics.ObserveBatch(stats)
	p.log.WithFields(logrus.Fields{
		"total":            stats.Total,
		"succeeded":        stats.Succeeded,
		"retried":          stats.Retried,
		"failed":           stats.Failed,
		"conflicts":        stats.Conflicts,
		"integrity_errors": stats.IntegrityErrors,
		"duration":         stats.Duration.String(),
	}).Info("Batch run finished")
	return stats, nil
}

// runBatch charges one batch with bounded concurrency. A failing installment
// never affects its siblings.
func (p *Processor) runBatch(ctx context.Context, batch []models.Installment, concurrency int, stats *models.BatchStats) {
	// in-flight charges finish even if the caller gives up
	ctx = context.WithoutCancel(ctx)
	results := make([]outcome, len(batch))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range batch {
		i := i
		g.Go(func() error {
			results[i] = p.processOne(ctx, batch[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r {
		case metrics.OutcomeSucceeded:
			stats.Succeeded++
		case metrics.OutcomeRetried:
			stats.Retried++
		case metrics.OutcomeFailed:
			stats.Failed++
		case metrics.OutcomeIntegrity:
			stats.IntegrityErrors++
		default:
			stats.Conflicts++
		}
	}
}

func (p *Processor) processOne(ctx context.Context, candidate models.Installment) (result outcome) {
	entry := p.log.WithFields(logrus.Fields{"installment_id": candidate.ID, "transaction_id": candidate.TransactionID})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("Installment processing panicked: %v", r)
			result = metrics.OutcomeConflict
		}
		metrics.InstallmentOutcome(string(result))
	}()

	txn, err := p.store.GetTransaction(ctx, candidate.TransactionID)
	if err != nil {
		entry.Errorf("Failed to load transaction: %v", err)
		return metrics.OutcomeConflict
	}
	siblings, err := p.store.ListInstallments(ctx, candidate.TransactionID)
	if err != nil {
		entry.Errorf("Failed to load schedule: %v", err)
		return metrics.OutcomeConflict
	}
	if issues := integrityIssues(txn, siblings); issues.HasBlocking() {
		p.reportIntegrity(ctx, txn.ID, candidate.ID, issues)
		return metrics.OutcomeIntegrity
	}

	now := p.clock.Now()
	cur := candidate
	for _, s := range siblings {
		if s.ID == candidate.ID {
			cur = s
		}
	}
	if !cur.IsDue(now) {
		return metrics.OutcomeConflict
	}

	claimed, err := p.claim(ctx, cur, now, models.AuditChargeAttempted, "batch charge attempt")
	if err != nil {
		if !errors.Is(err, repository.ErrStaleInstallment) {
			entry.Errorf("Failed to claim installment: %v", err)
		}
		return metrics.OutcomeConflict
	}

	chargeRef, chargeErr := p.charge(ctx, txn, claimed)
	res, err := p.settleCharge(ctx, txn, claimed, chargeRef, chargeErr)
	if err != nil {
		entry.Errorf("Failed to record charge outcome: %v", err)
		return metrics.OutcomeConflict
	}
	return res
}

func integrityIssues(txn *models.Transaction, installments []models.Installment) schedule.Issues {
	return append(schedule.Validate(installments), schedule.CheckTotal(installments, txn.TotalAmount)...)
}

func (p *Processor) reportIntegrity(ctx context.Context, txnID, instID string, issues schedule.Issues) {
	p.log.WithFields(logrus.Fields{"transaction_id": txnID, "installment_id": instID}).
		Errorf("Schedule integrity violation, installment skipped: %s", issues.Error())
	err := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.AppendAudit(ctx, audit(txnID, instID, models.AuditIntegrityViolation, "", "", issues.Error(), p.clock.Now()))
	})
	if err != nil {
		p.log.WithField("transaction_id", txnID).Errorf("Failed to audit integrity violation: %v", err)
	}
}

// claim moves an installment to PROCESSING. It fails with
// repository.ErrStaleInstallment when another worker got there first.
func (p *Processor) claim(ctx context.Context, cur models.Installment, now time.Time, action, detail string) (models.Installment, error) {
	next := cur.Clone()
	next.Status = models.StatusProcessing
	next.LastAttemptAt = &now
	next.UpdatedAt = now
	if action == models.AuditManualRetry {
		next.RetryCount = 0
		next.NextRetryAt = nil
	}

	var claimed models.Installment
	err := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		if claimed, err = tx.CompareAndSwapInstallment(ctx, cur, next); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit(cur.TransactionID, cur.ID, action, cur.Status, next.Status, detail, now))
	})
	return claimed, err
}

// charge attempts the gateway call under the configured timeout.
func (p *Processor) charge(ctx context.Context, txn *models.Transaction, inst models.Installment) (string, error) {
	customer, err := p.store.GetCustomer(ctx, txn.CustomerRef)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}
	if !customer.HasInstrument() {
		return "", gateway.ErrMissingInstrument
	}

	timeout := p.cfg.ChargeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	chargeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.GatewayTimer("charge")
	res, err := p.gateway.ChargeStoredInstrument(chargeCtx, gateway.ChargeRequest{
		CustomerRef:   txn.CustomerRef,
		InstrumentRef: customer.DefaultInstrumentRef,
		Amount:        inst.Amount,
		Currency:      txn.Currency,
		Metadata: map[string]string{
			"transaction_id":     txn.ID,
			"installment_id":     inst.ID,
			"installment_number": strconv.Itoa(inst.InstallmentNumber),
			"idempotency_key":    fmt.Sprintf("%s:%d", inst.ID, inst.Version),
		},
	})
	timer.ObserveDuration()
	if err != nil {
		if chargeCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return "", err
	}
	return res.ChargeRef, nil
}

// settle records the result of a charge on a PROCESSING installment together
// with its audit entry and customer notification.
func (p *Processor) settle(ctx context.Context, txn *models.Transaction, cur models.Installment, chargeRef string, chargeErr error) (outcome, error) {
	now := p.clock.Now()
	var (
		next   models.Installment
		result outcome
		action string
		kind   models.NotificationKind
		reason string
	)

	if chargeErr == nil {
		next = cur.Clone()
		next.Status = models.StatusCompleted
		next.ExternalChargeRef = &chargeRef
		next.PaidAt = &now
		next.NextRetryAt = nil
		result, action, kind = metrics.OutcomeSucceeded, models.AuditChargeSucceeded, models.NotifyPaymentCompleted
	} else {
		d := p.retry.Decide(cur, chargeErr)
		next = d.Apply(cur, now)
		var gwErr *gateway.Error
		if errors.As(chargeErr, &gwErr) && gwErr.ChargeRef != "" {
			next.ExternalChargeRef = &gwErr.ChargeRef
		}
		reason = d.Reason
		if d.Terminal {
			result, action, kind = metrics.OutcomeFailed, models.AuditChargeFailed, models.NotifyPaymentFailed
		} else {
			result, action, kind = metrics.OutcomeRetried, models.AuditRetryScheduled, models.NotifyRetryScheduled
		}
	}
	next.UpdatedAt = now

	err := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		stored, err := tx.CompareAndSwapInstallment(ctx, cur, next)
		if err != nil {
			return err
		}
		detail := reason
		if chargeErr == nil {
			detail = "charge " + chargeRef
		} else if stored.NextRetryAt != nil {
			detail = fmt.Sprintf("%s; retry %d at %s", reason, stored.RetryCount, stored.NextRetryAt.Format(time.RFC3339))
		}
		if err := tx.AppendAudit(ctx, audit(cur.TransactionID, cur.ID, action, cur.Status, stored.Status, detail, now)); err != nil {
			return err
		}
		return tx.EnqueueNotification(ctx, models.Notification{
			ID:            uuid.NewString(),
			Kind:          kind,
			TransactionID: txn.ID,
			InstallmentID: cur.ID,
			CustomerRef:   txn.CustomerRef,
			Amount:        cur.Amount,
			Reason:        reason,
			NextRetryAt:   stored.NextRetryAt,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return metrics.OutcomeConflict, err
	}

	p.log.WithFields(logrus.Fields{
		"installment_id": cur.ID,
		"transaction_id": cur.TransactionID,
		"outcome":        string(result),
		"retry_count":    next.RetryCount,
	}).Info("Installment charge recorded")
	return result, nil
}

// ManualRetry re-attempts a FAILED installment immediately with a fresh retry
// budget.
func (p *Processor) ManualRetry(ctx context.Context, installmentID string) (*models.Installment, error) {
	inst, err := p.store.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.StatusFailed {
		return nil, &ValidationError{Field: "installment_id", Message: fmt.Sprintf("installment is %s, only FAILED installments can be retried", inst.Status), Err: ErrInvalidState}
	}
	txn, err := p.store.GetTransaction(ctx, inst.TransactionID)
	if err != nil {
		return nil, err
	}

	claimed, err := p.claim(ctx, *inst, p.clock.Now(), models.AuditManualRetry, "manual retry requested")
	if err != nil {
		if errors.Is(err, repository.ErrStaleInstallment) {
			return nil, &ValidationError{Field: "installment_id", Message: "installment changed concurrently", Err: ErrInvalidState}
		}
		return nil, err
	}
	chargeRef, chargeErr := p.charge(ctx, txn, claimed)
	if _, err := p.settleCharge(ctx, txn, claimed, chargeRef, chargeErr); err != nil {
		return nil, err
	}
	metrics.InstallmentOutcome("manual_retry")
	return p.store.GetInstallment(ctx, installmentID)
}

// settleCharge is settle for a charge this processor made. When the row
// moved on while the charge was in flight, a successful charge that is not
// the one on record is refunded.
func (p *Processor) settleCharge(ctx context.Context, txn *models.Transaction, cur models.Installment, chargeRef string, chargeErr error) (outcome, error) {
	res, err := p.settle(ctx, txn, cur, chargeRef, chargeErr)
	if err == nil || chargeErr != nil || !errors.Is(err, repository.ErrStaleInstallment) {
		return res, err
	}

	latest, getErr := p.store.GetInstallment(ctx, cur.ID)
	if getErr == nil && latest.Status == models.StatusCompleted &&
		latest.ExternalChargeRef != nil && *latest.ExternalChargeRef == chargeRef {
		return metrics.OutcomeSucceeded, nil
	}

	entry := p.log.WithFields(logrus.Fields{"installment_id": cur.ID, "transaction_id": cur.TransactionID, "charge_ref": chargeRef})
	timer := metrics.GatewayTimer("refund")
	refundRef, refundErr := p.gateway.RefundCharge(ctx, chargeRef, nil)
	timer.ObserveDuration()
	if refundErr != nil {
		entry.Errorf("Orphaned charge could not be refunded, manual action required: %v", refundErr)
		return metrics.OutcomeConflict, fmt.Errorf("refund orphaned charge %s: %w", chargeRef, refundErr)
	}
	entry.Warn("Installment changed while charging, charge refunded")
	auditErr := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.AppendAudit(ctx, audit(cur.TransactionID, cur.ID, models.AuditChargeRefunded, cur.Status, "",
			fmt.Sprintf("charge %s refunded as %s", chargeRef, refundRef), p.clock.Now()))
	})
	if auditErr != nil {
		entry.Errorf("Failed to audit refund: %v", auditErr)
	}
	return metrics.OutcomeConflict, &ValidationError{Field: "installment_id", Message: "installment changed while charging, charge refunded", Err: ErrInvalidState}
}

// CaptureInstallment charges a PROCESSING installment that was never
// attempted, such as the first installment right after checkout. The row is
// claimed before the gateway is called, so concurrent captures charge once.
func (p *Processor) CaptureInstallment(ctx context.Context, installmentID string) (*models.Installment, error) {
	inst, err := p.store.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.StatusProcessing || inst.ExternalChargeRef != nil || inst.LastAttemptAt != nil {
		return nil, &ValidationError{Field: "installment_id", Message: fmt.Sprintf("installment is %s and cannot be captured", inst.Status), Err: ErrInvalidState}
	}
	txn, err := p.store.GetTransaction(ctx, inst.TransactionID)
	if err != nil {
		return nil, err
	}

	claimed, err := p.claim(ctx, *inst, p.clock.Now(), models.AuditChargeAttempted, "checkout capture")
	if err != nil {
		if errors.Is(err, repository.ErrStaleInstallment) {
			return nil, &ValidationError{Field: "installment_id", Message: "installment is already being captured", Err: ErrInvalidState}
		}
		return nil, err
	}
	chargeRef, chargeErr := p.charge(ctx, txn, claimed)
	if _, err := p.settleCharge(ctx, txn, claimed, chargeRef, chargeErr); err != nil {
		return nil, err
	}
	return p.store.GetInstallment(ctx, installmentID)
}

// ReconcileProcessing settles installments left in PROCESSING longer than
// the reconcile window, e.g. after a crash between charge and settle. An
// attempted row is charged again under its original idempotency key, so the
// gateway returns the first result instead of charging twice. Rows never
// attempted are captured when checkout capture is enabled and otherwise left
// to the gateway webhook.
func (p *Processor) ReconcileProcessing(ctx context.Context) (int, error) {
	if !p.reconciling.CompareAndSwap(false, true) {
		p.log.Info("Reconciliation already in progress, skipping")
		return 0, nil
	}
	defer p.reconciling.Store(false)

	window := p.cfg.ReconcileAfter
	if window <= 0 {
		window = 15 * time.Minute
	}
	now := p.clock.Now()
	stale, err := p.store.ListStaleProcessing(ctx, now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to select stale installments: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	settled := 0
	for _, inst := range stale {
		entry := p.log.WithFields(logrus.Fields{"installment_id": inst.ID, "transaction_id": inst.TransactionID})
		txn, err := p.store.GetTransaction(ctx, inst.TransactionID)
		if err != nil {
			entry.Errorf("Failed to load transaction: %v", err)
			continue
		}

		if inst.LastAttemptAt == nil {
			if !p.cfg.CaptureOnCheckout || !txn.CardFundedAmount.IsPositive() {
				continue
			}
			if _, err := p.CaptureInstallment(ctx, inst.ID); err != nil {
				entry.Warnf("Reconcile capture failed: %v", err)
				continue
			}
		} else {
			chargeRef, chargeErr := p.charge(ctx, txn, inst)
			if _, err := p.settleCharge(ctx, txn, inst, chargeRef, chargeErr); err != nil {
				entry.Warnf("Reconcile settle failed: %v", err)
				continue
			}
		}
		metrics.InstallmentOutcome("reconciled")
		entry.Warn("Stale PROCESSING installment reconciled")
		settled++
	}
	if len(stale) > 0 {
		p.log.WithFields(logrus.Fields{"stale": len(stale), "settled": settled}).Info("Reconciliation finished")
	}
	return settled, nil
}

// ChargeOutcome is an asynchronous charge result reported by the gateway.
type ChargeOutcome struct {
	InstallmentID string `json:"installment_id"`
	ChargeRef     string `json:"charge_ref"`
	Succeeded     bool   `json:"succeeded"`
	FailureCode   string `json:"failure_code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// RecordChargeOutcome completes a PROCESSING installment from a gateway
// webhook. Replaying a success already on record is a no-op.
func (p *Processor) RecordChargeOutcome(ctx context.Context, o ChargeOutcome) error {
	inst, err := p.store.GetInstallment(ctx, o.InstallmentID)
	if err != nil {
		return err
	}
	if inst.Status == models.StatusCompleted && inst.ExternalChargeRef != nil && *inst.ExternalChargeRef == o.ChargeRef {
		return nil
	}
	if inst.Status != models.StatusProcessing {
		return &ValidationError{Field: "installment_id", Message: fmt.Sprintf("installment is %s, expected PROCESSING", inst.Status), Err: ErrInvalidState}
	}
	txn, err := p.store.GetTransaction(ctx, inst.TransactionID)
	if err != nil {
		return err
	}

	var chargeErr error
	if !o.Succeeded {
		code := o.FailureCode
		if code == "" {
			code = gateway.CodeProcessingError
		}
		chargeErr = &gateway.Error{Code: code, Message: o.Message, ChargeRef: o.ChargeRef}
	}
	_, err = p.settle(ctx, txn, *inst, o.ChargeRef, chargeErr)
	return err
}

// DispatchNotifications delivers pending outbox rows. Undelivered rows stay
// pending for the next dispatch.
func (p *Processor) DispatchNotifications(ctx context.Context, limit int) (sent, failed int, err error) {
	if limit <= 0 {
		limit = firstPositive(p.cfg.NotificationLimit, 100)
	}
	pending, err := p.store.ListPendingNotifications(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list notifications: %w", err)
	}

	for _, n := range pending {
		customer, err := p.store.GetCustomer(ctx, n.CustomerRef)
		if err != nil {
			customer = nil
		}
		deliveryErr := p.notifier.Notify(ctx, n, customer)
		metrics.NotificationDelivered(n.Kind, deliveryErr == nil)

		err = p.store.WithinTx(ctx, func(tx repository.Tx) error {
			if deliveryErr != nil {
				return tx.MarkNotificationFailed(ctx, n.ID)
			}
			return tx.MarkNotificationSent(ctx, n.ID, p.clock.Now())
		})
		if err != nil {
			return sent, failed, fmt.Errorf("failed to update notification %s: %w", n.ID, err)
		}
		if deliveryErr != nil {
			failed++
			p.log.WithFields(logrus.Fields{"notification_id": n.ID, "kind": n.Kind}).Warnf("Notification delivery failed: %v", deliveryErr)
			continue
		}
		sent++
	}
	return sent, failed, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
