// Package jobs drives the batch processor on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/service"
)

// BatchProcessor is the part of service.Processor the runner drives.
type BatchProcessor interface {
	ProcessDuePayments(ctx context.Context, opts service.ProcessOptions) (*models.BatchStats, error)
	DispatchNotifications(ctx context.Context, limit int) (sent, failed int, err error)
	ReconcileProcessing(ctx context.Context) (int, error)
}

// Runner owns the cron scheduler. Every job runs in UTC and is skipped while
// its previous run is still going.
type Runner struct {
	cron *cron.Cron
	proc BatchProcessor
	log  *logrus.Logger
	ctx  context.Context
	stop context.CancelFunc
}

// NewRunner registers the daily due run, the retry sweep, the outbox
// dispatch and the reconciliation of stuck charges.
func NewRunner(cfg config.SchedulingConfig, proc BatchProcessor, log *logrus.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cron.VerbosePrintfLogger(log)),
			cron.WithChain(
				cron.Recover(cron.VerbosePrintfLogger(log)),
				cron.SkipIfStillRunning(cron.VerbosePrintfLogger(log)),
			),
		),
		proc: proc,
		log:  log,
		ctx:  ctx,
		stop: cancel,
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"daily-run", cfg.DailyCron, func() { r.RunBatch(service.ProcessOptions{}) }},
		{"retry-sweep", cfg.RetryCron, func() { r.RunBatch(service.ProcessOptions{RetriesOnly: true}) }},
		{"notifications", cfg.NotifyCron, r.RunDispatch},
		{"reconcile", cfg.ReconcileCron, r.RunReconcile},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := r.cron.AddFunc(j.spec, j.fn); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid %s schedule %q: %w", j.name, j.spec, err)
		}
		log.WithFields(logrus.Fields{"job": j.name, "spec": j.spec}).Info("Job scheduled")
	}
	return r, nil
}

// Start runs the scheduler in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels pending batches between chunks and waits for running jobs.
func (r *Runner) Stop(ctx context.Context) error {
	r.stop()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunBatch executes one batch run and logs its stats.
func (r *Runner) RunBatch(opts service.ProcessOptions) {
	stats, err := r.proc.ProcessDuePayments(r.ctx, opts)
	if err != nil {
		r.log.WithField("retries_only", opts.RetriesOnly).Errorf("Batch run failed: %v", err)
		return
	}
	if stats.Skipped {
		r.log.WithField("retries_only", opts.RetriesOnly).Info("Batch run skipped, previous run still active")
	}
}

// RunDispatch drains the notification outbox once.
func (r *Runner) RunDispatch() {
	sent, failed, err := r.proc.DispatchNotifications(r.ctx, 0)
	if err != nil {
		r.log.Errorf("Notification dispatch failed: %v", err)
		return
	}
	if sent > 0 || failed > 0 {
		r.log.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("Notifications dispatched")
	}
}

// RunReconcile settles installments stuck in PROCESSING.
func (r *Runner) RunReconcile() {
	n, err := r.proc.ReconcileProcessing(r.ctx)
	if err != nil {
		r.log.Errorf("Reconciliation failed: %v", err)
		return
	}
	if n > 0 {
		r.log.WithField("settled", n).Warn("Stuck installments reconciled")
	}
}
