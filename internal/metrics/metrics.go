// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dan9191/bnpl-service/internal/models"
)

// Installment outcomes of a charge attempt.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
	OutcomeIntegrity = "integrity_error"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bnpl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bnpl_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "endpoint"})

	batchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bnpl_batch_runs_total",
		Help: "Batch processor runs by result",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bnpl_batch_duration_seconds",
		Help:    "Wall-clock duration of batch processor runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	installmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bnpl_installment_outcomes_total",
		Help: "Outcome of installment charge attempts",
	}, []string{"outcome"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bnpl_gateway_request_duration_seconds",
		Help:    "Gateway call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	schedulesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bnpl_schedules_total",
		Help: "Schedules created or repaired",
	}, []string{"action"})

	earlySettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bnpl_early_settlements_total",
		Help: "Early settlement attempts by result",
	}, []string{"result"})

	notificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bnpl_notifications_total",
		Help: "Outbox notification deliveries by kind and result",
	}, []string{"kind", "result"})
)

// ObserveBatch records a finished batch run.
func ObserveBatch(stats *models.BatchStats) {
	if stats.Skipped {
		batchRuns.WithLabelValues("skipped").Inc()
		return
	}
	batchRuns.WithLabelValues("completed").Inc()
	batchDuration.Observe(stats.Duration.Seconds())
}

// BatchError counts a run that aborted.
func BatchError() {
	batchRuns.WithLabelValues("error").Inc()
}

// InstallmentOutcome counts one charge attempt outcome.
func InstallmentOutcome(outcome string) {
	installmentOutcomes.WithLabelValues(outcome).Inc()
}

// GatewayTimer starts a latency timer for a gateway operation.
func GatewayTimer(operation string) *prometheus.Timer {
	return prometheus.NewTimer(gatewayLatency.WithLabelValues(operation))
}

// ScheduleCreated counts created ("created") or repaired ("repaired") schedules.
func ScheduleCreated(action string) {
	schedulesCreated.WithLabelValues(action).Inc()
}

// EarlySettlement counts a settlement attempt.
func EarlySettlement(result string) {
	earlySettlements.WithLabelValues(result).Inc()
}

// NotificationDelivered counts an outbox delivery attempt.
func NotificationDelivered(kind models.NotificationKind, ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	notificationsDelivered.WithLabelValues(string(kind), result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency labelled by route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
