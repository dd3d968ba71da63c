// Package retry decides what happens to an installment after a failed charge.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Dan9191/bnpl-service/internal/clock"
	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/models"
)

// Class separates failures worth retrying from terminal ones.
type Class int

const (
	Retryable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

var (
	DefaultDelays = []time.Duration{time.Hour, 4 * time.Hour, 24 * time.Hour}

	fatalCodes = map[string]bool{
		gateway.CodeMissingInstrument: true,
		gateway.CodeInvalidInstrument: true,
		gateway.CodeExpiredCard:       true,
	}
)

const (
	DefaultMaxRetries = 3
	DefaultJitter     = 0.1
)

// Classify maps a charge error to a retry class. Deadlines and unknown errors
// are retryable; instrument problems are fatal.
func Classify(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && fatalCodes[gwErr.Code] {
		return Fatal
	}
	return Retryable
}

// Reason extracts a short failure reason suitable for persistence.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		if gwErr.Message != "" {
			return gwErr.Code + ": " + gwErr.Message
		}
		return gwErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.CodeTimeout
	}
	return err.Error()
}

// Decision is the next state of an installment after a failed attempt.
type Decision struct {
	Status      models.InstallmentStatus
	RetryCount  int
	NextRetryAt *time.Time
	Terminal    bool
	Class       Class
	Reason      string
}

// Controller applies the backoff table and the retry budget.
//
// RetryCount is the number of retries already scheduled. A retryable failure
// with RetryCount < MaxRetries is rescheduled and the count incremented; once
// the budget is spent the installment fails. Fatal failures fail at once and
// leave the count untouched.
type Controller struct {
	MaxRetries int
	Delays     []time.Duration
	Jitter     float64
	Clock      clock.Clock
	// Rand returns values in [0,1); nil uses math/rand.
	Rand func() float64
}

// NewController builds a controller from configuration.
func NewController(cfg config.RetryConfig, clk clock.Clock) *Controller {
	delays := cfg.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Controller{
		MaxRetries: cfg.MaxRetries,
		Delays:     delays,
		Jitter:     cfg.Jitter,
		Clock:      clk,
	}
}

// BaseDelay is the un-jittered delay for the given retry count. The last
// table entry repeats.
func (c *Controller) BaseDelay(retryCount int) time.Duration {
	delays := c.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[retryCount]
}

// Delay is BaseDelay with ±Jitter applied.
func (c *Controller) Delay(retryCount int) time.Duration {
	base := c.BaseDelay(retryCount)
	if c.Jitter <= 0 {
		return base
	}
	r := c.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + c.Jitter*(2*r()-1)
	return time.Duration(float64(base) * factor)
}

// Decide returns the next state for inst after err.
func (c *Controller) Decide(inst models.Installment, err error) Decision {
	d := Decision{
		RetryCount: inst.RetryCount,
		Class:      Classify(err),
		Reason:     Reason(err),
	}
	if d.Class == Fatal || inst.RetryCount >= c.MaxRetries {
		d.Status = models.StatusFailed
		d.Terminal = true
		return d
	}
	next := c.now().Add(c.Delay(inst.RetryCount))
	d.Status = models.StatusScheduled
	d.RetryCount = inst.RetryCount + 1
	d.NextRetryAt = &next
	return d
}

// Apply copies a decision onto an installment clone.
func (d Decision) Apply(inst models.Installment, now time.Time) models.Installment {
	next := inst.Clone()
	next.Status = d.Status
	next.RetryCount = d.RetryCount
	next.NextRetryAt = d.NextRetryAt
	next.LastAttemptAt = &now
	if d.Reason != "" {
		next.LastFailureReason = models.StringPtr(d.Reason)
	}
	return next
}

func (c *Controller) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now()
}
