// Package schedule derives installment schedules and checks their integrity.
package schedule

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/bnpl-service/internal/models"
)

// Interval is the spacing between two consecutive due dates.
type Interval string

const (
	Weekly   Interval = "weekly"
	Biweekly Interval = "biweekly"
	Monthly  Interval = "monthly"

	DefaultInterval = Biweekly
	MaxInstallments = 4
)

var hundred = decimal.NewFromInt(100)

// ParseInterval validates an interval name.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Weekly, Biweekly, Monthly:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unknown schedule interval %q", s)
}

// ResolveInterval picks the first non-empty of an explicit option, the
// merchant override and the global default, falling back to biweekly.
func ResolveInterval(option, merchant, global string) (Interval, error) {
	for _, candidate := range []string{option, merchant, global} {
		if candidate != "" {
			return ParseInterval(candidate)
		}
	}
	return DefaultInterval, nil
}

// Advance returns start moved forward by steps intervals. Monthly steps are
// counted from start and clamped to the last day of the target month.
func (iv Interval) Advance(start time.Time, steps int) time.Time {
	switch iv {
	case Weekly:
		return start.AddDate(0, 0, 7*steps)
	case Monthly:
		return addMonthsClamped(start, steps)
	default:
		return start.AddDate(0, 0, 14*steps)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// Input describes the schedule to derive.
type Input struct {
	Amount   decimal.Decimal
	Count    int
	Start    time.Time
	Interval Interval
}

// Entry is one computed installment.
type Entry struct {
	Number  int
	Amount  decimal.Decimal
	DueDate time.Time
}

// Calculate splits in.Amount into in.Count installments. Each installment is
// the amount divided by the count floored to the cent; the rounding
// remainder goes entirely to the last one so the entries sum to the input.
func Calculate(in Input) ([]Entry, error) {
	if in.Count < 1 || in.Count > MaxInstallments {
		return nil, fmt.Errorf("installment count must be between 1 and %d, got %d", MaxInstallments, in.Count)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", in.Amount)
	}
	if !in.Amount.Equal(in.Amount.Round(2)) {
		return nil, fmt.Errorf("amount %s has more than two decimal places", in.Amount)
	}
	if in.Interval == "" {
		in.Interval = DefaultInterval
	}
	if _, err := ParseInterval(string(in.Interval)); err != nil {
		return nil, err
	}

	amounts := Split(in.Amount, in.Count)
	start := models.TruncateToDay(in.Start)
	entries := make([]Entry, in.Count)
	for i := range entries {
		entries[i] = Entry{
			Number:  i + 1,
			Amount:  amounts[i],
			DueDate: in.Interval.Advance(start, i),
		}
	}
	return entries, nil
}

// Split divides total into n cent-precise parts, remainder on the last part.
func Split(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	count := decimal.NewFromInt(int64(n))
	base := total.Mul(hundred).Div(count).Floor().Div(hundred)
	remainder := total.Sub(base.Mul(count)).Round(2)

	parts := make([]decimal.Decimal, n)
	for i := range parts {
		parts[i] = base
	}
	parts[n-1] = base.Add(remainder)
	return parts
}
