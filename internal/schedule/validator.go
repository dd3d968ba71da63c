package schedule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/bnpl-service/internal/models"
)

// Kind distinguishes blocking errors from warnings.
type Kind string

const (
	KindError   Kind = "error"
	KindWarning Kind = "warning"
)

// Severity grades an issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue codes.
const (
	CodeSequenceGap       = "sequence_gap"
	CodeDuplicateNumber   = "duplicate_installment_number"
	CodeDateOrder         = "non_increasing_due_date"
	CodeNonPositiveTotal  = "non_positive_total"
	CodeNonPositiveAmount = "non_positive_amount"
	CodeTotalMismatch     = "total_mismatch"
)

// Issue is a single integrity finding.
type Issue struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Affected []int    `json:"affected"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s/%s %s: %s", i.Kind, i.Severity, i.Code, i.Message)
}

// Issues is the result of Validate.
type Issues []Issue

// HasBlocking reports whether any issue is an error.
func (is Issues) HasBlocking() bool {
	for _, i := range is {
		if i.Kind == KindError {
			return true
		}
	}
	return false
}

// Strings renders the issues for logs and API responses.
func (is Issues) Strings() []string {
	out := make([]string, len(is))
	for n, i := range is {
		out[n] = i.String()
	}
	return out
}

func (is Issues) Error() string {
	return strings.Join(is.Strings(), "; ")
}

// Validate checks sequence, due date ordering and amount constraints.
func Validate(installments []models.Installment) Issues {
	var issues Issues
	issues = append(issues, checkSequence(installments)...)
	issues = append(issues, checkDates(installments)...)
	issues = append(issues, checkAmounts(installments)...)
	return issues
}

func checkSequence(installments []models.Installment) Issues {
	var issues Issues

	seen := make(map[int]int, len(installments))
	for _, inst := range installments {
		seen[inst.InstallmentNumber]++
	}
	var dups []int
	for number, n := range seen {
		if n > 1 {
			dups = append(dups, number)
		}
	}
	if len(dups) > 0 {
		sort.Ints(dups)
		issues = append(issues, Issue{
			Kind:     KindError,
			Severity: SeverityCritical,
			Code:     CodeDuplicateNumber,
			Message:  fmt.Sprintf("duplicate installment numbers %v", dups),
			Affected: dups,
		})
	}

	numbers := make([]int, len(installments))
	for i, inst := range installments {
		numbers[i] = inst.InstallmentNumber
	}
	sort.Ints(numbers)
	var misplaced []int
	for i, number := range numbers {
		if number != i+1 {
			misplaced = append(misplaced, number)
		}
	}
	if len(misplaced) > 0 {
		issues = append(issues, Issue{
			Kind:     KindError,
			Severity: SeverityHigh,
			Code:     CodeSequenceGap,
			Message:  fmt.Sprintf("installment numbers are not a contiguous run 1..%d", len(installments)),
			Affected: misplaced,
		})
	}
	return issues
}

func checkDates(installments []models.Installment) Issues {
	sorted := sortedByNumber(installments)
	var affected []int
	for i := 1; i < len(sorted); i++ {
		if !sorted[i].DueDate.After(sorted[i-1].DueDate) {
			affected = append(affected, sorted[i].InstallmentNumber)
		}
	}
	if len(affected) == 0 {
		return nil
	}
	return Issues{{
		Kind:     KindWarning,
		Severity: SeverityMedium,
		Code:     CodeDateOrder,
		Message:  "due dates are not strictly increasing with installment number",
		Affected: affected,
	}}
}

func checkAmounts(installments []models.Installment) Issues {
	var issues Issues
	total := decimal.Zero
	var nonPositive []int
	for _, inst := range installments {
		total = total.Add(inst.Amount)
		if !inst.Amount.IsPositive() {
			nonPositive = append(nonPositive, inst.InstallmentNumber)
		}
	}
	if !total.IsPositive() {
		issues = append(issues, Issue{
			Kind:     KindError,
			Severity: SeverityCritical,
			Code:     CodeNonPositiveTotal,
			Message:  fmt.Sprintf("schedule total %s is not positive", total.StringFixed(2)),
		})
	}
	if len(nonPositive) > 0 {
		issues = append(issues, Issue{
			Kind:     KindError,
			Severity: SeverityHigh,
			Code:     CodeNonPositiveAmount,
			Message:  fmt.Sprintf("%d installment(s) have a non-positive amount", len(nonPositive)),
			Affected: nonPositive,
		})
	}
	return issues
}

// CheckTotal reports a critical error when the installments do not add up to
// the transaction total.
func CheckTotal(installments []models.Installment, expected decimal.Decimal) Issues {
	total := decimal.Zero
	for _, inst := range installments {
		total = total.Add(inst.Amount)
	}
	if total.Equal(expected) {
		return nil
	}
	return Issues{{
		Kind:     KindError,
		Severity: SeverityCritical,
		Code:     CodeTotalMismatch,
		Message:  fmt.Sprintf("installments sum to %s, transaction total is %s", total.StringFixed(2), expected.StringFixed(2)),
	}}
}

// Repair returns a copy of installments ordered by due date and renumbered
// 1..N. When some amount is not positive, the positive total is split evenly
// across every installment. Running Repair on its own output changes nothing.
func Repair(installments []models.Installment) []models.Installment {
	out := make([]models.Installment, len(installments))
	for i, inst := range installments {
		out[i] = inst.Clone()
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].DueDate.Equal(out[b].DueDate) {
			return out[a].DueDate.Before(out[b].DueDate)
		}
		return out[a].InstallmentNumber < out[b].InstallmentNumber
	})
	for i := range out {
		out[i].InstallmentNumber = i + 1
	}

	positive := decimal.Zero
	needsSplit := false
	for _, inst := range out {
		if inst.Amount.IsPositive() {
			positive = positive.Add(inst.Amount)
		} else {
			needsSplit = true
		}
	}
	if needsSplit && positive.IsPositive() {
		for i, amount := range Split(positive, len(out)) {
			out[i].Amount = amount
		}
	}
	return out
}

func sortedByNumber(installments []models.Installment) []models.Installment {
	sorted := make([]models.Installment, len(installments))
	copy(sorted, installments)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].InstallmentNumber < sorted[b].InstallmentNumber
	})
	return sorted
}
