package schedule

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/bnpl-service/internal/models"
)

func inst(number int, amount string, due time.Time) models.Installment {
	return models.Installment{
		ID:                "inst",
		InstallmentNumber: number,
		Amount:            decimal.RequireFromString(amount),
		DueDate:           due,
		Status:            models.StatusScheduled,
	}
}

func findIssue(issues Issues, code string) *Issue {
	for i := range issues {
		if issues[i].Code == code {
			return &issues[i]
		}
	}
	return nil
}

func TestValidateHealthySchedule(t *testing.T) {
	t.Parallel()

	issues := Validate([]models.Installment{
		inst(1, "33.33", date(2024, 1, 1)),
		inst(2, "33.33", date(2024, 1, 15)),
		inst(3, "33.34", date(2024, 1, 29)),
	})
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues.Strings())
	}
}

func TestValidateSequenceGap(t *testing.T) {
	t.Parallel()

	issues := Validate([]models.Installment{
		inst(1, "10.00", date(2024, 1, 1)),
		inst(3, "10.00", date(2024, 1, 15)),
	})
	issue := findIssue(issues, CodeSequenceGap)
	if issue == nil {
		t.Fatalf("expected sequence gap issue, got %v", issues.Strings())
	}
	if issue.Kind != KindError || issue.Severity != SeverityHigh {
		t.Errorf("expected error/high, got %s/%s", issue.Kind, issue.Severity)
	}
	if !issues.HasBlocking() {
		t.Error("expected blocking issues")
	}
}

func TestValidateDuplicateNumbers(t *testing.T) {
	t.Parallel()

	issues := Validate([]models.Installment{
		inst(1, "10.00", date(2024, 1, 1)),
		inst(1, "10.00", date(2024, 1, 15)),
	})
	issue := findIssue(issues, CodeDuplicateNumber)
	if issue == nil {
		t.Fatalf("expected duplicate issue, got %v", issues.Strings())
	}
	if issue.Kind != KindError || issue.Severity != SeverityCritical {
		t.Errorf("expected error/critical, got %s/%s", issue.Kind, issue.Severity)
	}
	if len(issue.Affected) != 1 || issue.Affected[0] != 1 {
		t.Errorf("expected affected [1], got %v", issue.Affected)
	}
}

func TestValidateDateProgressionIsWarning(t *testing.T) {
	t.Parallel()

	issues := Validate([]models.Installment{
		inst(1, "10.00", date(2024, 1, 15)),
		inst(2, "10.00", date(2024, 1, 15)),
		inst(3, "10.00", date(2024, 1, 1)),
	})
	issue := findIssue(issues, CodeDateOrder)
	if issue == nil {
		t.Fatalf("expected date order issue, got %v", issues.Strings())
	}
	if issue.Kind != KindWarning || issue.Severity != SeverityMedium {
		t.Errorf("expected warning/medium, got %s/%s", issue.Kind, issue.Severity)
	}
	if len(issue.Affected) != 2 {
		t.Errorf("expected 2 affected installments, got %v", issue.Affected)
	}
	if issues.HasBlocking() {
		t.Error("date ordering alone must not block")
	}
}

func TestValidateAmounts(t *testing.T) {
	t.Parallel()

	issues := Validate([]models.Installment{
		inst(1, "0.00", date(2024, 1, 1)),
		inst(2, "-5.00", date(2024, 1, 15)),
	})
	total := findIssue(issues, CodeNonPositiveTotal)
	if total == nil || total.Severity != SeverityCritical {
		t.Errorf("expected critical non-positive total, got %v", issues.Strings())
	}
	each := findIssue(issues, CodeNonPositiveAmount)
	if each == nil || each.Severity != SeverityHigh {
		t.Fatalf("expected high non-positive amount, got %v", issues.Strings())
	}
	if len(each.Affected) != 2 {
		t.Errorf("expected 2 affected, got %v", each.Affected)
	}
}

func TestRepairRenumbersByDueDate(t *testing.T) {
	t.Parallel()

	repaired := Repair([]models.Installment{
		inst(7, "10.00", date(2024, 2, 1)),
		inst(2, "20.00", date(2024, 1, 1)),
		inst(2, "30.00", date(2024, 1, 15)),
	})

	wantAmounts := []string{"20.00", "30.00", "10.00"}
	for i, r := range repaired {
		if r.InstallmentNumber != i+1 {
			t.Errorf("position %d: expected number %d, got %d", i, i+1, r.InstallmentNumber)
		}
		if r.Amount.StringFixed(2) != wantAmounts[i] {
			t.Errorf("position %d: expected amount %s, got %s", i, wantAmounts[i], r.Amount)
		}
	}
	if issues := Validate(repaired); issues.HasBlocking() {
		t.Errorf("repaired schedule still has blocking issues: %v", issues.Strings())
	}
}

func TestRepairRedistributesNonPositiveAmounts(t *testing.T) {
	t.Parallel()

	repaired := Repair([]models.Installment{
		inst(1, "60.00", date(2024, 1, 1)),
		inst(2, "0.00", date(2024, 1, 15)),
		inst(3, "40.00", date(2024, 1, 29)),
	})
	want := []string{"33.33", "33.33", "33.34"}
	for i, r := range repaired {
		if r.Amount.StringFixed(2) != want[i] {
			t.Errorf("installment %d: expected %s, got %s", i+1, want[i], r.Amount)
		}
	}
}

func TestRepairDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	in := []models.Installment{
		inst(2, "10.00", date(2024, 1, 1)),
		inst(1, "-1.00", date(2024, 1, 15)),
	}
	Repair(in)
	if in[0].InstallmentNumber != 2 || !in[1].Amount.Equal(decimal.NewFromInt(-1)) {
		t.Error("Repair mutated its input")
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	t.Parallel()

	cases := map[string][]models.Installment{
		"gaps and duplicates": {
			inst(4, "25.00", date(2024, 3, 1)),
			inst(4, "25.00", date(2024, 2, 1)),
			inst(9, "25.00", date(2024, 1, 1)),
		},
		"non positive": {
			inst(1, "100.00", date(2024, 1, 1)),
			inst(2, "-10.00", date(2024, 1, 8)),
			inst(3, "0", date(2024, 1, 15)),
			inst(4, "0.01", date(2024, 1, 22)),
		},
		"same due dates": {
			inst(2, "5.00", date(2024, 1, 1)),
			inst(1, "5.00", date(2024, 1, 1)),
		},
		"tiny positive total": {
			inst(1, "0.02", date(2024, 1, 1)),
			inst(2, "0.00", date(2024, 1, 2)),
			inst(3, "0.00", date(2024, 1, 3)),
		},
		"empty": {},
	}

	for name, in := range cases {
		once := Repair(in)
		twice := Repair(once)
		if len(once) != len(twice) {
			t.Fatalf("%s: length changed from %d to %d", name, len(once), len(twice))
		}
		for i := range once {
			a, b := once[i], twice[i]
			if a.InstallmentNumber != b.InstallmentNumber || !a.Amount.Equal(b.Amount) || !a.DueDate.Equal(b.DueDate) {
				t.Errorf("%s: position %d differs after second repair: %+v vs %+v", name, i, a, b)
			}
		}
	}
}

func TestRepairProducesContiguousSequence(t *testing.T) {
	t.Parallel()

	in := []models.Installment{
		inst(3, "1.00", date(2024, 1, 3)),
		inst(3, "1.00", date(2024, 1, 2)),
		inst(0, "1.00", date(2024, 1, 1)),
		inst(-4, "1.00", date(2024, 1, 4)),
	}
	repaired := Repair(in)
	for i, r := range repaired {
		if r.InstallmentNumber != i+1 {
			t.Errorf("expected %d, got %d", i+1, r.InstallmentNumber)
		}
	}
	if issue := findIssue(Validate(repaired), CodeSequenceGap); issue != nil {
		t.Errorf("unexpected sequence issue: %s", issue)
	}
}

func TestCheckTotal(t *testing.T) {
	t.Parallel()

	in := []models.Installment{
		inst(1, "33.33", date(2024, 1, 1)),
		inst(2, "33.33", date(2024, 1, 15)),
		inst(3, "33.34", date(2024, 1, 29)),
	}
	if issues := CheckTotal(in, decimal.RequireFromString("100")); len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
	issues := CheckTotal(in, decimal.RequireFromString("100.01"))
	if len(issues) != 1 || issues[0].Code != CodeTotalMismatch || !issues.HasBlocking() {
		t.Errorf("expected blocking total mismatch, got %v", issues)
	}
}
