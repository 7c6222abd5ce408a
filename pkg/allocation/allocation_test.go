package allocation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLoan(principal, rate string, start time.Time) *models.Loan {
	p := dec(principal)
	return &models.Loan{
		ID:                 uuid.New(),
		ContractNumber:     "LN2024-001",
		PrincipalAmount:    p,
		InterestRate:       dec(rate),
		OutstandingBalance: p,
		StartDate:          start,
		ContractStatus:     models.ContractStatusActive,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
}

func TestAccruedInterest(t *testing.T) {
	cases := []struct {
		name string
		days int
		want string
	}{
		{"thirty days", 30, "123.29"},
		{"same day", 0, "0"},
		{"negative", -5, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AccruedInterest(dec("10000"), dec("0.15"), tc.days)
			if !got.Equal(dec(tc.want)) {
				t.Errorf("Expected interest %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDaysElapsed(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*3600)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, bangkok)

	// 23:30 UTC on Jan 31 is already Feb 1 in Bangkok.
	to := time.Date(2024, 1, 31, 23, 30, 0, 0, time.UTC)
	if got := DaysElapsed(from, to, bangkok); got != 31 {
		t.Errorf("Expected 31 days in ICT, got %d", got)
	}
	// Midnight in Bangkok is still Dec 31 in UTC.
	if got := DaysElapsed(from, to, time.UTC); got != 31 {
		t.Errorf("Expected 31 days in UTC from Dec 31, got %d", got)
	}
	fromUTC := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := DaysElapsed(fromUTC, to, time.UTC); got != 30 {
		t.Errorf("Expected 30 days in UTC, got %d", got)
	}
	if got := DaysElapsed(to, from, bangkok); got != 0 {
		t.Errorf("Expected future start to give 0 days, got %d", got)
	}
	sameDay := time.Date(2024, 1, 1, 22, 0, 0, 0, bangkok)
	if got := DaysElapsed(from, sameDay, bangkok); got != 0 {
		t.Errorf("Expected same day to give 0 days, got %d", got)
	}
}

func TestAllocateWaterfallOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// 1000 * 0.438 * 100 / 365 = 120 of accrued interest.
	loan := newLoan("1000", "0.438", start)
	loan.TotalPenalties = dec("50")

	e := NewEngine(time.UTC)
	r := e.Allocate(loan, dec("100"), start.AddDate(0, 0, 100))

	if !r.AccruedInterest.Equal(dec("120")) {
		t.Fatalf("Expected accrued interest 120, got %s", r.AccruedInterest)
	}
	if !r.ToPenalties.Equal(dec("50")) {
		t.Errorf("Expected 50 to penalties, got %s", r.ToPenalties)
	}
	if !r.ToInterest.Equal(dec("50")) {
		t.Errorf("Expected 50 to interest, got %s", r.ToInterest)
	}
	if !r.ToPrincipal.IsZero() {
		t.Errorf("Expected nothing to principal, got %s", r.ToPrincipal)
	}
	if !r.BalanceAfter().Equal(dec("1070")) {
		t.Errorf("Expected balance 1070, got %s", r.BalanceAfter())
	}
	if r.Loan.ContractStatus != models.ContractStatusActive {
		t.Errorf("Expected status active, got %s", r.Loan.ContractStatus)
	}
	if !r.Loan.PenaltiesPaid.Equal(dec("50")) || !r.Loan.InterestPaid.Equal(dec("50")) {
		t.Errorf("Expected paid counters 50/50, got %s/%s", r.Loan.PenaltiesPaid, r.Loan.InterestPaid)
	}
	if !loan.PenaltiesPaid.IsZero() || loan.LastPaymentDate != nil {
		t.Error("Allocate must not modify the input loan")
	}
}

func TestAllocateFullPayoffClosesLoan(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	loan := newLoan("10000", "0.15", start)
	loan.TotalPenalties = dec("25.50")
	payDate := start.AddDate(0, 0, 30)

	e := NewEngine(time.UTC)
	total := dec("10000").Add(dec("123.29")).Add(dec("25.50"))
	r := e.Allocate(loan, total, payDate)

	if !r.TotalDue.Equal(total) {
		t.Fatalf("Expected total due %s, got %s", total, r.TotalDue)
	}
	if !r.BalanceAfter().IsZero() {
		t.Errorf("Expected balance 0, got %s", r.BalanceAfter())
	}
	if r.Loan.ContractStatus != models.ContractStatusClosed {
		t.Errorf("Expected status closed, got %s", r.Loan.ContractStatus)
	}
	if !r.Overpayment.IsZero() {
		t.Errorf("Expected no overpayment, got %s", r.Overpayment)
	}
	if !r.Loan.LastPaymentDate.Equal(payDate) || !r.Loan.LastPaymentAmount.Equal(total) {
		t.Errorf("Expected last payment %s on %s", total, payDate)
	}
}

func TestAllocateOverpayment(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	loan := newLoan("500", "0.10", start)

	r := NewEngine(time.UTC).Allocate(loan, dec("600"), start)

	if !r.ToPrincipal.Equal(dec("500")) {
		t.Errorf("Expected 500 to principal, got %s", r.ToPrincipal)
	}
	if !r.Overpayment.Equal(dec("100")) {
		t.Errorf("Expected overpayment 100, got %s", r.Overpayment)
	}
	if r.Loan.ContractStatus != models.ContractStatusClosed {
		t.Errorf("Expected status closed, got %s", r.Loan.ContractStatus)
	}
}

func TestAllocateKeepsOverdueStatus(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	loan := newLoan("1000", "0", start)
	loan.ContractStatus = models.ContractStatusOverdue

	r := NewEngine(time.UTC).Allocate(loan, dec("100"), start.AddDate(0, 1, 0))

	if r.Loan.ContractStatus != models.ContractStatusOverdue {
		t.Errorf("Expected status to stay overdue, got %s", r.Loan.ContractStatus)
	}
	if !r.BalanceAfter().Equal(dec("900")) {
		t.Errorf("Expected balance 900, got %s", r.BalanceAfter())
	}
}

func TestAllocateAccruesFromLastPayment(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	loan := newLoan("10000", "0.15", start)
	last := start.AddDate(0, 2, 0)
	loan.LastPaymentDate = &last

	r := NewEngine(time.UTC).Allocate(loan, dec("1000"), last.AddDate(0, 0, 30))

	if r.DaysElapsed != 30 {
		t.Errorf("Expected 30 days since last payment, got %d", r.DaysElapsed)
	}
	if !r.ToInterest.Equal(dec("123.29")) {
		t.Errorf("Expected 123.29 to interest, got %s", r.ToInterest)
	}
	if !r.ToPrincipal.Equal(dec("876.71")) {
		t.Errorf("Expected 876.71 to principal, got %s", r.ToPrincipal)
	}
}
