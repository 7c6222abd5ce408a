// Package allocation splits an incoming payment over a loan's penalties,
// accrued interest and principal. Everything here is pure: no I/O, no clock.
package allocation

import (
	"time"

	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/shopspring/decimal"
)

var daysInYear = decimal.NewFromInt(365)

// Round2 rounds to the cent, half away from zero. For money amounts, which
// are never negative here, that is round-half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// DaysElapsed counts whole calendar days from from to to, both read as dates
// in loc. Same day or a from after to gives 0.
func DaysElapsed(from, to time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// AccruedInterest is simple daily interest on principal over days.
func AccruedInterest(principal, annualRate decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 || !principal.IsPositive() {
		return decimal.Zero
	}
	return Round2(principal.Mul(annualRate).Mul(decimal.NewFromInt(int64(days))).Div(daysInYear))
}

// Result is the outcome of one allocation. Loan is the post-payment copy of
// the input loan; the input is never modified.
type Result struct {
	Amount      decimal.Decimal
	PaymentDate time.Time
	DaysElapsed int

	// Dues at the payment date, before the payment.
	AccruedInterest    decimal.Decimal
	UnpaidPenalties    decimal.Decimal
	PrincipalRemaining decimal.Decimal
	TotalDue           decimal.Decimal

	ToPenalties decimal.Decimal
	ToInterest  decimal.Decimal
	ToPrincipal decimal.Decimal
	// Overpayment is what is left after a full payoff. It is not applied.
	Overpayment decimal.Decimal

	Loan models.Loan
}

// BalanceAfter is the loan's outstanding balance after the payment.
func (r Result) BalanceAfter() decimal.Decimal {
	return r.Loan.OutstandingBalance
}

// PrincipalAfter is the principal still owed after the payment.
func (r Result) PrincipalAfter() decimal.Decimal {
	return r.PrincipalRemaining.Sub(r.ToPrincipal)
}

// Engine allocates payments. Location fixes the calendar used to count
// interest days; nil means UTC.
type Engine struct {
	Location *time.Location
}

func NewEngine(loc *time.Location) Engine {
	return Engine{Location: loc}
}

// interestStart is the date interest has accrued from: the last payment,
// else the contract start, else the creation time.
func interestStart(loan *models.Loan) time.Time {
	switch {
	case loan.LastPaymentDate != nil:
		return *loan.LastPaymentDate
	case !loan.StartDate.IsZero():
		return loan.StartDate
	default:
		return loan.CreatedAt
	}
}

// Allocate applies amount to loan in waterfall order: penalties, then
// accrued interest, then principal, each capped at what is due.
func (e Engine) Allocate(loan *models.Loan, amount decimal.Decimal, paymentDate time.Time) Result {
	amount = Round2(amount)
	days := DaysElapsed(interestStart(loan), paymentDate, e.Location)

	principalRemaining := Round2(decimal.Max(loan.PrincipalRemaining(), decimal.Zero))
	unpaidPenalties := Round2(decimal.Max(loan.UnpaidPenalties(), decimal.Zero))
	interestDue := AccruedInterest(principalRemaining, loan.InterestRate, days)

	r := Result{
		Amount:             amount,
		PaymentDate:        paymentDate,
		DaysElapsed:        days,
		AccruedInterest:    interestDue,
		UnpaidPenalties:    unpaidPenalties,
		PrincipalRemaining: principalRemaining,
		TotalDue:           principalRemaining.Add(interestDue).Add(unpaidPenalties),
	}

	remaining := amount
	r.ToPenalties = decimal.Min(remaining, unpaidPenalties)
	remaining = remaining.Sub(r.ToPenalties)
	r.ToInterest = decimal.Min(remaining, interestDue)
	remaining = remaining.Sub(r.ToInterest)
	r.ToPrincipal = decimal.Min(remaining, principalRemaining)
	r.Overpayment = remaining.Sub(r.ToPrincipal)

	next := *loan
	next.PrincipalPaid = loan.PrincipalPaid.Add(r.ToPrincipal)
	next.InterestPaid = loan.InterestPaid.Add(r.ToInterest)
	next.PenaltiesPaid = loan.PenaltiesPaid.Add(r.ToPenalties)
	next.OutstandingBalance = Round2(
		principalRemaining.Sub(r.ToPrincipal).
			Add(interestDue.Sub(r.ToInterest)).
			Add(unpaidPenalties.Sub(r.ToPenalties)),
	)
	payDate := paymentDate
	next.LastPaymentDate = &payDate
	payAmount := amount
	next.LastPaymentAmount = &payAmount
	if next.OutstandingBalance.IsZero() {
		next.ContractStatus = models.ContractStatusClosed
	}
	r.Loan = next
	return r
}
