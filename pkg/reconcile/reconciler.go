// Package reconcile turns verified payment evidence into applied loan
// payments: match, allocate, commit, or queue the evidence when no loan fits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/allocation"
	"github.com/mcclellann/fredrecon/pkg/ledger"
	"github.com/mcclellann/fredrecon/pkg/matching"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 3

	matchedByLoanID = "loan_id"
)

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Loans        store.LoanRepository
	Transactions store.TransactionRepository
	Pending      store.PendingPaymentRepository
	Ledger       *ledger.Ledger
	Log          logrus.FieldLogger
}

type Options struct {
	// Location is the calendar used to count interest days.
	Location *time.Location
	// MaxAttempts bounds match, allocate and commit runs when the loan
	// changes underneath a payment.
	MaxAttempts int
}

type Reconciler struct {
	loans       store.LoanRepository
	txs         store.TransactionRepository
	pending     store.PendingPaymentRepository
	ledger      *ledger.Ledger
	matcher     *matching.Matcher
	engine      allocation.Engine
	log         logrus.FieldLogger
	maxAttempts int
	now         func() time.Time
}

func New(deps Deps, opts Options) *Reconciler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Reconciler{
		loans:       deps.Loans,
		txs:         deps.Transactions,
		pending:     deps.Pending,
		ledger:      deps.Ledger,
		matcher:     matching.NewMatcher(deps.Loans, deps.Log),
		engine:      allocation.NewEngine(opts.Location),
		log:         deps.Log,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
	}
}

// ProcessEvidence applies evidence delivered by the slip verifier.
func (r *Reconciler) ProcessEvidence(ctx context.Context, ev models.VerifiedPaymentEvidence, hint string) (*Outcome, error) {
	return r.Process(ctx, RequestFromEvidence(ev, hint))
}

// Process applies one payment at most once. A payment matching no loan is
// queued and reported with StatePending; that is not an error. Errors are
// *models.ValidationError, *models.MatchError (ambiguous only),
// *models.LoanNotFoundError, *models.InvalidLoanStatusError,
// *models.DuplicateTransactionError or *models.ProcessingError; lookup
// failures are returned wrapped.
func (r *Reconciler) Process(ctx context.Context, req ProcessPaymentRequest) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := r.log.WithField("transaction_ref_id", req.TransactionRefID)
	log.WithFields(logrus.Fields{"state": StateReceived, "amount": req.Amount.StringFixed(2)}).Info("Payment received")

	// Fast path only; the unique ledger key is what guarantees at-most-once.
	exists, err := r.txs.TransactionExists(ctx, req.TransactionRefID)
	if err != nil {
		return nil, &models.ProcessingError{Op: "duplicate check", Err: err}
	}
	if exists {
		log.WithField("state", StateRejected).Info("Duplicate payment ignored")
		return nil, &models.DuplicateTransactionError{TransactionRefID: req.TransactionRefID}
	}

	for attempt := 1; ; attempt++ {
		out, err := r.attempt(ctx, req, log)
		if !errors.Is(err, store.ErrVersionConflict) {
			return out, err
		}
		if attempt >= r.maxAttempts {
			log.WithField("attempts", attempt).Error("Giving up after repeated loan version conflicts")
			return nil, &models.ProcessingError{Op: "commit", Err: err}
		}
		log.WithField("attempt", attempt).Warn("Loan changed during payment, retrying")
	}
}

// attempt runs one resolve, allocate and commit pass. Only the commit
// writes, so it is safe to repeat.
func (r *Reconciler) attempt(ctx context.Context, req ProcessPaymentRequest, log logrus.FieldLogger) (*Outcome, error) {
	loan, matchedBy, err := r.resolveLoan(ctx, req)
	if err != nil {
		var me *models.MatchError
		if errors.As(err, &me) && me.Kind == models.MatchErrorNoMatch {
			log.WithField("state", StateUnmatched).Info("No loan matches payment")
			return r.queuePending(ctx, req, log)
		}
		if errors.As(err, &me) {
			log.WithFields(logrus.Fields{"state": StateRejected, "candidates": len(me.Candidates)}).Warn("Ambiguous payment needs manual matching")
		}
		return nil, err
	}

	log = log.WithFields(logrus.Fields{"loan_id": loan.ID, "contract_number": loan.ContractNumber})
	log.WithFields(logrus.Fields{"state": StateMatched, "matched_by": matchedBy}).Info("Payment matched to loan")

	if loan.ContractStatus == models.ContractStatusClosed {
		log.WithField("state", StateRejected).Warn("Payment for closed loan rejected")
		return nil, &models.InvalidLoanStatusError{LoanID: loan.ID, Status: loan.ContractStatus}
	}

	alloc := r.engine.Allocate(loan, req.Amount, req.PaymentDate)
	log.WithFields(logrus.Fields{
		"state":        StateAllocated,
		"to_penalties": alloc.ToPenalties.StringFixed(2),
		"to_interest":  alloc.ToInterest.StringFixed(2),
		"to_principal": alloc.ToPrincipal.StringFixed(2),
	}).Debug("Payment allocated")
	if alloc.Overpayment.IsPositive() {
		log.WithField("overpayment", alloc.Overpayment.StringFixed(2)).Warn("Payment exceeds the amount due")
	}

	txn, err := r.ledger.Commit(ctx, loan, alloc, ledger.PaymentDetails{
		TransactionRefID: req.TransactionRefID,
		PaymentMethod:    req.PaymentMethod,
		PaymentSource:    req.PaymentSource,
		Notes:            req.Notes,
	})
	if err != nil {
		var dup *models.DuplicateTransactionError
		if errors.As(err, &dup) {
			log.WithField("state", StateRejected).Info("Duplicate payment ignored")
		}
		return nil, err
	}

	log.WithField("state", StateCommitted).Info("Payment applied")
	r.settleQueued(ctx, req.TransactionRefID, loan.ID, log)
	return &Outcome{
		State: StateCommitted,
		Payment: &PaymentResult{
			TransactionID:  txn.ID,
			LoanID:         loan.ID,
			ContractNumber: loan.ContractNumber,
			MatchedBy:      matchedBy,
			Allocation: AllocationSummary{
				ToPenalties: alloc.ToPenalties,
				ToInterest:  alloc.ToInterest,
				ToPrincipal: alloc.ToPrincipal,
			},
			Overpayment:  alloc.Overpayment,
			BalanceAfter: txn.BalanceAfter,
			NewStatus:    alloc.Loan.ContractStatus,
		},
	}, nil
}

func (r *Reconciler) resolveLoan(ctx context.Context, req ProcessPaymentRequest) (*models.Loan, string, error) {
	if req.LoanID != nil {
		loan, err := r.loans.GetLoan(ctx, *req.LoanID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && loan.DeletedAt != nil) {
			return nil, "", &models.LoanNotFoundError{LoanID: *req.LoanID}
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to load loan: %w", err)
		}
		return loan, matchedByLoanID, nil
	}

	m, err := r.matcher.Match(ctx, *req.Evidence, req.HintAccountID)
	if err != nil {
		return nil, "", err
	}
	return m.Loan, m.Strategy, nil
}

func (r *Reconciler) queuePending(ctx context.Context, req ProcessPaymentRequest, log logrus.FieldLogger) (*Outcome, error) {
	now := r.now()
	p := &models.PendingPayment{
		ID:               uuid.New(),
		TransactionRefID: req.TransactionRefID,
		Amount:           req.Amount,
		PaymentDate:      req.PaymentDate,
		Status:           models.PendingStatusUnmatched,
		Reason:           string(models.MatchErrorNoMatch),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if ev := req.Evidence; ev != nil {
		p.SenderInfo = ev.Sender
		p.ReceiverInfo = ev.Receiver
		p.BankInfo = models.BankInfo{SendingBank: ev.SendingBank, ReceivingBank: ev.ReceivingBank}
	}

	if err := r.pending.CreatePendingPayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.WithField("state", StateRejected).Info("Payment already queued")
			return nil, &models.DuplicateTransactionError{TransactionRefID: req.TransactionRefID}
		}
		return nil, &models.ProcessingError{Op: "queue pending payment", Err: err}
	}

	log.WithFields(logrus.Fields{"state": StatePending, "pending_payment_id": p.ID}).Info("Payment queued for manual reconciliation")
	return &Outcome{State: StatePending, PendingPaymentID: &p.ID}, nil
}
