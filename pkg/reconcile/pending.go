package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/sirupsen/logrus"
)

// ListPending lists queued payments; an empty status lists all of them.
func (r *Reconciler) ListPending(ctx context.Context, status models.PendingStatus) ([]*models.PendingPayment, error) {
	return r.pending.ListPendingPayments(ctx, status)
}

func (r *Reconciler) unmatchedPending(ctx context.Context, id uuid.UUID) (*models.PendingPayment, error) {
	p, err := r.pending.GetPendingPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payment %s: %w", id, err)
	}
	if p.Status != models.PendingStatusUnmatched {
		return nil, alreadyResolved(p.Status)
	}
	return p, nil
}

func alreadyResolved(status models.PendingStatus) error {
	return &models.ValidationError{Details: map[string]string{"status": "pending payment is already " + string(status)}}
}

// markMatched records that the payment behind p is committed to loanID.
func (r *Reconciler) markMatched(ctx context.Context, p *models.PendingPayment, loanID uuid.UUID) error {
	p.Status = models.PendingStatusMatched
	p.Reason = ""
	p.ResolvedLoanID = &loanID
	p.UpdatedAt = r.now()
	return r.pending.UpdatePendingPayment(ctx, p)
}

// settleQueued marks the unmatched pending row of a just committed payment
// as matched. The payment stands either way, so failures are only logged.
func (r *Reconciler) settleQueued(ctx context.Context, ref string, loanID uuid.UUID, log logrus.FieldLogger) {
	p, err := r.pending.GetPendingPaymentByRef(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.WithError(err).Warn("Failed to look up pending payment")
		return
	}
	if p.Status != models.PendingStatusUnmatched {
		return
	}
	if err := r.markMatched(ctx, p, loanID); err != nil {
		if !errors.Is(err, store.ErrAlreadyResolved) {
			log.WithError(err).WithField("pending_payment_id", p.ID).Warn("Failed to mark pending payment matched")
		}
		return
	}
	log.WithField("pending_payment_id", p.ID).Info("Pending payment matched")
}

// ResolvePending applies an unmatched pending payment to the loan an
// operator picked and marks it matched. A payment that turns out to be
// committed already is marked matched to the loan it was committed to, and
// the duplicate is reported.
func (r *Reconciler) ResolvePending(ctx context.Context, id, loanID uuid.UUID) (*Outcome, error) {
	p, err := r.unmatchedPending(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := r.Process(ctx, ProcessPaymentRequest{
		TransactionRefID: p.TransactionRefID,
		LoanID:           &loanID,
		Amount:           p.Amount,
		PaymentDate:      p.PaymentDate,
		PaymentMethod:    MethodBankTransfer,
		PaymentSource:    SourceManualReconciliation,
		Notes:            "resolved from pending payment " + p.ID.String(),
	})
	resolved := loanID
	var dup *models.DuplicateTransactionError
	if err != nil {
		if !errors.As(err, &dup) {
			return nil, err
		}
		txn, terr := r.txs.GetTransactionByRef(ctx, p.TransactionRefID)
		if terr != nil {
			return nil, &models.ProcessingError{Op: "resolve pending payment", Err: terr}
		}
		resolved = txn.LoanID
	}

	if uerr := r.markMatched(ctx, p, resolved); uerr != nil {
		if !errors.Is(uerr, store.ErrAlreadyResolved) {
			return nil, &models.ProcessingError{Op: "resolve pending payment", Err: uerr}
		}
		// The commit itself settles the row; anything else got there first.
		current, gerr := r.pending.GetPendingPayment(ctx, p.ID)
		if gerr != nil {
			return nil, &models.ProcessingError{Op: "resolve pending payment", Err: gerr}
		}
		if current.Status != models.PendingStatusMatched || current.ResolvedLoanID == nil || *current.ResolvedLoanID != resolved {
			return nil, alreadyResolved(current.Status)
		}
	}
	r.log.WithFields(logrus.Fields{"pending_payment_id": p.ID, "loan_id": resolved}).Info("Pending payment resolved")
	return out, err
}

// RejectPending closes an unmatched pending payment without applying it.
func (r *Reconciler) RejectPending(ctx context.Context, id uuid.UUID, reason string) (*models.PendingPayment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &models.ValidationError{Details: map[string]string{"reason": "is required"}}
	}
	p, err := r.unmatchedPending(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Status = models.PendingStatusRejected
	p.Reason = reason
	p.UpdatedAt = r.now()
	if err := r.pending.UpdatePendingPayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			current, gerr := r.pending.GetPendingPayment(ctx, p.ID)
			if gerr == nil {
				return nil, alreadyResolved(current.Status)
			}
		}
		return nil, &models.ProcessingError{Op: "reject pending payment", Err: err}
	}
	r.log.WithFields(logrus.Fields{"pending_payment_id": p.ID, "reason": reason}).Info("Pending payment rejected")
	return p, nil
}
