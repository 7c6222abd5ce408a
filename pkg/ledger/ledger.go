package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/allocation"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger handles the loan book and is the only writer of loan balances.
type Ledger struct {
	storage store.Storage
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, log logrus.FieldLogger) *Ledger {
	return &Ledger{
		storage: s,
		log:     log,
		now:     time.Now,
	}
}

// PaymentDetails are the request fields recorded on the ledger entry.
type PaymentDetails struct {
	TransactionRefID string
	PaymentMethod    string
	PaymentSource    string
	Notes            string
}

// CreateClient registers a borrower. The bank account is stored normalized.
func (l *Ledger) CreateClient(ctx context.Context, name, bankAccount, chatAccountID string) (*models.Client, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &models.ValidationError{Details: map[string]string{"name": "is required"}}
	}
	client := &models.Client{
		ID:            uuid.New(),
		Name:          strings.TrimSpace(name),
		BankAccount:   models.NormalizeAccount(bankAccount),
		ChatAccountID: strings.TrimSpace(chatAccountID),
		CreatedAt:     l.now(),
	}
	if err := l.storage.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}
	return client, nil
}

// LoanTerms describes a new contract.
type LoanTerms struct {
	ClientID       uuid.UUID
	ContractNumber string // Generated when empty
	Principal      decimal.Decimal
	InterestRate   decimal.Decimal
	StartDate      time.Time // Defaults to now
}

// CreateLoan opens a new active contract for an existing client.
func (l *Ledger) CreateLoan(ctx context.Context, terms LoanTerms) (*models.Loan, error) {
	details := map[string]string{}
	if !terms.Principal.IsPositive() {
		details["principal_amount"] = "must be greater than 0"
	}
	if terms.InterestRate.IsNegative() {
		details["interest_rate"] = "must not be negative"
	}
	if terms.ClientID == uuid.Nil {
		details["client_id"] = "is required"
	}
	if len(details) > 0 {
		return nil, &models.ValidationError{Details: details}
	}

	if _, err := l.storage.GetClient(ctx, terms.ClientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &models.ValidationError{Details: map[string]string{"client_id": "unknown client"}}
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	now := l.now()
	id := uuid.New()
	number := strings.ToUpper(strings.TrimSpace(terms.ContractNumber))
	if number == "" {
		number = fmt.Sprintf("LN%d-%s", now.Year(), strings.ToUpper(id.String()[:6]))
	}
	start := terms.StartDate
	if start.IsZero() {
		start = now
	}
	principal := allocation.Round2(terms.Principal)

	loan := &models.Loan{
		ID:                 id,
		ContractNumber:     number,
		ClientID:           terms.ClientID,
		PrincipalAmount:    principal,
		InterestRate:       terms.InterestRate,
		OutstandingBalance: principal,
		PrincipalPaid:      decimal.Zero,
		InterestPaid:       decimal.Zero,
		TotalPenalties:     decimal.Zero,
		PenaltiesPaid:      decimal.Zero,
		StartDate:          start,
		ContractStatus:     models.ContractStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}
	l.log.WithFields(logrus.Fields{"loan_id": loan.ID, "contract_number": loan.ContractNumber}).Info("Loan created")
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// GetAllLoans retrieves all loans that were not deleted.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// DeleteLoan soft-deletes a loan so it no longer matches payments.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	return l.storage.DeleteLoan(ctx, id)
}

// GetTransactionsForLoan lists the payments applied to a loan.
func (l *Ledger) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	return l.storage.GetTransactionsForLoan(ctx, loanID)
}

// Commit records the allocated payment and the loan's new balances as one
// atomic write. It returns *models.DuplicateTransactionError when the
// reference was already committed, an error wrapping store.ErrVersionConflict
// when the loan changed since it was read, and *models.ProcessingError for
// any other storage failure. In every error case nothing is persisted.
func (l *Ledger) Commit(ctx context.Context, loan *models.Loan, alloc allocation.Result, p PaymentDetails) (*models.Transaction, error) {
	if alloc.Loan.ID != loan.ID {
		return nil, fmt.Errorf("allocation for loan %s applied to loan %s", alloc.Loan.ID, loan.ID)
	}
	if !loan.IsOpen() {
		return nil, &models.InvalidLoanStatusError{LoanID: loan.ID, Status: loan.ContractStatus}
	}

	now := l.now()
	updated := alloc.Loan
	updated.UpdatedAt = now

	txn := &models.Transaction{
		ID:                 uuid.New(),
		TransactionRefID:   p.TransactionRefID,
		LoanID:             loan.ID,
		ClientID:           loan.ClientID,
		Amount:             alloc.Amount,
		PaymentDate:        alloc.PaymentDate,
		PaymentMethod:      p.PaymentMethod,
		PaymentSource:      p.PaymentSource,
		Notes:              p.Notes,
		AmountToPenalties:  alloc.ToPenalties,
		AmountToInterest:   alloc.ToInterest,
		AmountToPrincipal:  alloc.ToPrincipal,
		BalanceAfter:       updated.OutstandingBalance,
		PrincipalRemaining: alloc.PrincipalAfter(),
		TransactionStatus:  models.TransactionStatusCompleted,
		CreatedAt:          now,
	}

	err := l.storage.CommitPayment(ctx, txn, &updated)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicate):
		return nil, &models.DuplicateTransactionError{TransactionRefID: p.TransactionRefID}
	case errors.Is(err, store.ErrVersionConflict):
		return nil, fmt.Errorf("loan %s: %w", loan.ID, err)
	default:
		return nil, &models.ProcessingError{Op: "commit", Err: err}
	}

	l.log.WithFields(logrus.Fields{
		"transaction_ref_id": txn.TransactionRefID,
		"loan_id":            loan.ID,
		"amount":             txn.Amount.StringFixed(2),
		"balance_after":      txn.BalanceAfter.StringFixed(2),
		"status":             updated.ContractStatus,
	}).Info("Payment committed")
	return txn, nil
}
