package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key, such as a transaction reference, is already taken.
	ErrDuplicate = errors.New("already exists")
	// ErrVersionConflict is returned when the loan changed since it was read.
	ErrVersionConflict = errors.New("loan version conflict")
	// ErrAlreadyResolved is returned when a pending payment left the unmatched state since it was read.
	ErrAlreadyResolved = errors.New("pending payment already resolved")
)

// LoanRepository holds the lookups used by payment matching. The Find*
// methods only return open loans: not closed and not soft-deleted.
type LoanRepository interface {
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	FindActiveLoanByContractNumber(ctx context.Context, contractNumber string) (*models.Loan, error)
	FindLatestActiveLoanByChatAccount(ctx context.Context, chatAccountID string) (*models.Loan, error)
	FindActiveLoansByBankAccount(ctx context.Context, account string) ([]*models.Loan, error)
}

// TransactionRepository is the append-only payment ledger.
type TransactionRepository interface {
	TransactionExists(ctx context.Context, transactionRefID string) (bool, error)
	GetTransactionByRef(ctx context.Context, transactionRefID string) (*models.Transaction, error)
	GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)

	// CommitPayment inserts tx and writes loan in one atomic unit. The insert
	// fails with ErrDuplicate when tx.TransactionRefID exists; the loan update
	// fails with ErrVersionConflict unless the stored version still equals
	// loan.Version. On success loan.Version is incremented.
	CommitPayment(ctx context.Context, tx *models.Transaction, loan *models.Loan) error
}

type PendingPaymentRepository interface {
	// CreatePendingPayment fails with ErrDuplicate when the reference is already queued.
	CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error
	GetPendingPayment(ctx context.Context, id uuid.UUID) (*models.PendingPayment, error)
	GetPendingPaymentByRef(ctx context.Context, transactionRefID string) (*models.PendingPayment, error)
	ListPendingPayments(ctx context.Context, status models.PendingStatus) ([]*models.PendingPayment, error)
	// UpdatePendingPayment writes the resolution of a pending payment. It
	// only succeeds while the stored row is still unmatched and fails with
	// ErrAlreadyResolved otherwise.
	UpdatePendingPayment(ctx context.Context, p *models.PendingPayment) error
}

// Storage is the full persistence surface of the service.
type Storage interface {
	LoanRepository
	TransactionRepository
	PendingPaymentRepository

	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	DeleteLoan(ctx context.Context, id uuid.UUID) error

	Close() error
}
