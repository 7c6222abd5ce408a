package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ContractStatus string

const (
	ContractStatusActive  ContractStatus = "active"
	ContractStatusOverdue ContractStatus = "overdue"
	ContractStatusClosed  ContractStatus = "closed"
)

// Client owns loans. BankAccount and ChatAccountID are the matching hints.
type Client struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	BankAccount   string    `json:"bank_account"`              // Normalized, see NormalizeAccount
	ChatAccountID string    `json:"chat_account_id,omitempty"` // Linked chat account, unique when set
	CreatedAt     time.Time `json:"created_at"`
}

type Loan struct {
	ID                 uuid.UUID        `json:"id"`
	ContractNumber     string           `json:"contract_number"`
	ClientID           uuid.UUID        `json:"client_id"`
	PrincipalAmount    decimal.Decimal  `json:"principal_amount"`
	InterestRate       decimal.Decimal  `json:"interest_rate"` // Annual, e.g. 0.15
	OutstandingBalance decimal.Decimal  `json:"outstanding_balance"`
	PrincipalPaid      decimal.Decimal  `json:"principal_paid"`
	InterestPaid       decimal.Decimal  `json:"interest_paid"`
	TotalPenalties     decimal.Decimal  `json:"total_penalties"`
	PenaltiesPaid      decimal.Decimal  `json:"penalties_paid"`
	OverdueDays        int              `json:"overdue_days"`
	StartDate          time.Time        `json:"start_date"`
	LastPaymentDate    *time.Time       `json:"last_payment_date,omitempty"`
	LastPaymentAmount  *decimal.Decimal `json:"last_payment_amount,omitempty"`
	ContractStatus     ContractStatus   `json:"contract_status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	DeletedAt          *time.Time       `json:"deleted_at,omitempty"`
	Version            int64            `json:"version"` // Bumped on every committed payment
}

// PrincipalRemaining is the part of the principal not yet repaid.
func (l *Loan) PrincipalRemaining() decimal.Decimal {
	return l.PrincipalAmount.Sub(l.PrincipalPaid)
}

// UnpaidPenalties is the part of the assessed penalties not yet repaid.
func (l *Loan) UnpaidPenalties() decimal.Decimal {
	return l.TotalPenalties.Sub(l.PenaltiesPaid)
}

// IsOpen reports whether the loan can still be matched and paid.
func (l *Loan) IsOpen() bool {
	return l.DeletedAt == nil && l.ContractStatus != ContractStatusClosed
}

type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "completed"
)

// Transaction is an append-only ledger entry for one applied payment.
type Transaction struct {
	ID                 uuid.UUID         `json:"id"`
	TransactionRefID   string            `json:"transaction_ref_id"`
	LoanID             uuid.UUID         `json:"loan_id"`
	ClientID           uuid.UUID         `json:"client_id"`
	Amount             decimal.Decimal   `json:"amount"`
	PaymentDate        time.Time         `json:"payment_date"`
	PaymentMethod      string            `json:"payment_method"`
	PaymentSource      string            `json:"payment_source"`
	Notes              string            `json:"notes,omitempty"`
	AmountToPenalties  decimal.Decimal   `json:"amount_to_penalties"`
	AmountToInterest   decimal.Decimal   `json:"amount_to_interest"`
	AmountToPrincipal  decimal.Decimal   `json:"amount_to_principal"`
	BalanceAfter       decimal.Decimal   `json:"balance_after"`
	PrincipalRemaining decimal.Decimal   `json:"principal_remaining"`
	TransactionStatus  TransactionStatus `json:"transaction_status"`
	CreatedAt          time.Time         `json:"created_at"`
}

type PendingStatus string

const (
	PendingStatusUnmatched PendingStatus = "unmatched"
	PendingStatusMatched   PendingStatus = "matched"
	PendingStatusRejected  PendingStatus = "rejected"
)

type BankInfo struct {
	SendingBank   string `json:"sending_bank"`
	ReceivingBank string `json:"receiving_bank"`
}

// PendingPayment is evidence that matched no loan, kept for manual reconciliation.
type PendingPayment struct {
	ID               uuid.UUID       `json:"id"`
	TransactionRefID string          `json:"transaction_ref_id"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentDate      time.Time       `json:"payment_date"`
	SenderInfo       Party           `json:"sender_info"`
	ReceiverInfo     Party           `json:"receiver_info"`
	BankInfo         BankInfo        `json:"bank_info"`
	Status           PendingStatus   `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	ResolvedLoanID   *uuid.UUID      `json:"resolved_loan_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
