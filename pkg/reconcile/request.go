package reconcile

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	MethodBankTransfer = "bank_transfer"

	SourceSlipVerification     = "slip_verification"
	SourceManualReconciliation = "manual_reconciliation"
)

// ProcessPaymentRequest is one payment to apply. When LoanID is nil the
// loan is found by matching Evidence.
type ProcessPaymentRequest struct {
	TransactionRefID string                          `json:"transaction_ref_id"`
	LoanID           *uuid.UUID                      `json:"loan_id,omitempty"`
	Amount           decimal.Decimal                 `json:"amount"`
	PaymentDate      time.Time                       `json:"payment_date"`
	PaymentMethod    string                          `json:"payment_method"`
	PaymentSource    string                          `json:"payment_source"`
	Notes            string                          `json:"notes,omitempty"`
	Evidence         *models.VerifiedPaymentEvidence `json:"evidence,omitempty"`
	HintAccountID    string                          `json:"hint_account_id,omitempty"`
}

// RequestFromEvidence builds the request for evidence coming straight from
// the slip verifier.
func RequestFromEvidence(ev models.VerifiedPaymentEvidence, hint string) ProcessPaymentRequest {
	return ProcessPaymentRequest{
		TransactionRefID: ev.TransRef,
		Amount:           ev.Amount,
		PaymentDate:      ev.PaymentDate,
		PaymentMethod:    MethodBankTransfer,
		PaymentSource:    SourceSlipVerification,
		Evidence:         &ev,
		HintAccountID:    hint,
	}
}

// Validate returns a *models.ValidationError listing every offending field.
func (r *ProcessPaymentRequest) Validate() error {
	details := map[string]string{}

	if strings.TrimSpace(r.TransactionRefID) == "" {
		details["transaction_ref_id"] = "is required"
	}
	if !r.Amount.IsPositive() {
		details["amount"] = "must be greater than 0"
	} else if !r.Amount.Equal(r.Amount.Round(2)) {
		details["amount"] = "must have at most 2 decimal places"
	}
	if r.PaymentDate.IsZero() {
		details["payment_date"] = "is required"
	}

	if r.LoanID != nil && *r.LoanID == uuid.Nil {
		details["loan_id"] = "must be a valid id"
	}

	if ev := r.Evidence; ev != nil {
		if ev.TransRef != "" && ev.TransRef != r.TransactionRefID {
			details["evidence.trans_ref"] = "does not match transaction_ref_id"
		}
		if !ev.Amount.IsZero() && !ev.Amount.Equal(r.Amount) {
			details["evidence.amount"] = "does not match amount"
		}
	}
	if r.LoanID == nil {
		switch {
		case r.Evidence == nil:
			details["evidence"] = "is required when loan_id is not given"
		case r.Evidence.Sender.DisplayName == "" && r.Evidence.Sender.Name == "" &&
			r.Evidence.Sender.Account == "" && r.HintAccountID == "" && r.Evidence.ChatAccountID == "":
			details["evidence.sender"] = "needs a display name, name or account, or a hint account id"
		}
	}

	if len(details) > 0 {
		return &models.ValidationError{Details: details}
	}
	return nil
}

// State is where a payment ended up.
type State string

const (
	StateReceived  State = "received"
	StateMatched   State = "matched"
	StateAllocated State = "allocated"
	StateCommitted State = "committed"
	StateUnmatched State = "unmatched"
	StatePending   State = "pending"
	StateRejected  State = "rejected"
)

type AllocationSummary struct {
	ToPenalties decimal.Decimal `json:"to_penalties"`
	ToInterest  decimal.Decimal `json:"to_interest"`
	ToPrincipal decimal.Decimal `json:"to_principal"`
}

// PaymentResult describes a committed payment.
type PaymentResult struct {
	TransactionID  uuid.UUID             `json:"transaction_id"`
	LoanID         uuid.UUID             `json:"loan_id"`
	ContractNumber string                `json:"contract_number"`
	MatchedBy      string                `json:"matched_by"`
	Allocation     AllocationSummary     `json:"allocation"`
	Overpayment    decimal.Decimal       `json:"overpayment"`
	BalanceAfter   decimal.Decimal       `json:"balance_after"`
	NewStatus      models.ContractStatus `json:"new_status"`
}

// Outcome is the successful result of Process: either a committed payment
// or evidence queued as a pending payment.
type Outcome struct {
	State            State          `json:"state"`
	Payment          *PaymentResult `json:"payment,omitempty"`
	PendingPaymentID *uuid.UUID     `json:"pending_payment_id,omitempty"`
}
