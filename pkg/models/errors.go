package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type MatchErrorKind string

const (
	MatchErrorNoMatch   MatchErrorKind = "no_match"
	MatchErrorAmbiguous MatchErrorKind = "ambiguous_match"
)

// MatchError reports that evidence could not be tied to exactly one loan.
// NoMatch is routed to the pending queue; Ambiguous needs manual triage.
type MatchError struct {
	Kind       MatchErrorKind
	Strategy   string // Strategy that produced the ambiguity, empty for NoMatch
	Candidates []*Loan
	Evidence   VerifiedPaymentEvidence
}

func (e *MatchError) Error() string {
	if e.Kind == MatchErrorAmbiguous {
		numbers := make([]string, 0, len(e.Candidates))
		for _, l := range e.Candidates {
			numbers = append(numbers, l.ContractNumber)
		}
		return fmt.Sprintf("ambiguous match for %s via %s: %s", e.Evidence.TransRef, e.Strategy, strings.Join(numbers, ", "))
	}
	return fmt.Sprintf("no loan matches payment %s", e.Evidence.TransRef)
}

// DuplicateTransactionError means the reference was already committed. Callers
// should treat it as a successful no-op.
type DuplicateTransactionError struct {
	TransactionRefID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s already processed", e.TransactionRefID)
}

type InvalidLoanStatusError struct {
	LoanID uuid.UUID
	Status ContractStatus
}

func (e *InvalidLoanStatusError) Error() string {
	return fmt.Sprintf("loan %s is %s and cannot accept payments", e.LoanID, e.Status)
}

// ValidationError carries one message per offending field.
type ValidationError struct {
	Details map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Details))
	for f := range e.Details {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+e.Details[f])
	}
	return "invalid payment: " + strings.Join(parts, "; ")
}

type LoanNotFoundError struct {
	LoanID uuid.UUID
}

func (e *LoanNotFoundError) Error() string {
	return fmt.Sprintf("loan %s not found", e.LoanID)
}

// ProcessingError wraps a persistence failure during commit. Nothing was
// written when it is returned.
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("payment processing failed during %s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
