// Package matching ties verified payment evidence to a single open loan by
// running a fixed chain of lookup strategies.
package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/sirupsen/logrus"
)

// Strategy proposes candidate loans for a piece of evidence. Returning no
// candidates defers to the next strategy.
type Strategy interface {
	Name() string
	Candidates(ctx context.Context, ev models.VerifiedPaymentEvidence, hint string) ([]*models.Loan, error)
}

// Match is a successful result: exactly one open loan.
type Match struct {
	Loan     *models.Loan
	Strategy string
}

// Matcher runs strategies in order. The first strategy that yields exactly
// one open loan wins; one that yields several ends the chain with an
// ambiguous match.
type Matcher struct {
	strategies []Strategy
	log        logrus.FieldLogger
}

// NewMatcher builds the standard chain: contract number, chat-account hint,
// sender bank account.
func NewMatcher(loans store.LoanRepository, log logrus.FieldLogger) *Matcher {
	return NewMatcherWithStrategies(log,
		&ContractNumberStrategy{Loans: loans, Rules: ContractNumberRules},
		&HintStrategy{Loans: loans},
		&BankAccountStrategy{Loans: loans},
	)
}

func NewMatcherWithStrategies(log logrus.FieldLogger, strategies ...Strategy) *Matcher {
	return &Matcher{strategies: strategies, log: log}
}

// Match returns the loan the evidence pays, or a *models.MatchError.
// Repository failures are returned wrapped as they are.
func (m *Matcher) Match(ctx context.Context, ev models.VerifiedPaymentEvidence, hint string) (*Match, error) {
	for _, s := range m.strategies {
		candidates, err := s.Candidates(ctx, ev, hint)
		if err != nil {
			return nil, fmt.Errorf("matching strategy %s: %w", s.Name(), err)
		}

		var open []*models.Loan
		for _, l := range candidates {
			if l != nil && l.IsOpen() {
				open = append(open, l)
			}
		}

		switch len(open) {
		case 0:
			m.log.WithFields(logrus.Fields{"transaction_ref_id": ev.TransRef, "strategy": s.Name()}).Debug("Strategy deferred")
			continue
		case 1:
			m.log.WithFields(logrus.Fields{
				"transaction_ref_id": ev.TransRef,
				"strategy":           s.Name(),
				"contract_number":    open[0].ContractNumber,
			}).Info("Payment matched")
			return &Match{Loan: open[0], Strategy: s.Name()}, nil
		default:
			return nil, &models.MatchError{
				Kind:       models.MatchErrorAmbiguous,
				Strategy:   s.Name(),
				Candidates: open,
				Evidence:   ev,
			}
		}
	}
	return nil, &models.MatchError{Kind: models.MatchErrorNoMatch, Evidence: ev}
}

func single(loan *models.Loan, err error) ([]*models.Loan, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*models.Loan{loan}, nil
}

// ContractNumberStrategy reads a contract number from the sender's display
// name, falling back to the sender's name.
type ContractNumberStrategy struct {
	Loans store.LoanRepository
	Rules []Rule
}

func (s *ContractNumberStrategy) Name() string { return "contract_number" }

func (s *ContractNumberStrategy) Candidates(ctx context.Context, ev models.VerifiedPaymentEvidence, _ string) ([]*models.Loan, error) {
	for _, text := range []string{ev.Sender.DisplayName, ev.Sender.Name} {
		if text == "" {
			continue
		}
		code, _, ok := ExtractContractNumber(s.Rules, text)
		if !ok {
			continue
		}
		return single(s.Loans.FindActiveLoanByContractNumber(ctx, code))
	}
	return nil, nil
}

// HintStrategy picks the newest open loan of the client linked to the chat
// account. An explicit hint takes precedence over the one on the evidence.
type HintStrategy struct {
	Loans store.LoanRepository
}

func (s *HintStrategy) Name() string { return "account_hint" }

func (s *HintStrategy) Candidates(ctx context.Context, ev models.VerifiedPaymentEvidence, hint string) ([]*models.Loan, error) {
	if hint == "" {
		hint = ev.ChatAccountID
	}
	if hint == "" {
		return nil, nil
	}
	return single(s.Loans.FindLatestActiveLoanByChatAccount(ctx, hint))
}

// BankAccountStrategy returns every open loan of clients registered with
// the sender's bank account.
type BankAccountStrategy struct {
	Loans store.LoanRepository
}

func (s *BankAccountStrategy) Name() string { return "bank_account" }

func (s *BankAccountStrategy) Candidates(ctx context.Context, ev models.VerifiedPaymentEvidence, _ string) ([]*models.Loan, error) {
	account := models.NormalizeAccount(ev.Sender.Account)
	if account == "" {
		return nil, nil
	}
	return s.Loans.FindActiveLoansByBankAccount(ctx, account)
}
