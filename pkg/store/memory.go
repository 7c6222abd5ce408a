package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/models"
)

// MemoryStore is a concurrency-safe in-memory Storage. It enforces the same
// uniqueness and version rules as the SQL stores and hands out copies, so
// callers never share mutable state with it.
type MemoryStore struct {
	mu           sync.RWMutex
	clients      map[uuid.UUID]*models.Client
	loans        map[uuid.UUID]*models.Loan
	transactions map[string]*models.Transaction // keyed by transaction_ref_id
	pending      map[uuid.UUID]*models.PendingPayment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:      make(map[uuid.UUID]*models.Client),
		loans:        make(map[uuid.UUID]*models.Loan),
		transactions: make(map[string]*models.Transaction),
		pending:      make(map[uuid.UUID]*models.PendingPayment),
	}
}

func copyLoan(l *models.Loan) *models.Loan {
	c := *l
	return &c
}

func (m *MemoryStore) CreateClient(_ context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client.ChatAccountID != "" {
		for _, c := range m.clients {
			if c.ChatAccountID == client.ChatAccountID {
				return fmt.Errorf("chat account %q already linked: %w", client.ChatAccountID, ErrDuplicate)
			}
		}
	}
	c := *client
	m.clients[client.ID] = &c
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, id uuid.UUID) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loans {
		if l.ContractNumber == loan.ContractNumber {
			return fmt.Errorf("contract number %s: %w", loan.ContractNumber, ErrDuplicate)
		}
	}
	m.loans[loan.ID] = copyLoan(loan)
	return nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLoan(l), nil
}

func (m *MemoryStore) openLoans(keep func(l *models.Loan, owner *models.Client) bool) []*models.Loan {
	var loans []*models.Loan
	for _, l := range m.loans {
		if !l.IsOpen() {
			continue
		}
		if keep(l, m.clients[l.ClientID]) {
			loans = append(loans, copyLoan(l))
		}
	}
	// Newest first, like the SQL stores.
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.After(loans[j].CreatedAt) })
	return loans
}

func (m *MemoryStore) FindActiveLoanByContractNumber(_ context.Context, contractNumber string) (*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loans := m.openLoans(func(l *models.Loan, _ *models.Client) bool { return l.ContractNumber == contractNumber })
	if len(loans) == 0 {
		return nil, ErrNotFound
	}
	return loans[0], nil
}

func (m *MemoryStore) FindLatestActiveLoanByChatAccount(_ context.Context, chatAccountID string) (*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loans := m.openLoans(func(_ *models.Loan, c *models.Client) bool {
		return c != nil && c.ChatAccountID != "" && c.ChatAccountID == chatAccountID
	})
	if len(loans) == 0 {
		return nil, ErrNotFound
	}
	return loans[0], nil
}

func (m *MemoryStore) FindActiveLoansByBankAccount(_ context.Context, account string) ([]*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openLoans(func(_ *models.Loan, c *models.Client) bool {
		return c != nil && c.BankAccount == account
	}), nil
}

func (m *MemoryStore) GetAllLoans(_ context.Context) ([]*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		if l.DeletedAt == nil {
			loans = append(loans, copyLoan(l))
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (m *MemoryStore) DeleteLoan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok || l.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	l.DeletedAt = &now
	l.UpdatedAt = now
	l.Version++
	return nil
}

func (m *MemoryStore) TransactionExists(_ context.Context, transactionRefID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transactions[transactionRefID]
	return ok, nil
}

func (m *MemoryStore) GetTransactionByRef(_ context.Context, transactionRefID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[transactionRefID]
	if !ok {
		return nil, ErrNotFound
	}
	t := *tx
	return &t, nil
}

func (m *MemoryStore) CommitPayment(_ context.Context, tx *models.Transaction, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.TransactionRefID]; ok {
		return ErrDuplicate
	}
	current, ok := m.loans[loan.ID]
	if !ok || current.DeletedAt != nil || current.Version != loan.Version {
		return ErrVersionConflict
	}

	t := *tx
	m.transactions[tx.TransactionRefID] = &t
	loan.Version++
	m.loans[loan.ID] = copyLoan(loan)
	return nil
}

func (m *MemoryStore) GetTransactionsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := []*models.Transaction{}
	for _, tx := range m.transactions {
		if tx.LoanID == loanID {
			t := *tx
			txs = append(txs, &t)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].PaymentDate.Before(txs[j].PaymentDate) })
	return txs, nil
}

func (m *MemoryStore) CreatePendingPayment(_ context.Context, p *models.PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pending {
		if existing.TransactionRefID == p.TransactionRefID {
			return ErrDuplicate
		}
	}
	cp := *p
	m.pending[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingPayment(_ context.Context, id uuid.UUID) (*models.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPendingPaymentByRef(_ context.Context, transactionRefID string) (*models.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pending {
		if p.TransactionRefID == transactionRefID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListPendingPayments(_ context.Context, status models.PendingStatus) ([]*models.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := []*models.PendingPayment{}
	for _, p := range m.pending {
		if status == "" || p.Status == status {
			cp := *p
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (m *MemoryStore) UpdatePendingPayment(_ context.Context, p *models.PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.pending[p.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != models.PendingStatusUnmatched {
		return ErrAlreadyResolved
	}
	existing.Status = p.Status
	existing.Reason = p.Reason
	existing.ResolvedLoanID = p.ResolvedLoanID
	existing.UpdatedAt = p.UpdatedAt
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
