package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name              string
	numberedParams    bool // $1, $2 instead of ?
	isUniqueViolation func(error) bool
}

// SQLStore implements Storage on top of database/sql. Queries are written
// with ? placeholders and rebound for dialects that number them.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

const loanColumns = `l.id, l.contract_number, l.client_id, l.principal_amount, l.interest_rate, l.outstanding_balance,
	l.principal_paid, l.interest_paid, l.total_penalties, l.penalties_paid, l.overdue_days, l.start_date,
	l.last_payment_date, l.last_payment_amount, l.contract_status, l.created_at, l.updated_at, l.deleted_at, l.version`

const openLoanPredicate = `l.deleted_at IS NULL AND l.contract_status <> 'closed'`

const transactionColumns = `id, transaction_ref_id, loan_id, client_id, amount, payment_date, payment_method, payment_source,
	notes, amount_to_penalties, amount_to_interest, amount_to_principal, balance_after, principal_remaining,
	transaction_status, created_at`

const pendingColumns = `id, transaction_ref_id, amount, payment_date, sender_info, receiver_info, bank_info,
	status, reason, resolved_loan_id, created_at, updated_at`

func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// CreateClient inserts a new client. A chat account can be linked to one client only.
func (s *SQLStore) CreateClient(ctx context.Context, client *models.Client) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO clients (id, name, bank_account, chat_account_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.BankAccount, nullString(client.ChatAccountID), client.CreatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("chat account %q already linked: %w", client.ChatAccountID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by its ID.
func (s *SQLStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	var client models.Client
	var chat sql.NullString
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, bank_account, chat_account_id, created_at FROM clients WHERE id = ?`), id)
	if err := row.Scan(&client.ID, &client.Name, &client.BankAccount, &chat, &client.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	client.ChatAccountID = chat.String
	return &client, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO loans (id, contract_number, client_id, principal_amount, interest_rate, outstanding_balance,
			principal_paid, interest_paid, total_penalties, penalties_paid, overdue_days, start_date,
			last_payment_date, last_payment_amount, contract_status, created_at, updated_at, deleted_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.ContractNumber, loan.ClientID, loan.PrincipalAmount, loan.InterestRate, loan.OutstandingBalance,
		loan.PrincipalPaid, loan.InterestPaid, loan.TotalPenalties, loan.PenaltiesPaid, loan.OverdueDays, loan.StartDate.UTC(),
		nullTime(loan.LastPaymentDate), nullDecimal(loan.LastPaymentAmount), string(loan.ContractStatus), loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
		nullTime(loan.DeletedAt), loan.Version,
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("contract number %s: %w", loan.ContractNumber, ErrDuplicate)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var lastPaymentDate, deletedAt sql.NullTime
	var lastPaymentAmount decimal.NullDecimal
	var status string
	err := row.Scan(&loan.ID, &loan.ContractNumber, &loan.ClientID, &loan.PrincipalAmount, &loan.InterestRate, &loan.OutstandingBalance,
		&loan.PrincipalPaid, &loan.InterestPaid, &loan.TotalPenalties, &loan.PenaltiesPaid, &loan.OverdueDays, &loan.StartDate,
		&lastPaymentDate, &lastPaymentAmount, &status, &loan.CreatedAt, &loan.UpdatedAt, &deletedAt, &loan.Version)
	if err != nil {
		return nil, err
	}
	loan.ContractStatus = models.ContractStatus(status)
	if lastPaymentDate.Valid {
		loan.LastPaymentDate = &lastPaymentDate.Time
	}
	if lastPaymentAmount.Valid {
		loan.LastPaymentAmount = &lastPaymentAmount.Decimal
	}
	if deletedAt.Valid {
		loan.DeletedAt = &deletedAt.Time
	}
	return &loan, nil
}

func (s *SQLStore) queryLoans(ctx context.Context, query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func (s *SQLStore) queryLoan(ctx context.Context, query string, args ...any) (*models.Loan, error) {
	loan, err := scanLoan(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return loan, nil
}

// GetLoan retrieves a loan by its ID, including closed and deleted loans.
func (s *SQLStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := s.queryLoan(ctx, `SELECT `+loanColumns+` FROM loans l WHERE l.id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, err
}

func (s *SQLStore) FindActiveLoanByContractNumber(ctx context.Context, contractNumber string) (*models.Loan, error) {
	loan, err := s.queryLoan(ctx,
		`SELECT `+loanColumns+` FROM loans l WHERE l.contract_number = ? AND `+openLoanPredicate,
		contractNumber)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find loan by contract number: %w", err)
	}
	return loan, err
}

func (s *SQLStore) FindLatestActiveLoanByChatAccount(ctx context.Context, chatAccountID string) (*models.Loan, error) {
	loan, err := s.queryLoan(ctx,
		`SELECT `+loanColumns+` FROM loans l JOIN clients c ON c.id = l.client_id
		WHERE c.chat_account_id = ? AND `+openLoanPredicate+`
		ORDER BY l.created_at DESC LIMIT 1`,
		chatAccountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find loan by chat account: %w", err)
	}
	return loan, err
}

func (s *SQLStore) FindActiveLoansByBankAccount(ctx context.Context, account string) ([]*models.Loan, error) {
	loans, err := s.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans l JOIN clients c ON c.id = l.client_id
		WHERE c.bank_account = ? AND `+openLoanPredicate+`
		ORDER BY l.created_at DESC`,
		account)
	if err != nil {
		return nil, fmt.Errorf("failed to find loans by bank account: %w", err)
	}
	return loans, nil
}

// GetAllLoans retrieves all loans that were not deleted.
func (s *SQLStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	loans, err := s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans l WHERE l.deleted_at IS NULL ORDER BY l.created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	return loans, nil
}

// DeleteLoan soft-deletes a loan. Its ledger entries are kept.
func (s *SQLStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result, err := s.exec(ctx, s.db,
		`UPDATE loans SET deleted_at = ?, updated_at = ?, version = version + 1 WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TransactionExists(ctx context.Context, transactionRefID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM transactions WHERE transaction_ref_id = ?`), transactionRefID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction %s: %w", transactionRefID, err)
	}
	return n > 0, nil
}

// CommitPayment writes the ledger entry and the loan balances in a single
// database transaction. The unique index on transaction_ref_id makes the
// duplicate check and the insert one atomic step.
func (s *SQLStore) CommitPayment(ctx context.Context, txn *models.Transaction, loan *models.Loan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = s.exec(ctx, tx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.TransactionRefID, txn.LoanID, txn.ClientID, txn.Amount, txn.PaymentDate.UTC(), txn.PaymentMethod, txn.PaymentSource,
		txn.Notes, txn.AmountToPenalties, txn.AmountToInterest, txn.AmountToPrincipal, txn.BalanceAfter, txn.PrincipalRemaining,
		string(txn.TransactionStatus), txn.CreatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to store payment transaction: %w", err)
	}

	result, err := s.exec(ctx, tx,
		`UPDATE loans SET outstanding_balance = ?, principal_paid = ?, interest_paid = ?, penalties_paid = ?,
			last_payment_date = ?, last_payment_amount = ?, contract_status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		loan.OutstandingBalance, loan.PrincipalPaid, loan.InterestPaid, loan.PenaltiesPaid,
		nullTime(loan.LastPaymentDate), nullDecimal(loan.LastPaymentAmount), string(loan.ContractStatus), loan.UpdatedAt.UTC(),
		loan.ID, loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}
	loan.Version++
	return nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var status string
	if err := row.Scan(&t.ID, &t.TransactionRefID, &t.LoanID, &t.ClientID, &t.Amount, &t.PaymentDate, &t.PaymentMethod, &t.PaymentSource,
		&t.Notes, &t.AmountToPenalties, &t.AmountToInterest, &t.AmountToPrincipal, &t.BalanceAfter, &t.PrincipalRemaining,
		&status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.TransactionStatus = models.TransactionStatus(status)
	return &t, nil
}

func (s *SQLStore) GetTransactionByRef(ctx context.Context, transactionRefID string) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+transactionColumns+` FROM transactions WHERE transaction_ref_id = ?`), transactionRefID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", transactionRefID, err)
	}
	return t, nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+transactionColumns+` FROM transactions WHERE loan_id = ? ORDER BY payment_date ASC, created_at ASC`),
		loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

func (s *SQLStore) CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error {
	sender, err := json.Marshal(p.SenderInfo)
	if err != nil {
		return fmt.Errorf("failed to encode sender info: %w", err)
	}
	receiver, err := json.Marshal(p.ReceiverInfo)
	if err != nil {
		return fmt.Errorf("failed to encode receiver info: %w", err)
	}
	bank, err := json.Marshal(p.BankInfo)
	if err != nil {
		return fmt.Errorf("failed to encode bank info: %w", err)
	}

	var resolved uuid.NullUUID
	if p.ResolvedLoanID != nil {
		resolved = uuid.NullUUID{UUID: *p.ResolvedLoanID, Valid: true}
	}

	_, err = s.exec(ctx, s.db,
		`INSERT INTO pending_payments (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TransactionRefID, p.Amount, p.PaymentDate.UTC(), string(sender), string(receiver), string(bank),
		string(p.Status), p.Reason, resolved, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create pending payment: %w", err)
	}
	return nil
}

func scanPending(row rowScanner) (*models.PendingPayment, error) {
	var p models.PendingPayment
	var sender, receiver, bank []byte
	var status string
	var resolved uuid.NullUUID
	if err := row.Scan(&p.ID, &p.TransactionRefID, &p.Amount, &p.PaymentDate, &sender, &receiver, &bank,
		&status, &p.Reason, &resolved, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.PendingStatus(status)
	if resolved.Valid {
		p.ResolvedLoanID = &resolved.UUID
	}
	if err := json.Unmarshal(sender, &p.SenderInfo); err != nil {
		return nil, fmt.Errorf("failed to decode sender info: %w", err)
	}
	if err := json.Unmarshal(receiver, &p.ReceiverInfo); err != nil {
		return nil, fmt.Errorf("failed to decode receiver info: %w", err)
	}
	if err := json.Unmarshal(bank, &p.BankInfo); err != nil {
		return nil, fmt.Errorf("failed to decode bank info: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) GetPendingPayment(ctx context.Context, id uuid.UUID) (*models.PendingPayment, error) {
	p, err := scanPending(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+pendingColumns+` FROM pending_payments WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending payment: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetPendingPaymentByRef(ctx context.Context, transactionRefID string) (*models.PendingPayment, error) {
	p, err := scanPending(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+pendingColumns+` FROM pending_payments WHERE transaction_ref_id = ?`), transactionRefID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending payment %s: %w", transactionRefID, err)
	}
	return p, nil
}

// ListPendingPayments returns pending payments oldest first. An empty status lists all of them.
func (s *SQLStore) ListPendingPayments(ctx context.Context, status models.PendingStatus) ([]*models.PendingPayment, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer rows.Close()

	var pending []*models.PendingPayment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending payment row: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for pending payments: %w", err)
	}
	return pending, nil
}

// UpdatePendingPayment persists the resolution fields of a still unmatched pending payment.
func (s *SQLStore) UpdatePendingPayment(ctx context.Context, p *models.PendingPayment) error {
	var resolved uuid.NullUUID
	if p.ResolvedLoanID != nil {
		resolved = uuid.NullUUID{UUID: *p.ResolvedLoanID, Valid: true}
	}
	result, err := s.exec(ctx, s.db,
		`UPDATE pending_payments SET status = ?, reason = ?, resolved_loan_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(p.Status), p.Reason, resolved, p.UpdatedAt.UTC(), p.ID, string(models.PendingStatusUnmatched))
	if err != nil {
		return fmt.Errorf("failed to update pending payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetPendingPayment(ctx, p.ID); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
