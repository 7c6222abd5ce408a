package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/ledger"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	ctx   context.Context
	store store.Storage
	rec   *Reconciler
	hook  *test.Hook
}

func newHarness(t *testing.T, s store.Storage, maxAttempts int) *harness {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	l := ledger.NewLedger(s, log)
	rec := New(Deps{Loans: s, Transactions: s, Pending: s, Ledger: l, Log: log}, Options{Location: time.UTC, MaxAttempts: maxAttempts})
	return &harness{ctx: context.Background(), store: s, rec: rec, hook: hook}
}

func (h *harness) client(t *testing.T, account, chat string) *models.Client {
	t.Helper()
	c := &models.Client{ID: uuid.New(), Name: "Somchai", BankAccount: models.NormalizeAccount(account), ChatAccountID: chat, CreatedAt: start}
	if err := h.store.CreateClient(h.ctx, c); err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func (h *harness) loan(t *testing.T, c *models.Client, number, principal, rate, penalties string) *models.Loan {
	t.Helper()
	p := dec(principal)
	pen := dec(penalties)
	l := &models.Loan{
		ID:                 uuid.New(),
		ContractNumber:     number,
		ClientID:           c.ID,
		PrincipalAmount:    p,
		InterestRate:       dec(rate),
		OutstandingBalance: p.Add(pen),
		TotalPenalties:     pen,
		StartDate:          start,
		ContractStatus:     models.ContractStatusActive,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	if err := h.store.CreateLoan(h.ctx, l); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	return l
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.Loan {
	t.Helper()
	l, err := h.store.GetLoan(h.ctx, id)
	if err != nil {
		t.Fatalf("Failed to reload loan: %v", err)
	}
	return l
}

func manual(ref string, loanID uuid.UUID, amount string, at time.Time) ProcessPaymentRequest {
	return ProcessPaymentRequest{
		TransactionRefID: ref,
		LoanID:           &loanID,
		Amount:           dec(amount),
		PaymentDate:      at,
		PaymentMethod:    MethodBankTransfer,
		PaymentSource:    "manual",
	}
}

func slip(ref, displayName, account, amount string) models.VerifiedPaymentEvidence {
	return models.VerifiedPaymentEvidence{
		TransRef:      ref,
		Amount:        dec(amount),
		PaymentDate:   start,
		SendingBank:   "004",
		ReceivingBank: "014",
		Sender:        models.Party{DisplayName: displayName, Name: "MR SOMCHAI", Account: account},
		Receiver:      models.Party{DisplayName: "FRED LOAN CO", Account: "9999999999"},
	}
}

func TestProcessIdempotentSequential(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0.12", "0")

	out, err := h.rec.Process(h.ctx, manual("REF-1", loan.ID, "100", start))
	if err != nil {
		t.Fatalf("Failed to process payment: %v", err)
	}
	if out.State != StateCommitted {
		t.Fatalf("Expected committed, got %s", out.State)
	}

	_, err = h.rec.Process(h.ctx, manual("REF-1", loan.ID, "100", start))
	var dup *models.DuplicateTransactionError
	if !errors.As(err, &dup) {
		t.Fatalf("Expected DuplicateTransactionError, got %v", err)
	}

	txs, _ := h.store.GetTransactionsForLoan(h.ctx, loan.ID)
	if len(txs) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(txs))
	}
	if got := h.reload(t, loan.ID).OutstandingBalance; !got.Equal(dec("900")) {
		t.Errorf("Expected balance 900, got %s", got)
	}
}

func TestProcessIdempotentConcurrent(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0.12", "0")
	ev := slip("REF-RACE", "Contract: LN2024-001", "", "250")

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed, duplicates := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.rec.ProcessEvidence(h.ctx, ev, "")
			var dup *models.DuplicateTransactionError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.As(err, &dup):
				duplicates++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if committed != 1 || duplicates != workers-1 {
		t.Errorf("Expected 1 commit and %d duplicates, got %d and %d", workers-1, committed, duplicates)
	}
	txs, _ := h.store.GetTransactionsForLoan(h.ctx, loan.ID)
	if len(txs) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(txs))
	}
	if got := h.reload(t, loan.ID).OutstandingBalance; !got.Equal(dec("750")) {
		t.Errorf("Expected balance 750, got %s", got)
	}
}

func TestProcessConcurrentPaymentsToOneLoanAllApply(t *testing.T) {
	const workers = 8
	// Each conflict means another worker committed, so workers attempts always suffice.
	h := newHarness(t, store.NewMemoryStore(), workers)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0", "0")

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.rec.Process(h.ctx, manual(fmt.Sprintf("REF-%d", i), loan.ID, "10", start))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if got := h.reload(t, loan.ID).OutstandingBalance; !got.Equal(dec("920")) {
		t.Errorf("Expected balance 920, got %s", got)
	}
}

func TestProcessWaterfall(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	// 1000 * 0.438 * 100 / 365 = 120 of accrued interest after 100 days.
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0.438", "50")

	out, err := h.rec.Process(h.ctx, manual("REF-W", loan.ID, "100", start.AddDate(0, 0, 100)))
	if err != nil {
		t.Fatalf("Failed to process payment: %v", err)
	}
	a := out.Payment.Allocation
	if !a.ToPenalties.Equal(dec("50")) || !a.ToInterest.Equal(dec("50")) || !a.ToPrincipal.IsZero() {
		t.Errorf("Expected 50/50/0, got %s/%s/%s", a.ToPenalties, a.ToInterest, a.ToPrincipal)
	}
	if !out.Payment.BalanceAfter.Equal(dec("1070")) {
		t.Errorf("Expected balance 1070, got %s", out.Payment.BalanceAfter)
	}
	if out.Payment.MatchedBy != "loan_id" {
		t.Errorf("Expected matched_by loan_id, got %s", out.Payment.MatchedBy)
	}
}

func TestProcessFullPayoffClosesLoan(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "10000", "0.15", "20")

	// 10000 + 123.29 interest over 30 days + 20 penalties.
	out, err := h.rec.Process(h.ctx, manual("REF-PAYOFF", loan.ID, "10143.29", start.AddDate(0, 0, 30)))
	if err != nil {
		t.Fatalf("Failed to process payment: %v", err)
	}
	if out.Payment.NewStatus != models.ContractStatusClosed || !out.Payment.BalanceAfter.IsZero() {
		t.Fatalf("Expected closed loan with zero balance, got %s / %s", out.Payment.NewStatus, out.Payment.BalanceAfter)
	}
	stored := h.reload(t, loan.ID)
	if stored.ContractStatus != models.ContractStatusClosed || !stored.OutstandingBalance.IsZero() {
		t.Errorf("Expected stored loan closed with zero balance, got %s / %s", stored.ContractStatus, stored.OutstandingBalance)
	}

	_, err = h.rec.Process(h.ctx, manual("REF-AFTER", loan.ID, "1", start.AddDate(0, 0, 31)))
	var ise *models.InvalidLoanStatusError
	if !errors.As(err, &ise) {
		t.Fatalf("Expected InvalidLoanStatusError, got %v", err)
	}
}

func TestProcessEvidenceMatchingPrecedence(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	named := h.loan(t, h.client(t, "111-1-11111-1", ""), "LN2024-001", "1000", "0", "0")
	h.loan(t, h.client(t, "222-2-22222-2", ""), "LN2024-002", "1000", "0", "0")

	out, err := h.rec.ProcessEvidence(h.ctx, slip("REF-P", "Contract: LN2024-001", "222-2-22222-2", "100"), "")
	if err != nil {
		t.Fatalf("Failed to process evidence: %v", err)
	}
	if out.Payment.LoanID != named.ID || out.Payment.MatchedBy != "contract_number" {
		t.Errorf("Expected LN2024-001 via contract_number, got %s via %s", out.Payment.ContractNumber, out.Payment.MatchedBy)
	}
}

func TestProcessEvidenceAmbiguousIsNotQueued(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	c := h.client(t, "555-5-55555-5", "")
	h.loan(t, c, "LN2024-501", "1000", "0", "0")
	h.loan(t, c, "LN2024-502", "1000", "0", "0")

	_, err := h.rec.ProcessEvidence(h.ctx, slip("REF-AMB", "MR SOMCHAI", "5555555555", "100"), "")
	var me *models.MatchError
	if !errors.As(err, &me) || me.Kind != models.MatchErrorAmbiguous {
		t.Fatalf("Expected ambiguous MatchError, got %v", err)
	}
	if me.Evidence.TransRef != "REF-AMB" {
		t.Errorf("Expected the evidence to be carried, got %q", me.Evidence.TransRef)
	}

	pending, _ := h.rec.ListPending(h.ctx, "")
	if len(pending) != 0 {
		t.Errorf("Expected nothing queued, got %d", len(pending))
	}
}

func TestProcessEvidenceNoMatchQueuesPending(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	ev := slip("REF-NONE", "MR NOBODY", "777", "300")

	out, err := h.rec.ProcessEvidence(h.ctx, ev, "")
	if err != nil {
		t.Fatalf("Expected success for unmatched evidence, got %v", err)
	}
	if out.State != StatePending || out.PendingPaymentID == nil {
		t.Fatalf("Expected pending outcome with id, got %+v", out)
	}

	p, err := h.store.GetPendingPayment(h.ctx, *out.PendingPaymentID)
	if err != nil {
		t.Fatalf("Failed to get pending payment: %v", err)
	}
	if p.Status != models.PendingStatusUnmatched || !p.Amount.Equal(dec("300")) {
		t.Errorf("Expected unmatched pending of 300, got %s of %s", p.Status, p.Amount)
	}
	if p.SenderInfo.Account != "777" || p.BankInfo.SendingBank != "004" {
		t.Errorf("Expected sender and bank info to be kept, got %+v / %+v", p.SenderInfo, p.BankInfo)
	}

	found := false
	for _, e := range h.hook.AllEntries() {
		if e.Data["state"] == StatePending {
			found = true
		}
	}
	if !found {
		t.Error("Expected a log entry in the pending state")
	}

	_, err = h.rec.ProcessEvidence(h.ctx, ev, "")
	var dup *models.DuplicateTransactionError
	if !errors.As(err, &dup) {
		t.Errorf("Expected re-delivered unmatched evidence to be a duplicate, got %v", err)
	}
}

func TestProcessValidation(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)

	_, err := h.rec.Process(h.ctx, ProcessPaymentRequest{Amount: dec("-5")})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	for _, field := range []string{"transaction_ref_id", "amount", "payment_date", "evidence"} {
		if _, ok := ve.Details[field]; !ok {
			t.Errorf("Expected detail for %s, got %v", field, ve.Details)
		}
	}

	ev := slip("REF-A", "", "123", "100")
	req := RequestFromEvidence(ev, "")
	req.Amount = dec("100.005")
	_, err = h.rec.Process(h.ctx, req)
	if !errors.As(err, &ve) || ve.Details["amount"] == "" {
		t.Errorf("Expected amount precision error, got %v", err)
	}
}

func TestProcessUnknownLoan(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)

	_, err := h.rec.Process(h.ctx, manual("REF-404", uuid.New(), "10", start))
	var nf *models.LoanNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected LoanNotFoundError, got %v", err)
	}
}

// conflictingStore reports a version conflict on every commit.
type conflictingStore struct {
	*store.MemoryStore
	commits int
}

func (c *conflictingStore) CommitPayment(context.Context, *models.Transaction, *models.Loan) error {
	c.commits++
	return store.ErrVersionConflict
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	s := &conflictingStore{MemoryStore: store.NewMemoryStore()}
	h := newHarness(t, s, 3)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0", "0")

	_, err := h.rec.Process(h.ctx, manual("REF-C", loan.ID, "10", start))
	var pe *models.ProcessingError
	if !errors.As(err, &pe) || !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("Expected ProcessingError wrapping a version conflict, got %v", err)
	}
	if s.commits != 3 {
		t.Errorf("Expected 3 commit attempts, got %d", s.commits)
	}
}

func TestResolveAndRejectPending(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0", "0")

	queued, err := h.rec.ProcessEvidence(h.ctx, slip("REF-Q1", "MR NOBODY", "888", "200"), "")
	if err != nil || queued.State != StatePending {
		t.Fatalf("Expected pending outcome, got %+v / %v", queued, err)
	}

	out, err := h.rec.ResolvePending(h.ctx, *queued.PendingPaymentID, loan.ID)
	if err != nil {
		t.Fatalf("Failed to resolve pending payment: %v", err)
	}
	if out.State != StateCommitted || !out.Payment.BalanceAfter.Equal(dec("800")) {
		t.Errorf("Expected committed payment leaving 800, got %+v", out)
	}
	p, _ := h.store.GetPendingPayment(h.ctx, *queued.PendingPaymentID)
	if p.Status != models.PendingStatusMatched || p.ResolvedLoanID == nil || *p.ResolvedLoanID != loan.ID {
		t.Errorf("Expected pending payment matched to %s, got %+v", loan.ID, p)
	}

	// Resolving twice is refused.
	_, err = h.rec.ResolvePending(h.ctx, *queued.PendingPaymentID, loan.ID)
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError on second resolve, got %v", err)
	}

	other, _ := h.rec.ProcessEvidence(h.ctx, slip("REF-Q2", "MR NOBODY", "888", "50"), "")
	rejected, err := h.rec.RejectPending(h.ctx, *other.PendingPaymentID, "refunded to sender")
	if err != nil {
		t.Fatalf("Failed to reject pending payment: %v", err)
	}
	if rejected.Status != models.PendingStatusRejected {
		t.Errorf("Expected rejected status, got %s", rejected.Status)
	}

	unmatched, _ := h.rec.ListPending(h.ctx, models.PendingStatusUnmatched)
	if len(unmatched) != 0 {
		t.Errorf("Expected no unmatched payments left, got %d", len(unmatched))
	}
}

func TestCommitSettlesQueuedPayment(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), 0)
	loan := h.loan(t, h.client(t, "111", ""), "LN2024-001", "1000", "0", "0")

	queued, err := h.rec.ProcessEvidence(h.ctx, slip("REF-X", "MR NOBODY", "888", "200"), "")
	if err != nil || queued.State != StatePending {
		t.Fatalf("Expected pending outcome, got %+v / %v", queued, err)
	}

	// The same transfer is later applied directly instead of through the queue.
	if _, err := h.rec.Process(h.ctx, manual("REF-X", loan.ID, "200", start)); err != nil {
		t.Fatalf("Failed to process payment: %v", err)
	}

	p, _ := h.store.GetPendingPayment(h.ctx, *queued.PendingPaymentID)
	if p.Status != models.PendingStatusMatched || p.ResolvedLoanID == nil || *p.ResolvedLoanID != loan.ID {
		t.Errorf("Expected pending payment matched to %s, got %+v", loan.ID, p)
	}
	if _, err := h.rec.RejectPending(h.ctx, p.ID, "refunded"); err == nil {
		t.Error("Expected rejecting a settled payment to fail")
	}
}

// unsettledStore cannot look pending payments up by reference, so commits
// leave the queued row unmatched.
type unsettledStore struct {
	*store.MemoryStore
}

func (unsettledStore) GetPendingPaymentByRef(context.Context, string) (*models.PendingPayment, error) {
	return nil, errors.New("lookup unavailable")
}

func TestResolvePendingRecordsCommittedLoan(t *testing.T) {
	h := newHarness(t, unsettledStore{store.NewMemoryStore()}, 0)
	c := h.client(t, "111", "")
	committed := h.loan(t, c, "LN2024-001", "1000", "0", "0")
	picked := h.loan(t, c, "LN2024-002", "1000", "0", "0")

	queued, err := h.rec.ProcessEvidence(h.ctx, slip("REF-Y", "MR NOBODY", "888", "200"), "")
	if err != nil || queued.State != StatePending {
		t.Fatalf("Expected pending outcome, got %+v / %v", queued, err)
	}
	if _, err := h.rec.Process(h.ctx, manual("REF-Y", committed.ID, "200", start)); err != nil {
		t.Fatalf("Failed to process payment: %v", err)
	}

	_, err = h.rec.ResolvePending(h.ctx, *queued.PendingPaymentID, picked.ID)
	var dup *models.DuplicateTransactionError
	if !errors.As(err, &dup) {
		t.Fatalf("Expected DuplicateTransactionError, got %v", err)
	}

	p, _ := h.store.GetPendingPayment(h.ctx, *queued.PendingPaymentID)
	if p.Status != models.PendingStatusMatched || p.ResolvedLoanID == nil || *p.ResolvedLoanID != committed.ID {
		t.Errorf("Expected pending payment matched to %s, got %+v", committed.ID, p)
	}
	if !h.reload(t, picked.ID).OutstandingBalance.Equal(dec("1000")) {
		t.Error("Expected the picked loan to be untouched")
	}
}
