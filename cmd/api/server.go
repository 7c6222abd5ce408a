package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fredrecon/pkg/ledger"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/reconcile"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Server holds the ledger and the payment reconciler.
type Server struct {
	ledger     *ledger.Ledger
	reconciler *reconcile.Reconciler
	storage    store.Storage // Keep a reference to the storage to close it
	log        logrus.FieldLogger
}

func NewServer(s store.Storage, opts reconcile.Options, log logrus.FieldLogger) *Server {
	l := ledger.NewLedger(s, log)
	return &Server{
		ledger: l,
		reconciler: reconcile.New(reconcile.Deps{
			Loans:        s,
			Transactions: s,
			Pending:      s,
			Ledger:       l,
			Log:          log,
		}, opts),
		storage: s,
		log:     log,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/clients", s.createClientHandler).Methods("POST")
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/transactions", s.loanTransactionsHandler).Methods("GET")
	router.HandleFunc("/payments", s.processPaymentHandler).Methods("POST")
	router.HandleFunc("/pending-payments", s.listPendingHandler).Methods("GET")
	router.HandleFunc("/pending-payments/{id}/resolve", s.resolvePendingHandler).Methods("POST")
	router.HandleFunc("/pending-payments/{id}/reject", s.rejectPendingHandler).Methods("POST")
	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	})
}

type errorResponse struct {
	Error      string            `json:"error"`
	Details    map[string]string `json:"details,omitempty"`
	Candidates []string          `json:"candidates,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error types onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		ve  *models.ValidationError
		nf  *models.LoanNotFoundError
		me  *models.MatchError
		ise *models.InvalidLoanStatusError
		pe  *models.ProcessingError
	)
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Details = ve.Details
	case errors.As(err, &nf), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &me):
		status = http.StatusConflict
		for _, l := range me.Candidates {
			resp.Candidates = append(resp.Candidates, l.ContractNumber)
		}
	case errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.As(err, &ise):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &pe):
		s.log.WithError(err).Error("Payment processing failed")
		resp.Error = "payment processing failed"
	default:
		s.log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, resp)
}

// decodeBody reads the JSON request body into v. A malformed body is
// reported like any other validation failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, &models.ValidationError{Details: map[string]string{"body": err.Error()}})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid "+what+" ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) createClientHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		BankAccount   string `json:"bank_account"`
		ChatAccountID string `json:"chat_account_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	client, err := s.ledger.CreateClient(r.Context(), req.Name, req.BankAccount, req.ChatAccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID        uuid.UUID       `json:"client_id"`
		ContractNumber  string          `json:"contract_number"`
		PrincipalAmount decimal.Decimal `json:"principal_amount"`
		InterestRate    decimal.Decimal `json:"interest_rate"`
		StartDate       *time.Time      `json:"start_date"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	terms := ledger.LoanTerms{
		ClientID:       req.ClientID,
		ContractNumber: req.ContractNumber,
		Principal:      req.PrincipalAmount,
		InterestRate:   req.InterestRate,
	}
	if req.StartDate != nil {
		terms.StartDate = *req.StartDate
	}

	loan, err := s.ledger.CreateLoan(r.Context(), terms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loanTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	if _, err := s.ledger.GetLoan(r.Context(), loanID); err != nil {
		s.writeError(w, err)
		return
	}

	txs, err := s.ledger.GetTransactionsForLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// duplicateResponse is returned with 200 for a reference that was already
// processed, so clients can retry deliveries safely.
type duplicateResponse struct {
	State            string `json:"state"`
	TransactionRefID string `json:"transaction_ref_id"`
}

// writeOutcome writes a reconcile result: 201 committed, 202 queued, 200
// duplicate, or the mapped error.
func (s *Server) writeOutcome(w http.ResponseWriter, out *reconcile.Outcome, err error) {
	var dup *models.DuplicateTransactionError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusOK, duplicateResponse{State: "duplicate", TransactionRefID: dup.TransactionRefID})
	case err != nil:
		s.writeError(w, err)
	case out.State == reconcile.StatePending:
		writeJSON(w, http.StatusAccepted, out)
	default:
		writeJSON(w, http.StatusCreated, out)
	}
}

func (s *Server) processPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req reconcile.ProcessPaymentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = reconcile.MethodBankTransfer
	}
	if req.PaymentSource == "" && req.Evidence != nil {
		req.PaymentSource = reconcile.SourceSlipVerification
	}

	out, err := s.reconciler.Process(r.Context(), req)
	s.writeOutcome(w, out, err)
}

func (s *Server) listPendingHandler(w http.ResponseWriter, r *http.Request) {
	status := models.PendingStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.PendingStatusUnmatched, models.PendingStatusMatched, models.PendingStatusRejected:
	default:
		http.Error(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	pending, err := s.reconciler.ListPending(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) resolvePendingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "pending payment")
	if !ok {
		return
	}
	var req struct {
		LoanID uuid.UUID `json:"loan_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.LoanID == uuid.Nil {
		s.writeError(w, &models.ValidationError{Details: map[string]string{"loan_id": "is required"}})
		return
	}

	out, err := s.reconciler.ResolvePending(r.Context(), id, req.LoanID)
	s.writeOutcome(w, out, err)
}

func (s *Server) rejectPendingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "pending payment")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	p, err := s.reconciler.RejectPending(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
