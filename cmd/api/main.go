package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/config"
	"github.com/pinjamin/ledger/pkg/ledger"
	"github.com/pinjamin/ledger/pkg/logger"
	"github.com/pinjamin/ledger/pkg/store"
)

// Server holds the ledger instance and request validation.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage
	validate *validator.Validate
}

func NewServer(s store.Storage, l *ledger.Ledger) *Server {
	return &Server{
		ledger:   l,
		storage:  s,
		validate: validator.New(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps ledger taxonomy errors onto HTTP statuses. Financial-state
// errors are never partially applied, so callers get a clean failure.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrLoanNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrInstallmentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidAllocationInput),
		errors.Is(err, ledger.ErrSchedulePreconditionViolated):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrTerminalState),
		errors.Is(err, ledger.ErrTransactionNotActionable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "payment processing failed, no changes applied", http.StatusInternalServerError)
	}
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[key])
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "api"
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerKey string          `json:"borrower_key" validate:"required"`
		Principal   decimal.Decimal `json:"principal"`
		MonthlyRate decimal.Decimal `json:"monthly_rate"`
		TermMonths  int             `json:"term_months" validate:"required,gt=0"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), req.BorrowerKey, req.Principal, req.MonthlyRate, req.TermMonths, time.Now().UTC())
	if err != nil {
		logger.CtxError(r.Context(), "failed to create loan", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	installments, err := s.ledger.GetInstallments(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	txns, err := s.ledger.GetTransactions(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

type paymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Metadata    string          `json:"metadata,omitempty"`
	Pending     bool            `json:"pending,omitempty"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	processedAt := time.Now().UTC()
	if req.ProcessedAt != nil {
		processedAt = *req.ProcessedAt
	}

	var txn any
	if req.Pending {
		txn, err = s.ledger.SubmitPayment(r.Context(), loanID, req.Amount, processedAt, req.Metadata)
	} else {
		txn, err = s.ledger.RecordPayment(r.Context(), loanID, req.Amount, processedAt, req.Metadata, actorFrom(r))
	}
	if err != nil {
		logger.CtxError(r.Context(), "failed to record payment", err, slog.String("loan_id", loanID.String()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) approveTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}
	txn, err := s.ledger.ApproveTransaction(r.Context(), txID, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) rejectTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}
	txn, err := s.ledger.RejectTransaction(r.Context(), txID, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) settlementHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var quote ledger.SettlementQuote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := s.ledger.ApplyEarlySettlement(r.Context(), loanID, quote, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	result, err := s.ledger.Reconcile(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) assessLateFeeHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathUUID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		InstallmentNumber int             `json:"installment_number" validate:"required,gt=0"`
		Amount            decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ledger.AssessLateFee(r.Context(), loanID, req.InstallmentNumber, req.Amount, actorFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/transactions", s.listTransactionsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/settlement", s.settlementHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reconcile", s.reconcileHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/late-fees", s.assessLateFeeHandler).Methods("POST")
	router.HandleFunc("/transactions/{id}/approve", s.approveTransactionHandler).Methods("POST")
	router.HandleFunc("/transactions/{id}/reject", s.rejectTransactionHandler).Methods("POST")
	return router
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	level := slog.LevelInfo
	if cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}
	logger.Init(level)

	sqliteStore, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to initialize sqlite store", err)
		return
	}
	defer sqliteStore.Close()

	lateFee, err := decimal.NewFromString(cfg.Ledger.LateFeeFlatAmount)
	if err != nil {
		logger.Error("invalid late fee amount in config", err)
		return
	}

	settings := ledger.StaticSettings{GracePeriodDays: cfg.Ledger.DefaultGracePeriodDays}
	l := ledger.NewLedger(sqliteStore, settings, ledger.LogNotifier{}, ledger.LogReceipts{})
	server := NewServer(sqliteStore, l)

	// Scheduled jobs: drift-correction replay, then overdue fee assessment
	// and default flagging, over all non-terminal loans.
	go func() {
		ticker := time.NewTicker(cfg.Ledger.SweepInterval())
		defer ticker.Stop()
		for range ticker.C {
			ctx := logger.WithTraceID(context.Background(), uuid.NewString())
			n, err := l.ReconcileAll(ctx)
			if err != nil {
				logger.Error("reconciliation sweep failed", err)
				continue
			}
			logger.Info("reconciliation sweep complete", slog.Int("loans", n))

			overdue, err := l.SweepOverdue(ctx, lateFee, time.Now().UTC())
			if err != nil {
				logger.Error("overdue sweep failed", err)
				continue
			}
			logger.Info("overdue sweep complete",
				slog.Int("loans", overdue.LoansScanned),
				slog.Int("fees_assessed", overdue.FeesAssessed),
				slog.Int("loans_flagged", overdue.LoansFlagged),
			)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("server starting", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, server.router()); err != nil {
		logger.Error("server exited", err)
	}
}
