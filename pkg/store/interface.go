package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pinjamin/ledger/pkg/models"
)

// Storage opens transactional scopes against the backing database. Every
// payment-affecting operation runs inside exactly one LedgerTx; partial
// application is a rollback, never a committed intermediate state.
type Storage interface {
	// RunInTransaction executes fn inside a single storage transaction.
	// The transaction commits iff fn returns nil.
	RunInTransaction(ctx context.Context, fn func(tx LedgerTx) error) error

	Close() error
}

// LedgerTx exposes only the repository operations the ledger core needs,
// scoped to one storage transaction.
type LedgerTx interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	GetAllLoans() ([]*models.Loan, error)
	// GetNonTerminalLoanIDs lists loans eligible for the reconciliation sweep.
	GetNonTerminalLoanIDs() ([]uuid.UUID, error)

	CreateInstallments(installments []*models.Installment) error
	// GetInstallments returns the loan's installments ordered by due date
	// ascending, then by number.
	GetInstallments(loanID uuid.UUID) ([]*models.Installment, error)
	CountInstallments(loanID uuid.UUID) (int, error)
	UpdateInstallment(installment *models.Installment) error
	DeleteInstallment(id uuid.UUID) error

	CreateTransaction(txn *models.PaymentTransaction) error
	GetTransaction(id uuid.UUID) (*models.PaymentTransaction, error)
	UpdateTransaction(txn *models.PaymentTransaction) error
	// GetTransactionsForLoan returns the loan's transactions ordered by
	// processed time ascending.
	GetTransactionsForLoan(loanID uuid.UUID) ([]*models.PaymentTransaction, error)

	// GetLateFeeRecord returns nil (no error) when the loan has no record.
	GetLateFeeRecord(loanID uuid.UUID) (*models.LateFeeRecord, error)
	UpsertLateFeeRecord(rec *models.LateFeeRecord) error

	AppendDefaultLog(entry *models.DefaultLog) error
	GetDefaultLogs(loanID uuid.UUID) ([]*models.DefaultLog, error)

	AppendHistory(entry *models.HistoryEntry) error
	GetHistory(loanID uuid.UUID) ([]*models.HistoryEntry, error)
}
