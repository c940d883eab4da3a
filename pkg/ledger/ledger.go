// Package ledger implements the loan repayment ledger and reconciliation
// engine: schedule generation, payment allocation, balance recalculation,
// early settlement and default-flag recovery. The approved-transaction log is
// the source of truth; every derived field can be rebuilt from it by replay.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/logger"
	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/money"
	"github.com/pinjamin/ledger/pkg/store"
)

// Ledger handles the business logic for loans, installments and payment
// transactions on top of a transactional Storage implementation.
type Ledger struct {
	storage  store.Storage
	settings SettingsProvider
	notifier Notifier
	receipts ReceiptGenerator

	mu    sync.Mutex
	locks map[uuid.UUID]*loanLock
}

// loanLock is one entry in the per-loan lock table. refs counts the holders
// and waiters, guarded by Ledger.mu.
type loanLock struct {
	mu   sync.Mutex
	refs int
}

// NewLedger creates a Ledger. Nil collaborators fall back to logging
// implementations so the core never has to nil-check them.
func NewLedger(s store.Storage, settings SettingsProvider, notifier Notifier, receipts ReceiptGenerator) *Ledger {
	if settings == nil {
		settings = StaticSettings{GracePeriodDays: 5}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if receipts == nil {
		receipts = LogReceipts{}
	}
	return &Ledger{
		storage:  s,
		settings: settings,
		notifier: notifier,
		receipts: receipts,
		locks:    make(map[uuid.UUID]*loanLock),
	}
}

// lockLoan serializes operations on one loan. Allocation is a reset-and-replay
// over the full installment set, so two concurrent runs on the same loan would
// race; different loans proceed in parallel. Entries are reference counted and
// dropped when the last holder releases, so the table stays bounded by the
// number of in-flight operations rather than the number of loans ever seen.
func (l *Ledger) lockLoan(id uuid.UUID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &loanLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// CreateLoan disburses a new loan: persists the loan, generates its
// installment schedule and records the disbursement transaction, all in one
// storage transaction.
func (l *Ledger) CreateLoan(ctx context.Context, borrowerKey string, principal, monthlyRatePct decimal.Decimal, termMonths int, disbursedAt time.Time) (*models.Loan, error) {
	if principal.LessThanOrEqual(decimal.Zero) || termMonths <= 0 || monthlyRatePct.IsNegative() {
		return nil, fmt.Errorf("%w: principal=%s rate=%s term=%d", ErrInvalidAllocationInput, principal, monthlyRatePct, termMonths)
	}

	now := time.Now().UTC()
	loan := &models.Loan{
		ID:           uuid.New(),
		BorrowerKey:  borrowerKey,
		Principal:    principal,
		InterestRate: monthlyRatePct,
		TermMonths:   termMonths,
		Status:       models.LoanStatusActive,
		DisbursedAt:  disbursedAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		if err := tx.CreateLoan(loan); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}
		if err := l.generateSchedule(tx, loan); err != nil {
			return err
		}
		disbursement := &models.PaymentTransaction{
			ID:          uuid.New(),
			LoanID:      loan.ID,
			Amount:      principal, // inflow to the borrower
			Type:        models.TransactionTypeDisbursement,
			Status:      models.TransactionApproved,
			ProcessedAt: disbursedAt,
			CreatedAt:   now,
		}
		if err := tx.CreateTransaction(disbursement); err != nil {
			return fmt.Errorf("failed to store disbursement transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		var err error
		loan, err = tx.GetLoan(id)
		return err
	})
	return loan, err
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		var err error
		loans, err = tx.GetAllLoans()
		return err
	})
	return loans, err
}

// GetInstallments retrieves a loan's installments in due-date order.
func (l *Ledger) GetInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	var installments []*models.Installment
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.GetLoan(loanID); err != nil {
			return err
		}
		var err error
		installments, err = tx.GetInstallments(loanID)
		return err
	})
	return installments, err
}

// GetTransactions retrieves a loan's transaction log in processed order.
func (l *Ledger) GetTransactions(ctx context.Context, loanID uuid.UUID) ([]*models.PaymentTransaction, error) {
	var txns []*models.PaymentTransaction
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.GetLoan(loanID); err != nil {
			return err
		}
		var err error
		txns, err = tx.GetTransactionsForLoan(loanID)
		return err
	})
	return txns, err
}

// RecordPayment appends an APPROVED repayment transaction and rebuilds the
// loan's derived state (allocate, recalculate, clear recovered flags) inside
// one storage transaction. Notifications and receipts go out after commit.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, processedAt time.Time, metadata, actor string) (*models.PaymentTransaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: payment amount must be positive, got %s", ErrInvalidAllocationInput, amount)
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	txn := &models.PaymentTransaction{
		ID:          uuid.New(),
		LoanID:      loanID,
		Amount:      amount.Neg(), // outflow from the borrower
		Type:        models.TransactionTypeRepayment,
		Status:      models.TransactionApproved,
		ProcessedAt: processedAt,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}

	var outcome *reconcileOutcome
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return fmt.Errorf("%w: loan %s is %s", ErrTerminalState, loanID, loan.Status)
		}
		if err := tx.CreateTransaction(txn); err != nil {
			return fmt.Errorf("failed to store payment transaction: %w", err)
		}
		outcome, err = l.reconcileLoan(ctx, tx, loan, actor, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.afterCommit(ctx, outcome, txn)
	return txn, nil
}

// SubmitPayment records a PENDING repayment awaiting approval. No derived
// state changes until ApproveTransaction runs.
func (l *Ledger) SubmitPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, processedAt time.Time, metadata string) (*models.PaymentTransaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: payment amount must be positive, got %s", ErrInvalidAllocationInput, amount)
	}

	txn := &models.PaymentTransaction{
		ID:          uuid.New(),
		LoanID:      loanID,
		Amount:      amount.Neg(),
		Type:        models.TransactionTypeRepayment,
		Status:      models.TransactionPending,
		ProcessedAt: processedAt,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.GetLoan(loanID); err != nil {
			return err
		}
		return tx.CreateTransaction(txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AssessLateFee raises the late fee on one installment and records it in the
// loan's late-fee aggregate, then rebuilds derived state. This is the write
// path the automated late-fee job uses.
func (l *Ledger) AssessLateFee(ctx context.Context, loanID uuid.UUID, installmentNumber int, amount decimal.Decimal, actor string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: late fee must be positive, got %s", ErrInvalidAllocationInput, amount)
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	var outcome *reconcileOutcome
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return fmt.Errorf("%w: loan %s is %s", ErrTerminalState, loanID, loan.Status)
		}

		installments, err := tx.GetInstallments(loanID)
		if err != nil {
			return err
		}
		var target *models.Installment
		for _, inst := range installments {
			if inst.Number == installmentNumber {
				target = inst
				break
			}
		}
		if target == nil {
			return fmt.Errorf("%w: installment %d of loan %s", ErrInstallmentNotFound, installmentNumber, loanID)
		}
		if target.Status == models.InstallmentCancelled {
			return fmt.Errorf("%w: installment %d is cancelled", ErrInvalidAllocationInput, installmentNumber)
		}

		target.LateFeeAssessed = money.Round2(target.LateFeeAssessed.Add(amount))
		if err := tx.UpdateInstallment(target); err != nil {
			return err
		}

		rec, err := tx.GetLateFeeRecord(loanID)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &models.LateFeeRecord{
				LoanID:          loanID,
				GracePeriodDays: l.settings.GetGracePeriodDays(ctx, loanID.String()),
				Status:          "ACTIVE",
			}
		}
		rec.AccruedFeesTotal = money.Round2(rec.AccruedFeesTotal.Add(amount))
		// Fees raised while the installment is still inside its grace window
		// are tracked separately from the overdue accruals.
		if DaysOverdue(target.DueDate, time.Now().UTC()) <= rec.GracePeriodDays {
			rec.GraceFeesTotal = money.Round2(rec.GraceFeesTotal.Add(amount))
		}
		rec.UpdatedAt = time.Now().UTC()
		if err := tx.UpsertLateFeeRecord(rec); err != nil {
			return err
		}

		outcome, err = l.reconcileLoan(ctx, tx, loan, actor, true)
		return err
	})
	if err != nil {
		return err
	}
	l.afterCommit(ctx, outcome, nil)
	return nil
}

// appendHistory writes a status-change audit entry.
func appendHistory(tx store.LedgerTx, loanID uuid.UUID, previous, next models.LoanStatus, actor, reason, notes string) error {
	return tx.AppendHistory(&models.HistoryEntry{
		ID:             uuid.New(),
		LoanID:         loanID,
		PreviousStatus: string(previous),
		NewStatus:      string(next),
		Actor:          actor,
		Reason:         reason,
		Notes:          notes,
		CreatedAt:      time.Now().UTC(),
	})
}

// approvedPaymentTotal sums the money the borrower has paid in: the negated
// amounts of APPROVED repayment and early-settlement transactions.
// Disbursements never count toward repayment.
func approvedPaymentTotal(txns []*models.PaymentTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, txn := range txns {
		if !countsTowardRepayment(txn) {
			continue
		}
		total = total.Add(txn.Amount.Neg())
	}
	return total
}

func countsTowardRepayment(txn *models.PaymentTransaction) bool {
	if txn.Status != models.TransactionApproved {
		return false
	}
	return txn.Type == models.TransactionTypeRepayment || txn.Type == models.TransactionTypeEarlySettlement
}

// latestApprovedPaymentTime returns the processed timestamp of the newest
// approved payment, or the zero time when none exist.
func latestApprovedPaymentTime(txns []*models.PaymentTransaction) time.Time {
	var latest time.Time
	for _, txn := range txns {
		if countsTowardRepayment(txn) && txn.ProcessedAt.After(latest) {
			latest = txn.ProcessedAt
		}
	}
	return latest
}

// afterCommit fires post-commit side effects: notification and receipts for
// installments the transaction completed. Failures are logged only.
func (l *Ledger) afterCommit(ctx context.Context, outcome *reconcileOutcome, txn *models.PaymentTransaction) {
	if outcome == nil || outcome.Allocation == nil {
		return
	}
	l.notifier.AllocationCompleted(ctx, outcome.Loan, outcome.Allocation)
	if txn == nil {
		return
	}
	for _, inst := range outcome.NewlyCompleted {
		if err := l.receipts.Generate(ctx, outcome.Loan, inst, txn); err != nil {
			logger.CtxWarn(ctx, "receipt generation failed",
				slog.String("loan_id", outcome.Loan.ID.String()),
				slog.Int("installment", inst.Number),
				slog.Any("error", err),
			)
		}
	}
}
