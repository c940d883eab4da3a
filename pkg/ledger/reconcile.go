package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/logger"
	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/money"
	"github.com/pinjamin/ledger/pkg/store"
)

// ReconcileResult reports one reconciliation run.
type ReconcileResult struct {
	LoanID      uuid.UUID       `json:"loan_id"`
	Outstanding decimal.Decimal `json:"outstanding"`
	NextDue     *time.Time      `json:"next_due,omitempty"`
	Drift       decimal.Decimal `json:"drift"` // |stored − recomputed| before correction
	Mismatch    bool            `json:"mismatch"`
	Skipped     bool            `json:"skipped"` // loan in terminal state
}

// reconcileOutcome bundles the in-transaction results needed for post-commit
// side effects.
type reconcileOutcome struct {
	Loan           *models.Loan
	Allocation     *AllocationResult
	Balance        *BalanceResult
	NewlyCompleted []*models.Installment
	drift          decimal.Decimal
}

// Reconcile replays all approved payment transactions for a loan against its
// schedule from scratch. It is the canonical definition of correct state and
// is safe to run repeatedly: drift between cached fields and the replay is
// corrected by the replay and surfaced in the result, never hand-patched.
func (l *Ledger) Reconcile(ctx context.Context, loanID uuid.UUID) (*ReconcileResult, error) {
	unlock := l.lockLoan(loanID)
	defer unlock()

	var result *ReconcileResult
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			result = &ReconcileResult{LoanID: loanID, Outstanding: loan.OutstandingBalance, NextDue: loan.NextPaymentDue, Skipped: true}
			return nil
		}
		outcome, err := l.reconcileLoan(ctx, tx, loan, "reconciliation", false)
		if err != nil {
			return err
		}
		result = outcome.result()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Mismatch {
		logger.CtxWarn(ctx, "reconciliation drift corrected",
			slog.String("loan_id", loanID.String()),
			slog.String("drift", result.Drift.StringFixed(2)),
		)
	}
	return result, nil
}

// reconcileLoan is the shared core: sum approved payments, allocate with the
// most recent processed timestamp, recalculate the balance, then clear
// default flags if the loan recovered. Runs inside the caller's transaction.
func (l *Ledger) reconcileLoan(ctx context.Context, tx store.LedgerTx, loan *models.Loan, actor string, force bool) (*reconcileOutcome, error) {
	txns, err := tx.GetTransactionsForLoan(loan.ID)
	if err != nil {
		return nil, err
	}
	total := approvedPaymentTotal(txns)
	asOf := latestApprovedPaymentTime(txns)
	if asOf.IsZero() {
		asOf = loan.CreatedAt
	}

	priorOutstanding := loan.OutstandingBalance

	alloc, newlyCompleted, err := allocate(tx, loan.ID, total, asOf, force)
	if err != nil {
		return nil, err
	}
	balance, err := recalculate(tx, loan, actor)
	if err != nil {
		return nil, err
	}
	if !loan.Status.Terminal() {
		if err := l.clearIfRecovered(ctx, tx, loan, actor, asOf); err != nil {
			return nil, err
		}
	}

	return &reconcileOutcome{
		Loan:           loan,
		Allocation:     alloc,
		Balance:        balance,
		NewlyCompleted: newlyCompleted,
		drift:          priorOutstanding.Sub(balance.Outstanding).Abs(),
	}, nil
}

func (o *reconcileOutcome) result() *ReconcileResult {
	return &ReconcileResult{
		LoanID:      o.Loan.ID,
		Outstanding: o.Balance.Outstanding,
		NextDue:     o.Balance.NextDue,
		Drift:       o.drift,
		Mismatch:    o.drift.GreaterThan(money.OneCent),
	}
}

// ReconcileAll runs Reconcile over every non-terminal loan, sequentially.
// This is the scheduled drift-correction sweep.
func (l *Ledger) ReconcileAll(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		var err error
		ids, err = tx.GetNonTerminalLoanIDs()
		return err
	})
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, id := range ids {
		if _, err := l.Reconcile(ctx, id); err != nil {
			logger.CtxError(ctx, "reconciliation sweep failed for loan", err, slog.String("loan_id", id.String()))
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

// VerifyBalance recomputes the outstanding balance without mutating anything
// and returns ErrReconciliationMismatch when the stored value diverges from
// the replay by more than one cent.
func (l *Ledger) VerifyBalance(ctx context.Context, loanID uuid.UUID) error {
	return l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return nil
		}
		installments, err := tx.GetInstallments(loanID)
		if err != nil {
			return err
		}
		txns, err := tx.GetTransactionsForLoan(loanID)
		if err != nil {
			return err
		}

		unpaidFees := decimal.Zero
		for _, inst := range installments {
			if inst.Status != models.InstallmentCancelled && inst.LateFeeAssessed.IsPositive() {
				unpaidFees = unpaidFees.Add(inst.LateFeeAssessed.Sub(inst.LateFeesPaid))
			}
		}
		computed := money.ClampZero(loan.TotalAmount.Add(unpaidFees).Sub(approvedPaymentTotal(txns)))
		if !money.WithinOneCent(loan.OutstandingBalance, computed) {
			return fmt.Errorf("%w: loan %s stored %s, replay %s",
				ErrReconciliationMismatch, loanID, loan.OutstandingBalance.StringFixed(2), computed.StringFixed(2))
		}
		return nil
	})
}

// ApproveTransaction moves a PENDING transaction to APPROVED and rebuilds the
// loan's derived state.
func (l *Ledger) ApproveTransaction(ctx context.Context, txID uuid.UUID, actor string) (*models.PaymentTransaction, error) {
	loanID, err := l.loanForTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	var txn *models.PaymentTransaction
	var outcome *reconcileOutcome
	err = l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		txn, err = tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		if txn.Status != models.TransactionPending {
			return fmt.Errorf("%w: transaction %s is %s", ErrTransactionNotActionable, txID, txn.Status)
		}
		loan, err := tx.GetLoan(txn.LoanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return fmt.Errorf("%w: loan %s is %s", ErrTerminalState, loan.ID, loan.Status)
		}
		txn.Status = models.TransactionApproved
		if err := tx.UpdateTransaction(txn); err != nil {
			return err
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

// RejectTransaction moves an APPROVED or PENDING transaction to REJECTED and
// rebuilds derived state so the ledger looks exactly as if the transaction
// had never been approved. Rejecting an early settlement also restores the
// snapshotted installments and reactivates the loan.
func (l *Ledger) RejectTransaction(ctx context.Context, txID uuid.UUID, actor string) (*models.PaymentTransaction, error) {
	loanID, err := l.loanForTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	var txn *models.PaymentTransaction
	err = l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		txn, err = tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		if txn.Status == models.TransactionRejected {
			return fmt.Errorf("%w: transaction %s already rejected", ErrTransactionNotActionable, txID)
		}
		wasApproved := txn.Status == models.TransactionApproved
		txn.Status = models.TransactionRejected
		if err := tx.UpdateTransaction(txn); err != nil {
			return err
		}

		loan, err := tx.GetLoan(txn.LoanID)
		if err != nil {
			return err
		}

		if txn.Type == models.TransactionTypeEarlySettlement && wasApproved {
			if err := restoreSettlement(tx, loan, txn, actor); err != nil {
				return err
			}
		}

		// Rejecting the payment that paid a loan off must also undo the
		// discharge transition before the replay; the ledger ends up exactly
		// as if the transaction had never been approved.
		if wasApproved && loan.Status == models.LoanStatusPendingDischarge && loan.ClosureReason == models.ClosureNormalPayoff {
			previous := loan.Status
			loan.Status = models.LoanStatusActive
			loan.ClosureReason = ""
			if err := appendHistory(tx, loan.ID, previous, loan.Status, actor, "funding transaction rejected", ""); err != nil {
				return err
			}
		}

		// A pending transaction never touched derived state; only an
		// approved one needs the replay.
		if !wasApproved || loan.Status.Terminal() {
			return nil
		}
		_, err = l.reconcileLoan(ctx, tx, loan, actor, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// loanForTransaction resolves the loan a transaction belongs to, so the
// per-loan lock can be taken before the main transaction starts.
func (l *Ledger) loanForTransaction(ctx context.Context, txID uuid.UUID) (uuid.UUID, error) {
	var loanID uuid.UUID
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		txn, err := tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		loanID = txn.LoanID
		return nil
	})
	return loanID, err
}
