package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/money"
	"github.com/pinjamin/ledger/pkg/store"
)

// BalanceResult reports the outcome of a balance recomputation.
type BalanceResult struct {
	LoanID      uuid.UUID         `json:"loan_id"`
	Outstanding decimal.Decimal   `json:"outstanding"`
	NextDue     *time.Time        `json:"next_due,omitempty"`
	Status      models.LoanStatus `json:"status"`
	Skipped     bool              `json:"skipped"` // terminal freeze, nothing recomputed
}

// Recalculate derives the loan's outstanding balance and next due date from
// the approved transaction log and persists them. Loans in a terminal status
// are frozen: the call is a no-op that reports the cached state.
func (l *Ledger) Recalculate(ctx context.Context, loanID uuid.UUID) (*BalanceResult, error) {
	unlock := l.lockLoan(loanID)
	defer unlock()

	var result *BalanceResult
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		result, err = recalculate(tx, loan, "system")
		return err
	})
	return result, err
}

// recalculate runs inside the caller's transaction.
//
//	outstanding = max(0, totalAmount + unpaidLateFees − approvedPayments)
//
// and drives the ACTIVE/DEFAULT → PENDING_DISCHARGE transition when the
// balance reaches zero. Early-settlement quotes can include discounts that
// make this formula inapplicable, so terminal loans are skipped entirely.
func recalculate(tx store.LedgerTx, loan *models.Loan, actor string) (*BalanceResult, error) {
	if loan.Status.Terminal() {
		return &BalanceResult{
			LoanID:      loan.ID,
			Outstanding: loan.OutstandingBalance,
			NextDue:     loan.NextPaymentDue,
			Status:      loan.Status,
			Skipped:     true,
		}, nil
	}

	installments, err := tx.GetInstallments(loan.ID)
	if err != nil {
		return nil, err
	}
	txns, err := tx.GetTransactionsForLoan(loan.ID)
	if err != nil {
		return nil, err
	}

	unpaidFees := decimal.Zero
	for _, inst := range installments {
		if inst.Status == models.InstallmentCancelled {
			continue
		}
		if inst.LateFeeAssessed.IsPositive() {
			unpaidFees = unpaidFees.Add(inst.LateFeeAssessed.Sub(inst.LateFeesPaid))
		}
	}

	paid := approvedPaymentTotal(txns)
	outstanding := money.ClampZero(loan.TotalAmount.Add(unpaidFees).Sub(paid))
	nextDue := nextDueDate(installments, paid)

	loan.OutstandingBalance = outstanding
	loan.NextPaymentDue = nextDue
	loan.UpdatedAt = time.Now().UTC()

	if outstanding.IsZero() {
		if err := dischargeAtZero(tx, loan, actor); err != nil {
			return nil, err
		}
	}

	if err := tx.UpdateLoan(loan); err != nil {
		return nil, err
	}

	return &BalanceResult{
		LoanID:      loan.ID,
		Outstanding: outstanding,
		NextDue:     nextDue,
		Status:      loan.Status,
	}, nil
}

// nextDueDate replays the cumulative payment pool over the installments in
// waterfall order and returns the due date of the first line whose scheduled
// amount plus outstanding late fee is not fully covered; nil when everything
// is covered.
func nextDueDate(installments []*models.Installment, pool decimal.Decimal) *time.Time {
	for _, inst := range installments {
		if inst.Status == models.InstallmentCancelled || inst.PaymentType == models.PaymentEarlySettlement {
			continue
		}
		owed := inst.Amount.Add(inst.LateFeeAssessed)
		if !money.Covers(pool, owed) {
			due := inst.DueDate
			return &due
		}
		pool = pool.Sub(owed)
	}
	return nil
}

// dischargeAtZero moves a fully paid loan to PENDING_DISCHARGE and clears any
// default flags, emitting a recovery audit entry when flags were set.
func dischargeAtZero(tx store.LedgerTx, loan *models.Loan, actor string) error {
	previous := loan.Status
	loan.Status = models.LoanStatusPendingDischarge
	if loan.ClosureReason == "" {
		loan.ClosureReason = models.ClosureNormalPayoff
	}

	if loan.DefaultRiskFlaggedAt != nil || loan.DefaultedAt != nil {
		loan.DefaultRiskFlaggedAt = nil
		loan.DefaultedAt = nil
		if err := tx.AppendDefaultLog(&models.DefaultLog{
			ID:        uuid.New(),
			LoanID:    loan.ID,
			Event:     models.DefaultEventRecovered,
			Reason:    "balance reached zero",
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	return appendHistory(tx, loan.ID, previous, loan.Status, actor, "outstanding balance reached zero", "")
}
