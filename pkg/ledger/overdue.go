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
	"github.com/pinjamin/ledger/pkg/store"
)

// defaultEscalationDays is how far past the grace period an installment may
// sit at AT_RISK before the loan is marked DEFAULT.
const defaultEscalationDays = 30

// DaysOverdue returns the whole calendar days elapsed since an installment's
// due date, zero when the due date has not passed. This is the single
// authoritative days-overdue computation; every caller (default-flag
// clearing, overdue listings) goes through it.
func DaysOverdue(dueDate, asOf time.Time) int {
	dy, dm, dd := dueDate.UTC().Date()
	ay, am, ad := asOf.UTC().Date()
	due := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	day := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	if !day.After(due) {
		return 0
	}
	return int(day.Sub(due).Hours() / 24)
}

// overdueBeyondGrace reports whether an unpaid installment has been overdue
// for longer than the grace period.
func overdueBeyondGrace(inst *models.Installment, asOf time.Time, graceDays int) bool {
	if inst.Status == models.InstallmentCompleted || inst.Status == models.InstallmentCancelled {
		return false
	}
	return DaysOverdue(inst.DueDate, asOf) > graceDays
}

// OverdueSweepResult reports one pass of the overdue job.
type OverdueSweepResult struct {
	LoansScanned int `json:"loans_scanned"`
	FeesAssessed int `json:"fees_assessed"`
	LoansFlagged int `json:"loans_flagged"`
}

// SweepOverdue is the automated late-fee and default-flag job. For every
// non-terminal loan it assesses the flat fee on each unpaid installment that
// has gone past the grace period and does not carry a fee yet, then raises
// the loan's default flag: AT_RISK once past grace, DEFAULT once past grace
// plus the escalation window. Loans are processed sequentially; a failing
// loan is logged and skipped, never aborts the sweep.
func (l *Ledger) SweepOverdue(ctx context.Context, flatFee decimal.Decimal, asOf time.Time) (*OverdueSweepResult, error) {
	if flatFee.IsNegative() {
		return nil, fmt.Errorf("%w: late fee %s is negative", ErrInvalidAllocationInput, flatFee)
	}

	var ids []uuid.UUID
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		var err error
		ids, err = tx.GetNonTerminalLoanIDs()
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &OverdueSweepResult{}
	for _, id := range ids {
		if err := l.sweepLoanOverdue(ctx, id, flatFee, asOf, result); err != nil {
			logger.CtxError(ctx, "overdue sweep failed for loan", err, slog.String("loan_id", id.String()))
			continue
		}
		result.LoansScanned++
	}
	return result, nil
}

func (l *Ledger) sweepLoanOverdue(ctx context.Context, loanID uuid.UUID, flatFee decimal.Decimal, asOf time.Time, result *OverdueSweepResult) error {
	var loan *models.Loan
	var graceDays, maxOverdue int
	var assess []int

	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		var err error
		loan, err = tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return nil
		}
		graceDays, err = l.effectiveGraceDays(ctx, tx, loanID)
		if err != nil {
			return err
		}
		installments, err := tx.GetInstallments(loanID)
		if err != nil {
			return err
		}
		for _, inst := range installments {
			if !overdueBeyondGrace(inst, asOf, graceDays) {
				continue
			}
			if days := DaysOverdue(inst.DueDate, asOf); days > maxOverdue {
				maxOverdue = days
			}
			if inst.LateFeeAssessed.IsZero() && flatFee.IsPositive() {
				assess = append(assess, inst.Number)
			}
		}
		return nil
	})
	if err != nil || loan == nil || loan.Status.Terminal() {
		return err
	}

	// Each installment gets the flat fee at most once.
	for _, number := range assess {
		if err := l.AssessLateFee(ctx, loanID, number, flatFee, "overdue-job"); err != nil {
			return err
		}
		result.FeesAssessed++
	}

	if maxOverdue == 0 {
		return nil
	}
	switch {
	case maxOverdue > graceDays+defaultEscalationDays && loan.DefaultedAt == nil:
		reason := fmt.Sprintf("installment %d days overdue", maxOverdue)
		if err := l.FlagDefault(ctx, loanID, models.DefaultEventDefaulted, reason, "overdue-job"); err != nil {
			return err
		}
		result.LoansFlagged++
	case maxOverdue > graceDays && loan.DefaultRiskFlaggedAt == nil:
		reason := fmt.Sprintf("installment %d days overdue", maxOverdue)
		if err := l.FlagDefault(ctx, loanID, models.DefaultEventAtRisk, reason, "overdue-job"); err != nil {
			return err
		}
		result.LoansFlagged++
	}
	return nil
}
