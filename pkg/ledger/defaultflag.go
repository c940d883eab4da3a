package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/store"
)

// ClearIfRecovered clears a loan's default/at-risk flags when no installment
// remains overdue beyond the grace period, with an audit trail. A loan that
// still has an overdue installment is left untouched.
func (l *Ledger) ClearIfRecovered(ctx context.Context, loanID uuid.UUID, actorID string) error {
	unlock := l.lockLoan(loanID)
	defer unlock()

	return l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		return l.clearIfRecovered(ctx, tx, loan, actorID, time.Now().UTC())
	})
}

// clearIfRecovered runs inside the caller's transaction. Loans already in a
// terminal/settlement status are skipped; discharge handling cleared their
// flags on the way out.
func (l *Ledger) clearIfRecovered(ctx context.Context, tx store.LedgerTx, loan *models.Loan, actorID string, asOf time.Time) error {
	if loan.Status.Terminal() {
		return nil
	}
	if loan.DefaultRiskFlaggedAt == nil && loan.DefaultedAt == nil {
		return nil
	}

	graceDays, err := l.effectiveGraceDays(ctx, tx, loan.ID)
	if err != nil {
		return err
	}

	installments, err := tx.GetInstallments(loan.ID)
	if err != nil {
		return err
	}
	for _, inst := range installments {
		if overdueBeyondGrace(inst, asOf, graceDays) {
			// Still overdue: flags stay.
			return nil
		}
	}

	previous := loan.Status
	loan.DefaultRiskFlaggedAt = nil
	loan.DefaultedAt = nil
	if loan.Status == models.LoanStatusAtRisk || loan.Status == models.LoanStatusDefault {
		loan.Status = models.LoanStatusActive
	}
	loan.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateLoan(loan); err != nil {
		return err
	}

	if err := tx.AppendDefaultLog(&models.DefaultLog{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Event:     models.DefaultEventRecovered,
		Reason:    "no installment overdue beyond grace period",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return appendHistory(tx, loan.ID, previous, loan.Status, actorID, "default flags cleared", "")
}

// FlagDefault marks a loan at risk or defaulted, with an audit entry. This is
// the flagging counterpart the overdue job uses; recovery goes through
// ClearIfRecovered.
func (l *Ledger) FlagDefault(ctx context.Context, loanID uuid.UUID, event models.DefaultEvent, reason, actorID string) error {
	unlock := l.lockLoan(loanID)
	defer unlock()

	return l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		previous := loan.Status
		switch event {
		case models.DefaultEventAtRisk:
			loan.DefaultRiskFlaggedAt = &now
			loan.Status = models.LoanStatusAtRisk
		case models.DefaultEventDefaulted:
			loan.DefaultedAt = &now
			loan.Status = models.LoanStatusDefault
		default:
			return nil
		}
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}

		if err := tx.AppendDefaultLog(&models.DefaultLog{
			ID:        uuid.New(),
			LoanID:    loanID,
			Event:     event,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return appendHistory(tx, loanID, previous, loan.Status, actorID, reason, "")
	})
}

// effectiveGraceDays resolves the grace period for a loan: the LateFeeRecord
// override when present, else the global default from the settings provider.
func (l *Ledger) effectiveGraceDays(ctx context.Context, tx store.LedgerTx, loanID uuid.UUID) (int, error) {
	rec, err := tx.GetLateFeeRecord(loanID)
	if err != nil {
		return 0, err
	}
	if rec != nil && rec.GracePeriodDays > 0 {
		return rec.GracePeriodDays, nil
	}
	return l.settings.GetGracePeriodDays(ctx, loanID.String()), nil
}
