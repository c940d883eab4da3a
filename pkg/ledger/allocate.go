package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/money"
	"github.com/pinjamin/ledger/pkg/store"
)

// AllocationResult summarises one waterfall run over a loan's installments.
type AllocationResult struct {
	LoanID                uuid.UUID       `json:"loan_id"`
	TotalAllocated        decimal.Decimal `json:"total_allocated"`
	LateFeesPaid          decimal.Decimal `json:"late_fees_paid"`
	PrincipalInterestPaid decimal.Decimal `json:"principal_interest_paid"`
	Leftover              decimal.Decimal `json:"leftover"`
	InstallmentsCompleted int             `json:"installments_completed"`
	Skipped               bool            `json:"skipped"` // re-allocation guard hit, nothing written
}

// Allocate distributes the cumulative approved payment total across the
// loan's installments. Idempotent: identical inputs yield identical
// installment states.
func (l *Ledger) Allocate(ctx context.Context, loanID uuid.UUID, total decimal.Decimal, asOf time.Time) (*AllocationResult, error) {
	unlock := l.lockLoan(loanID)
	defer unlock()

	var result *AllocationResult
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.GetLoan(loanID); err != nil {
			return err
		}
		var err error
		result, _, err = allocate(tx, loanID, total, asOf, false)
		return err
	})
	return result, err
}

// allocate runs the waterfall inside the caller's transaction. It returns the
// result and the installments that moved to COMPLETED in this run (for
// receipt generation).
//
// The strategy is reset-then-replay: partial allocations are not additive
// across calls, so all allocation fields are cleared before the pool is
// re-applied from the oldest installment forward. Per installment the order
// is fixed: any assessed late fee is paid in full before a cent goes to
// principal/interest.
//
// force bypasses the re-allocation guard. A late-fee assessment changes
// per-installment obligations without changing the approved total, so the
// guard would otherwise skip the replay that redirects money to the fee.
func allocate(tx store.LedgerTx, loanID uuid.UUID, total decimal.Decimal, asOf time.Time, force bool) (*AllocationResult, []*models.Installment, error) {
	if total.IsNegative() {
		return nil, nil, fmt.Errorf("%w: allocation total %s is negative", ErrInvalidAllocationInput, total)
	}

	installments, err := tx.GetInstallments(loanID)
	if err != nil {
		return nil, nil, err
	}

	// Cancelled and settlement installments keep their state; the waterfall
	// only runs over live schedule lines.
	live := make([]*models.Installment, 0, len(installments))
	for _, inst := range installments {
		if inst.Status == models.InstallmentCancelled || inst.PaymentType == models.PaymentEarlySettlement {
			continue
		}
		live = append(live, inst)
	}

	// Re-allocation guard: when the recorded allocation already equals the
	// new total to the cent, re-running the waterfall would only produce
	// redundant writes.
	current := decimal.Zero
	for _, inst := range live {
		current = current.Add(inst.AmountPaid).Add(inst.LateFeesPaid)
	}
	if !force && money.WithinOneCent(current, total) {
		result := summarize(loanID, live, total)
		result.Skipped = true
		return result, nil, nil
	}

	wasCompleted := make(map[uuid.UUID]bool, len(live))
	for _, inst := range live {
		wasCompleted[inst.ID] = inst.Status == models.InstallmentCompleted
	}

	pool := total
	var newlyCompleted []*models.Installment
	for _, inst := range live {
		inst.AmountPaid = decimal.Zero
		inst.PrincipalPaid = decimal.Zero
		inst.LateFeesPaid = decimal.Zero
		inst.Status = models.InstallmentPending
		inst.PaymentType = ""
		inst.PaidAt = nil

		if pool.IsPositive() && inst.LateFeeAssessed.IsPositive() {
			feePaid := money.Min(pool, inst.LateFeeAssessed)
			inst.LateFeesPaid = feePaid
			pool = pool.Sub(feePaid)
		}
		if pool.IsPositive() {
			applied := money.Min(pool, inst.Amount)
			inst.AmountPaid = applied
			pool = pool.Sub(applied)
			// Interest is serviced first; principal gets the remainder.
			inst.PrincipalPaid = money.ClampZero(applied.Sub(inst.Interest))
		}

		deriveStatus(inst, asOf)
		if inst.Status == models.InstallmentCompleted && !wasCompleted[inst.ID] {
			newlyCompleted = append(newlyCompleted, inst)
		}
		if err := tx.UpdateInstallment(inst); err != nil {
			return nil, nil, err
		}
	}

	result := summarize(loanID, live, total)
	result.Leftover = pool
	return result, newlyCompleted, nil
}

// deriveStatus sets the installment's status and payment classification from
// its allocation fields. COMPLETED requires the scheduled amount and any
// assessed late fee to be fully covered.
func deriveStatus(inst *models.Installment, asOf time.Time) {
	amountCovered := money.Covers(inst.AmountPaid, inst.Amount)
	feeCovered := inst.LateFeeAssessed.IsZero() || money.Covers(inst.LateFeesPaid, inst.LateFeeAssessed)

	switch {
	case amountCovered && feeCovered:
		inst.Status = models.InstallmentCompleted
		inst.PaymentType = classifyTiming(asOf, inst.DueDate)
		paidAt := asOf
		inst.PaidAt = &paidAt
	case inst.AmountPaid.IsPositive() || inst.LateFeesPaid.IsPositive():
		inst.Status = models.InstallmentPartial
		inst.PaymentType = models.PaymentPartial
	default:
		inst.Status = models.InstallmentPending
		inst.PaymentType = ""
	}
}

// classifyTiming compares calendar days, not instants: a payment any time on
// the due date is on time.
func classifyTiming(asOf, due time.Time) models.PaymentClass {
	ay, am, ad := asOf.UTC().Date()
	dy, dm, dd := due.UTC().Date()
	paid := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	dueDay := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	switch {
	case paid.Before(dueDay):
		return models.PaymentEarly
	case paid.Equal(dueDay):
		return models.PaymentOnTime
	default:
		return models.PaymentLate
	}
}

func summarize(loanID uuid.UUID, live []*models.Installment, total decimal.Decimal) *AllocationResult {
	result := &AllocationResult{LoanID: loanID, TotalAllocated: total}
	for _, inst := range live {
		result.LateFeesPaid = result.LateFeesPaid.Add(inst.LateFeesPaid)
		result.PrincipalInterestPaid = result.PrincipalInterestPaid.Add(inst.AmountPaid)
		if inst.Status == models.InstallmentCompleted {
			result.InstallmentsCompleted++
		}
	}
	return result
}
