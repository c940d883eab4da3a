package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/money"
	"github.com/pinjamin/ledger/pkg/store"
)

var hundred = decimal.NewFromInt(100)

// GenerateSchedule builds the amortized installment schedule for a loan that
// has none yet. Regeneration over an existing schedule is a hard precondition
// failure, not a retryable error.
func (l *Ledger) GenerateSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	var installments []*models.Installment
	err := l.storage.RunInTransaction(ctx, func(tx store.LedgerTx) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		if err := l.generateSchedule(tx, loan); err != nil {
			return err
		}
		installments, err = tx.GetInstallments(loanID)
		return err
	})
	return installments, err
}

// generateSchedule computes flat-rate interest, writes the installments and
// updates the loan's total, monthly payment and next due date. Runs inside
// the caller's transaction.
func (l *Ledger) generateSchedule(tx store.LedgerTx, loan *models.Loan) error {
	count, err := tx.CountInstallments(loan.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: loan %s has %d installments", ErrSchedulePreconditionViolated, loan.ID, count)
	}

	term := decimal.NewFromInt(int64(loan.TermMonths))
	totalInterest := money.Round2(loan.Principal.Mul(loan.InterestRate).Div(hundred).Mul(term))
	totalAmount := money.Round2(loan.Principal.Add(totalInterest))

	baseAmount := money.Round2(totalAmount.Div(term))
	basePrincipal := money.Round2(loan.Principal.Div(term))
	baseInterest := money.Round2(totalInterest.Div(term))

	installments := make([]*models.Installment, 0, loan.TermMonths)
	var sumAmount, sumPrincipal, sumInterest decimal.Decimal
	for i := 1; i <= loan.TermMonths; i++ {
		amount, principal, interest := baseAmount, basePrincipal, baseInterest
		if i == loan.TermMonths {
			// The final installment is a plug: whatever remains after the
			// equal installments, so the schedule sums exactly to the total
			// regardless of rounding drift. Applied independently to the
			// principal and interest sub-components.
			amount = totalAmount.Sub(sumAmount)
			principal = loan.Principal.Sub(sumPrincipal)
			interest = totalInterest.Sub(sumInterest)
		}
		sumAmount = sumAmount.Add(amount)
		sumPrincipal = sumPrincipal.Add(principal)
		sumInterest = sumInterest.Add(interest)

		installments = append(installments, &models.Installment{
			ID:        uuid.New(),
			LoanID:    loan.ID,
			Number:    i,
			DueDate:   loan.CreatedAt.AddDate(0, i, 0),
			Amount:    amount,
			Principal: principal,
			Interest:  interest,
			Status:    models.InstallmentPending,
		})
	}

	if !sumAmount.Equal(totalAmount) {
		return fmt.Errorf("schedule for loan %s sums to %s, want %s", loan.ID, sumAmount, totalAmount)
	}

	if err := tx.CreateInstallments(installments); err != nil {
		return err
	}

	firstDue := installments[0].DueDate
	loan.TotalAmount = totalAmount
	loan.MonthlyPayment = baseAmount
	loan.OutstandingBalance = totalAmount
	loan.NextPaymentDue = &firstDue
	return tx.UpdateLoan(loan)
}
