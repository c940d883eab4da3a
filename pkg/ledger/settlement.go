package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/money"
	"github.com/pinjamin/ledger/pkg/store"
)

// SettlementQuote is the lump amount that closes a loan before term end. The
// interest component may be discounted, which is why settlement bypasses the
// additive balance formula.
type SettlementQuote struct {
	Principal          decimal.Decimal `json:"principal"`
	DiscountedInterest decimal.Decimal `json:"discounted_interest"`
	LateFees           decimal.Decimal `json:"late_fees"`
}

// Total is the full lump settlement amount.
func (q SettlementQuote) Total() decimal.Decimal {
	return q.Principal.Add(q.DiscountedInterest).Add(q.LateFees)
}

// SettlementRecord is the outcome of an applied early settlement.
type SettlementRecord struct {
	Transaction *models.PaymentTransaction `json:"transaction"`
	Installment *models.Installment        `json:"installment"`
}

// installmentSnapshot preserves the allocation fields of one installment so a
// rejected settlement can restore it exactly.
type installmentSnapshot struct {
	ID           uuid.UUID                `json:"id"`
	Status       models.InstallmentStatus `json:"status"`
	AmountPaid   decimal.Decimal          `json:"amount_paid"`
	Principal    decimal.Decimal          `json:"principal_paid"`
	LateFeesPaid decimal.Decimal          `json:"late_fees_paid"`
	PaymentType  models.PaymentClass      `json:"payment_type"`
	PaidAt       *time.Time               `json:"paid_at,omitempty"`
}

// settlementMetadata is stored on the settlement transaction.
type settlementMetadata struct {
	Quote         SettlementQuote       `json:"quote"`
	Snapshots     []installmentSnapshot `json:"snapshots"`
	InstallmentID uuid.UUID             `json:"settlement_installment_id"`
}

// ApplyEarlySettlement cancels all remaining live installments, records one
// synthetic COMPLETED installment for the lump payment and closes the loan
// out directly: status PENDING_DISCHARGE, outstanding zero. The
// pre-settlement installment states are snapshotted into the transaction
// metadata so a rejection can restore them exactly.
func (l *Ledger) ApplyEarlySettlement(ctx context.Context, loanID uuid.UUID, quote SettlementQuote, actor string) (*SettlementRecord, error) {
	if quote.Total().LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: settlement total %s must be positive", ErrInvalidAllocationInput, quote.Total())
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	var record *SettlementRecord
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

		now := time.Now().UTC()
		meta := settlementMetadata{Quote: quote}
		maxNumber := 0
		for _, inst := range installments {
			if inst.Number > maxNumber {
				maxNumber = inst.Number
			}
			if inst.Status != models.InstallmentPending && inst.Status != models.InstallmentPartial {
				continue
			}
			meta.Snapshots = append(meta.Snapshots, installmentSnapshot{
				ID:           inst.ID,
				Status:       inst.Status,
				AmountPaid:   inst.AmountPaid,
				Principal:    inst.PrincipalPaid,
				LateFeesPaid: inst.LateFeesPaid,
				PaymentType:  inst.PaymentType,
				PaidAt:       inst.PaidAt,
			})
			// The quote folds outstanding late fees in, so they are marked
			// paid when the line is cancelled.
			inst.Status = models.InstallmentCancelled
			inst.LateFeesPaid = inst.LateFeeAssessed
			if err := tx.UpdateInstallment(inst); err != nil {
				return err
			}
		}

		settlementInst := &models.Installment{
			ID:              uuid.New(),
			LoanID:          loanID,
			Number:          maxNumber + 1,
			DueDate:         now,
			Amount:          money.Round2(quote.Principal.Add(quote.DiscountedInterest)),
			Principal:       quote.Principal,
			Interest:        quote.DiscountedInterest,
			LateFeeAssessed: quote.LateFees,
			LateFeesPaid:    quote.LateFees,
			AmountPaid:      money.Round2(quote.Principal.Add(quote.DiscountedInterest)),
			PrincipalPaid:   quote.Principal,
			Status:          models.InstallmentCompleted,
			PaymentType:     models.PaymentEarlySettlement,
			PaidAt:          &now,
		}
		if err := tx.CreateInstallments([]*models.Installment{settlementInst}); err != nil {
			return err
		}
		meta.InstallmentID = settlementInst.ID

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal settlement metadata: %w", err)
		}
		txn := &models.PaymentTransaction{
			ID:          uuid.New(),
			LoanID:      loanID,
			Amount:      quote.Total().Neg(),
			Type:        models.TransactionTypeEarlySettlement,
			Status:      models.TransactionApproved,
			ProcessedAt: now,
			Metadata:    string(metaJSON),
			CreatedAt:   now,
		}
		if err := tx.CreateTransaction(txn); err != nil {
			return err
		}

		// The discount breaks the additive invariant, so the loan is closed
		// out directly instead of going through recalculation.
		previous := loan.Status
		loan.Status = models.LoanStatusPendingDischarge
		loan.ClosureReason = models.ClosureEarlySettlement
		loan.OutstandingBalance = decimal.Zero
		loan.NextPaymentDue = nil
		loan.DefaultRiskFlaggedAt = nil
		loan.DefaultedAt = nil
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		if err := appendHistory(tx, loanID, previous, loan.Status, actor, "early settlement applied", ""); err != nil {
			return err
		}

		record = &SettlementRecord{Transaction: txn, Installment: settlementInst}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// restoreSettlement undoes an early settlement inside the caller's
// transaction: each snapshotted installment returns to its prior state, the
// synthetic settlement installment is deleted and the loan goes back to
// ACTIVE. The caller reconciles afterwards.
func restoreSettlement(tx store.LedgerTx, loan *models.Loan, txn *models.PaymentTransaction, actor string) error {
	var meta settlementMetadata
	if err := json.Unmarshal([]byte(txn.Metadata), &meta); err != nil {
		return fmt.Errorf("failed to unmarshal settlement metadata for transaction %s: %w", txn.ID, err)
	}

	installments, err := tx.GetInstallments(loan.ID)
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]*models.Installment, len(installments))
	for _, inst := range installments {
		byID[inst.ID] = inst
	}

	for _, snap := range meta.Snapshots {
		inst, ok := byID[snap.ID]
		if !ok {
			return fmt.Errorf("%w: snapshotted installment %s", ErrInstallmentNotFound, snap.ID)
		}
		inst.Status = snap.Status
		inst.AmountPaid = snap.AmountPaid
		inst.PrincipalPaid = snap.Principal
		inst.LateFeesPaid = snap.LateFeesPaid
		inst.PaymentType = snap.PaymentType
		inst.PaidAt = snap.PaidAt
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}
	}

	if err := tx.DeleteInstallment(meta.InstallmentID); err != nil {
		return err
	}

	previous := loan.Status
	loan.Status = models.LoanStatusActive
	loan.ClosureReason = ""
	loan.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateLoan(loan); err != nil {
		return err
	}
	return appendHistory(tx, loan.ID, previous, loan.Status, actor, "early settlement rejected", "")
}
