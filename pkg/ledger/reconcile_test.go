package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinjamin/ledger/pkg/models"
)

func TestReconcileCorrectsDrift(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	_, err := l.RecordPayment(ctx, loan.ID, dec("112"), time.Now().UTC(), "", "teller")
	require.NoError(t, err)

	// Corrupt the cached balance; the replay is authoritative.
	stored := ms.loans[loan.ID]
	stored.OutstandingBalance = dec("999")
	ms.loans[loan.ID] = stored

	result, err := l.Reconcile(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, result.Mismatch)
	assertDec(t, "233", result.Drift)
	assertDec(t, "1232", result.Outstanding)

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assertDec(t, "1232", got.OutstandingBalance)
}

func TestReconcileCleanLoanNoMismatch(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	_, err := l.RecordPayment(ctx, loan.ID, dec("112"), time.Now().UTC(), "", "teller")
	require.NoError(t, err)

	result, err := l.Reconcile(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, result.Mismatch)
	assert.True(t, result.Drift.LessThanOrEqual(dec("0.01")))
}

func TestReconcileTerminalLoanSkipped(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	stored := ms.loans[loan.ID]
	stored.Status = models.LoanStatusDischarged
	ms.loans[loan.ID] = stored

	result, err := l.Reconcile(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestReconcileAllSweepsNonTerminalLoans(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	active := mustCreateLoan(t, l, "1200", "1", 12)
	closed := mustCreateLoan(t, l, "1000", "2", 12)

	stored := ms.loans[closed.ID]
	stored.Status = models.LoanStatusPendingDischarge
	ms.loans[closed.ID] = stored

	stored = ms.loans[active.ID]
	stored.OutstandingBalance = dec("1")
	ms.loans[active.ID] = stored

	n, err := l.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.GetLoan(ctx, active.ID)
	require.NoError(t, err)
	assertDec(t, "1344", got.OutstandingBalance, "the sweep repaired the corrupted balance")
}

func TestVerifyBalance(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	require.NoError(t, l.VerifyBalance(ctx, loan.ID))

	stored := ms.loans[loan.ID]
	stored.OutstandingBalance = dec("999")
	ms.loans[loan.ID] = stored

	err := l.VerifyBalance(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrReconciliationMismatch)

	_, err = l.Reconcile(ctx, loan.ID)
	require.NoError(t, err)
	require.NoError(t, l.VerifyBalance(ctx, loan.ID), "reconciliation restores integrity")
}

func TestApproveTransactionAppliesPayment(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	pending, err := l.SubmitPayment(ctx, loan.ID, dec("112"), time.Now().UTC(), "")
	require.NoError(t, err)

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assertDec(t, "1344", got.OutstandingBalance)

	approved, err := l.ApproveTransaction(ctx, pending.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionApproved, approved.Status)

	got, err = l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assertDec(t, "1232", got.OutstandingBalance)

	installments, err := l.GetInstallments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentCompleted, installments[0].Status)

	_, err = l.ApproveTransaction(ctx, pending.ID, "reviewer")
	assert.ErrorIs(t, err, ErrTransactionNotActionable, "already approved")
}

func TestRejectApprovedPaymentReversesIt(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	base := time.Now().UTC()
	_, err := l.RecordPayment(ctx, loan.ID, dec("112"), base, "", "teller")
	require.NoError(t, err)
	second, err := l.RecordPayment(ctx, loan.ID, dec("112"), base.Add(time.Minute), "", "teller")
	require.NoError(t, err)

	rejected, err := l.RejectTransaction(ctx, second.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRejected, rejected.Status)

	// State must look exactly as if the second payment never happened.
	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assertDec(t, "1232", got.OutstandingBalance)

	installments, err := l.GetInstallments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentCompleted, installments[0].Status)
	assert.Equal(t, models.InstallmentPending, installments[1].Status)
	assert.True(t, installments[1].AmountPaid.IsZero())
}

func TestRejectPendingPaymentNoReplay(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	pending, err := l.SubmitPayment(ctx, loan.ID, dec("112"), time.Now().UTC(), "")
	require.NoError(t, err)

	_, err = l.RejectTransaction(ctx, pending.ID, "reviewer")
	require.NoError(t, err)

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assertDec(t, "1344", got.OutstandingBalance)

	_, err = l.RejectTransaction(ctx, pending.ID, "reviewer")
	assert.ErrorIs(t, err, ErrTransactionNotActionable, "already rejected")
}

func TestRejectDischargingPaymentReopensLoan(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	payoff, err := l.RecordPayment(ctx, loan.ID, dec("1344"), time.Now().UTC(), "", "teller")
	require.NoError(t, err)

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, models.LoanStatusPendingDischarge, got.Status)

	_, err = l.RejectTransaction(ctx, payoff.ID, "reviewer")
	require.NoError(t, err)

	got, err = l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, got.Status)
	assert.Empty(t, got.ClosureReason)
	assertDec(t, "1344", got.OutstandingBalance)

	installments, err := l.GetInstallments(ctx, loan.ID)
	require.NoError(t, err)
	for _, inst := range installments {
		assert.Equal(t, models.InstallmentPending, inst.Status)
		assert.True(t, inst.AmountPaid.IsZero())
	}
}

func TestRejectUnknownTransaction(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	mustCreateLoan(t, l, "1200", "1", 12)

	_, err := l.RejectTransaction(ctx, uuid.New(), "reviewer")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
