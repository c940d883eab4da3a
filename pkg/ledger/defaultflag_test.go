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

func setDueDate(t *testing.T, ms *memStore, loanID uuid.UUID, number int, due time.Time) {
	t.Helper()
	for id, inst := range ms.installments {
		if inst.LoanID == loanID && inst.Number == number {
			inst.DueDate = due
			ms.installments[id] = inst
			return
		}
	}
	t.Fatalf("installment %d of loan %s not found", number, loanID)
}

func TestDaysOverdue(t *testing.T) {
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, DaysOverdue(due, due))
	assert.Equal(t, 0, DaysOverdue(due, due.AddDate(0, 0, -1)))
	// Time of day never matters, only the calendar day.
	assert.Equal(t, 0, DaysOverdue(due, time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, 1, DaysOverdue(due, time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)))
	assert.Equal(t, 10, DaysOverdue(due, due.AddDate(0, 0, 10)))
}

func TestFlagDefaultTransitions(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	require.NoError(t, l.FlagDefault(ctx, loan.ID, models.DefaultEventAtRisk, "installment 7 days overdue", "overdue-job"))
	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusAtRisk, got.Status)
	assert.NotNil(t, got.DefaultRiskFlaggedAt)

	require.NoError(t, l.FlagDefault(ctx, loan.ID, models.DefaultEventDefaulted, "installment 30 days overdue", "overdue-job"))
	got, err = l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusDefault, got.Status)
	assert.NotNil(t, got.DefaultedAt)

	logs, err := ms.GetDefaultLogs(loan.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.DefaultEventAtRisk, logs[0].Event)
	assert.Equal(t, models.DefaultEventDefaulted, logs[1].Event)
}

func TestClearIfRecoveredClearsWhenNothingOverdue(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	require.NoError(t, l.FlagDefault(ctx, loan.ID, models.DefaultEventAtRisk, "manual flag", "ops"))
	require.NoError(t, l.ClearIfRecovered(ctx, loan.ID, "ops"))

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, got.Status)
	assert.Nil(t, got.DefaultRiskFlaggedAt)
	assert.Nil(t, got.DefaultedAt)

	logs, err := ms.GetDefaultLogs(loan.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.DefaultEventRecovered, logs[1].Event)
}

func TestClearIfRecoveredKeepsFlagsWhileOverdue(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)
	setDueDate(t, ms, loan.ID, 1, time.Now().UTC().AddDate(0, 0, -40))

	require.NoError(t, l.FlagDefault(ctx, loan.ID, models.DefaultEventDefaulted, "40 days overdue", "overdue-job"))
	require.NoError(t, l.ClearIfRecovered(ctx, loan.ID, "ops"))

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusDefault, got.Status)
	assert.NotNil(t, got.DefaultedAt)
}

func TestClearIfRecoveredHonorsGraceOverride(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)
	setDueDate(t, ms, loan.ID, 1, time.Now().UTC().AddDate(0, 0, -40))

	// A per-loan grace period wider than the overdue window.
	require.NoError(t, ms.UpsertLateFeeRecord(&models.LateFeeRecord{
		LoanID:          loan.ID,
		GracePeriodDays: 60,
		Status:          "ACTIVE",
	}))

	require.NoError(t, l.FlagDefault(ctx, loan.ID, models.DefaultEventAtRisk, "manual flag", "ops"))
	require.NoError(t, l.ClearIfRecovered(ctx, loan.ID, "ops"))

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, got.Status)
	assert.Nil(t, got.DefaultRiskFlaggedAt)
}

func TestClearIfRecoveredNoFlagsIsNoOp(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)

	require.NoError(t, l.ClearIfRecovered(ctx, loan.ID, "ops"))

	logs, err := ms.GetDefaultLogs(loan.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRecordPaymentClearsFlagsAfterRecovery(t *testing.T) {
	l, ms := newTestLedger()
	ctx := context.Background()
	loan := mustCreateLoan(t, l, "1200", "1", 12)
	setDueDate(t, ms, loan.ID, 1, time.Now().UTC().AddDate(0, 0, -10))

	require.NoError(t, l.FlagDefault(ctx, loan.ID, models.DefaultEventAtRisk, "10 days overdue", "overdue-job"))

	// Paying the overdue installment recovers the loan in the same write.
	_, err := l.RecordPayment(ctx, loan.ID, dec("112"), time.Now().UTC(), "", "teller")
	require.NoError(t, err)

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, got.Status)
	assert.Nil(t, got.DefaultRiskFlaggedAt)

	installments, err := l.GetInstallments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentCompleted, installments[0].Status)
	assert.Equal(t, models.PaymentLate, installments[0].PaymentType)
}
