package ledger

import (
	"context"
	"log/slog"

	"github.com/pinjamin/ledger/pkg/logger"
	"github.com/pinjamin/ledger/pkg/models"
)

// SettingsProvider supplies global defaults that individual loans may
// override. The effective grace period for a loan is its LateFeeRecord
// override when present, else this provider's value.
type SettingsProvider interface {
	GetGracePeriodDays(ctx context.Context, loanID string) int
}

// StaticSettings is a SettingsProvider with fixed values, used by the server
// (fed from config) and by tests.
type StaticSettings struct {
	GracePeriodDays int
}

func (s StaticSettings) GetGracePeriodDays(_ context.Context, _ string) int {
	return s.GracePeriodDays
}

// Notifier is told about completed allocations and status changes after the
// ledger transaction commits. Failures are logged, never propagated: a
// notification problem must not roll back financial state.
type Notifier interface {
	AllocationCompleted(ctx context.Context, loan *models.Loan, result *AllocationResult)
}

// ReceiptGenerator produces a payment receipt for an installment completed by
// a transaction. Invoked after commit, outside the ledger's own transaction.
type ReceiptGenerator interface {
	Generate(ctx context.Context, loan *models.Loan, installment *models.Installment, txn *models.PaymentTransaction) error
}

// LogNotifier writes notifications to the structured log. Stands in for the
// external dispatcher (WhatsApp/email delivery lives outside this module).
type LogNotifier struct{}

func (LogNotifier) AllocationCompleted(ctx context.Context, loan *models.Loan, result *AllocationResult) {
	logger.CtxInfo(ctx, "allocation completed",
		slog.String("loan_id", loan.ID.String()),
		slog.String("loan_status", string(loan.Status)),
		slog.String("outstanding", loan.OutstandingBalance.StringFixed(2)),
		slog.Int("installments_completed", result.InstallmentsCompleted),
	)
}

// LogReceipts logs receipt generation instead of rendering documents.
type LogReceipts struct{}

func (LogReceipts) Generate(ctx context.Context, loan *models.Loan, installment *models.Installment, txn *models.PaymentTransaction) error {
	logger.CtxInfo(ctx, "receipt generated",
		slog.String("loan_id", loan.ID.String()),
		slog.Int("installment", installment.Number),
		slog.String("transaction_id", txn.ID.String()),
		slog.String("amount", installment.AmountPaid.StringFixed(2)),
	)
	return nil
}
