package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanStatusActive                 LoanStatus = "ACTIVE"
	LoanStatusAtRisk                 LoanStatus = "AT_RISK"
	LoanStatusDefault                LoanStatus = "DEFAULT"
	LoanStatusPendingDischarge       LoanStatus = "PENDING_DISCHARGE"
	LoanStatusPendingEarlySettlement LoanStatus = "PENDING_EARLY_SETTLEMENT"
	LoanStatusDischarged             LoanStatus = "DISCHARGED"
)

// Terminal reports whether ordinary balance recomputation is suspended for
// this status. Early-settlement quotes may carry discounts that break the
// additive balance formula, so these states are frozen.
func (s LoanStatus) Terminal() bool {
	switch s {
	case LoanStatusPendingDischarge, LoanStatusPendingEarlySettlement, LoanStatusDischarged:
		return true
	}
	return false
}

// ClosureReason records why a loan left repayment.
type ClosureReason string

const (
	ClosureNormalPayoff    ClosureReason = "NORMAL_PAYOFF"
	ClosureEarlySettlement ClosureReason = "EARLY_SETTLEMENT"
)

type Loan struct {
	ID                   uuid.UUID       `json:"id"`
	BorrowerKey          string          `json:"borrower_key"` // Link to external customer system
	Principal            decimal.Decimal `json:"principal"`
	TotalAmount          decimal.Decimal `json:"total_amount"`  // Principal + flat interest for the full term
	InterestRate         decimal.Decimal `json:"interest_rate"` // Percent per month, flat
	TermMonths           int             `json:"term_months"`
	MonthlyPayment       decimal.Decimal `json:"monthly_payment"`
	OutstandingBalance   decimal.Decimal `json:"outstanding_balance"` // Derived; replay of approved transactions is authoritative
	Status               LoanStatus      `json:"status"`
	ClosureReason        ClosureReason   `json:"closure_reason,omitempty"`
	NextPaymentDue       *time.Time      `json:"next_payment_due,omitempty"`
	DisbursedAt          time.Time       `json:"disbursed_at"`
	DischargedAt         *time.Time      `json:"discharged_at,omitempty"`
	DefaultRiskFlaggedAt *time.Time      `json:"default_risk_flagged_at,omitempty"`
	DefaultedAt          *time.Time      `json:"defaulted_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// InstallmentStatus tracks how much of one repayment line item is covered.
type InstallmentStatus string

const (
	InstallmentPending   InstallmentStatus = "PENDING"
	InstallmentPartial   InstallmentStatus = "PARTIAL"
	InstallmentCompleted InstallmentStatus = "COMPLETED"
	InstallmentCancelled InstallmentStatus = "CANCELLED"
)

// PaymentClass classifies how an installment was paid relative to its due date.
type PaymentClass string

const (
	PaymentEarly           PaymentClass = "EARLY"
	PaymentOnTime          PaymentClass = "ON_TIME"
	PaymentLate            PaymentClass = "LATE"
	PaymentPartial         PaymentClass = "PARTIAL"
	PaymentEarlySettlement PaymentClass = "EARLY_SETTLEMENT"
)

type Installment struct {
	ID              uuid.UUID         `json:"id"`
	LoanID          uuid.UUID         `json:"loan_id"`
	Number          int               `json:"number"` // 1..term; the settlement installment uses term+1
	DueDate         time.Time         `json:"due_date"`
	Amount          decimal.Decimal   `json:"amount"`
	Principal       decimal.Decimal   `json:"principal"`
	Interest        decimal.Decimal   `json:"interest"`
	LateFeeAssessed decimal.Decimal   `json:"late_fee_assessed"`
	AmountPaid      decimal.Decimal   `json:"amount_paid"`
	PrincipalPaid   decimal.Decimal   `json:"principal_paid"`
	LateFeesPaid    decimal.Decimal   `json:"late_fees_paid"`
	Status          InstallmentStatus `json:"status"`
	PaymentType     PaymentClass      `json:"payment_type,omitempty"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
}

// TransactionType distinguishes ledger events.
type TransactionType string

const (
	TransactionTypeDisbursement    TransactionType = "disbursement"
	TransactionTypeRepayment       TransactionType = "repayment"
	TransactionTypeEarlySettlement TransactionType = "early_settlement"
)

// TransactionStatus is the approval state of a ledger event. Only APPROVED
// transactions participate in balance replay.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionApproved TransactionStatus = "APPROVED"
	TransactionRejected TransactionStatus = "REJECTED"
)

// PaymentTransaction is an append-only ledger event. Amounts are signed from
// the borrower's perspective: repayments are negative (outflow), the
// disbursement is positive. Approved transactions are immutable except for
// metadata annotations; rejection triggers reversal, never deletion.
type PaymentTransaction struct {
	ID          uuid.UUID         `json:"id"`
	LoanID      uuid.UUID         `json:"loan_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	ProcessedAt time.Time         `json:"processed_at"`
	Metadata    string            `json:"metadata,omitempty"` // JSON: requested amount, quote, pre-settlement snapshots
	CreatedAt   time.Time         `json:"created_at"`
}

// LateFeeRecord is the per-loan late-fee aggregate. GracePeriodDays overrides
// the global default when positive.
type LateFeeRecord struct {
	LoanID           uuid.UUID       `json:"loan_id"`
	GracePeriodDays  int             `json:"grace_period_days"`
	GraceFeesTotal   decimal.Decimal `json:"grace_fees_total"`
	AccruedFeesTotal decimal.Decimal `json:"accrued_fees_total"`
	Status           string          `json:"status"` // ACTIVE or SETTLED
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DefaultEvent names entries in the default audit log.
type DefaultEvent string

const (
	DefaultEventAtRisk    DefaultEvent = "AT_RISK"
	DefaultEventDefaulted DefaultEvent = "DEFAULTED"
	DefaultEventRecovered DefaultEvent = "RECOVERED"
)

// DefaultLog is an append-only audit entry for default-flag changes.
type DefaultLog struct {
	ID        uuid.UUID    `json:"id"`
	LoanID    uuid.UUID    `json:"loan_id"`
	Event     DefaultEvent `json:"event"`
	Reason    string       `json:"reason"`
	Metadata  string       `json:"metadata,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// HistoryEntry records a status change for compliance traceability.
type HistoryEntry struct {
	ID             uuid.UUID `json:"id"`
	LoanID         uuid.UUID `json:"loan_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason"`
	Notes          string    `json:"notes,omitempty"`
	Metadata       string    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
