package ledger

import (
	"errors"

	"github.com/pinjamin/ledger/pkg/store"
)

// Lookup errors originate in the store and are re-exported so callers only
// depend on this package's taxonomy.
var (
	ErrLoanNotFound        = store.ErrLoanNotFound
	ErrInstallmentNotFound = store.ErrInstallmentNotFound
	ErrTransactionNotFound = store.ErrTransactionNotFound
)

var (
	// ErrInvalidAllocationInput is returned for a negative or otherwise
	// unusable payment amount. Nothing is mutated.
	ErrInvalidAllocationInput = errors.New("invalid allocation input")

	// ErrSchedulePreconditionViolated is returned when schedule generation is
	// attempted for a loan that already has installments. Not retryable.
	ErrSchedulePreconditionViolated = errors.New("schedule already exists for loan")

	// ErrTerminalState is returned when an operation is attempted on a loan
	// whose status freezes ordinary balance recomputation.
	ErrTerminalState = errors.New("loan is in a terminal state")

	// ErrReconciliationMismatch signals that the stored balance diverged from
	// a fresh replay by more than one cent. The replay still corrects the
	// state; the mismatch is a data-integrity signal that must be surfaced.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrTransactionNotActionable is returned when approving or rejecting a
	// transaction that is not in a status permitting the change.
	ErrTransactionNotActionable = errors.New("transaction status does not permit this action")
)
