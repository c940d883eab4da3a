package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pinjamin/ledger/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced by lookups. The ledger package wraps these into
// its taxonomy.
var (
	ErrLoanNotFound        = errors.New("loan not found")
	ErrInstallmentNotFound = errors.New("installment not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// SQLiteStore manages the database connection for the repayment ledger.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and initializes the schema.
// Pass ":memory:" for an in-memory database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist. Decimal fields
// use TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		total_amount TEXT NOT NULL DEFAULT '0',
		interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		monthly_payment TEXT NOT NULL DEFAULT '0',
		outstanding_balance TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		closure_reason TEXT NOT NULL DEFAULT '',
		next_payment_due DATETIME,
		disbursed_at DATETIME NOT NULL,
		discharged_at DATETIME,
		default_risk_flagged_at DATETIME,
		defaulted_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		late_fee_assessed TEXT NOT NULL DEFAULT '0',
		amount_paid TEXT NOT NULL DEFAULT '0',
		principal_paid TEXT NOT NULL DEFAULT '0',
		late_fees_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		payment_type TEXT NOT NULL DEFAULT '',
		paid_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_loan_due ON installments(loan_id, due_date);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_at DATETIME NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id, processed_at);
	CREATE TABLE IF NOT EXISTS late_fee_records (
		loan_id TEXT PRIMARY KEY,
		grace_period_days INTEGER NOT NULL DEFAULT 0,
		grace_fees_total TEXT NOT NULL DEFAULT '0',
		accrued_fees_total TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS default_logs (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		event TEXT NOT NULL,
		reason TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RunInTransaction executes fn inside a single SQLite transaction. SQLite
// serializes writers, which also gives us the per-loan serialization the
// allocator's reset-and-replay requires.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteTx implements LedgerTx over one *sql.Tx.
type sqliteTx struct {
	tx *sql.Tx
}

const loanColumns = `id, borrower_key, principal, total_amount, interest_rate, term_months, monthly_payment,
	outstanding_balance, status, closure_reason, next_payment_due, disbursed_at, discharged_at,
	default_risk_flagged_at, defaulted_at, created_at, updated_at`

func (t *sqliteTx) CreateLoan(loan *models.Loan) error {
	_, err := t.tx.Exec(
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.BorrowerKey, loan.Principal, loan.TotalAmount, loan.InterestRate,
		loan.TermMonths, loan.MonthlyPayment, loan.OutstandingBalance, string(loan.Status),
		string(loan.ClosureReason), loan.NextPaymentDue, loan.DisbursedAt, loan.DischargedAt,
		loan.DefaultRiskFlaggedAt, loan.DefaultedAt, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func scanLoan(scan func(dest ...any) error) (*models.Loan, error) {
	var loan models.Loan
	var idStr, status, closureReason string
	var nextDue, discharged, flagged, defaulted sql.NullTime
	err := scan(
		&idStr, &loan.BorrowerKey, &loan.Principal, &loan.TotalAmount, &loan.InterestRate,
		&loan.TermMonths, &loan.MonthlyPayment, &loan.OutstandingBalance, &status, &closureReason,
		&nextDue, &loan.DisbursedAt, &discharged, &flagged, &defaulted, &loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.Status = models.LoanStatus(status)
	loan.ClosureReason = models.ClosureReason(closureReason)
	loan.NextPaymentDue = timePtr(nextDue)
	loan.DischargedAt = timePtr(discharged)
	loan.DefaultRiskFlaggedAt = timePtr(flagged)
	loan.DefaultedAt = timePtr(defaulted)
	return &loan, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		v := nt.Time
		return &v
	}
	return nil
}

func (t *sqliteTx) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := t.tx.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

func (t *sqliteTx) UpdateLoan(loan *models.Loan) error {
	result, err := t.tx.Exec(
		`UPDATE loans SET borrower_key = ?, principal = ?, total_amount = ?, interest_rate = ?,
			term_months = ?, monthly_payment = ?, outstanding_balance = ?, status = ?, closure_reason = ?,
			next_payment_due = ?, disbursed_at = ?, discharged_at = ?, default_risk_flagged_at = ?,
			defaulted_at = ?, updated_at = ? WHERE id = ?`,
		loan.BorrowerKey, loan.Principal, loan.TotalAmount, loan.InterestRate, loan.TermMonths,
		loan.MonthlyPayment, loan.OutstandingBalance, string(loan.Status), string(loan.ClosureReason),
		loan.NextPaymentDue, loan.DisbursedAt, loan.DischargedAt, loan.DefaultRiskFlaggedAt,
		loan.DefaultedAt, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLoanNotFound
	}
	return nil
}

func (t *sqliteTx) GetAllLoans() ([]*models.Loan, error) {
	rows, err := t.tx.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func (t *sqliteTx) GetNonTerminalLoanIDs() ([]uuid.UUID, error) {
	rows, err := t.tx.Query(
		`SELECT id FROM loans WHERE status NOT IN (?, ?, ?) ORDER BY created_at`,
		string(models.LoanStatusPendingDischarge),
		string(models.LoanStatusPendingEarlySettlement),
		string(models.LoanStatusDischarged),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get non-terminal loans: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("failed to scan loan id: %w", err)
		}
		ids = append(ids, uuid.MustParse(idStr))
	}
	return ids, rows.Err()
}

const installmentColumns = `id, loan_id, number, due_date, amount, principal, interest,
	late_fee_assessed, amount_paid, principal_paid, late_fees_paid, status, payment_type, paid_at`

func (t *sqliteTx) CreateInstallments(installments []*models.Installment) error {
	for _, inst := range installments {
		_, err := t.tx.Exec(
			`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), inst.LoanID.String(), inst.Number, inst.DueDate, inst.Amount,
			inst.Principal, inst.Interest, inst.LateFeeAssessed, inst.AmountPaid, inst.PrincipalPaid,
			inst.LateFeesPaid, string(inst.Status), string(inst.PaymentType), inst.PaidAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Number, err)
		}
	}
	return nil
}

func scanInstallment(scan func(dest ...any) error) (*models.Installment, error) {
	var inst models.Installment
	var idStr, loanIDStr, status, paymentType string
	var paidAt sql.NullTime
	err := scan(
		&idStr, &loanIDStr, &inst.Number, &inst.DueDate, &inst.Amount, &inst.Principal,
		&inst.Interest, &inst.LateFeeAssessed, &inst.AmountPaid, &inst.PrincipalPaid,
		&inst.LateFeesPaid, &status, &paymentType, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	inst.ID = uuid.MustParse(idStr)
	inst.LoanID = uuid.MustParse(loanIDStr)
	inst.Status = models.InstallmentStatus(status)
	inst.PaymentType = models.PaymentClass(paymentType)
	inst.PaidAt = timePtr(paidAt)
	return &inst, nil
}

func (t *sqliteTx) GetInstallments(loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := t.tx.Query(
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY due_date ASC, number ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

func (t *sqliteTx) CountInstallments(loanID uuid.UUID) (int, error) {
	var count int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM installments WHERE loan_id = ?`, loanID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count installments: %w", err)
	}
	return count, nil
}

func (t *sqliteTx) UpdateInstallment(inst *models.Installment) error {
	result, err := t.tx.Exec(
		`UPDATE installments SET number = ?, due_date = ?, amount = ?, principal = ?, interest = ?,
			late_fee_assessed = ?, amount_paid = ?, principal_paid = ?, late_fees_paid = ?,
			status = ?, payment_type = ?, paid_at = ? WHERE id = ?`,
		inst.Number, inst.DueDate, inst.Amount, inst.Principal, inst.Interest, inst.LateFeeAssessed,
		inst.AmountPaid, inst.PrincipalPaid, inst.LateFeesPaid, string(inst.Status),
		string(inst.PaymentType), inst.PaidAt, inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInstallmentNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteInstallment(id uuid.UUID) error {
	result, err := t.tx.Exec(`DELETE FROM installments WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete installment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInstallmentNotFound
	}
	return nil
}

func (t *sqliteTx) CreateTransaction(txn *models.PaymentTransaction) error {
	_, err := t.tx.Exec(
		`INSERT INTO transactions (id, loan_id, amount, type, status, processed_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.LoanID.String(), txn.Amount, string(txn.Type), string(txn.Status),
		txn.ProcessedAt, txn.Metadata, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func scanTransaction(scan func(dest ...any) error) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	var idStr, loanIDStr, txType, status string
	err := scan(&idStr, &loanIDStr, &txn.Amount, &txType, &status, &txn.ProcessedAt, &txn.Metadata, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	txn.ID = uuid.MustParse(idStr)
	txn.LoanID = uuid.MustParse(loanIDStr)
	txn.Type = models.TransactionType(txType)
	txn.Status = models.TransactionStatus(status)
	return &txn, nil
}

func (t *sqliteTx) GetTransaction(id uuid.UUID) (*models.PaymentTransaction, error) {
	row := t.tx.QueryRow(
		`SELECT id, loan_id, amount, type, status, processed_at, metadata, created_at FROM transactions WHERE id = ?`,
		id.String(),
	)
	txn, err := scanTransaction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

func (t *sqliteTx) UpdateTransaction(txn *models.PaymentTransaction) error {
	result, err := t.tx.Exec(
		`UPDATE transactions SET status = ?, metadata = ?, processed_at = ? WHERE id = ?`,
		string(txn.Status), txn.Metadata, txn.ProcessedAt, txn.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *sqliteTx) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.PaymentTransaction, error) {
	rows, err := t.tx.Query(
		`SELECT id, loan_id, amount, type, status, processed_at, metadata, created_at
		FROM transactions WHERE loan_id = ? ORDER BY processed_at ASC, created_at ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var txns []*models.PaymentTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (t *sqliteTx) GetLateFeeRecord(loanID uuid.UUID) (*models.LateFeeRecord, error) {
	var rec models.LateFeeRecord
	var loanIDStr string
	row := t.tx.QueryRow(
		`SELECT loan_id, grace_period_days, grace_fees_total, accrued_fees_total, status, updated_at
		FROM late_fee_records WHERE loan_id = ?`,
		loanID.String(),
	)
	err := row.Scan(&loanIDStr, &rec.GracePeriodDays, &rec.GraceFeesTotal, &rec.AccruedFeesTotal, &rec.Status, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get late fee record: %w", err)
	}
	rec.LoanID = uuid.MustParse(loanIDStr)
	return &rec, nil
}

func (t *sqliteTx) UpsertLateFeeRecord(rec *models.LateFeeRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO late_fee_records (loan_id, grace_period_days, grace_fees_total, accrued_fees_total, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(loan_id) DO UPDATE SET grace_period_days = excluded.grace_period_days,
			grace_fees_total = excluded.grace_fees_total, accrued_fees_total = excluded.accrued_fees_total,
			status = excluded.status, updated_at = excluded.updated_at`,
		rec.LoanID.String(), rec.GracePeriodDays, rec.GraceFeesTotal, rec.AccruedFeesTotal, rec.Status, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert late fee record: %w", err)
	}
	return nil
}

func (t *sqliteTx) AppendDefaultLog(entry *models.DefaultLog) error {
	_, err := t.tx.Exec(
		`INSERT INTO default_logs (id, loan_id, event, reason, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.LoanID.String(), string(entry.Event), entry.Reason, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append default log: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetDefaultLogs(loanID uuid.UUID) ([]*models.DefaultLog, error) {
	rows, err := t.tx.Query(
		`SELECT id, loan_id, event, reason, metadata, created_at FROM default_logs WHERE loan_id = ? ORDER BY created_at ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get default logs for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var entries []*models.DefaultLog
	for rows.Next() {
		var entry models.DefaultLog
		var idStr, loanIDStr, event string
		if err := rows.Scan(&idStr, &loanIDStr, &event, &entry.Reason, &entry.Metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan default log row: %w", err)
		}
		entry.ID = uuid.MustParse(idStr)
		entry.LoanID = uuid.MustParse(loanIDStr)
		entry.Event = models.DefaultEvent(event)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (t *sqliteTx) AppendHistory(entry *models.HistoryEntry) error {
	_, err := t.tx.Exec(
		`INSERT INTO history (id, loan_id, previous_status, new_status, actor, reason, notes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.LoanID.String(), entry.PreviousStatus, entry.NewStatus,
		entry.Actor, entry.Reason, entry.Notes, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetHistory(loanID uuid.UUID) ([]*models.HistoryEntry, error) {
	rows, err := t.tx.Query(
		`SELECT id, loan_id, previous_status, new_status, actor, reason, notes, metadata, created_at
		FROM history WHERE loan_id = ? ORDER BY created_at ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get history for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &entry.PreviousStatus, &entry.NewStatus,
			&entry.Actor, &entry.Reason, &entry.Notes, &entry.Metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entry.ID = uuid.MustParse(idStr)
		entry.LoanID = uuid.MustParse(loanIDStr)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
