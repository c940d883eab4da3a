package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pinjamin/ledger/pkg/models"
	"github.com/pinjamin/ledger/pkg/store"
)

// memStore is an in-memory store.Storage for ledger tests. It hands out
// copies on reads so mutations only stick through the Update methods, the
// same contract the SQLite store gives the core.
type memStore struct {
	loans        map[uuid.UUID]models.Loan
	installments map[uuid.UUID]models.Installment
	transactions map[uuid.UUID]models.PaymentTransaction
	lateFees     map[uuid.UUID]models.LateFeeRecord
	defaultLogs  []models.DefaultLog
	history      []models.HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		loans:        make(map[uuid.UUID]models.Loan),
		installments: make(map[uuid.UUID]models.Installment),
		transactions: make(map[uuid.UUID]models.PaymentTransaction),
		lateFees:     make(map[uuid.UUID]models.LateFeeRecord),
	}
}

func (m *memStore) RunInTransaction(_ context.Context, fn func(tx store.LedgerTx) error) error {
	return fn(m)
}

func (m *memStore) Close() error { return nil }

func (m *memStore) CreateLoan(loan *models.Loan) error {
	if _, ok := m.loans[loan.ID]; ok {
		return fmt.Errorf("loan %s already exists", loan.ID)
	}
	m.loans[loan.ID] = *loan
	return nil
}

func (m *memStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	return &loan, nil
}

func (m *memStore) UpdateLoan(loan *models.Loan) error {
	if _, ok := m.loans[loan.ID]; !ok {
		return store.ErrLoanNotFound
	}
	m.loans[loan.ID] = *loan
	return nil
}

func (m *memStore) GetAllLoans() ([]*models.Loan, error) {
	loans := make([]*models.Loan, 0, len(m.loans))
	for id := range m.loans {
		loan := m.loans[id]
		loans = append(loans, &loan)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (m *memStore) GetNonTerminalLoanIDs() ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, loan := range m.loans {
		if !loan.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) CreateInstallments(installments []*models.Installment) error {
	for _, inst := range installments {
		if _, ok := m.installments[inst.ID]; ok {
			return fmt.Errorf("installment %s already exists", inst.ID)
		}
		m.installments[inst.ID] = *inst
	}
	return nil
}

func (m *memStore) GetInstallments(loanID uuid.UUID) ([]*models.Installment, error) {
	var out []*models.Installment
	for id := range m.installments {
		if m.installments[id].LoanID != loanID {
			continue
		}
		inst := m.installments[id]
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *memStore) CountInstallments(loanID uuid.UUID) (int, error) {
	count := 0
	for _, inst := range m.installments {
		if inst.LoanID == loanID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) UpdateInstallment(installment *models.Installment) error {
	if _, ok := m.installments[installment.ID]; !ok {
		return store.ErrInstallmentNotFound
	}
	m.installments[installment.ID] = *installment
	return nil
}

func (m *memStore) DeleteInstallment(id uuid.UUID) error {
	if _, ok := m.installments[id]; !ok {
		return store.ErrInstallmentNotFound
	}
	delete(m.installments, id)
	return nil
}

func (m *memStore) CreateTransaction(txn *models.PaymentTransaction) error {
	if _, ok := m.transactions[txn.ID]; ok {
		return fmt.Errorf("transaction %s already exists", txn.ID)
	}
	m.transactions[txn.ID] = *txn
	return nil
}

func (m *memStore) GetTransaction(id uuid.UUID) (*models.PaymentTransaction, error) {
	txn, ok := m.transactions[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return &txn, nil
}

func (m *memStore) UpdateTransaction(txn *models.PaymentTransaction) error {
	if _, ok := m.transactions[txn.ID]; !ok {
		return store.ErrTransactionNotFound
	}
	m.transactions[txn.ID] = *txn
	return nil
}

func (m *memStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.PaymentTransaction, error) {
	var out []*models.PaymentTransaction
	for id := range m.transactions {
		if m.transactions[id].LoanID != loanID {
			continue
		}
		txn := m.transactions[id]
		out = append(out, &txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.Before(out[j].ProcessedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) GetLateFeeRecord(loanID uuid.UUID) (*models.LateFeeRecord, error) {
	rec, ok := m.lateFees[loanID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) UpsertLateFeeRecord(rec *models.LateFeeRecord) error {
	m.lateFees[rec.LoanID] = *rec
	return nil
}

func (m *memStore) AppendDefaultLog(entry *models.DefaultLog) error {
	m.defaultLogs = append(m.defaultLogs, *entry)
	return nil
}

func (m *memStore) GetDefaultLogs(loanID uuid.UUID) ([]*models.DefaultLog, error) {
	var out []*models.DefaultLog
	for i := range m.defaultLogs {
		if m.defaultLogs[i].LoanID == loanID {
			entry := m.defaultLogs[i]
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (m *memStore) AppendHistory(entry *models.HistoryEntry) error {
	m.history = append(m.history, *entry)
	return nil
}

func (m *memStore) GetHistory(loanID uuid.UUID) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	for i := range m.history {
		if m.history[i].LoanID == loanID {
			entry := m.history[i]
			out = append(out, &entry)
		}
	}
	return out, nil
}
