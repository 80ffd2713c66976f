package store

import (
	"context"
	"sync"

	"github.com/decoupledfin/walletcore/internal/clock"
	"github.com/decoupledfin/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store with the same commit/abort semantics as the
// Postgres implementation. Units of work hold the store lock for their whole
// duration, so they serialize; mutations stage in the tx and only become
// visible on commit.
type Memory struct {
	clk clock.Clock

	mu          sync.Mutex
	accounts    map[int64]domain.Account
	userToAcct  map[int64]int64
	entries     []domain.Entry
	settlements map[string]struct{}
	nextAcctID  int64
	nextEntryID int64
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:         clk,
		accounts:    make(map[int64]domain.Account),
		userToAcct:  make(map[int64]int64),
		settlements: make(map[string]struct{}),
		nextAcctID:  1,
		nextEntryID: 1,
	}
}

func (m *Memory) CreateAccount(ctx context.Context, userID int64, opening decimal.Decimal) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.userToAcct[userID]; ok {
		return domain.Account{}, ErrAccountExists
	}
	acc := domain.Account{
		ID:        m.nextAcctID,
		UserID:    userID,
		Balance:   opening,
		CreatedAt: m.clk.Now(),
	}
	m.nextAcctID++
	m.accounts[acc.ID] = acc
	m.userToAcct[userID] = acc.ID
	return acc, nil
}

func (m *Memory) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (m *Memory) EntriesByAccount(ctx context.Context, accountID int64) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	var out []domain.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == accountID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *Memory) EntriesByReference(ctx context.Context, reference string) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesByReferenceLocked(reference), nil
}

func (m *Memory) entriesByReferenceLocked(reference string) []domain.Entry {
	var out []domain.Entry
	for _, e := range m.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:    m,
		balances: make(map[int64]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit: publish staged state.
	for id, bal := range tx.balances {
		acc := m.accounts[id]
		acc.Balance = bal
		m.accounts[id] = acc
	}
	m.entries = append(m.entries, tx.entries...)
	for _, ref := range tx.settlements {
		m.settlements[ref] = struct{}{}
	}
	return nil
}

type memTx struct {
	store       *Memory
	balances    map[int64]decimal.Decimal
	entries     []domain.Entry
	settlements []string
}

func (t *memTx) currentBalance(accountID int64) (decimal.Decimal, bool) {
	if bal, ok := t.balances[accountID]; ok {
		return bal, true
	}
	acc, ok := t.store.accounts[accountID]
	if !ok {
		return decimal.Zero, false
	}
	return acc.Balance, true
}

func (t *memTx) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	balance, ok := t.currentBalance(accountID)
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	newBalance := balance.Add(delta)
	if newBalance.IsNegative() {
		return decimal.Zero, ErrInsufficientFunds
	}
	t.balances[accountID] = newBalance
	return newBalance, nil
}

func (t *memTx) AppendEntry(ctx context.Context, e domain.Entry) (int64, error) {
	e.ID = t.store.nextEntryID
	t.store.nextEntryID++
	t.entries = append(t.entries, e)
	return e.ID, nil
}

func (t *memTx) EntriesByReference(ctx context.Context, reference string) ([]domain.Entry, error) {
	out := t.store.entriesByReferenceLocked(reference)
	for _, e := range t.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) ReversalExists(ctx context.Context, originalReference string) (bool, error) {
	match := func(e domain.Entry) bool {
		return e.Purpose == domain.PurposeReversal &&
			e.Metadata[domain.MetaOriginalReference] == originalReference
	}
	for _, e := range t.store.entries {
		if match(e) {
			return true, nil
		}
	}
	for _, e := range t.entries {
		if match(e) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) RecordSettlement(ctx context.Context, externalReference string) error {
	if _, ok := t.store.settlements[externalReference]; ok {
		return ErrAlreadySettled
	}
	for _, ref := range t.settlements {
		if ref == externalReference {
			return ErrAlreadySettled
		}
	}
	t.settlements = append(t.settlements, externalReference)
	return nil
}
