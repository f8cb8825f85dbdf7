// Package store provides Repository implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[finance.AccountID]finance.Account
	balances map[finance.AccountID]decimal.Decimal
	modes    map[finance.AccountID]balance.Mode
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[finance.AccountID]finance.Account),
		balances: make(map[finance.AccountID]decimal.Decimal),
		modes:    make(map[finance.AccountID]balance.Mode),
	}
}

// PersistBalance stores one current balance.
func (m *Memory) PersistBalance(_ context.Context, id finance.AccountID, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[id] = value
	return nil
}

// PersistBalances stores a batch of balances atomically.
func (m *Memory) PersistBalances(_ context.Context, values map[finance.AccountID]decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range values {
		m.balances[id] = v
	}
	return nil
}

// LoadBalances returns every persisted balance.
func (m *Memory) LoadBalances(_ context.Context) (map[finance.AccountID]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[finance.AccountID]decimal.Decimal, len(m.balances))
	for id, v := range m.balances {
		out[id] = v
	}
	return out, nil
}

// SaveAccount upserts one registry record.
func (m *Memory) SaveAccount(_ context.Context, acct finance.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(acct)
	return nil
}

// SaveAccounts upserts a batch of registry records atomically.
func (m *Memory) SaveAccounts(_ context.Context, accts []finance.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range accts {
		m.saveLocked(acct)
	}
	return nil
}

func (m *Memory) saveLocked(acct finance.Account) {
	if acct.InitialBalance != nil {
		v := *acct.InitialBalance
		acct.InitialBalance = &v
	}
	if acct.Deposit != nil {
		acct.Deposit = acct.Deposit.Clone()
	}
	m.accounts[acct.ID] = acct
}

// LoadAccounts returns every registry record, sorted by id, with Balance
// replaced by the persisted value when one exists. This is the seed set
// for registration on startup.
func (m *Memory) LoadAccounts(_ context.Context) ([]finance.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]finance.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if v, ok := m.balances[acct.ID]; ok {
			acct.Balance = v
		}
		if acct.InitialBalance != nil {
			iv := *acct.InitialBalance
			acct.InitialBalance = &iv
		}
		if acct.Deposit != nil {
			acct.Deposit = acct.Deposit.Clone()
		}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateDeposit rewrites the deposit terms of an existing account, leaving
// the rest of the registry record untouched.
func (m *Memory) UpdateDeposit(_ context.Context, id finance.AccountID, info finance.DepositInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Deposit = info.Clone()
	m.accounts[id] = acct
	return nil
}

// DeleteAccount removes the registry record, balance, and mode together.
func (m *Memory) DeleteAccount(_ context.Context, id finance.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	delete(m.accounts, id)
	delete(m.balances, id)
	delete(m.modes, id)
	return nil
}

// SaveCalculationMode persists the account's derivation mode.
func (m *Memory) SaveCalculationMode(_ context.Context, id finance.AccountID, mode balance.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[id] = mode
	return nil
}

// LoadModes returns every persisted mode override.
func (m *Memory) LoadModes(_ context.Context) (map[finance.AccountID]balance.Mode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[finance.AccountID]balance.Mode, len(m.modes))
	for id, mode := range m.modes {
		out[id] = mode
	}
	return out, nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[finance.AccountID]finance.Account)
	m.balances = make(map[finance.AccountID]decimal.Decimal)
	m.modes = make(map[finance.AccountID]balance.Mode)
	return nil
}

// Close satisfies the persistence lifecycle; nothing to release.
func (m *Memory) Close() error { return nil }
