package store_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
	"github.com/finmgr/balance-engine/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMemory_BalanceRoundTrip(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PersistBalance(ctx, "a", dec("100")))
	require.NoError(t, m.PersistBalances(ctx, map[finance.AccountID]decimal.Decimal{
		"a": dec("90"),
		"b": dec("10"),
	}))

	got, err := m.LoadBalances(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, dec("90").Equal(got["a"]), "the batch should overwrite the single write")
}

func TestMemory_LoadAccountsMergesPersistedBalances(t *testing.T) {
	// GIVEN: Two registry records and one persisted balance
	// WHEN: Loading the seed set
	// THEN: Accounts come back sorted, with the persisted value applied

	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveAccounts(ctx, []finance.Account{
		{ID: "b", Currency: "USD", Balance: dec("5")},
		{ID: "a", Currency: "USD", Balance: dec("1")},
	}))
	require.NoError(t, m.PersistBalance(ctx, "a", dec("42")))

	accounts, err := m.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, finance.AccountID("a"), accounts[0].ID)
	assert.True(t, dec("42").Equal(accounts[0].Balance))
	assert.True(t, dec("5").Equal(accounts[1].Balance), "no persisted value keeps the snapshot")
}

func TestMemory_LoadedAccountsAreIsolatedCopies(t *testing.T) {
	// GIVEN: A stored deposit account
	// WHEN: Mutating the loaded record's pointers
	// THEN: The stored record is unaffected

	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveAccount(ctx, finance.Account{
		ID:       "d",
		Currency: "USD",
		Deposit:  &finance.DepositInfo{Principal: dec("1000")},
	}))

	loaded, err := m.LoadAccounts(ctx)
	require.NoError(t, err)
	loaded[0].Deposit.Principal = dec("0")

	again, err := m.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(again[0].Deposit.Principal))
}

func TestMemory_ModesAndDelete(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveAccount(ctx, finance.Account{ID: "a", Currency: "USD"}))
	require.NoError(t, m.PersistBalance(ctx, "a", dec("7")))
	require.NoError(t, m.SaveCalculationMode(ctx, "a", balance.ModePreserveImported))

	modes, err := m.LoadModes(ctx)
	require.NoError(t, err)
	assert.Equal(t, balance.ModePreserveImported, modes["a"])

	require.NoError(t, m.DeleteAccount(ctx, "a"))

	accounts, err := m.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	modes, err = m.LoadModes(ctx)
	require.NoError(t, err)
	assert.Empty(t, modes)

	assert.ErrorIs(t, m.DeleteAccount(ctx, "a"), store.ErrAccountNotFound)
}
