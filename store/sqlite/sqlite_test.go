package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
	"github.com/finmgr/balance-engine/store"
	"github.com/finmgr/balance-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestStore_NewCreatesDatabaseDirectory(t *testing.T) {
	// GIVEN: A database path under a directory that does not exist yet
	// WHEN: Opening the store
	// THEN: The directory is created and the database is usable

	path := filepath.Join(t.TempDir(), "nested", "balances.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.NoError(t, s.PersistBalance(context.Background(), "a", dec("1")))
}

func TestStore_PersistBalanceRoundTrip(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Persisting a balance twice for the same account
	// THEN: Loading returns the latest value only

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistBalance(ctx, "checking", dec("1000.50")))
	require.NoError(t, s.PersistBalance(ctx, "checking", dec("842.13")))

	got, err := s.LoadBalances(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, dec("842.13").Equal(got["checking"]), "got %s", got["checking"])
}

func TestStore_PersistBalancesBatch(t *testing.T) {
	// GIVEN: Three balances in one batch
	// WHEN: Persisting and loading
	// THEN: All three round-trip

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistBalances(ctx, map[finance.AccountID]decimal.Decimal{
		"a": dec("1"),
		"b": dec("-2.5"),
		"c": dec("0"),
	}))

	got, err := s.LoadBalances(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, dec("-2.5").Equal(got["b"]))
}

func TestStore_AccountsRoundTripWithPersistedBalance(t *testing.T) {
	// GIVEN: A saved registry record and a separately persisted balance
	// WHEN: Loading accounts
	// THEN: The persisted balance wins over the registry snapshot value

	s := newTestStore(t)
	ctx := context.Background()

	initial := dec("1000")
	require.NoError(t, s.SaveAccounts(ctx, []finance.Account{
		{ID: "checking", Name: "Checking", Currency: "USD", Balance: dec("1000"), InitialBalance: &initial},
	}))
	require.NoError(t, s.PersistBalance(ctx, "checking", dec("750")))

	accounts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	got := accounts[0]
	assert.Equal(t, finance.AccountID("checking"), got.ID)
	assert.Equal(t, "USD", got.Currency)
	assert.True(t, dec("750").Equal(got.Balance), "persisted balance should seed, got %s", got.Balance)
	require.NotNil(t, got.InitialBalance)
	assert.True(t, dec("1000").Equal(*got.InitialBalance))
	assert.Nil(t, got.Deposit)
}

func TestStore_DepositTermsRoundTrip(t *testing.T) {
	// GIVEN: A deposit account with all buckets set
	// WHEN: Saving and loading
	// THEN: Every deposit field survives

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, finance.Account{
		ID:       "deposit",
		Currency: "EUR",
		Deposit: &finance.DepositInfo{
			Principal:             dec("5000"),
			AccruedInterest:       dec("37.21"),
			CapitalizationEnabled: true,
			AnnualRate:            dec("0.045"),
		},
	}))

	accounts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	info := accounts[0].Deposit
	require.NotNil(t, info)
	assert.True(t, dec("5000").Equal(info.Principal))
	assert.True(t, dec("37.21").Equal(info.AccruedInterest))
	assert.True(t, info.CapitalizationEnabled)
	assert.True(t, dec("0.045").Equal(info.AnnualRate))
}

func TestStore_CalculationModes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCalculationMode(ctx, "imported", balance.ModePreserveImported))
	require.NoError(t, s.SaveCalculationMode(ctx, "imported", balance.ModeFromInitialBalance))
	require.NoError(t, s.SaveCalculationMode(ctx, "other", balance.ModePreserveImported))

	modes, err := s.LoadModes(ctx)
	require.NoError(t, err)
	assert.Equal(t, balance.ModeFromInitialBalance, modes["imported"], "the upsert should keep the latest mode")
	assert.Equal(t, balance.ModePreserveImported, modes["other"])
}

func TestStore_DeleteAccountRemovesAllRows(t *testing.T) {
	// GIVEN: An account with a registry row, a balance, and a mode
	// WHEN: Deleting it
	// THEN: All three tables drop the account together

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, finance.Account{ID: "doomed", Currency: "USD"}))
	require.NoError(t, s.PersistBalance(ctx, "doomed", dec("10")))
	require.NoError(t, s.SaveCalculationMode(ctx, "doomed", balance.ModePreserveImported))

	require.NoError(t, s.DeleteAccount(ctx, "doomed"))

	accounts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	balances, err := s.LoadBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, balances)

	modes, err := s.LoadModes(ctx)
	require.NoError(t, err)
	assert.Empty(t, modes)

	assert.ErrorIs(t, s.DeleteAccount(ctx, "doomed"), store.ErrAccountNotFound)
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, finance.Account{ID: "a", Currency: "USD"}))
	require.NoError(t, s.PersistBalance(ctx, "a", dec("1")))

	require.NoError(t, s.Reset(ctx))

	accounts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
