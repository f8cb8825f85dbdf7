/*
scenarios_test.go - Unit tests for demo scenarios

Tests that each scenario sets up the expected state:
- Accounts are registered and persisted
- Transactions are applied and balances match expected values
- Deposit and import modes are configured correctly
- Loading and resetting replaces prior state cleanly
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmgr/balance-engine/balance"
)

func loadScenario(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_EverydaySpending(t *testing.T) {
	// GIVEN: A fresh server
	// WHEN: Loading the everyday-spending scenario
	// THEN: Checking and savings carry a month of activity

	router, registry := newTestServer(t)
	loadScenario(t, router, "everyday-spending")

	// Checking: 1200 start, +3200 salary, -950 rent, -86.40 and -102.15
	// groceries, -64 dinner, -400 transferred out.
	var checking BalanceDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances/checking", nil), &checking)
	assert.True(t, checking.Balance.Equal(dec("2797.45")), "checking = %s", checking.Balance)
	assert.Equal(t, string(balance.ModeFromInitialBalance), checking.Mode)

	// Savings: 5000 start plus the 400 transferred in.
	var savings BalanceDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances/savings", nil), &savings)
	assert.True(t, savings.Balance.Equal(dec("5400")), "savings = %s", savings.Balance)

	// Registry holds both records with their display names.
	persisted, err := registry.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	names := map[string]string{}
	for _, acct := range persisted {
		names[string(acct.ID)] = acct.Name
	}
	assert.Equal(t, "Everyday Checking", names["checking"])
	assert.Equal(t, "Rainy Day Savings", names["savings"])
}

func TestScenario_TermDeposit(t *testing.T) {
	// GIVEN: A fresh server
	// WHEN: Loading the term-deposit scenario
	// THEN: Interest capitalizes into principal and the withdrawal drains it

	router, _ := newTestServer(t)
	loadScenario(t, router, "term-deposit")

	// 10000 principal, +35.42 and +41.87 capitalized interest, +2000
	// top-up, -500 withdrawal.
	var dto BalanceDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances/term-deposit", nil), &dto)
	assert.True(t, dto.IsDeposit)
	assert.True(t, dto.Balance.Equal(dec("11577.29")), "balance = %s", dto.Balance)

	require.NotNil(t, dto.Deposit)
	assert.True(t, dto.Deposit.Principal.Equal(dec("11577.29")), "principal = %s", dto.Deposit.Principal)
	assert.True(t, dto.Deposit.AccruedInterest.IsZero(), "accrued = %s", dto.Deposit.AccruedInterest)
	assert.True(t, dto.Deposit.CapitalizationEnabled)
}

func TestScenario_BankImport(t *testing.T) {
	// GIVEN: A fresh server
	// WHEN: Loading the bank-import scenario
	// THEN: The imported balance anchors the account and live events layer on top

	router, registry := newTestServer(t)
	loadScenario(t, router, "bank-import")

	// -423.77 imported, -4.80 coffee, +29.99 refund.
	var dto BalanceDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances/imported-card", nil), &dto)
	assert.True(t, dto.Balance.Equal(dec("-398.58")), "balance = %s", dto.Balance)
	assert.Equal(t, string(balance.ModePreserveImported), dto.Mode)
	assert.Equal(t, "USD", dto.Currency)

	// The mode is persisted so a restart keeps trusting the import.
	modes, err := registry.LoadModes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, balance.ModePreserveImported, modes["imported-card"])
}

func TestScenario_LoadReplacesPreviousState(t *testing.T) {
	// GIVEN: One scenario already loaded
	// WHEN: Loading another
	// THEN: The first scenario's accounts are gone

	router, registry := newTestServer(t)
	loadScenario(t, router, "everyday-spending")
	loadScenario(t, router, "term-deposit")

	rec := doRequest(t, router, http.MethodGet, "/api/balances/checking", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var listed []BalanceSummaryDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances", nil), &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "term-deposit", listed[0].AccountID)

	persisted, err := registry.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestScenario_UnknownID(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "time-travel"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_ListAndCurrent(t *testing.T) {
	// GIVEN: A fresh server with nothing loaded
	router, _ := newTestServer(t)

	var listed []ScenarioDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/scenarios", nil), &listed)
	require.Len(t, listed, 3)
	assert.Equal(t, "everyday-spending", listed[0].ID)
	assert.Equal(t, "term-deposit", listed[1].ID)
	assert.Equal(t, "bank-import", listed[2].ID)

	// Nothing loaded yet
	var current ScenarioDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/scenarios/current", nil), &current)
	assert.Empty(t, current.ID)

	// WHEN: Loading a scenario
	loadScenario(t, router, "bank-import")

	// THEN: Current tracks it
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/scenarios/current", nil), &current)
	assert.Equal(t, "bank-import", current.ID)
	assert.Equal(t, "Bank Import", current.Name)
}

func TestScenario_ResetClearsEverything(t *testing.T) {
	// GIVEN: A loaded scenario
	router, registry := newTestServer(t)
	loadScenario(t, router, "everyday-spending")

	// WHEN: Resetting
	rec := doRequest(t, router, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: No live accounts, empty registry, no current scenario
	var listed []BalanceSummaryDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances", nil), &listed)
	assert.Empty(t, listed)

	persisted, err := registry.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, persisted)

	var current ScenarioDTO
	decodeBody(t, doRequest(t, router, http.MethodGet, "/api/scenarios/current", nil), &current)
	assert.Empty(t, current.ID)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	// GIVEN: All available scenarios
	// WHEN: Loading each on a fresh server
	// THEN: None should error

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			router, _ := newTestServer(t)
			loadScenario(t, router, s.ID)

			var listed []BalanceSummaryDTO
			decodeBody(t, doRequest(t, router, http.MethodGet, "/api/balances", nil), &listed)
			assert.NotEmpty(t, listed)
		})
	}
}
