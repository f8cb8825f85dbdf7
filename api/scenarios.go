/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the coordinator and registry
	with realistic data for testing and demos. Each scenario registers
	accounts and plays a stream of transaction events that demonstrate
	specific features.

AVAILABLE SCENARIOS:

	everyday-spending: Checking + savings, a month of income and expenses
	term-deposit:      Deposit account with top-ups and interest accruals
	bank-import:       Imported account trusting its external balance

HOW SCENARIOS WORK:
 1. Reset state (registry cleared, accounts deregistered)
 2. Register scenario accounts (coordinator + registry)
 3. Submit transaction events at normal priority
 4. Flush so balances are settled before responding

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "everyday-spending"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset all state. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: writeJSON/writeError helpers
  - server.go: /api/scenarios routes
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "everyday-spending",
		Name:        "Everyday Spending",
		Description: "Checking and savings accounts with a month of income, expenses, and a transfer",
		Category:    "accounts",
	},
	{
		ID:          "term-deposit",
		Name:        "Term Deposit",
		Description: "Deposit account with top-ups, monthly interest accruals, and a withdrawal",
		Category:    "deposits",
	},
	{
		ID:          "bank-import",
		Name:        "Bank Import",
		Description: "Imported card trusting its external balance, with live events layered on top",
		Category:    "import",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	// Find the scenario details
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.resetAll(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset state", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "everyday-spending":
		err = h.loadEverydaySpendingScenario(ctx)
	case "term-deposit":
		err = h.loadTermDepositScenario(ctx)
	case "bank-import":
		err = h.loadBankImportScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	// Track the loaded scenario
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetState clears the registry and deregisters every account.
// POST /api/scenarios/reset
func (h *Handler) ResetState(w http.ResponseWriter, r *http.Request) {
	if err := h.resetAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) resetAll(ctx context.Context) error {
	h.Coordinator.CancelAllPending()
	for _, id := range h.Coordinator.AccountIDs() {
		if err := h.Coordinator.RemoveAccount(id); err != nil {
			return err
		}
	}
	h.currentScenario = ""
	return h.Registry.Reset(ctx)
}

// registerAndSave registers accounts with the coordinator and persists
// the registry records.
func (h *Handler) registerAndSave(ctx context.Context, accounts []finance.Account) error {
	if err := h.Coordinator.RegisterAccounts(accounts); err != nil {
		return err
	}
	return h.Registry.SaveAccounts(ctx, accounts)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadEverydaySpendingScenario(ctx context.Context) error {
	initialChecking := decimal.NewFromInt(1200)
	initialSavings := decimal.NewFromInt(5000)

	accounts := []finance.Account{
		{
			ID:             "checking",
			Name:           "Everyday Checking",
			Currency:       "EUR",
			Balance:        initialChecking,
			InitialBalance: &initialChecking,
		},
		{
			ID:             "savings",
			Name:           "Rainy Day Savings",
			Currency:       "EUR",
			Balance:        initialSavings,
			InitialBalance: &initialSavings,
		},
	}
	if err := h.registerAndSave(ctx, accounts); err != nil {
		return err
	}

	// One month of activity. Salary in, rent and groceries out, and a
	// transfer into savings at the end of the month. The previous year
	// keeps every event in the past no matter when the scenario loads.
	year := time.Now().Year() - 1
	txs := []finance.Transaction{
		{
			ID:        "tx-salary",
			Date:      time.Date(year, time.March, 1, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxIncome,
			AccountID: "checking",
			Amount:    decimal.NewFromInt(3200),
			Currency:  "EUR",
		},
		{
			ID:        "tx-rent",
			Date:      time.Date(year, time.March, 3, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxExpense,
			AccountID: "checking",
			Amount:    decimal.NewFromInt(950),
			Currency:  "EUR",
		},
		{
			ID:        "tx-groceries-1",
			Date:      time.Date(year, time.March, 7, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxExpense,
			AccountID: "checking",
			Amount:    decimal.RequireFromString("86.40"),
			Currency:  "EUR",
		},
		{
			ID:        "tx-groceries-2",
			Date:      time.Date(year, time.March, 14, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxExpense,
			AccountID: "checking",
			Amount:    decimal.RequireFromString("102.15"),
			Currency:  "EUR",
		},
		{
			ID:        "tx-dinner",
			Date:      time.Date(year, time.March, 21, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxExpense,
			AccountID: "checking",
			Amount:    decimal.RequireFromString("64.00"),
			Currency:  "EUR",
		},
		{
			ID:              "tx-save",
			Date:            time.Date(year, time.March, 28, 0, 0, 0, 0, time.UTC),
			Type:            finance.TxTransfer,
			AccountID:       "checking",
			TargetAccountID: "savings",
			Amount:          decimal.NewFromInt(400),
			Currency:        "EUR",
		},
	}
	if err := h.Coordinator.UpdateForTransactions(txs, balance.OpAdd, balance.PriorityNormal); err != nil {
		return err
	}
	return h.Coordinator.Flush()
}

func (h *Handler) loadTermDepositScenario(ctx context.Context) error {
	accounts := []finance.Account{
		{
			ID:       "term-deposit",
			Name:     "12-Month Term Deposit",
			Currency: "EUR",
			Deposit: &finance.DepositInfo{
				Principal:             decimal.NewFromInt(10000),
				AnnualRate:            decimal.RequireFromString("0.042"),
				CapitalizationEnabled: true,
			},
		},
	}
	if err := h.registerAndSave(ctx, accounts); err != nil {
		return err
	}

	// Two months of deposit life: interest postings, a top-up, and a
	// partial withdrawal.
	year := time.Now().Year() - 1
	txs := []finance.Transaction{
		{
			ID:        "tx-interest-jan",
			Date:      time.Date(year, time.January, 31, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxDepositInterest,
			AccountID: "term-deposit",
			Amount:    decimal.RequireFromString("35.42"),
			Currency:  "EUR",
		},
		{
			ID:        "tx-topup",
			Date:      time.Date(year, time.February, 10, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxDepositTopUp,
			AccountID: "term-deposit",
			Amount:    decimal.NewFromInt(2000),
			Currency:  "EUR",
		},
		{
			ID:        "tx-interest-feb",
			Date:      time.Date(year, time.February, 28, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxDepositInterest,
			AccountID: "term-deposit",
			Amount:    decimal.RequireFromString("41.87"),
			Currency:  "EUR",
		},
		{
			ID:        "tx-withdrawal",
			Date:      time.Date(year, time.March, 15, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxDepositWithdrawal,
			AccountID: "term-deposit",
			Amount:    decimal.NewFromInt(500),
			Currency:  "EUR",
		},
	}
	if err := h.Coordinator.UpdateForTransactions(txs, balance.OpAdd, balance.PriorityNormal); err != nil {
		return err
	}
	return h.Coordinator.Flush()
}

func (h *Handler) loadBankImportScenario(ctx context.Context) error {
	// The imported balance is the anchor; there is no initial balance to
	// derive from, so the account runs in preserveImported mode and only
	// post-import events move it.
	accounts := []finance.Account{
		{
			ID:       "imported-card",
			Name:     "Imported Credit Card",
			Currency: "USD",
			Balance:  decimal.RequireFromString("-423.77"),
		},
	}
	if err := h.registerAndSave(ctx, accounts); err != nil {
		return err
	}

	if err := h.Coordinator.MarkAsImported("imported-card"); err != nil {
		return err
	}
	if err := h.Registry.SaveCalculationMode(ctx, "imported-card", balance.ModePreserveImported); err != nil {
		return err
	}

	year := time.Now().Year() - 1
	txs := []finance.Transaction{
		{
			ID:        "tx-coffee",
			Date:      time.Date(year, time.April, 2, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxExpense,
			AccountID: "imported-card",
			Amount:    decimal.RequireFromString("4.80"),
			Currency:  "USD",
		},
		{
			ID:        "tx-refund",
			Date:      time.Date(year, time.April, 5, 0, 0, 0, 0, time.UTC),
			Type:      finance.TxIncome,
			AccountID: "imported-card",
			Amount:    decimal.RequireFromString("29.99"),
			Currency:  "USD",
		},
	}
	if err := h.Coordinator.UpdateForTransactions(txs, balance.OpAdd, balance.PriorityNormal); err != nil {
		return err
	}
	return h.Coordinator.Flush()
}
