/*
handlers.go - HTTP API handlers for the balance coordination subsystem

PURPOSE:
  Exposes the balance coordinator via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Balances:
    GET    /api/balances                      All current balances
    GET    /api/balances/{accountID}          One balance + cache metadata

  Accounts:
    GET    /api/accounts                      List registry records
    POST   /api/accounts                      Register a batch of accounts
    DELETE /api/accounts/{accountID}          Remove an account everywhere
    POST   /api/accounts/{accountID}/mode     Switch derivation mode
    PUT    /api/accounts/{accountID}/deposit  Replace deposit terms
    PUT    /api/accounts/{accountID}/balance  Manual balance override
    POST   /api/accounts/{accountID}/optimistic Apply an optimistic delta

  Transaction events:
    POST   /api/transactions/events           One lifecycle event
    POST   /api/transactions/events/batch     Batch add/remove

  Admin:
    POST   /api/admin/recalculate             Rebuild from full dataset
    POST   /api/admin/flush                   Wait for the queue to drain
    POST   /api/admin/cancel-pending          Drop queued work

  Optimistic:
    POST   /api/optimistic/{operationID}/revert Restore pre-update balance

  Diagnostics:
    GET    /api/statistics                    Operational counters
    GET    /api/records                       Recent update audit trail

  Scenarios:
    GET    /api/scenarios                     List demo scenarios
    POST   /api/scenarios/load                Load a demo scenario
    POST   /api/scenarios/reset               Clear all state

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Coordinator: the balance subsystem facade (authoritative reads/writes)
  - Registry: durable account registry and mode persistence

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call coordinator / registry
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, malformed update shapes
  - 404: Unknown account or operation
  - 500: Internal errors
  - 503: Coordinator shut down

WRITE SEMANTICS:
  Normal-priority transaction events are queued and answered with 202;
  the balance converges shortly after. "high" and "immediate" events,
  recalculations, and every direct write (mode, deposit, manual set,
  optimistic) complete before the response is written.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
	"github.com/finmgr/balance-engine/store"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Registry is the durable side of the account registry: snapshots,
// derivation modes, and the reset used by scenario loads. *store.Memory
// and *sqlite.Store both satisfy it.
type Registry interface {
	SaveAccount(ctx context.Context, acct finance.Account) error
	SaveAccounts(ctx context.Context, accts []finance.Account) error
	LoadAccounts(ctx context.Context) ([]finance.Account, error)
	UpdateDeposit(ctx context.Context, id finance.AccountID, info finance.DepositInfo) error
	DeleteAccount(ctx context.Context, id finance.AccountID) error
	SaveCalculationMode(ctx context.Context, id finance.AccountID, mode balance.Mode) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *balance.Coordinator
	Registry    Registry

	log *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

func NewHandler(coordinator *balance.Coordinator, registry Registry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Coordinator: coordinator,
		Registry:    registry,
		log:         log,
	}
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

// ListBalances returns the current balance of every registered account.
// GET /api/balances
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	ids := h.Coordinator.AccountIDs()

	out := make([]BalanceSummaryDTO, 0, len(ids))
	for _, id := range ids {
		ab, ok := h.Coordinator.Account(id)
		if !ok {
			continue
		}
		out = append(out, BalanceSummaryDTO{
			AccountID: string(id),
			Balance:   ab.CurrentBalance,
			IsDeposit: ab.IsDeposit,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// GetBalance returns one account's balance with cache freshness metadata.
// GET /api/balances/{accountID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := finance.AccountID(chi.URLParam(r, "accountID"))

	ab, ok := h.Coordinator.Account(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	dto := BalanceDTO{
		AccountID: string(ab.AccountID),
		Balance:   ab.CurrentBalance,
		Currency:  ab.Currency,
		IsDeposit: ab.IsDeposit,
		Deposit:   depositToDTO(ab.Deposit),
		Mode:      string(h.Coordinator.CalculationMode(id)),
	}
	if entry, ok := h.Coordinator.CacheEntry(id); ok {
		dto.Cache = &CacheInfoDTO{
			LastUpdated:      entry.Metadata.LastUpdated,
			TransactionCount: entry.Metadata.TransactionCount,
		}
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// ListAccounts returns the persisted registry overlaid with live balances.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Registry.LoadAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load accounts", err)
		return
	}

	out := make([]AccountDTO, 0, len(accts))
	for _, acct := range accts {
		dto := AccountDTO{
			ID:             string(acct.ID),
			Name:           acct.Name,
			Currency:       acct.Currency,
			Balance:        acct.Balance,
			InitialBalance: acct.InitialBalance,
			Deposit:        depositToDTO(acct.Deposit),
			Mode:           string(h.Coordinator.CalculationMode(acct.ID)),
		}
		// The live balance wins over the persisted snapshot while the
		// account is registered.
		if v, ok := h.Coordinator.Balance(acct.ID); ok {
			dto.Balance = v
		}
		out = append(out, dto)
	}

	writeJSON(w, http.StatusOK, out)
}

// RegisterAccounts registers a batch of accounts with the coordinator
// and persists the registry records.
// POST /api/accounts
func (h *Handler) RegisterAccounts(w http.ResponseWriter, r *http.Request) {
	var req RegisterAccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Accounts) == 0 {
		writeError(w, http.StatusBadRequest, "At least one account is required", nil)
		return
	}

	accts, err := toAccounts(req.Accounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account", err)
		return
	}

	if err := h.Coordinator.RegisterAccounts(accts); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if err := h.Registry.SaveAccounts(r.Context(), accts); err != nil {
		writeError(w, http.StatusInternalServerError, "Accounts registered but not persisted", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"registered": len(accts)})
}

// RemoveAccount removes an account from the coordinator and the registry.
// DELETE /api/accounts/{accountID}
func (h *Handler) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := finance.AccountID(chi.URLParam(r, "accountID"))

	if err := h.Coordinator.RemoveAccount(id); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if err := h.Registry.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "Account not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete account", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "account_id": string(id)})
}

// SetMode switches how an account's balance is derived.
// POST /api/accounts/{accountID}/mode
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	id := finance.AccountID(chi.URLParam(r, "accountID"))

	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := h.Coordinator.Account(id); !ok {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	mode := balance.Mode(req.Mode)
	var err error
	switch mode {
	case balance.ModePreserveImported:
		err = h.Coordinator.MarkAsImported(id)
	case balance.ModeFromInitialBalance:
		err = h.Coordinator.MarkAsManual(id)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown mode %q", req.Mode), nil)
		return
	}
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if err := h.Registry.SaveCalculationMode(r.Context(), id, mode); err != nil {
		writeError(w, http.StatusInternalServerError, "Mode switched but not persisted", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"account_id": string(id), "mode": req.Mode})
}

// UpdateDeposit replaces an account's deposit terms. The balance is
// recomputed from the new terms before the response is written.
// PUT /api/accounts/{accountID}/deposit
func (h *Handler) UpdateDeposit(w http.ResponseWriter, r *http.Request) {
	id := finance.AccountID(chi.URLParam(r, "accountID"))

	var req UpdateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := h.Coordinator.Account(id); !ok {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	info := finance.DepositInfo{
		Principal:             req.Principal,
		AccruedInterest:       req.AccruedInterest,
		CapitalizationEnabled: req.CapitalizationEnabled,
		AnnualRate:            req.AnnualRate,
	}
	if err := h.Coordinator.UpdateDepositInfo(id, info); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if err := h.Registry.UpdateDeposit(r.Context(), id, info); err != nil {
		// The in-memory change stands; surface the persistence failure.
		writeError(w, http.StatusInternalServerError, "Deposit updated but not persisted", err)
		return
	}

	ab, _ := h.Coordinator.Account(id)
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(id),
		Balance:   ab.CurrentBalance,
		Currency:  ab.Currency,
		IsDeposit: ab.IsDeposit,
		Deposit:   depositToDTO(ab.Deposit),
		Mode:      string(h.Coordinator.CalculationMode(id)),
	})
}

// SetBalance overwrites an account's balance with a user-entered value.
// PUT /api/accounts/{accountID}/balance
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	id := finance.AccountID(chi.URLParam(r, "accountID"))

	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := h.Coordinator.Account(id); !ok {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	if err := h.Coordinator.SetBalanceManually(id, req.Balance); err != nil {
		writeCoordinatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": string(id),
		"balance":    req.Balance,
	})
}

// =============================================================================
// TRANSACTION EVENT ENDPOINTS
// =============================================================================

// TransactionEvent reports one transaction lifecycle event (add, remove,
// or update with its previous version).
// POST /api/transactions/events
func (h *Handler) TransactionEvent(w http.ResponseWriter, r *http.Request) {
	var req TransactionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	op, err := parseOp(req.Op)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid op", err)
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid priority", err)
		return
	}
	tx, err := req.Transaction.toTransaction()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}

	change := balance.TxChange{Op: op, Tx: tx}
	if req.Previous != nil {
		prev, err := req.Previous.toTransaction()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid previous transaction", err)
			return
		}
		change.Previous = &prev
	}

	if err := h.Coordinator.UpdateForTransaction(change, priority); err != nil {
		writeCoordinatorError(w, err)
		return
	}

	if priority.Synchronous() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// TransactionEventBatch reports one lifecycle event for a batch of
// transactions. Updates must be submitted one at a time with their
// previous versions.
// POST /api/transactions/events/batch
func (h *Handler) TransactionEventBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	op, err := parseOp(req.Op)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid op", err)
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid priority", err)
		return
	}
	txs, err := toTransactions(req.Transactions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}

	if err := h.Coordinator.UpdateForTransactions(txs, op, priority); err != nil {
		writeCoordinatorError(w, err)
		return
	}

	status := "queued"
	code := http.StatusAccepted
	if priority.Synchronous() {
		status = "applied"
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"status": status, "transactions": len(txs)})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Recalculate rebuilds balances from the complete dataset, either for
// every account or for an explicit scope. Runs at high priority, so
// balances are rebuilt by the time the response is written.
// POST /api/admin/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	accts, err := toAccounts(req.Accounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account", err)
		return
	}
	txs, err := toTransactions(req.Transactions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}

	rebuilt := len(accts)
	if len(req.AccountIDs) > 0 {
		ids := make([]finance.AccountID, 0, len(req.AccountIDs))
		for _, id := range req.AccountIDs {
			ids = append(ids, finance.AccountID(id))
		}
		rebuilt = len(ids)
		err = h.Coordinator.RecalculateAccounts(ids, accts, txs)
	} else {
		err = h.Coordinator.RecalculateAll(accts, txs)
	}
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "recalculated", "accounts": rebuilt})
}

// FlushQueue blocks until every queued update has been processed.
// POST /api/admin/flush
func (h *Handler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Coordinator.Flush(); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// CancelPending drops all queued updates without executing them.
// POST /api/admin/cancel-pending
func (h *Handler) CancelPending(w http.ResponseWriter, r *http.Request) {
	n := h.Coordinator.CancelAllPending()
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// =============================================================================
// OPTIMISTIC UPDATE ENDPOINTS
// =============================================================================

// OptimisticUpdate applies a signed delta immediately and returns the
// operation id needed to revert it.
// POST /api/accounts/{accountID}/optimistic
func (h *Handler) OptimisticUpdate(w http.ResponseWriter, r *http.Request) {
	id := finance.AccountID(chi.URLParam(r, "accountID"))

	var req OptimisticRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	opID, err := h.Coordinator.OptimisticUpdate(id, req.Delta)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if opID == "" {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	value, _ := h.Coordinator.Balance(id)
	writeJSON(w, http.StatusCreated, OptimisticResponse{
		OperationID: opID,
		AccountID:   string(id),
		Balance:     value,
	})
}

// RevertOptimistic restores the exact balance recorded before the
// optimistic update. Reverting an unknown or already-reverted id is a
// no-op.
// POST /api/optimistic/{operationID}/revert
func (h *Handler) RevertOptimistic(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operationID")

	if err := h.Coordinator.RevertOptimisticUpdate(opID); err != nil {
		writeCoordinatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reverted", "operation_id": opID})
}

// =============================================================================
// DIAGNOSTIC ENDPOINTS
// =============================================================================

// GetStatistics returns operational counters across the subsystem.
// GET /api/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statisticsToDTO(h.Coordinator.Statistics()))
}

// ListRecords returns the recent-updates audit trail, oldest first.
// GET /api/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records := h.Coordinator.Records()

	out := make([]UpdateRecordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, recordToDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeCoordinatorError maps coordinator sentinels onto HTTP statuses.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, balance.ErrCoordinatorClosed):
		writeError(w, http.StatusServiceUnavailable, "Coordinator is shut down", err)
	case errors.Is(err, balance.ErrMissingPrevious),
		errors.Is(err, balance.ErrBatchUpdateUnsupported),
		errors.Is(err, balance.ErrNoAccounts):
		writeError(w, http.StatusBadRequest, "Invalid update", err)
	default:
		writeError(w, http.StatusInternalServerError, "Update failed", err)
	}
}

func parseOp(s string) (balance.ChangeOp, error) {
	switch op := balance.ChangeOp(s); op {
	case balance.OpAdd, balance.OpRemove, balance.OpUpdate:
		return op, nil
	}
	return "", fmt.Errorf("unknown op %q (want add, remove, or update)", s)
}

func parsePriority(s string) (balance.Priority, error) {
	if s == "" {
		return balance.PriorityNormal, nil
	}
	switch p := balance.Priority(s); p {
	case balance.PriorityImmediate, balance.PriorityHigh, balance.PriorityNormal:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q (want immediate, high, or normal)", s)
}
