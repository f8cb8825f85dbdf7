/*
Package balance implements per-account balance coordination.

PURPOSE:
  This package keeps account balances consistent with a mutable transaction
  log without rescanning the full log on every mutation. It is built from
  four parts plus a facade:

  - Engine (engine.go): pure balance math, full and incremental
  - Store (store.go): the authoritative in-memory balance map, single writer
  - Cache (cache.go): bounded LRU read cache with smart invalidation
  - Serializer (serializer.go): one-worker queue that debounces and orders
    mutation requests
  - Coordinator (coordinator.go): the only entry point external callers use

KEY CONCEPTS IN THIS FILE (types.go):
  - Mode: how an account's balance is derived (from initial balance vs
    trusted as imported)
  - AccountBalance: the store's per-account record
  - UpdateRequest / Source / Priority: the serializer's unit of work
  - UpdateRecord: bounded audit trail of committed writes
  - OptimisticUpdate: a provisional change that can be reverted by id
  - CacheEntry: cached balance plus freshness metadata

DESIGN PRINCIPLES:
  1. Single writer: all state mutation funnels through one execution context
  2. Disposable cache: losing a cache entry costs a recompute, never
     correctness
  3. Total calculation: engine functions never fail; unknown accounts are
     no-ops throughout

SEE ALSO:
  - ../finance: shared domain types (Account, Transaction, DepositInfo)
  - ../store: persistence repository implementations
*/
package balance

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmgr/balance-engine/finance"
)

// =============================================================================
// CALCULATION MODE
// =============================================================================

// Mode selects how a balance is derived. ModeFromInitialBalance folds every
// applicable transaction on top of the account's initial balance.
// ModePreserveImported trusts the balance delivered by an external import
// and only applies deltas observed afterwards.
type Mode string

const (
	ModeFromInitialBalance Mode = "fromInitialBalance"
	ModePreserveImported   Mode = "preserveImported"
)

// =============================================================================
// ACCOUNT BALANCE - Authoritative per-account record
// =============================================================================

type AccountBalance struct {
	AccountID      finance.AccountID
	CurrentBalance decimal.Decimal
	InitialBalance *decimal.Decimal
	Deposit        *finance.DepositInfo
	Currency       string
	IsDeposit      bool
}

// Account rebuilds the registry-shaped view the engine computes against.
func (b AccountBalance) Account() finance.Account {
	return finance.Account{
		ID:             b.AccountID,
		Currency:       b.Currency,
		Balance:        b.CurrentBalance,
		InitialBalance: b.InitialBalance,
		Deposit:        b.Deposit,
	}
}

// =============================================================================
// UPDATE SOURCE - Who caused a balance write
// =============================================================================

type SourceKind string

const (
	SourceKindTransaction   SourceKind = "transaction"
	SourceKindRecalculation SourceKind = "recalculation"
	SourceKindCSVImport     SourceKind = "csvImport"
	SourceKindManual        SourceKind = "manual"
	SourceKindDeposit       SourceKind = "deposit"
)

// Source identifies the origin of a balance write. Two sources with the
// same Key are considered equivalent for debouncing.
type Source struct {
	Kind          SourceKind
	TransactionID finance.TransactionID // set for SourceKindTransaction only
}

func SourceTransaction(id finance.TransactionID) Source {
	return Source{Kind: SourceKindTransaction, TransactionID: id}
}

func SourceRecalculation() Source { return Source{Kind: SourceKindRecalculation} }
func SourceCSVImport() Source     { return Source{Kind: SourceKindCSVImport} }
func SourceManual() Source        { return Source{Kind: SourceKindManual} }
func SourceDeposit() Source       { return Source{Kind: SourceKindDeposit} }

// Key collapses a source to its debounce identity.
func (s Source) Key() string {
	if s.Kind == SourceKindTransaction {
		return string(s.Kind) + ":" + string(s.TransactionID)
	}
	return string(s.Kind)
}

func (s Source) String() string { return s.Key() }

// =============================================================================
// UPDATE RECORD - Bounded audit trail
// =============================================================================

// UpdateRecord captures one committed balance write. Records feed the
// diagnostics surface only and are never consulted for correctness.
type UpdateRecord struct {
	ID         string
	AccountID  finance.AccountID
	NewBalance decimal.Decimal
	Source     Source
	Timestamp  time.Time
}

// =============================================================================
// UPDATE REQUEST - The serializer's unit of work
// =============================================================================

type Operation string

const (
	OpApplyTransactionDelta Operation = "applyTransactionDelta"
	OpRecalculateAll        Operation = "recalculateAll"
	OpRecalculateAccounts   Operation = "recalculateAccounts"
)

type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
)

// Synchronous reports whether requests at this priority execute on the
// caller's path instead of waiting for the queue worker.
func (p Priority) Synchronous() bool {
	return p == PriorityImmediate || p == PriorityHigh
}

// ChangeOp is the lifecycle event observed on a transaction.
type ChangeOp string

const (
	OpAdd    ChangeOp = "add"
	OpRemove ChangeOp = "remove"
	OpUpdate ChangeOp = "update"
)

// TxChange pairs a lifecycle event with the transaction it concerns.
// Previous carries the pre-edit version and is required for OpUpdate.
type TxChange struct {
	Op       ChangeOp
	Tx       finance.Transaction
	Previous *finance.Transaction
}

// AffectedAccounts lists every account this change can move, the edit's
// pre-image included: an update may have re-homed the transaction.
func (ch TxChange) AffectedAccounts() []finance.AccountID {
	ids := make([]finance.AccountID, 0, 2)
	seen := make(map[finance.AccountID]struct{}, 4)
	add := func(id finance.AccountID) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	add(ch.Tx.AccountID)
	if ch.Tx.Type == finance.TxTransfer {
		add(ch.Tx.TargetAccountID)
	}
	if ch.Previous != nil {
		add(ch.Previous.AccountID)
		if ch.Previous.Type == finance.TxTransfer {
			add(ch.Previous.TargetAccountID)
		}
	}
	return ids
}

// UpdateRequest describes one unit of balance work. Exactly one of the
// payload groups is populated, matching Operation:
//   - OpApplyTransactionDelta: Changes (one entry per transaction event)
//   - OpRecalculateAll:        Accounts + Transactions
//   - OpRecalculateAccounts:   Scope + Accounts + Transactions
type UpdateRequest struct {
	ID               string
	AffectedAccounts []finance.AccountID
	Operation        Operation
	Priority         Priority
	Source           Source
	EnqueuedAt       time.Time

	Changes      []TxChange
	Scope        []finance.AccountID
	Accounts     []finance.Account
	Transactions []finance.Transaction
}

// =============================================================================
// OPTIMISTIC UPDATE - Provisional change, revertible by id
// =============================================================================

type OptimisticUpdate struct {
	ID              string
	AccountID       finance.AccountID
	PreviousBalance decimal.Decimal
	Delta           decimal.Decimal
	Timestamp       time.Time
}

// =============================================================================
// CACHE ENTRY - Balance plus freshness metadata
// =============================================================================

type CacheMetadata struct {
	LastUpdated      time.Time
	TransactionCount int
	Mode             Mode
}

type CacheEntry struct {
	Balance  decimal.Decimal
	Metadata CacheMetadata
}

// =============================================================================
// CHANGE BROADCAST - Store observers
// =============================================================================

// ChangeEvent is delivered to store listeners after a balance write commits.
type ChangeEvent struct {
	AccountID finance.AccountID
	Balance   decimal.Decimal
	Source    Source
	At        time.Time
}

// Listener observes committed balance changes. Callbacks run synchronously
// with the commit, outside the store's lock; implementations that do real
// work should hand off to their own goroutine.
type Listener interface {
	BalanceChanged(ev ChangeEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev ChangeEvent)

func (f ListenerFunc) BalanceChanged(ev ChangeEvent) { f(ev) }
