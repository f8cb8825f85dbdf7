/*
Package finance provides the shared domain model for the balance engine.

PURPOSE:
  This package contains the account and transaction types that every other
  package speaks in. The balance package derives balances from them, the
  store packages persist them, and the api package maps them to DTOs.
  Nothing here holds mutable state; these are plain values.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: An external account snapshot (id, currency, initial balance,
    optional deposit terms)
  - Transaction: An immutable money movement observed by the engine
  - TransactionType: The six movement kinds the engine understands
  - DepositInfo: Principal and uncapitalized-interest buckets for deposits

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing account/transaction IDs
  3. Immutability: Transactions are never modified; an edit is modeled as
     remove-old + add-new by the caller

SEE ALSO:
  - amount.go: Amount resolution across currencies
  - date.go: Day-granularity date comparison
  - ../balance: Balance derivation and coordination
*/
package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// TRANSACTION - Immutable money movement
// =============================================================================

type TransactionType string

const (
	TxIncome            TransactionType = "income"                 // Money into an account
	TxExpense           TransactionType = "expense"                // Money out of an account
	TxTransfer          TransactionType = "internalTransfer"       // Movement between two owned accounts
	TxDepositTopUp      TransactionType = "depositTopUp"           // Principal contribution to a deposit
	TxDepositWithdrawal TransactionType = "depositWithdrawal"      // Withdrawal from a deposit
	TxDepositInterest   TransactionType = "depositInterestAccrual" // Interest posted by the accrual service
)

// IsDepositType reports whether the type mutates deposit buckets instead of
// contributing a signed delta to a regular balance.
func (t TransactionType) IsDepositType() bool {
	switch t {
	case TxDepositTopUp, TxDepositWithdrawal, TxDepositInterest:
		return true
	}
	return false
}

// Transaction is read-only for this subsystem. Amount is denominated in
// Currency; ConvertedAmount, when present, is the amount already expressed
// in the owning account's currency. For transfers, TargetAmount carries the
// credited amount in the target account's currency.
type Transaction struct {
	ID              TransactionID
	Date            time.Time
	Type            TransactionType
	AccountID       AccountID
	TargetAccountID AccountID // transfers only
	Amount          decimal.Decimal
	Currency        string
	ConvertedAmount *decimal.Decimal
	TargetAmount    *decimal.Decimal
	TargetCurrency  string
}

// =============================================================================
// ACCOUNT - External registry snapshot
// =============================================================================

// Account is the registry's view of an account at registration time.
// Balance carries the last persisted value; it is the trusted seed on
// startup instead of a full-history recomputation.
type Account struct {
	ID             AccountID
	Name           string
	Currency       string
	Balance        decimal.Decimal
	InitialBalance *decimal.Decimal // nil when never set
	Deposit        *DepositInfo     // nil for regular accounts
}

func (a Account) IsDeposit() bool { return a.Deposit != nil }

// =============================================================================
// DEPOSIT INFO - Principal and interest buckets
// =============================================================================

// DepositInfo splits a deposit balance into a principal bucket and an
// uncapitalized-interest bucket. When CapitalizationEnabled is true, posted
// interest merges into principal and the interest bucket stays empty.
type DepositInfo struct {
	Principal             decimal.Decimal
	AccruedInterest       decimal.Decimal // uncapitalized interest, drained first on withdrawal
	CapitalizationEnabled bool
	AnnualRate            decimal.Decimal
}

// Total returns the spendable balance of the deposit: principal plus the
// uncapitalized interest bucket. Capitalized interest is already inside
// Principal, so it never counts twice.
func (d DepositInfo) Total() decimal.Decimal {
	if d.CapitalizationEnabled {
		return d.Principal
	}
	return d.Principal.Add(d.AccruedInterest)
}

func (d DepositInfo) Clone() *DepositInfo {
	c := d
	return &c
}
