/*
engine.go - Pure balance calculation

PURPOSE:
  Computes balances from transactions, both as a full fold over history and
  as O(1) incremental steps. Every function takes all of its inputs
  explicitly and touches no shared state, so the engine is safe to call
  from any goroutine and trivial to test.

CALCULATION RULES:
  Deposit accounts:   balance = principal (+ uncapitalized interest when
                      capitalization is off); transactions and mode are
                      ignored, deposit buckets are maintained separately
  preserveImported:   the current balance is already correct; return it
  fromInitialBalance: balance = initialBalance + sum of signed deltas of
                      every transaction dated on or before today

PER-TYPE DELTA (amount resolved into the account currency first):
  income            +amount   when the account owns the transaction
  expense           -amount   when the account owns the transaction
  internalTransfer  -amount   on the source side
                    +targetAmount (fallback convertedAmount, then amount)
                    on the target side
  deposit types     0         (they move deposit buckets, not deltas)

TOTALITY:
  Nothing here returns an error. A missing initial balance falls back to
  the current balance, a failed currency conversion falls back to the raw
  amount (logged), and a transaction that does not touch the account
  contributes zero.

SEE ALSO:
  - ../finance/amount.go: the resolution chain used for every amount
  - coordinator.go: decides when to use incremental vs full calculation
*/
package balance

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finmgr/balance-engine/finance"
)

// Engine performs all balance math. The zero value is not usable; construct
// with NewEngine.
type Engine struct {
	converter finance.Converter
	now       func() time.Time
	log       *zap.Logger
}

type EngineOption func(*Engine)

// WithConverter wires a currency conversion service into amount resolution.
func WithConverter(c finance.Converter) EngineOption {
	return func(e *Engine) { e.converter = c }
}

// WithClock overrides the engine's notion of "today". Tests use this to pin
// the date-inclusion cutoff.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithEngineLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// FULL CALCULATION
// =============================================================================

// CalculateBalance derives the balance of acct under the given mode.
// Deposit accounts are computed purely from their deposit terms. Under
// ModePreserveImported, and under ModeFromInitialBalance with no initial
// balance on record, the current balance is returned unchanged.
func (e *Engine) CalculateBalance(acct finance.Account, txs []finance.Transaction, mode Mode) decimal.Decimal {
	if acct.IsDeposit() {
		return e.CalculateDepositBalance(*acct.Deposit)
	}
	if mode == ModePreserveImported {
		return acct.Balance
	}
	if acct.InitialBalance == nil {
		// Cannot derive without a starting point; "no change" is the safe
		// answer for a display-facing calculation.
		e.log.Debug("no initial balance on record, keeping current balance",
			zap.String("account", string(acct.ID)))
		return acct.Balance
	}

	today := e.now()
	bal := *acct.InitialBalance
	for _, tx := range txs {
		if !finance.OnOrBefore(tx.Date, today) {
			continue
		}
		bal = bal.Add(e.accountDelta(tx, acct.ID, acct.Currency))
	}
	return bal
}

// CountApplicable returns how many of txs contribute to the account's
// balance today. Feeds cache metadata; never affects the balance itself.
func (e *Engine) CountApplicable(accountID finance.AccountID, txs []finance.Transaction) int {
	today := e.now()
	n := 0
	for _, tx := range txs {
		if !finance.OnOrBefore(tx.Date, today) {
			continue
		}
		if e.touches(tx, accountID) {
			n++
		}
	}
	return n
}

func (e *Engine) touches(tx finance.Transaction, accountID finance.AccountID) bool {
	if tx.AccountID == accountID {
		return true
	}
	return tx.Type == finance.TxTransfer && tx.TargetAccountID == accountID
}

// =============================================================================
// INCREMENTAL STEPS - O(1) apply / revert
// =============================================================================

// Apply adjusts current by the transaction's delta for one side of the
// movement. isSource selects the debited side of a transfer; for every
// other type the owning account is the only side. A transaction dated in
// the future contributes nothing until a later recalculation picks it up.
func (e *Engine) Apply(tx finance.Transaction, current decimal.Decimal, acct finance.Account, isSource bool) decimal.Decimal {
	return current.Add(e.sideDelta(tx, acct, isSource))
}

// Revert is the exact algebraic inverse of Apply for every transaction
// type: Revert(tx, Apply(tx, b, acct, s), acct, s) == b.
func (e *Engine) Revert(tx finance.Transaction, current decimal.Decimal, acct finance.Account, isSource bool) decimal.Decimal {
	return current.Sub(e.sideDelta(tx, acct, isSource))
}

func (e *Engine) sideDelta(tx finance.Transaction, acct finance.Account, isSource bool) decimal.Decimal {
	if !finance.OnOrBefore(tx.Date, e.now()) {
		return decimal.Zero
	}
	switch tx.Type {
	case finance.TxIncome:
		if tx.AccountID == acct.ID {
			return e.resolve(tx, acct.Currency)
		}
	case finance.TxExpense:
		if tx.AccountID == acct.ID {
			return e.resolve(tx, acct.Currency).Neg()
		}
	case finance.TxTransfer:
		if isSource && tx.AccountID == acct.ID {
			return e.resolve(tx, acct.Currency).Neg()
		}
		if !isSource && tx.TargetAccountID == acct.ID {
			return e.resolveTarget(tx, acct.Currency)
		}
	}
	// Deposit types move deposit buckets, not balance deltas.
	return decimal.Zero
}

// accountDelta is the total delta a transaction contributes to one account.
// A self-transfer nets both sides.
func (e *Engine) accountDelta(tx finance.Transaction, accountID finance.AccountID, currency string) decimal.Decimal {
	acct := finance.Account{ID: accountID, Currency: currency}
	d := e.sideDelta(tx, acct, true)
	if tx.Type == finance.TxTransfer && tx.TargetAccountID == accountID {
		d = d.Add(e.sideDelta(tx, acct, false))
	}
	return d
}

// =============================================================================
// COMPOSED DELTAS - add / remove / update as one signed value
// =============================================================================

// Delta collapses a transaction change into a single signed delta for the
// given account: add applies, remove reverts, update composes revert(old)
// with apply(new). Summing Delta over a batch yields the value for one
// store write instead of N.
func (e *Engine) Delta(change TxChange, accountID finance.AccountID, currency string) decimal.Decimal {
	switch change.Op {
	case OpAdd:
		return e.accountDelta(change.Tx, accountID, currency)
	case OpRemove:
		return e.accountDelta(change.Tx, accountID, currency).Neg()
	case OpUpdate:
		d := e.accountDelta(change.Tx, accountID, currency)
		if change.Previous != nil {
			d = d.Sub(e.accountDelta(*change.Previous, accountID, currency))
		}
		return d
	}
	return decimal.Zero
}

// =============================================================================
// DEPOSIT MATH - Principal and interest buckets
// =============================================================================

// CalculateDepositBalance is the deposit counterpart of CalculateBalance.
func (e *Engine) CalculateDepositBalance(info finance.DepositInfo) decimal.Decimal {
	return info.Total()
}

// ApplyDeposit updates the deposit buckets for one deposit transaction.
// Withdrawals drain the uncapitalized-interest bucket before touching
// principal; top-ups always land in principal. The drain order is load
// bearing: the external accrual service reconciles against it.
func (e *Engine) ApplyDeposit(info finance.DepositInfo, tx finance.Transaction, currency string) finance.DepositInfo {
	amount := e.resolve(tx, currency)
	switch tx.Type {
	case finance.TxDepositTopUp:
		info.Principal = info.Principal.Add(amount)
	case finance.TxDepositWithdrawal:
		drawn := decimal.Min(info.AccruedInterest, amount)
		info.AccruedInterest = info.AccruedInterest.Sub(drawn)
		info.Principal = info.Principal.Sub(amount.Sub(drawn))
	case finance.TxDepositInterest:
		if info.CapitalizationEnabled {
			info.Principal = info.Principal.Add(amount)
		} else {
			info.AccruedInterest = info.AccruedInterest.Add(amount)
		}
	}
	return info
}

// RevertDeposit undoes a deposit transaction's effect on the buckets. The
// interest-first split of a past withdrawal is not recorded, so reverting
// one refunds principal; the total always matches the applied amount.
// Removing an accrual drains interest first, like a withdrawal of the same
// size, so the bucket never goes negative.
func (e *Engine) RevertDeposit(info finance.DepositInfo, tx finance.Transaction, currency string) finance.DepositInfo {
	amount := e.resolve(tx, currency)
	switch tx.Type {
	case finance.TxDepositTopUp:
		info.Principal = info.Principal.Sub(amount)
	case finance.TxDepositWithdrawal:
		info.Principal = info.Principal.Add(amount)
	case finance.TxDepositInterest:
		drawn := decimal.Min(info.AccruedInterest, amount)
		info.AccruedInterest = info.AccruedInterest.Sub(drawn)
		info.Principal = info.Principal.Sub(amount.Sub(drawn))
	}
	return info
}

// =============================================================================
// AMOUNT RESOLUTION - Conversion with logged fallback
// =============================================================================

func (e *Engine) resolve(tx finance.Transaction, currency string) decimal.Decimal {
	res := finance.ResolveAmount(tx, currency, e.converter)
	if !res.Converted {
		e.log.Warn("currency conversion unavailable, using raw amount",
			zap.String("transaction", string(tx.ID)),
			zap.String("from", tx.Currency),
			zap.String("to", currency))
	}
	return res.Value
}

func (e *Engine) resolveTarget(tx finance.Transaction, currency string) decimal.Decimal {
	res := finance.ResolveTargetAmount(tx, currency, e.converter)
	if !res.Converted {
		e.log.Warn("currency conversion unavailable for transfer target, using raw amount",
			zap.String("transaction", string(tx.ID)),
			zap.String("from", tx.Currency),
			zap.String("to", currency))
	}
	return res.Value
}
