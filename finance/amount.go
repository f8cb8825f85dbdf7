/*
amount.go - Amount resolution across currencies

PURPOSE:
  A transaction's amount may already be converted into the account currency
  (ConvertedAmount), may need a live conversion, or may have to be used as-is
  when no conversion is possible. Every call site used to pick its own
  fallback chain; this file centralizes the chain into one typed resolution
  so the delta math stays uniform.

RESOLUTION CHAIN (source accounts):
  1. ConvertedAmount, when the transaction carries one
  2. Amount, when the transaction currency already matches
  3. Converter lookup, when one is configured
  4. Amount unconverted (Converted=false) - a failed lookup never aborts
     a balance calculation

RESOLUTION CHAIN (transfer targets):
  TargetAmount, then ConvertedAmount, then the source chain above.
*/
package finance

import (
	"github.com/shopspring/decimal"
)

// Converter translates an amount between currencies. Implementations may
// call out to a rate service; a failed lookup is reported with an error and
// the caller falls back to the raw amount.
type Converter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// AmountResolution is the typed result of resolving a transaction amount
// into a requested currency. Converted is false only on the last-resort
// fallback, where the raw amount is used despite a currency mismatch.
type AmountResolution struct {
	Value     decimal.Decimal
	Converted bool
}

// ResolveAmount resolves tx.Amount into the given currency. conv may be nil.
func ResolveAmount(tx Transaction, currency string, conv Converter) AmountResolution {
	if tx.ConvertedAmount != nil {
		return AmountResolution{Value: *tx.ConvertedAmount, Converted: true}
	}
	if tx.Currency == currency || tx.Currency == "" || currency == "" {
		return AmountResolution{Value: tx.Amount, Converted: true}
	}
	if conv != nil {
		if v, err := conv.Convert(tx.Amount, tx.Currency, currency); err == nil {
			return AmountResolution{Value: v, Converted: true}
		}
	}
	return AmountResolution{Value: tx.Amount, Converted: false}
}

// ResolveTargetAmount resolves the credited side of a transfer into the
// target account's currency. TargetAmount wins when present.
func ResolveTargetAmount(tx Transaction, currency string, conv Converter) AmountResolution {
	if tx.TargetAmount != nil {
		return AmountResolution{Value: *tx.TargetAmount, Converted: true}
	}
	if tx.ConvertedAmount != nil {
		return AmountResolution{Value: *tx.ConvertedAmount, Converted: true}
	}
	return ResolveAmount(tx, currency, conv)
}
