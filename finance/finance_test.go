package finance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmgr/balance-engine/finance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// fixedConverter converts everything at a fixed rate, or always fails.
type fixedConverter struct {
	rate decimal.Decimal
	fail bool
}

func (c fixedConverter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if c.fail {
		return decimal.Zero, errors.New("rate service unavailable")
	}
	return amount.Mul(c.rate), nil
}

// =============================================================================
// AMOUNT RESOLUTION
// =============================================================================

func TestResolveAmount_ConvertedAmountWins(t *testing.T) {
	// GIVEN: A transaction that already carries a converted amount
	// WHEN: Resolving into the account currency
	// THEN: ConvertedAmount is used even though a converter is available

	tx := finance.Transaction{
		Amount:          dec("100"),
		Currency:        "EUR",
		ConvertedAmount: decPtr("108.50"),
	}

	res := finance.ResolveAmount(tx, "USD", fixedConverter{rate: dec("2")})

	assert.True(t, res.Converted)
	assert.True(t, dec("108.50").Equal(res.Value))
}

func TestResolveAmount_SameCurrencyUsesRawAmount(t *testing.T) {
	tx := finance.Transaction{Amount: dec("42"), Currency: "USD"}

	res := finance.ResolveAmount(tx, "USD", nil)

	assert.True(t, res.Converted)
	assert.True(t, dec("42").Equal(res.Value))
}

func TestResolveAmount_ConverterUsedOnCurrencyMismatch(t *testing.T) {
	tx := finance.Transaction{Amount: dec("100"), Currency: "EUR"}

	res := finance.ResolveAmount(tx, "USD", fixedConverter{rate: dec("1.1")})

	assert.True(t, res.Converted)
	assert.True(t, dec("110").Equal(res.Value))
}

func TestResolveAmount_ConversionFailureFallsBackToRawAmount(t *testing.T) {
	// GIVEN: A cross-currency transaction and a failing rate service
	// WHEN: Resolving the amount
	// THEN: The raw amount is returned and flagged as unconverted;
	//       resolution never fails outright

	tx := finance.Transaction{Amount: dec("100"), Currency: "EUR"}

	res := finance.ResolveAmount(tx, "USD", fixedConverter{fail: true})

	assert.False(t, res.Converted)
	assert.True(t, dec("100").Equal(res.Value))
}

func TestResolveTargetAmount_FallbackChain(t *testing.T) {
	// TargetAmount, then ConvertedAmount, then the raw amount.

	full := finance.Transaction{
		Amount:          dec("100"),
		Currency:        "EUR",
		ConvertedAmount: decPtr("110"),
		TargetAmount:    decPtr("9500"),
		TargetCurrency:  "RUB",
	}
	res := finance.ResolveTargetAmount(full, "RUB", nil)
	assert.True(t, dec("9500").Equal(res.Value), "TargetAmount wins when present")

	noTarget := finance.Transaction{
		Amount:          dec("100"),
		Currency:        "EUR",
		ConvertedAmount: decPtr("110"),
	}
	res = finance.ResolveTargetAmount(noTarget, "RUB", nil)
	assert.True(t, dec("110").Equal(res.Value), "ConvertedAmount is the second choice")

	bare := finance.Transaction{Amount: dec("100"), Currency: "EUR"}
	res = finance.ResolveTargetAmount(bare, "EUR", nil)
	assert.True(t, dec("100").Equal(res.Value), "raw amount is the last resort")
}

// =============================================================================
// DEPOSIT INFO
// =============================================================================

func TestDepositInfo_Total(t *testing.T) {
	info := finance.DepositInfo{
		Principal:       dec("1000"),
		AccruedInterest: dec("50"),
	}
	assert.True(t, dec("1050").Equal(info.Total()), "uncapitalized interest counts toward the total")

	info.CapitalizationEnabled = true
	assert.True(t, dec("1000").Equal(info.Total()), "capitalized deposits report principal only")
}

// =============================================================================
// DATE COMPARISON
// =============================================================================

func TestOnOrBefore_DayGranularity(t *testing.T) {
	today := time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)

	lateToday := time.Date(2025, time.June, 15, 23, 59, 0, 0, time.UTC)
	tomorrow := time.Date(2025, time.June, 16, 0, 1, 0, 0, time.UTC)
	yesterday := time.Date(2025, time.June, 14, 12, 0, 0, 0, time.UTC)

	assert.True(t, finance.OnOrBefore(lateToday, today), "same day counts regardless of clock time")
	assert.True(t, finance.OnOrBefore(yesterday, today))
	assert.False(t, finance.OnOrBefore(tomorrow, today))

	require.True(t, finance.SameDay(today, lateToday))
}
