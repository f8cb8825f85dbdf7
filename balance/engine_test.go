package balance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testToday = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testToday }

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

func newTestEngine(opts ...balance.EngineOption) *balance.Engine {
	return balance.NewEngine(append([]balance.EngineOption{balance.WithClock(fixedClock)}, opts...)...)
}

func usdAccount(id string, initial string) finance.Account {
	return finance.Account{
		ID:             finance.AccountID(id),
		Currency:       "USD",
		InitialBalance: decPtr(initial),
	}
}

func income(id, account, amount string) finance.Transaction {
	return finance.Transaction{
		ID:        finance.TransactionID(id),
		Date:      testToday,
		Type:      finance.TxIncome,
		AccountID: finance.AccountID(account),
		Amount:    dec(amount),
		Currency:  "USD",
	}
}

func expense(id, account, amount string) finance.Transaction {
	tx := income(id, account, amount)
	tx.Type = finance.TxExpense
	return tx
}

func transfer(id, source, target, amount string) finance.Transaction {
	return finance.Transaction{
		ID:              finance.TransactionID(id),
		Date:            testToday,
		Type:            finance.TxTransfer,
		AccountID:       finance.AccountID(source),
		TargetAccountID: finance.AccountID(target),
		Amount:          dec(amount),
		Currency:        "USD",
		TargetAmount:    decPtr(amount),
	}
}

type failingConverter struct{}

func (failingConverter) Convert(decimal.Decimal, string, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("no rates")
}

// =============================================================================
// FULL CALCULATION
// =============================================================================

func TestCalculateBalance_FromInitialBalance(t *testing.T) {
	// GIVEN: An account starting at 1000 with one income and one expense
	// WHEN: Calculating from the initial balance
	// THEN: Balance folds both signed deltas

	eng := newTestEngine()
	acct := usdAccount("a", "1000")
	txs := []finance.Transaction{
		income("t1", "a", "250"),
		expense("t2", "a", "100"),
	}

	got := eng.CalculateBalance(acct, txs, balance.ModeFromInitialBalance)

	assert.True(t, dec("1150").Equal(got), "1000 + 250 - 100, got %s", got)
}

func TestCalculateBalance_FutureTransactionsExcluded(t *testing.T) {
	eng := newTestEngine()
	acct := usdAccount("a", "1000")

	future := income("t1", "a", "500")
	future.Date = testToday.AddDate(0, 0, 1)
	lateToday := expense("t2", "a", "100")
	lateToday.Date = time.Date(2025, time.June, 15, 23, 59, 0, 0, time.UTC)

	got := eng.CalculateBalance(acct, []finance.Transaction{future, lateToday}, balance.ModeFromInitialBalance)

	assert.True(t, dec("900").Equal(got), "tomorrow's income must not count, tonight's expense must")
}

func TestCalculateBalance_PreserveImportedReturnsCurrent(t *testing.T) {
	// GIVEN: An imported account whose balance is trusted as-is
	// WHEN: Calculating with a pile of transactions
	// THEN: The current balance comes back untouched

	eng := newTestEngine()
	acct := usdAccount("a", "1000")
	acct.Balance = dec("777")

	got := eng.CalculateBalance(acct, []finance.Transaction{income("t1", "a", "250")}, balance.ModePreserveImported)

	assert.True(t, dec("777").Equal(got))
}

func TestCalculateBalance_MissingInitialBalanceKeepsCurrent(t *testing.T) {
	eng := newTestEngine()
	acct := finance.Account{ID: "a", Currency: "USD", Balance: dec("123")}

	got := eng.CalculateBalance(acct, []finance.Transaction{income("t1", "a", "250")}, balance.ModeFromInitialBalance)

	assert.True(t, dec("123").Equal(got), "no initial balance means no derivation")
}

func TestCalculateBalance_TransferBothSides(t *testing.T) {
	eng := newTestEngine()
	src := usdAccount("a", "1000")
	dst := usdAccount("b", "0")
	txs := []finance.Transaction{transfer("t1", "a", "b", "300")}

	assert.True(t, dec("700").Equal(eng.CalculateBalance(src, txs, balance.ModeFromInitialBalance)))
	assert.True(t, dec("300").Equal(eng.CalculateBalance(dst, txs, balance.ModeFromInitialBalance)))
}

func TestCalculateBalance_SelfTransferNetsToZero(t *testing.T) {
	eng := newTestEngine()
	acct := usdAccount("a", "1000")
	txs := []finance.Transaction{transfer("t1", "a", "a", "300")}

	got := eng.CalculateBalance(acct, txs, balance.ModeFromInitialBalance)

	assert.True(t, dec("1000").Equal(got), "a self transfer debits and credits the same account")
}

func TestCalculateBalance_ConversionFailureFallsBack(t *testing.T) {
	// GIVEN: A EUR transaction on a USD account and a dead rate service
	// WHEN: Calculating the balance
	// THEN: The raw amount is applied; the calculation never fails

	eng := newTestEngine(balance.WithConverter(failingConverter{}))
	acct := usdAccount("a", "1000")
	eur := finance.Transaction{
		ID: "t1", Date: testToday, Type: finance.TxExpense,
		AccountID: "a", Amount: dec("100"), Currency: "EUR",
	}

	got := eng.CalculateBalance(acct, []finance.Transaction{eur}, balance.ModeFromInitialBalance)

	assert.True(t, dec("900").Equal(got))
}

// =============================================================================
// MODE EQUIVALENCE - full fold equals summed add-deltas
// =============================================================================

func TestCalculateBalance_EquivalentToSummedDeltas(t *testing.T) {
	eng := newTestEngine()
	acct := usdAccount("a", "1000")
	txs := []finance.Transaction{
		income("t1", "a", "250"),
		expense("t2", "a", "100"),
		transfer("t3", "a", "b", "300"),
		transfer("t4", "c", "a", "50"),
		expense("t5", "other", "999"), // someone else's expense
	}

	full := eng.CalculateBalance(acct, txs, balance.ModeFromInitialBalance)

	sum := dec("1000")
	for _, tx := range txs {
		sum = sum.Add(eng.Delta(balance.TxChange{Op: balance.OpAdd, Tx: tx}, acct.ID, acct.Currency))
	}

	assert.True(t, full.Equal(sum), "full fold %s vs summed deltas %s", full, sum)
}

// =============================================================================
// ROUND-TRIP - revert is the exact inverse of apply
// =============================================================================

func TestApplyRevert_RoundTripAllTypes(t *testing.T) {
	eng := newTestEngine()
	src := usdAccount("a", "0")
	dst := usdAccount("b", "0")

	cases := []struct {
		name     string
		tx       finance.Transaction
		acct     finance.Account
		isSource bool
	}{
		{"income", income("t1", "a", "123.45"), src, true},
		{"expense", expense("t2", "a", "67.89"), src, true},
		{"transfer source", transfer("t3", "a", "b", "300"), src, true},
		{"transfer target", transfer("t4", "a", "b", "300"), dst, false},
		{"unrelated income", income("t5", "z", "50"), src, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := dec("1000")
			applied := eng.Apply(tc.tx, start, tc.acct, tc.isSource)
			reverted := eng.Revert(tc.tx, applied, tc.acct, tc.isSource)
			assert.True(t, start.Equal(reverted), "apply then revert must restore %s, got %s", start, reverted)
		})
	}
}

func TestDelta_UpdateComposesRevertAndApply(t *testing.T) {
	// GIVEN: An expense edited from 200 to 350
	// WHEN: Computing the update delta
	// THEN: It equals remove(old) + add(new) in one signed value

	eng := newTestEngine()
	old := expense("t1", "a", "200")
	edited := expense("t1", "a", "350")

	d := eng.Delta(balance.TxChange{Op: balance.OpUpdate, Tx: edited, Previous: &old}, "a", "USD")

	assert.True(t, dec("-150").Equal(d), "(-350) - (-200) = -150, got %s", d)
}

func TestDelta_RemoveIsNegatedAdd(t *testing.T) {
	eng := newTestEngine()
	tx := transfer("t1", "a", "b", "300")

	add := eng.Delta(balance.TxChange{Op: balance.OpAdd, Tx: tx}, "b", "USD")
	rem := eng.Delta(balance.TxChange{Op: balance.OpRemove, Tx: tx}, "b", "USD")

	assert.True(t, add.Neg().Equal(rem))
}

// =============================================================================
// DEPOSIT MATH
// =============================================================================

func TestCalculateDepositBalance_UncapitalizedInterestCounts(t *testing.T) {
	eng := newTestEngine()
	info := finance.DepositInfo{
		Principal:       dec("1000"),
		AccruedInterest: dec("50"),
	}

	assert.True(t, dec("1050").Equal(eng.CalculateDepositBalance(info)))

	info.CapitalizationEnabled = true
	assert.True(t, dec("1000").Equal(eng.CalculateDepositBalance(info)))
}

func TestApplyDeposit_WithdrawalDrainsInterestFirst(t *testing.T) {
	// GIVEN: Principal 1000 and 50 of uncapitalized interest
	// WHEN: Withdrawing 70
	// THEN: Interest drains to 0 and principal absorbs the remaining 20

	eng := newTestEngine()
	info := finance.DepositInfo{Principal: dec("1000"), AccruedInterest: dec("50")}

	tx := finance.Transaction{
		ID: "w1", Date: testToday, Type: finance.TxDepositWithdrawal,
		AccountID: "d", Amount: dec("70"), Currency: "USD",
	}
	got := eng.ApplyDeposit(info, tx, "USD")

	assert.True(t, dec("0").Equal(got.AccruedInterest), "interest bucket drains first")
	assert.True(t, dec("980").Equal(got.Principal))
	assert.True(t, dec("980").Equal(eng.CalculateDepositBalance(got)))
}

func TestApplyDeposit_TopUpGoesToPrincipal(t *testing.T) {
	eng := newTestEngine()
	info := finance.DepositInfo{Principal: dec("1000"), AccruedInterest: dec("50")}

	tx := finance.Transaction{
		ID: "u1", Date: testToday, Type: finance.TxDepositTopUp,
		AccountID: "d", Amount: dec("200"), Currency: "USD",
	}
	got := eng.ApplyDeposit(info, tx, "USD")

	assert.True(t, dec("1200").Equal(got.Principal))
	assert.True(t, dec("50").Equal(got.AccruedInterest), "interest bucket untouched by top-ups")
}

func TestApplyDeposit_InterestBucketDependsOnCapitalization(t *testing.T) {
	eng := newTestEngine()
	accrual := finance.Transaction{
		ID: "i1", Date: testToday, Type: finance.TxDepositInterest,
		AccountID: "d", Amount: dec("30"), Currency: "USD",
	}

	plain := eng.ApplyDeposit(finance.DepositInfo{Principal: dec("1000")}, accrual, "USD")
	assert.True(t, dec("30").Equal(plain.AccruedInterest))
	assert.True(t, dec("1000").Equal(plain.Principal))

	capitalized := eng.ApplyDeposit(finance.DepositInfo{Principal: dec("1000"), CapitalizationEnabled: true}, accrual, "USD")
	assert.True(t, dec("1030").Equal(capitalized.Principal))
	assert.True(t, capitalized.AccruedInterest.IsZero())
}

func TestRevertDeposit_TotalsMatchApplied(t *testing.T) {
	eng := newTestEngine()
	info := finance.DepositInfo{Principal: dec("1000"), AccruedInterest: dec("50")}

	withdrawal := finance.Transaction{
		ID: "w1", Date: testToday, Type: finance.TxDepositWithdrawal,
		AccountID: "d", Amount: dec("70"), Currency: "USD",
	}
	applied := eng.ApplyDeposit(info, withdrawal, "USD")
	reverted := eng.RevertDeposit(applied, withdrawal, "USD")

	require.True(t, eng.CalculateDepositBalance(info).Equal(eng.CalculateDepositBalance(reverted)),
		"the total must round-trip even though the bucket split may not")
}

// =============================================================================
// DEPOSIT ACCOUNTS IGNORE TRANSACTIONS AND MODE
// =============================================================================

func TestCalculateBalance_DepositAccountUsesDepositTerms(t *testing.T) {
	eng := newTestEngine()
	acct := finance.Account{
		ID:       "d",
		Currency: "USD",
		Balance:  dec("1"),
		Deposit:  &finance.DepositInfo{Principal: dec("1000"), AccruedInterest: dec("50")},
	}
	noise := []finance.Transaction{income("t1", "d", "99999")}

	got := eng.CalculateBalance(acct, noise, balance.ModeFromInitialBalance)

	assert.True(t, dec("1050").Equal(got), "deposit balance comes from the buckets alone")
}
