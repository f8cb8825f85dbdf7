/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts:
    AccountDTO, DepositDTO, RegisterAccountsRequest, SetModeRequest,
    UpdateDepositRequest, SetBalanceRequest

  Balances:
    BalanceSummaryDTO, BalanceDTO, CacheInfoDTO

  Transaction events:
    TransactionDTO, TransactionEventRequest, BatchEventRequest,
    RecalculateRequest

  Optimistic updates:
    OptimisticRequest, OptimisticResponse

  Diagnostics:
    StatisticsDTO, CacheStatisticsDTO, SerializerStatisticsDTO,
    UpdateRecordDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

MONEY:
  All monetary fields are decimal.Decimal, which marshals to a quoted
  JSON string ("842.13"). Clients must not round-trip money through
  floats. Transaction dates accept "2006-01-02" or full RFC 3339.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - finance/types.go: Domain model these map onto
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountDTO represents a registry record in requests and responses.
// Mode is response-only; registration derives it from the payload.
type AccountDTO struct {
	ID             string           `json:"id"`
	Name           string           `json:"name,omitempty"`
	Currency       string           `json:"currency"`
	Balance        decimal.Decimal  `json:"balance"`
	InitialBalance *decimal.Decimal `json:"initial_balance,omitempty"`
	Deposit        *DepositDTO      `json:"deposit,omitempty"`
	Mode           string           `json:"mode,omitempty"`
}

// DepositDTO carries deposit terms. Total is response-only.
type DepositDTO struct {
	Principal             decimal.Decimal  `json:"principal"`
	AccruedInterest       decimal.Decimal  `json:"accrued_interest"`
	CapitalizationEnabled bool             `json:"capitalization_enabled"`
	AnnualRate            decimal.Decimal  `json:"annual_rate"`
	Total                 *decimal.Decimal `json:"total,omitempty"`
}

// RegisterAccountsRequest registers a batch of accounts.
type RegisterAccountsRequest struct {
	Accounts []AccountDTO `json:"accounts"`
}

// SetModeRequest switches an account's derivation mode.
// Valid values: "fromInitialBalance", "preserveImported".
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// UpdateDepositRequest replaces an account's deposit terms.
type UpdateDepositRequest struct {
	Principal             decimal.Decimal `json:"principal"`
	AccruedInterest       decimal.Decimal `json:"accrued_interest"`
	CapitalizationEnabled bool            `json:"capitalization_enabled"`
	AnnualRate            decimal.Decimal `json:"annual_rate"`
}

// SetBalanceRequest overwrites an account's balance with a user-entered
// value.
type SetBalanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// =============================================================================
// BALANCE TYPES
// =============================================================================

// BalanceSummaryDTO is one row of the all-balances listing.
type BalanceSummaryDTO struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsDeposit bool            `json:"is_deposit"`
}

// BalanceDTO is the full single-account read: the authoritative balance
// plus cache freshness metadata.
type BalanceDTO struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency,omitempty"`
	IsDeposit bool            `json:"is_deposit"`
	Deposit   *DepositDTO     `json:"deposit,omitempty"`
	Mode      string          `json:"mode"`
	Cache     *CacheInfoDTO   `json:"cache,omitempty"`
}

// CacheInfoDTO describes the cached copy of a balance. Absent when the
// account has no cache entry (evicted or never written).
type CacheInfoDTO struct {
	LastUpdated      time.Time `json:"last_updated"`
	TransactionCount int       `json:"transaction_count"`
}

// =============================================================================
// TRANSACTION EVENT TYPES
// =============================================================================

// TransactionDTO mirrors the read-only transaction the ledger owns.
// Date accepts "2006-01-02" or RFC 3339.
type TransactionDTO struct {
	ID              string           `json:"id"`
	Date            string           `json:"date"`
	Type            string           `json:"type"`
	AccountID       string           `json:"account_id"`
	TargetAccountID string           `json:"target_account_id,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency,omitempty"`
	ConvertedAmount *decimal.Decimal `json:"converted_amount,omitempty"`
	TargetAmount    *decimal.Decimal `json:"target_amount,omitempty"`
	TargetCurrency  string           `json:"target_currency,omitempty"`
}

// TransactionEventRequest reports one transaction lifecycle event.
// Previous is required when op is "update". Priority defaults to
// "normal"; "high" and "immediate" are processed before returning.
type TransactionEventRequest struct {
	Op          string          `json:"op"`
	Transaction TransactionDTO  `json:"transaction"`
	Previous    *TransactionDTO `json:"previous,omitempty"`
	Priority    string          `json:"priority,omitempty"`
}

// BatchEventRequest reports one lifecycle event for a batch of
// transactions. Only "add" and "remove" are valid batch ops.
type BatchEventRequest struct {
	Op           string           `json:"op"`
	Transactions []TransactionDTO `json:"transactions"`
	Priority     string           `json:"priority,omitempty"`
}

// RecalculateRequest rebuilds balances from the full dataset. When
// AccountIDs is empty every account in Accounts is rebuilt; otherwise
// only the named accounts are, with the rest of the dataset supplied
// for transfer resolution.
type RecalculateRequest struct {
	AccountIDs   []string         `json:"account_ids,omitempty"`
	Accounts     []AccountDTO     `json:"accounts"`
	Transactions []TransactionDTO `json:"transactions"`
}

// =============================================================================
// OPTIMISTIC UPDATE TYPES
// =============================================================================

// OptimisticRequest applies a signed delta ahead of persistence.
type OptimisticRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// OptimisticResponse returns the handle needed to revert the update.
type OptimisticResponse struct {
	OperationID string          `json:"operation_id"`
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
}

// =============================================================================
// DIAGNOSTIC TYPES
// =============================================================================

// UpdateRecordDTO is one entry of the recent-updates audit trail.
type UpdateRecordDTO struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatisticsDTO aggregates operational counters across the subsystem.
type StatisticsDTO struct {
	Accounts          int                     `json:"accounts"`
	OptimisticPending int                     `json:"optimistic_pending"`
	Cache             CacheStatisticsDTO      `json:"cache"`
	Serializer        SerializerStatisticsDTO `json:"serializer"`
}

type CacheStatisticsDTO struct {
	Entries          int     `json:"entries"`
	Capacity         int     `json:"capacity"`
	MetadataEntries  int     `json:"metadata_entries"`
	MetadataCapacity int     `json:"metadata_capacity"`
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Invalidations    uint64  `json:"invalidations"`
	Evictions        uint64  `json:"evictions"`
	HitRate          float64 `json:"hit_rate"`
	TrackedTxs       int     `json:"tracked_txs"`
}

type SerializerStatisticsDTO struct {
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	Processed  uint64 `json:"processed"`
	Dropped    uint64 `json:"dropped"`
	Cancelled  uint64 `json:"cancelled"`
}

// =============================================================================
// SCENARIO TYPES
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// parseDate accepts bare dates and full RFC 3339 timestamps.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (d TransactionDTO) toTransaction() (finance.Transaction, error) {
	if d.ID == "" {
		return finance.Transaction{}, fmt.Errorf("transaction id is required")
	}
	if d.AccountID == "" {
		return finance.Transaction{}, fmt.Errorf("transaction %s: account_id is required", d.ID)
	}
	date, err := parseDate(d.Date)
	if err != nil {
		return finance.Transaction{}, fmt.Errorf("transaction %s: invalid date %q", d.ID, d.Date)
	}

	return finance.Transaction{
		ID:              finance.TransactionID(d.ID),
		Date:            date,
		Type:            finance.TransactionType(d.Type),
		AccountID:       finance.AccountID(d.AccountID),
		TargetAccountID: finance.AccountID(d.TargetAccountID),
		Amount:          d.Amount,
		Currency:        d.Currency,
		ConvertedAmount: d.ConvertedAmount,
		TargetAmount:    d.TargetAmount,
		TargetCurrency:  d.TargetCurrency,
	}, nil
}

func toTransactions(dtos []TransactionDTO) ([]finance.Transaction, error) {
	txs := make([]finance.Transaction, 0, len(dtos))
	for _, d := range dtos {
		tx, err := d.toTransaction()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (d AccountDTO) toAccount() (finance.Account, error) {
	if d.ID == "" {
		return finance.Account{}, fmt.Errorf("account id is required")
	}
	if d.Currency == "" {
		return finance.Account{}, fmt.Errorf("account %s: currency is required", d.ID)
	}

	acct := finance.Account{
		ID:             finance.AccountID(d.ID),
		Name:           d.Name,
		Currency:       d.Currency,
		Balance:        d.Balance,
		InitialBalance: d.InitialBalance,
	}
	if d.Deposit != nil {
		acct.Deposit = &finance.DepositInfo{
			Principal:             d.Deposit.Principal,
			AccruedInterest:       d.Deposit.AccruedInterest,
			CapitalizationEnabled: d.Deposit.CapitalizationEnabled,
			AnnualRate:            d.Deposit.AnnualRate,
		}
	}
	return acct, nil
}

func toAccounts(dtos []AccountDTO) ([]finance.Account, error) {
	accts := make([]finance.Account, 0, len(dtos))
	for _, d := range dtos {
		acct, err := d.toAccount()
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	return accts, nil
}

func depositToDTO(info *finance.DepositInfo) *DepositDTO {
	if info == nil {
		return nil
	}
	total := info.Total()
	return &DepositDTO{
		Principal:             info.Principal,
		AccruedInterest:       info.AccruedInterest,
		CapitalizationEnabled: info.CapitalizationEnabled,
		AnnualRate:            info.AnnualRate,
		Total:                 &total,
	}
}

func recordToDTO(rec balance.UpdateRecord) UpdateRecordDTO {
	return UpdateRecordDTO{
		ID:        rec.ID,
		AccountID: string(rec.AccountID),
		Balance:   rec.NewBalance,
		Source:    rec.Source.String(),
		Timestamp: rec.Timestamp,
	}
}

func statisticsToDTO(stats balance.Statistics) StatisticsDTO {
	return StatisticsDTO{
		Accounts:          stats.Accounts,
		OptimisticPending: stats.OptimisticPending,
		Cache: CacheStatisticsDTO{
			Entries:          stats.Cache.Entries,
			Capacity:         stats.Cache.Capacity,
			MetadataEntries:  stats.Cache.MetadataEntries,
			MetadataCapacity: stats.Cache.MetadataCapacity,
			Hits:             stats.Cache.Hits,
			Misses:           stats.Cache.Misses,
			Invalidations:    stats.Cache.Invalidations,
			Evictions:        stats.Cache.Evictions,
			HitRate:          stats.Cache.HitRate,
			TrackedTxs:       stats.Cache.TrackedTxs,
		},
		Serializer: SerializerStatisticsDTO{
			State:      string(stats.Serializer.State),
			QueueDepth: stats.Serializer.QueueDepth,
			Processed:  stats.Serializer.Processed,
			Dropped:    stats.Serializer.Dropped,
			Cancelled:  stats.Serializer.Cancelled,
		},
	}
}
