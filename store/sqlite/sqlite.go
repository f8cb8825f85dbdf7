/*
Package sqlite provides a SQLite-backed implementation of the persistence
interfaces.

PURPOSE:
  Durable storage behind the balance coordinator. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  balance.Repository: fire-and-forget balance persistence

KEY TABLES:
  balances:          Current balance per account; seeds the in-memory
                     store on startup
  accounts:          Registry snapshot (identity, currency, deposit terms)
  calculation_modes: Per-account derivation mode overrides

WRITE PATH:
  The coordinator hands balances off on its persist queue; writes here are
  upserts keyed by account id. Batches commit in one database transaction
  so a crash never leaves half an import persisted.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. The connection pool is pinned to a
  single connection: there is only ever one writer, and ":memory:"
  databases exist per-connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  repo, err := sqlite.New("./data/balances.db")
  if err != nil {
      log.Fatal(err)
  }
  defer repo.Close()

MIGRATION:
  Versioned migrations are embedded and applied on New() via
  golang-migrate. See migrations/.

SEE ALSO:
  - ../memory.go: in-memory implementation for testing
  - ../../balance/coordinator.go: the Repository consumer
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
	"github.com/finmgr/balance-engine/store"
)

// Store implements the persistence interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path, creating
// the parent directory if needed. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer, and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// BALANCE PERSISTENCE (balance.Repository interface)
// =============================================================================

// PersistBalance upserts one current balance.
func (s *Store) PersistBalance(ctx context.Context, id finance.AccountID, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persistTx(ctx, s.db, id, value)
}

// PersistBalances upserts a batch of balances atomically.
func (s *Store) PersistBalances(ctx context.Context, values map[finance.AccountID]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for id, value := range values {
		if err := s.persistTx(ctx, sqlTx, id, value); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func (s *Store) persistTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, id finance.AccountID, value decimal.Decimal) error {
	query := `
		INSERT INTO balances (account_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		id,
		value.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to persist balance: %w", err)
	}
	return nil
}

// LoadBalances returns every persisted balance.
func (s *Store) LoadBalances(ctx context.Context) (map[finance.AccountID]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT account_id, balance FROM balances")
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	out := make(map[finance.AccountID]decimal.Decimal)
	for rows.Next() {
		var id finance.AccountID
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for account %s: %w", id, err)
		}
		out[id] = value
	}
	return out, rows.Err()
}

// =============================================================================
// ACCOUNT REGISTRY
// =============================================================================

// SaveAccount upserts one registry record.
func (s *Store) SaveAccount(ctx context.Context, acct finance.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveAccountTx(ctx, s.db, acct)
}

// SaveAccounts upserts a batch of registry records atomically.
func (s *Store) SaveAccounts(ctx context.Context, accts []finance.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, acct := range accts {
		if err := s.saveAccountTx(ctx, sqlTx, acct); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func (s *Store) saveAccountTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, acct finance.Account) error {
	query := `
		INSERT INTO accounts
		(id, name, currency, initial_balance, is_deposit, principal,
		 accrued_interest, capitalization_enabled, annual_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			initial_balance = excluded.initial_balance,
			is_deposit = excluded.is_deposit,
			principal = excluded.principal,
			accrued_interest = excluded.accrued_interest,
			capitalization_enabled = excluded.capitalization_enabled,
			annual_rate = excluded.annual_rate,
			updated_at = excluded.updated_at
	`

	var principal, interest, rate sql.NullString
	capitalization := false
	if acct.Deposit != nil {
		principal = sql.NullString{String: acct.Deposit.Principal.String(), Valid: true}
		interest = sql.NullString{String: acct.Deposit.AccruedInterest.String(), Valid: true}
		rate = sql.NullString{String: acct.Deposit.AnnualRate.String(), Valid: true}
		capitalization = acct.Deposit.CapitalizationEnabled
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, query,
		acct.ID,
		acct.Name,
		acct.Currency,
		nullDecimal(acct.InitialBalance),
		acct.IsDeposit(),
		principal,
		interest,
		capitalization,
		rate,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccounts returns every registry record, with Balance replaced by the
// persisted value when one exists. This is the seed set for registration
// on startup.
func (s *Store) LoadAccounts(ctx context.Context) ([]finance.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT a.id, a.name, a.currency, a.initial_balance, a.is_deposit,
		       a.principal, a.accrued_interest, a.capitalization_enabled, a.annual_rate,
		       b.balance
		FROM accounts a
		LEFT JOIN balances b ON b.account_id = a.id
		ORDER BY a.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []finance.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func scanAccount(rows *sql.Rows) (finance.Account, error) {
	var (
		acct           finance.Account
		initialBalance sql.NullString
		isDeposit      bool
		principal      sql.NullString
		interest       sql.NullString
		capitalization bool
		rate           sql.NullString
		persisted      sql.NullString
	)

	err := rows.Scan(
		&acct.ID, &acct.Name, &acct.Currency, &initialBalance, &isDeposit,
		&principal, &interest, &capitalization, &rate, &persisted,
	)
	if err != nil {
		return acct, fmt.Errorf("failed to scan account: %w", err)
	}

	if acct.InitialBalance, err = parseNullDecimal(initialBalance); err != nil {
		return acct, fmt.Errorf("corrupt initial balance for account %s: %w", acct.ID, err)
	}

	if isDeposit {
		info := finance.DepositInfo{CapitalizationEnabled: capitalization}
		p, err := parseNullDecimal(principal)
		if err != nil {
			return acct, fmt.Errorf("corrupt principal for account %s: %w", acct.ID, err)
		}
		if p != nil {
			info.Principal = *p
		}
		i, err := parseNullDecimal(interest)
		if err != nil {
			return acct, fmt.Errorf("corrupt accrued interest for account %s: %w", acct.ID, err)
		}
		if i != nil {
			info.AccruedInterest = *i
		}
		r, err := parseNullDecimal(rate)
		if err != nil {
			return acct, fmt.Errorf("corrupt annual rate for account %s: %w", acct.ID, err)
		}
		if r != nil {
			info.AnnualRate = *r
		}
		acct.Deposit = &info
	}

	if persisted.Valid {
		value, err := decimal.NewFromString(persisted.String)
		if err != nil {
			return acct, fmt.Errorf("corrupt balance for account %s: %w", acct.ID, err)
		}
		acct.Balance = value
	}

	return acct, nil
}

// UpdateDeposit rewrites only the deposit columns of an existing account.
// Deposit terms change far more often than names or currencies, and the
// caller rarely holds the full registry record.
func (s *Store) UpdateDeposit(ctx context.Context, id finance.AccountID, info finance.DepositInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE accounts
		SET is_deposit = 1,
		    principal = ?,
		    accrued_interest = ?,
		    capitalization_enabled = ?,
		    annual_rate = ?,
		    updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		info.Principal.String(),
		info.AccruedInterest.String(),
		info.CapitalizationEnabled,
		info.AnnualRate.String(),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update deposit info: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes the registry record, balance, and mode together.
func (s *Store) DeleteAccount(ctx context.Context, id finance.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, query := range []string{
		"DELETE FROM balances WHERE account_id = ?",
		"DELETE FROM calculation_modes WHERE account_id = ?",
	} {
		if _, err := sqlTx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
	}

	res, err := sqlTx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrAccountNotFound
	}

	return sqlTx.Commit()
}

// =============================================================================
// CALCULATION MODES
// =============================================================================

// SaveCalculationMode persists the account's derivation mode.
func (s *Store) SaveCalculationMode(ctx context.Context, id finance.AccountID, mode balance.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO calculation_modes (account_id, mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		id, string(mode), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save calculation mode: %w", err)
	}
	return nil
}

// LoadModes returns every persisted mode override.
func (s *Store) LoadModes(ctx context.Context) (map[finance.AccountID]balance.Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT account_id, mode FROM calculation_modes")
	if err != nil {
		return nil, fmt.Errorf("failed to query calculation modes: %w", err)
	}
	defer rows.Close()

	out := make(map[finance.AccountID]balance.Mode)
	for rows.Next() {
		var id finance.AccountID
		var mode string
		if err := rows.Scan(&id, &mode); err != nil {
			return nil, fmt.Errorf("failed to scan calculation mode: %w", err)
		}
		out[id] = balance.Mode(mode)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"balances", "calculation_modes", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
