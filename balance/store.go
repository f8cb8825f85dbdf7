/*
store.go - Authoritative in-memory balance state

PURPOSE:
  The single source of truth for current balances. Holds the per-account
  records, a denormalized accountId -> balance map for cheap snapshot
  reads, per-account calculation modes, and a bounded audit trail of
  recent writes.

SINGLE WRITER CONTRACT:
  Mutation methods are meant to be called only from the coordinator's
  serialized execution paths. The store still carries its own RWMutex so
  that read-side callers (HTTP handlers, listeners, diagnostics) are safe
  from any goroutine; the lock is not a license for concurrent writers.

CHANGE BROADCAST:
  Every committed balance write produces a ChangeEvent delivered to
  subscribed listeners after the lock is released, in commit order.
  Listeners run synchronously; slow consumers must buffer on their side
  (see ../events for one that does).

SNAPSHOT / RESTORE:
  Snapshot() deep-copies the entire state; Restore() swaps it back in
  atomically. Callers needing all-or-nothing semantics around a sequence
  of writes bracket them with these two calls.

SEE ALSO:
  - coordinator.go: the only intended writer
  - cache.go: the disposable read-side companion
*/
package balance

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finmgr/balance-engine/finance"
)

// DefaultHistoryLimit bounds the update-record ring buffer.
const DefaultHistoryLimit = 100

type Store struct {
	mu           sync.RWMutex
	accounts     map[finance.AccountID]AccountBalance
	balances     map[finance.AccountID]decimal.Decimal
	modes        map[finance.AccountID]Mode
	records      []UpdateRecord
	historyLimit int

	listenerMu sync.RWMutex
	listeners  map[int]Listener
	nextListen int

	now func() time.Time
	log *zap.Logger
}

type StoreOption func(*Store)

// WithHistoryLimit overrides the size of the update-record ring buffer.
func WithHistoryLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		accounts:     make(map[finance.AccountID]AccountBalance),
		balances:     make(map[finance.AccountID]decimal.Decimal),
		modes:        make(map[finance.AccountID]Mode),
		historyLimit: DefaultHistoryLimit,
		listeners:    make(map[int]Listener),
		now:          time.Now,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterAccount seeds the store from a registry snapshot, trusting the
// account's persisted balance instead of recomputing history. Registering
// an already-known account refreshes its record in place.
func (s *Store) RegisterAccount(acct finance.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(acct)
}

func (s *Store) RegisterAccounts(accts []finance.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range accts {
		s.registerLocked(acct)
	}
}

func (s *Store) registerLocked(acct finance.Account) {
	bal := acct.Balance
	if acct.IsDeposit() {
		bal = acct.Deposit.Total()
	}
	s.accounts[acct.ID] = AccountBalance{
		AccountID:      acct.ID,
		CurrentBalance: bal,
		InitialBalance: cloneDecimalPtr(acct.InitialBalance),
		Deposit:        cloneDepositPtr(acct.Deposit),
		Currency:       acct.Currency,
		IsDeposit:      acct.IsDeposit(),
	}
	s.balances[acct.ID] = bal
}

// RemoveAccount drops every live trace of the account. Past update records
// stay; the trail is append-only.
func (s *Store) RemoveAccount(id finance.AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	delete(s.balances, id)
	delete(s.modes, id)
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Account(id finance.AccountID) (AccountBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ab, ok := s.accounts[id]
	if !ok {
		return AccountBalance{}, false
	}
	return cloneAccountBalance(ab), true
}

func (s *Store) Balance(id finance.AccountID) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[id]
	return b, ok
}

// Balances returns a copy of the denormalized balance map. This is the
// read-only snapshot external observers poll.
func (s *Store) Balances() map[finance.AccountID]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[finance.AccountID]decimal.Decimal, len(s.balances))
	for id, b := range s.balances {
		out[id] = b
	}
	return out
}

func (s *Store) AccountIDs() []finance.AccountID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]finance.AccountID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Records returns the audit trail, oldest first.
func (s *Store) Records() []UpdateRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UpdateRecord, len(s.records))
	copy(out, s.records)
	return out
}

// =============================================================================
// CALCULATION MODE / INITIAL BALANCE
// =============================================================================

// CalculationMode returns the account's mode, defaulting to
// ModeFromInitialBalance when none was ever set.
func (s *Store) CalculationMode(id finance.AccountID) Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.modes[id]; ok {
		return m
	}
	return ModeFromInitialBalance
}

func (s *Store) SetCalculationMode(id finance.AccountID, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		s.log.Debug("mode change for unknown account ignored", zap.String("account", string(id)))
		return
	}
	s.modes[id] = mode
}

func (s *Store) InitialBalance(id finance.AccountID) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ab, ok := s.accounts[id]
	if !ok || ab.InitialBalance == nil {
		return decimal.Decimal{}, false
	}
	return *ab.InitialBalance, true
}

func (s *Store) SetInitialBalance(id finance.AccountID, value decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ab, ok := s.accounts[id]
	if !ok {
		s.log.Debug("initial balance for unknown account ignored", zap.String("account", string(id)))
		return
	}
	v := value
	ab.InitialBalance = &v
	s.accounts[id] = ab
}

// =============================================================================
// BALANCE WRITES - the single-writer surface
// =============================================================================

// SetBalance commits one balance, appends an update record, refreshes the
// denormalized map, and notifies listeners. Unknown accounts are a silent
// no-op; a late event for a removed account is an expected race.
func (s *Store) SetBalance(value decimal.Decimal, id finance.AccountID, source Source) {
	s.mu.Lock()
	ab, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("balance write for unknown account ignored",
			zap.String("account", string(id)), zap.String("source", source.Key()))
		return
	}
	ev := s.commitLocked(ab, value, source)
	s.mu.Unlock()

	s.broadcast(ev)
}

// UpdateBalances commits several balances as one atomic write: every known
// account in the map is updated together. Unknown accounts are skipped the
// same way SetBalance skips them.
func (s *Store) UpdateBalances(values map[finance.AccountID]decimal.Decimal, source Source) {
	if len(values) == 0 {
		return
	}

	ids := make([]finance.AccountID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s.mu.Lock()
	events := make([]ChangeEvent, 0, len(ids))
	for _, id := range ids {
		ab, ok := s.accounts[id]
		if !ok {
			s.log.Debug("balance write for unknown account ignored",
				zap.String("account", string(id)), zap.String("source", source.Key()))
			continue
		}
		events = append(events, s.commitLocked(ab, values[id], source))
	}
	s.mu.Unlock()

	s.broadcast(events...)
}

// UpdateDepositInfo replaces the deposit buckets and, as a side effect,
// recomputes and commits the deposit balance they imply.
func (s *Store) UpdateDepositInfo(id finance.AccountID, info finance.DepositInfo) {
	s.mu.Lock()
	ab, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("deposit info for unknown account ignored", zap.String("account", string(id)))
		return
	}
	ab.Deposit = info.Clone()
	ab.IsDeposit = true
	s.accounts[id] = ab
	ev := s.commitLocked(ab, info.Total(), SourceDeposit())
	s.mu.Unlock()

	s.broadcast(ev)
}

// commitLocked writes one balance under the held lock and returns the
// event to broadcast once the lock is released.
func (s *Store) commitLocked(ab AccountBalance, value decimal.Decimal, source Source) ChangeEvent {
	ab.CurrentBalance = value
	s.accounts[ab.AccountID] = ab
	s.balances[ab.AccountID] = value

	at := s.now()
	s.records = append(s.records, UpdateRecord{
		ID:         ulid.Make().String(),
		AccountID:  ab.AccountID,
		NewBalance: value,
		Source:     source,
		Timestamp:  at,
	})
	if over := len(s.records) - s.historyLimit; over > 0 {
		s.records = append(s.records[:0], s.records[over:]...)
	}

	return ChangeEvent{AccountID: ab.AccountID, Balance: value, Source: source, At: at}
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

// StoreSnapshot is a deep copy of the store's state at one instant.
type StoreSnapshot struct {
	Accounts map[finance.AccountID]AccountBalance
	Balances map[finance.AccountID]decimal.Decimal
	Modes    map[finance.AccountID]Mode
	Records  []UpdateRecord
}

func (s *Store) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StoreSnapshot{
		Accounts: make(map[finance.AccountID]AccountBalance, len(s.accounts)),
		Balances: make(map[finance.AccountID]decimal.Decimal, len(s.balances)),
		Modes:    make(map[finance.AccountID]Mode, len(s.modes)),
		Records:  make([]UpdateRecord, len(s.records)),
	}
	for id, ab := range s.accounts {
		snap.Accounts[id] = cloneAccountBalance(ab)
	}
	for id, b := range s.balances {
		snap.Balances[id] = b
	}
	for id, m := range s.modes {
		snap.Modes[id] = m
	}
	copy(snap.Records, s.records)
	return snap
}

// Restore swaps the snapshot back in atomically. No change events fire;
// a rollback is not a new commit.
func (s *Store) Restore(snap StoreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[finance.AccountID]AccountBalance, len(snap.Accounts))
	s.balances = make(map[finance.AccountID]decimal.Decimal, len(snap.Balances))
	s.modes = make(map[finance.AccountID]Mode, len(snap.Modes))
	s.records = make([]UpdateRecord, len(snap.Records))

	for id, ab := range snap.Accounts {
		s.accounts[id] = cloneAccountBalance(ab)
	}
	for id, b := range snap.Balances {
		s.balances[id] = b
	}
	for id, m := range snap.Modes {
		s.modes[id] = m
	}
	copy(s.records, snap.Records)
}

// =============================================================================
// LISTENERS
// =============================================================================

// Subscribe registers a listener for committed balance changes and returns
// its unsubscribe function.
func (s *Store) Subscribe(l Listener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = l
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) broadcast(events ...ChangeEvent) {
	if len(events) == 0 {
		return
	}
	s.listenerMu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenerMu.RUnlock()

	for _, ev := range events {
		for _, l := range ls {
			l.BalanceChanged(ev)
		}
	}
}

// =============================================================================
// CLONING
// =============================================================================

func cloneDecimalPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneDepositPtr(d *finance.DepositInfo) *finance.DepositInfo {
	if d == nil {
		return nil
	}
	return d.Clone()
}

func cloneAccountBalance(ab AccountBalance) AccountBalance {
	ab.InitialBalance = cloneDecimalPtr(ab.InitialBalance)
	ab.Deposit = cloneDepositPtr(ab.Deposit)
	return ab
}
