/*
coordinator.go - The facade external callers use

PURPOSE:
  Composes Store + Engine + Cache + Serializer and translates transaction
  lifecycle events into balance work. Nothing outside this package should
  write to the store or cache directly; every mutation enters here.

CONTROL FLOW:
  updateForTransaction -> affected-account set -> UpdateRequest ->
  serializer -> execute() -> engine delta -> store write -> cache refresh
  -> fire-and-forget persistence hand-off.

EXECUTION PATHS:
  - normal priority: queued FIFO, the worker executes
  - immediate/high: executed synchronously on the caller's path, still
    recorded in the serializer's audit history
  - optimistic updates, manual sets, deposit-info edits: direct synchronous
    writes on the coordinator's own path, under the serializer's execution
    lock so they never interleave with an executing request

PERSISTENCE HAND-OFF:
  After every committed balance change the repository is notified on a
  background queue. The call never blocks the coordination path and is
  never skipped, optimistic updates included; the repository is what seeds
  balances on the next process start. Failures are logged and the
  in-memory balance stays authoritative for the session.

SEE ALSO:
  - serializer.go: ordering, debouncing, the single-writer guarantee
  - ../store: repository implementations behind the Repository port
*/
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finmgr/balance-engine/finance"
)

// DefaultPersistTimeout bounds one repository call on the persist queue.
const DefaultPersistTimeout = 10 * time.Second

// Repository is the durable side of the system. Implementations live in
// ../store; the coordinator only ever hands balances off, it never reads
// them back at runtime.
type Repository interface {
	PersistBalance(ctx context.Context, id finance.AccountID, value decimal.Decimal) error
	PersistBalances(ctx context.Context, values map[finance.AccountID]decimal.Decimal) error
}

type Coordinator struct {
	store      *Store
	engine     *Engine
	cache      *Cache
	serializer *Serializer
	persist    *persister
	log        *zap.Logger

	mu         sync.Mutex
	optimistic map[string]OptimisticUpdate
	closed     bool
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(log *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// WithPersistTimeout bounds each repository call made by the persist queue.
func WithPersistTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.persist.timeout = d
		}
	}
}

// NewCoordinator wires the four components together and starts the
// serializer worker and the persistence queue. The serializer's handler is
// bound here; pass one constructed with a nil handler. repo may be nil, in
// which case persistence hand-off is disabled (tests, dry runs).
func NewCoordinator(store *Store, engine *Engine, cache *Cache, serializer *Serializer, repo Repository, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:      store,
		engine:     engine,
		cache:      cache,
		serializer: serializer,
		persist:    newPersister(repo, DefaultPersistTimeout, zap.NewNop()),
		log:        zap.NewNop(),
		optimistic: make(map[string]OptimisticUpdate),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.persist.log = c.log

	c.serializer.SetHandler(c.execute)
	c.serializer.Start()
	c.persist.start()
	return c
}

// Close flushes queued work, stops the serializer, and drains the persist
// queue. Safe to call twice.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.serializer.Flush(); err != nil && err != ErrSerializerClosed {
		c.log.Warn("flush on close failed", zap.Error(err))
	}
	c.serializer.Stop()
	c.persist.close()
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterAccounts seeds the store from each account's persisted balance.
// Deriving from full history is deliberately deferred to an explicit
// recalculation call; startup trusts the last known-good values.
func (c *Coordinator) RegisterAccounts(accounts []finance.Account) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	c.store.RegisterAccounts(accounts)
	c.log.Info("accounts registered", zap.Int("count", len(accounts)))
	return nil
}

func (c *Coordinator) RemoveAccount(id finance.AccountID) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	c.store.RemoveAccount(id)
	c.cache.Invalidate(id)

	c.mu.Lock()
	for opID, ou := range c.optimistic {
		if ou.AccountID == id {
			delete(c.optimistic, opID)
		}
	}
	c.mu.Unlock()
	return nil
}

// =============================================================================
// TRANSACTION-DRIVEN UPDATES
// =============================================================================

// UpdateForTransaction submits one transaction lifecycle event. OpUpdate
// requires change.Previous. Immediate and high priorities execute before
// the call returns.
func (c *Coordinator) UpdateForTransaction(change TxChange, priority Priority) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if change.Op == OpUpdate && change.Previous == nil {
		return ErrMissingPrevious
	}

	affected := change.AffectedAccounts()
	c.cache.TrackAffectedAccounts(change.Tx.ID, affected)

	return c.serializer.Submit(UpdateRequest{
		ID:               uuid.NewString(),
		AffectedAccounts: affected,
		Operation:        OpApplyTransactionDelta,
		Priority:         priority,
		Source:           SourceTransaction(change.Tx.ID),
		Changes:          []TxChange{change},
	})
}

// UpdateForTransactions is the batch variant used by imports. OpUpdate is
// rejected: an update needs a paired old/new transaction per item, so
// batch callers must split into per-item calls.
func (c *Coordinator) UpdateForTransactions(txs []finance.Transaction, op ChangeOp, priority Priority) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if op == OpUpdate {
		return ErrBatchUpdateUnsupported
	}
	if len(txs) == 0 {
		return nil
	}

	changes := make([]TxChange, 0, len(txs))
	affected := make([]finance.AccountID, 0, len(txs))
	seen := make(map[finance.AccountID]struct{})
	for _, tx := range txs {
		ch := TxChange{Op: op, Tx: tx}
		changes = append(changes, ch)
		for _, id := range ch.AffectedAccounts() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			affected = append(affected, id)
		}
		c.cache.TrackAffectedAccounts(tx.ID, ch.AffectedAccounts())
	}

	return c.serializer.Submit(UpdateRequest{
		ID:               uuid.NewString(),
		AffectedAccounts: affected,
		Operation:        OpApplyTransactionDelta,
		Priority:         priority,
		Source:           SourceCSVImport(),
		Changes:          changes,
	})
}

// =============================================================================
// RECALCULATION
// =============================================================================

// RecalculateAll recomputes every given account from the transaction list,
// writing store and cache together. Runs synchronously at high priority.
func (c *Coordinator) RecalculateAll(accounts []finance.Account, txs []finance.Transaction) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if len(accounts) == 0 {
		return ErrNoAccounts
	}

	scope := make([]finance.AccountID, len(accounts))
	for i, a := range accounts {
		scope[i] = a.ID
	}
	return c.serializer.Submit(UpdateRequest{
		ID:               uuid.NewString(),
		AffectedAccounts: scope,
		Operation:        OpRecalculateAll,
		Priority:         PriorityHigh,
		Source:           SourceRecalculation(),
		Scope:            scope,
		Accounts:         accounts,
		Transactions:     txs,
	})
}

// RecalculateAccounts recomputes only the given ids.
func (c *Coordinator) RecalculateAccounts(ids []finance.AccountID, accounts []finance.Account, txs []finance.Transaction) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if len(ids) == 0 {
		return ErrNoAccounts
	}

	return c.serializer.Submit(UpdateRequest{
		ID:               uuid.NewString(),
		AffectedAccounts: ids,
		Operation:        OpRecalculateAccounts,
		Priority:         PriorityHigh,
		Source:           SourceRecalculation(),
		Scope:            ids,
		Accounts:         accounts,
		Transactions:     txs,
	})
}

// =============================================================================
// OPTIMISTIC UPDATES
// =============================================================================

// OptimisticUpdate applies current+delta immediately for snappy feedback
// and returns an operation id for a possible revert. The persisted value
// still goes to the repository; durable truth must never lag a restart.
// Unknown accounts are a no-op and return an empty id.
func (c *Coordinator) OptimisticUpdate(id finance.AccountID, delta decimal.Decimal) (string, error) {
	if c.isClosed() {
		return "", ErrCoordinatorClosed
	}

	// The read and the commit form one read-modify-write; holding the
	// execution lock across both keeps a concurrently executing request
	// from committing in between and losing one of the deltas.
	var opID string
	c.serializer.RunExclusive(func() {
		current, ok := c.store.Balance(id)
		if !ok {
			c.log.Debug("optimistic update for unknown account ignored", zap.String("account", string(id)))
			return
		}

		next := current.Add(delta)
		opID = uuid.NewString()

		c.mu.Lock()
		c.optimistic[opID] = OptimisticUpdate{
			ID:              opID,
			AccountID:       id,
			PreviousBalance: current,
			Delta:           delta,
			Timestamp:       time.Now(),
		}
		c.mu.Unlock()

		c.commit(id, next, SourceManual())
	})
	return opID, nil
}

// RevertOptimisticUpdate restores the exact pre-update balance. Reverting
// an unknown or already-reverted id is a no-op, not an error.
func (c *Coordinator) RevertOptimisticUpdate(opID string) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}

	c.mu.Lock()
	ou, ok := c.optimistic[opID]
	if ok {
		delete(c.optimistic, opID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.commitDirect(ou.AccountID, ou.PreviousBalance, SourceManual())
	return nil
}

// =============================================================================
// DIRECT WRITES - manual sets, mode toggles, deposit terms
// =============================================================================

// SetBalanceManually overrides one balance on the spot.
func (c *Coordinator) SetBalanceManually(id finance.AccountID, value decimal.Decimal) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if _, ok := c.store.Balance(id); !ok {
		c.log.Debug("manual balance for unknown account ignored", zap.String("account", string(id)))
		return nil
	}
	c.commitDirect(id, value, SourceManual())
	return nil
}

// MarkAsImported switches the account to trusting its imported balance;
// only transactions observed from now on apply deltas.
func (c *Coordinator) MarkAsImported(id finance.AccountID) error {
	return c.setMode(id, ModePreserveImported)
}

// MarkAsManual switches the account back to deriving from its initial
// balance.
func (c *Coordinator) MarkAsManual(id finance.AccountID) error {
	return c.setMode(id, ModeFromInitialBalance)
}

func (c *Coordinator) setMode(id finance.AccountID, mode Mode) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	c.store.SetCalculationMode(id, mode)
	// The cached entry was derived under the old mode.
	c.cache.Invalidate(id)
	return nil
}

// UpdateDepositInfo replaces the deposit terms and commits the balance
// they imply.
func (c *Coordinator) UpdateDepositInfo(id finance.AccountID, info finance.DepositInfo) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if _, ok := c.store.Account(id); !ok {
		c.log.Debug("deposit info for unknown account ignored", zap.String("account", string(id)))
		return nil
	}

	c.serializer.RunExclusive(func() {
		c.store.UpdateDepositInfo(id, info)
		c.cache.Set(id, CacheEntry{
			Balance:  info.Total(),
			Metadata: CacheMetadata{LastUpdated: time.Now(), Mode: c.store.CalculationMode(id)},
		})
		c.persist.enqueueOne(id, info.Total())
	})
	return nil
}

// commitDirect runs one synchronous write under the serializer's execution
// lock so it cannot interleave with a request the worker is executing.
func (c *Coordinator) commitDirect(id finance.AccountID, value decimal.Decimal, source Source) {
	c.serializer.RunExclusive(func() {
		c.commit(id, value, source)
	})
}

// commit is the common write path: store commit, cache refresh,
// persistence hand-off. Callers hold the execution lock.
func (c *Coordinator) commit(id finance.AccountID, value decimal.Decimal, source Source) {
	c.store.SetBalance(value, id, source)
	c.cache.Set(id, CacheEntry{
		Balance:  value,
		Metadata: CacheMetadata{LastUpdated: time.Now(), Mode: c.store.CalculationMode(id)},
	})
	c.persist.enqueueOne(id, value)
}

// =============================================================================
// READS
// =============================================================================

// Balance reads through the cache while its hit rate stays healthy, and
// falls back to the store otherwise. A miss backfills the cache.
func (c *Coordinator) Balance(id finance.AccountID) (decimal.Decimal, bool) {
	if c.cache.ShouldUseCache() {
		if v, ok := c.cache.Get(id); ok {
			return v, true
		}
	}
	v, ok := c.store.Balance(id)
	if !ok {
		return decimal.Decimal{}, false
	}
	c.cache.Set(id, CacheEntry{
		Balance:  v,
		Metadata: CacheMetadata{LastUpdated: time.Now(), Mode: c.store.CalculationMode(id)},
	})
	return v, true
}

// Balances returns the store's denormalized snapshot; observers poll this.
func (c *Coordinator) Balances() map[finance.AccountID]decimal.Decimal {
	return c.store.Balances()
}

func (c *Coordinator) Account(id finance.AccountID) (AccountBalance, bool) {
	return c.store.Account(id)
}

// AccountIDs lists the registered accounts, sorted.
func (c *Coordinator) AccountIDs() []finance.AccountID {
	return c.store.AccountIDs()
}

// CacheEntry reads the cached balance and its freshness metadata without
// falling back to the store. Diagnostics only.
func (c *Coordinator) CacheEntry(id finance.AccountID) (CacheEntry, bool) {
	return c.cache.Entry(id)
}

// CalculationMode returns the account's active derivation mode.
func (c *Coordinator) CalculationMode(id finance.AccountID) Mode {
	return c.store.CalculationMode(id)
}

func (c *Coordinator) Records() []UpdateRecord {
	return c.store.Records()
}

// Flush drains the serializer queue; tests and shutdown use it.
func (c *Coordinator) Flush() error {
	return c.serializer.Flush()
}

// CancelAllPending discards queued, not-yet-started work. Explicit user
// aborts only, never normal flow.
func (c *Coordinator) CancelAllPending() int {
	return c.serializer.CancelAllPending()
}

// PruneTracking drops transaction tracking entries older than maxAge and
// returns how many were removed. Periodic maintenance; cached balances
// are unaffected.
func (c *Coordinator) PruneTracking(maxAge time.Duration) int {
	return c.cache.PruneTracking(maxAge)
}

// Statistics bundles the diagnostics every observer cares about.
type Statistics struct {
	Accounts          int
	OptimisticPending int
	Cache             CacheStatistics
	Serializer        SerializerStatistics
}

func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	pending := len(c.optimistic)
	c.mu.Unlock()

	return Statistics{
		Accounts:          c.store.AccountCount(),
		OptimisticPending: pending,
		Cache:             c.cache.Statistics(),
		Serializer:        c.serializer.Statistics(),
	}
}

// =============================================================================
// EXECUTION - the serializer's handler
// =============================================================================

func (c *Coordinator) execute(req UpdateRequest) {
	switch req.Operation {
	case OpApplyTransactionDelta:
		c.executeChanges(req)
	case OpRecalculateAll, OpRecalculateAccounts:
		c.executeRecalculation(req)
	default:
		err := &UnknownOperationError{Operation: req.Operation, RequestID: req.ID}
		c.log.Error("dropping unexecutable request", zap.Error(err))
	}
}

// executeChanges folds every change in the request into one signed delta
// per account, then commits all accounts in a single store write.
func (c *Coordinator) executeChanges(req UpdateRequest) {
	deltas := make(map[finance.AccountID]decimal.Decimal)
	order := make([]finance.AccountID, 0, len(req.AffectedAccounts))

	for _, ch := range req.Changes {
		if ch.Tx.Type.IsDepositType() {
			c.applyDepositChange(ch)
			continue
		}
		for _, id := range ch.AffectedAccounts() {
			ab, ok := c.store.Account(id)
			if !ok {
				c.log.Debug("change for unknown account ignored",
					zap.String("account", string(id)),
					zap.String("transaction", string(ch.Tx.ID)))
				continue
			}
			if _, seen := deltas[id]; !seen {
				order = append(order, id)
			}
			deltas[id] = deltas[id].Add(c.engine.Delta(ch, id, ab.Currency))
		}
		c.cache.SmartInvalidate(ch.Tx.ID)
	}

	values := make(map[finance.AccountID]decimal.Decimal, len(deltas))
	entries := make(map[finance.AccountID]CacheEntry, len(deltas))
	for _, id := range order {
		d := deltas[id]
		if d.IsZero() {
			// Future-dated or net-zero change; nothing to commit.
			continue
		}
		current, ok := c.store.Balance(id)
		if !ok {
			continue
		}
		next := current.Add(d)
		values[id] = next
		entries[id] = CacheEntry{
			Balance:  next,
			Metadata: CacheMetadata{LastUpdated: time.Now(), Mode: c.store.CalculationMode(id)},
		}
	}
	if len(values) == 0 {
		return
	}

	c.store.UpdateBalances(values, req.Source)
	c.cache.SetMany(entries)
	c.persist.enqueueMany(values)
}

// applyDepositChange routes deposit-type transactions into the account's
// buckets instead of the delta math.
func (c *Coordinator) applyDepositChange(ch TxChange) {
	id := ch.Tx.AccountID
	ab, ok := c.store.Account(id)
	if !ok || ab.Deposit == nil {
		c.log.Debug("deposit change for non-deposit account ignored",
			zap.String("account", string(id)),
			zap.String("transaction", string(ch.Tx.ID)))
		return
	}

	info := *ab.Deposit
	switch ch.Op {
	case OpAdd:
		info = c.engine.ApplyDeposit(info, ch.Tx, ab.Currency)
	case OpRemove:
		info = c.engine.RevertDeposit(info, ch.Tx, ab.Currency)
	case OpUpdate:
		if ch.Previous != nil {
			info = c.engine.RevertDeposit(info, *ch.Previous, ab.Currency)
		}
		info = c.engine.ApplyDeposit(info, ch.Tx, ab.Currency)
	}

	c.store.UpdateDepositInfo(id, info)
	c.cache.Set(id, CacheEntry{
		Balance:  info.Total(),
		Metadata: CacheMetadata{LastUpdated: time.Now(), Mode: c.store.CalculationMode(id)},
	})
	c.persist.enqueueOne(id, info.Total())
}

// executeRecalculation recomputes the scoped accounts from scratch and
// commits store and cache together.
func (c *Coordinator) executeRecalculation(req UpdateRequest) {
	byID := make(map[finance.AccountID]finance.Account, len(req.Accounts))
	for _, a := range req.Accounts {
		byID[a.ID] = a
	}

	scope := req.Scope
	if len(scope) == 0 {
		scope = make([]finance.AccountID, 0, len(req.Accounts))
		for _, a := range req.Accounts {
			scope = append(scope, a.ID)
		}
	}

	values := make(map[finance.AccountID]decimal.Decimal, len(scope))
	entries := make(map[finance.AccountID]CacheEntry, len(scope))
	for _, id := range scope {
		acct, ok := byID[id]
		if !ok {
			ab, inStore := c.store.Account(id)
			if !inStore {
				c.log.Debug("recalculation for unknown account skipped", zap.String("account", string(id)))
				continue
			}
			acct = ab.Account()
		} else if ab, inStore := c.store.Account(id); inStore {
			// The store carries the live truth for fields the registry
			// snapshot may lag on.
			acct.Balance = ab.CurrentBalance
			if acct.InitialBalance == nil {
				acct.InitialBalance = ab.InitialBalance
			}
			if acct.Deposit == nil {
				acct.Deposit = ab.Deposit
			}
		}

		mode := c.store.CalculationMode(id)
		bal := c.engine.CalculateBalance(acct, req.Transactions, mode)
		values[id] = bal
		entries[id] = CacheEntry{
			Balance: bal,
			Metadata: CacheMetadata{
				LastUpdated:      time.Now(),
				TransactionCount: c.engine.CountApplicable(id, req.Transactions),
				Mode:             mode,
			},
		}
	}
	if len(values) == 0 {
		return
	}

	c.store.UpdateBalances(values, req.Source)
	c.cache.SetMany(entries)
	c.persist.enqueueMany(values)
}

// =============================================================================
// PERSISTENCE QUEUE - fire-and-forget, ordered, drained on close
// =============================================================================

type persistJob struct {
	single bool
	id     finance.AccountID
	value  decimal.Decimal
	values map[finance.AccountID]decimal.Decimal
}

type persister struct {
	repo    Repository
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []persistJob
	closed bool
	wg     sync.WaitGroup
}

func newPersister(repo Repository, timeout time.Duration, log *zap.Logger) *persister {
	p := &persister{repo: repo, timeout: timeout, log: log}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *persister) start() {
	if p.repo == nil {
		return
	}
	p.wg.Add(1)
	go p.run()
}

func (p *persister) enqueueOne(id finance.AccountID, value decimal.Decimal) {
	if p.repo == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.jobs = append(p.jobs, persistJob{single: true, id: id, value: value})
	p.cond.Broadcast()
}

func (p *persister) enqueueMany(values map[finance.AccountID]decimal.Decimal) {
	if p.repo == nil || len(values) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.jobs = append(p.jobs, persistJob{values: values})
	p.cond.Broadcast()
}

// close drains remaining jobs before returning; a balance the store has
// committed must reach the repository even during shutdown.
func (p *persister) close() {
	if p.repo == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *persister) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		p.dispatch(job)
	}
}

func (p *persister) dispatch(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var err error
	if job.single {
		err = p.repo.PersistBalance(ctx, job.id, job.value)
	} else {
		err = p.repo.PersistBalances(ctx, job.values)
	}
	if err != nil {
		// In-memory stays authoritative for the session; reconciliation
		// happens on the next successful persist or full recalculation.
		p.log.Error("balance persistence failed", zap.Error(err))
	}
}
