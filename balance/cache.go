/*
cache.go - Bounded LRU balance cache with smart invalidation

PURPOSE:
  A disposable read-side companion to the store. Losing any entry costs a
  recompute, never correctness, so the cache is free to bound itself
  aggressively: a hash map plus doubly-linked recency list per index,
  evicting from the cold end under capacity pressure.

TWO INDEXES, ONE LOCK:
  - balances: accountId -> balance (+ stored-at), capacity 1000
  - metadata: accountId -> {lastUpdated, transactionCount, mode}, capacity 500
  Metadata is the smaller, richer index; a balance can outlive its metadata.
  Earlier revisions of this subsystem grew a second ad-hoc memoization
  cache next to the structured one; both indexes now live behind this one
  type and one invalidation path.

SMART INVALIDATION:
  TrackAffectedAccounts remembers which accounts a transaction touches
  (source, and target for transfers). SmartInvalidate then evicts exactly
  those entries instead of flushing the whole cache.

STALENESS:
  An entry older than the staleness TTL (default 5 minutes) is reported
  stale in diagnostics but stays servable. Only invalidation or LRU
  pressure removes entries; age alone never does.

DEGRADE HEURISTIC:
  ShouldUseCache turns false once the hit rate drops below 50% over at
  least 100 lookups. Callers then read the store directly until the access
  pattern recovers.
*/
package balance

import (
	"container/list"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmgr/balance-engine/finance"
)

const (
	DefaultCacheCapacity    = 1000
	DefaultMetadataCapacity = 500
	DefaultStaleAfter       = 5 * time.Minute

	// shouldUseCacheMinSamples is how many lookups the degrade heuristic
	// waits for before judging the hit rate.
	shouldUseCacheMinSamples = 100
)

// =============================================================================
// GENERIC LRU INDEX - map + recency list, no lock of its own
// =============================================================================

type lruEntry[T any] struct {
	key   finance.AccountID
	value T
}

// lruIndex is not safe for concurrent use; Cache serializes access.
type lruIndex[T any] struct {
	capacity int
	items    map[finance.AccountID]*list.Element
	order    *list.List // front = most recently used
}

func newLRUIndex[T any](capacity int) *lruIndex[T] {
	return &lruIndex[T]{
		capacity: capacity,
		items:    make(map[finance.AccountID]*list.Element),
		order:    list.New(),
	}
}

// get promotes the key to most-recently-used.
func (x *lruIndex[T]) get(key finance.AccountID) (T, bool) {
	el, ok := x.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	x.order.MoveToFront(el)
	return el.Value.(*lruEntry[T]).value, true
}

// peek reads without touching recency. Diagnostics use this so that
// inspecting the cache does not distort it.
func (x *lruIndex[T]) peek(key finance.AccountID) (T, bool) {
	el, ok := x.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	return el.Value.(*lruEntry[T]).value, true
}

// set inserts or refreshes the key and returns how many cold entries were
// evicted to stay within capacity.
func (x *lruIndex[T]) set(key finance.AccountID, value T) int {
	if el, ok := x.items[key]; ok {
		el.Value.(*lruEntry[T]).value = value
		x.order.MoveToFront(el)
		return 0
	}
	x.items[key] = x.order.PushFront(&lruEntry[T]{key: key, value: value})

	evicted := 0
	for x.capacity > 0 && x.order.Len() > x.capacity {
		back := x.order.Back()
		if back == nil {
			break
		}
		x.removeElement(back)
		evicted++
	}
	return evicted
}

func (x *lruIndex[T]) delete(key finance.AccountID) bool {
	el, ok := x.items[key]
	if !ok {
		return false
	}
	x.removeElement(el)
	return true
}

func (x *lruIndex[T]) removeElement(el *list.Element) {
	x.order.Remove(el)
	delete(x.items, el.Value.(*lruEntry[T]).key)
}

func (x *lruIndex[T]) clear() {
	x.items = make(map[finance.AccountID]*list.Element)
	x.order.Init()
}

func (x *lruIndex[T]) len() int { return x.order.Len() }

// =============================================================================
// CACHE
// =============================================================================

type cachedBalance struct {
	value    decimal.Decimal
	storedAt time.Time
}

type trackedAccounts struct {
	ids []finance.AccountID
	at  time.Time
}

type Cache struct {
	mu       sync.Mutex
	balances *lruIndex[cachedBalance]
	meta     *lruIndex[CacheMetadata]
	tracked  map[finance.TransactionID]trackedAccounts

	staleAfter time.Duration
	now        func() time.Time

	hits          uint64
	misses        uint64
	invalidations uint64
	evictions     uint64
}

type CacheOption func(*Cache)

func WithCacheCapacity(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.balances.capacity = n
		}
	}
}

func WithMetadataCapacity(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.meta.capacity = n
		}
	}
}

func WithStaleAfter(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		balances:   newLRUIndex[cachedBalance](DefaultCacheCapacity),
		meta:       newLRUIndex[CacheMetadata](DefaultMetadataCapacity),
		tracked:    make(map[finance.TransactionID]trackedAccounts),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// READS AND WRITES
// =============================================================================

// Get returns the cached balance, promoting the entry and counting the
// lookup toward the hit-rate statistics.
func (c *Cache) Get(id finance.AccountID) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.balances.get(id)
	if !ok {
		c.misses++
		return decimal.Decimal{}, false
	}
	c.hits++
	return cb.value, true
}

// Entry assembles the diagnostic view of one cached account without
// disturbing recency or statistics.
func (c *Cache) Entry(id finance.AccountID) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.balances.peek(id)
	if !ok {
		return CacheEntry{}, false
	}
	entry := CacheEntry{
		Balance:  cb.value,
		Metadata: CacheMetadata{LastUpdated: cb.storedAt},
	}
	if md, ok := c.meta.peek(id); ok {
		entry.Metadata = md
	}
	return entry, true
}

func (c *Cache) Set(id finance.AccountID, entry CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(id, entry)
}

func (c *Cache) SetMany(entries map[finance.AccountID]CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range entries {
		c.setLocked(id, entry)
	}
}

func (c *Cache) setLocked(id finance.AccountID, entry CacheEntry) {
	now := c.now()
	if entry.Metadata.LastUpdated.IsZero() {
		entry.Metadata.LastUpdated = now
	}
	c.evictions += uint64(c.balances.set(id, cachedBalance{value: entry.Balance, storedAt: entry.Metadata.LastUpdated}))
	c.evictions += uint64(c.meta.set(id, entry.Metadata))
}

// IsStale reports whether the entry is older than the staleness TTL.
// Stale entries remain servable; this is diagnostic only.
func (c *Cache) IsStale(id finance.AccountID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.balances.peek(id)
	if !ok {
		return false
	}
	return c.now().Sub(cb.storedAt) > c.staleAfter
}

// =============================================================================
// INVALIDATION
// =============================================================================

func (c *Cache) Invalidate(id finance.AccountID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(id)
}

func (c *Cache) InvalidateMany(ids []finance.AccountID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.invalidateLocked(id)
	}
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations += uint64(c.balances.len())
	c.balances.clear()
	c.meta.clear()
}

func (c *Cache) invalidateLocked(id finance.AccountID) {
	if c.balances.delete(id) {
		c.invalidations++
	}
	c.meta.delete(id)
}

// =============================================================================
// SMART INVALIDATION - transaction -> affected accounts
// =============================================================================

// TrackAffectedAccounts remembers which accounts a transaction touches so
// a later SmartInvalidate evicts exactly those.
func (c *Cache) TrackAffectedAccounts(txID finance.TransactionID, ids []finance.AccountID) {
	if txID == "" || len(ids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]finance.AccountID, len(ids))
	copy(copied, ids)
	c.tracked[txID] = trackedAccounts{ids: copied, at: c.now()}
}

func (c *Cache) AffectedAccounts(txID finance.TransactionID) []finance.AccountID {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.tracked[txID]
	if !ok {
		return nil
	}
	out := make([]finance.AccountID, len(tr.ids))
	copy(out, tr.ids)
	return out
}

// SmartInvalidate evicts the entries for the accounts tracked against the
// transaction and forgets the tracking entry. Returns the accounts it
// invalidated; nil when the transaction was never tracked.
func (c *Cache) SmartInvalidate(txID finance.TransactionID) []finance.AccountID {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr, ok := c.tracked[txID]
	if !ok {
		return nil
	}
	delete(c.tracked, txID)
	for _, id := range tr.ids {
		c.invalidateLocked(id)
	}
	return tr.ids
}

// PruneTracking drops tracking entries older than maxAge and returns how
// many were removed. The balance entries themselves are untouched.
func (c *Cache) PruneTracking(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for txID, tr := range c.tracked {
		if tr.at.Before(cutoff) {
			delete(c.tracked, txID)
			removed++
		}
	}
	return removed
}

// =============================================================================
// STATISTICS
// =============================================================================

type CacheStatistics struct {
	Entries          int
	Capacity         int
	MetadataEntries  int
	MetadataCapacity int
	Hits             uint64
	Misses           uint64
	Invalidations    uint64
	Evictions        uint64
	HitRate          float64
	TrackedTxs       int
}

func (c *Cache) Statistics() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStatistics{
		Entries:          c.balances.len(),
		Capacity:         c.balances.capacity,
		MetadataEntries:  c.meta.len(),
		MetadataCapacity: c.meta.capacity,
		Hits:             c.hits,
		Misses:           c.misses,
		Invalidations:    c.invalidations,
		Evictions:        c.evictions,
		TrackedTxs:       len(c.tracked),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// ShouldUseCache reports whether callers should keep trusting the cache.
// Below a 50% hit rate after enough samples the answer is no: reads go
// straight to the store until the pattern recovers.
func (c *Cache) ShouldUseCache() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total < shouldUseCacheMinSamples {
		return true
	}
	return float64(c.hits)/float64(total) >= 0.5
}
