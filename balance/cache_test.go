package balance_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/finance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func entry(v string) balance.CacheEntry {
	return balance.CacheEntry{Balance: dec(v)}
}

func cacheSetN(c *balance.Cache, n int) {
	for i := 0; i < n; i++ {
		c.Set(finance.AccountID(fmt.Sprintf("acct-%d", i)), entry("100"))
	}
}

// =============================================================================
// LRU BEHAVIOR
// =============================================================================

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	// GIVEN: A cache at capacity 3 holding a, b, c
	// WHEN: Inserting a fourth key
	// THEN: Exactly the least-recently-used key is evicted

	c := balance.NewCache(balance.WithCacheCapacity(3))
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	c.Set("c", entry("3"))

	c.Set("d", entry("4"))

	_, ok := c.Get("a")
	assert.False(t, ok, "a was coldest and must be gone")
	for _, id := range []finance.AccountID{"b", "c", "d"} {
		_, ok := c.Get(id)
		assert.True(t, ok, "%s must survive", id)
	}
}

func TestCache_GetPromotesToMostRecentlyUsed(t *testing.T) {
	c := balance.NewCache(balance.WithCacheCapacity(3))
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))
	c.Set("c", entry("3"))

	// Touch a so b becomes the coldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", entry("4"))

	_, ok = c.Get("b")
	assert.False(t, ok, "b must be evicted instead of the promoted a")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestCache_SetRefreshesExistingKey(t *testing.T) {
	c := balance.NewCache(balance.WithCacheCapacity(2))
	c.Set("a", entry("1"))
	c.Set("b", entry("2"))

	c.Set("a", entry("10"))
	c.Set("c", entry("3"))

	got, ok := c.Get("a")
	require.True(t, ok, "refreshing a must also promote it")
	assert.True(t, dec("10").Equal(got))
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCache_MetadataIndexHasItsOwnCapacity(t *testing.T) {
	// GIVEN: Balance capacity 4 but metadata capacity 2
	// WHEN: Caching 4 accounts
	// THEN: All 4 balances are readable while only 2 metadata rows remain

	c := balance.NewCache(balance.WithCacheCapacity(4), balance.WithMetadataCapacity(2))
	for _, id := range []finance.AccountID{"a", "b", "c", "d"} {
		c.Set(id, balance.CacheEntry{
			Balance:  dec("5"),
			Metadata: balance.CacheMetadata{TransactionCount: 7, Mode: balance.ModeFromInitialBalance},
		})
	}

	stats := c.Statistics()
	assert.Equal(t, 4, stats.Entries)
	assert.Equal(t, 2, stats.MetadataEntries)

	// The balance survives even where its metadata was evicted.
	e, ok := c.Entry("a")
	require.True(t, ok)
	assert.True(t, dec("5").Equal(e.Balance))
	assert.Zero(t, e.Metadata.TransactionCount, "a's metadata row fell off the smaller index")

	e, ok = c.Entry("d")
	require.True(t, ok)
	assert.Equal(t, 7, e.Metadata.TransactionCount)
}

// =============================================================================
// SMART INVALIDATION
// =============================================================================

func TestCache_SmartInvalidateEvictsOnlyAffectedAccounts(t *testing.T) {
	// GIVEN: Cached balances for source, target and a bystander, with the
	//        transfer's affected accounts tracked
	// WHEN: Smart-invalidating by transaction id
	// THEN: Source and target are gone, the bystander is untouched

	c := balance.NewCache()
	c.Set("src", entry("700"))
	c.Set("dst", entry("300"))
	c.Set("bystander", entry("50"))
	c.TrackAffectedAccounts("tx-1", []finance.AccountID{"src", "dst"})

	invalidated := c.SmartInvalidate("tx-1")

	assert.ElementsMatch(t, []finance.AccountID{"src", "dst"}, invalidated)
	_, ok := c.Get("src")
	assert.False(t, ok)
	_, ok = c.Get("dst")
	assert.False(t, ok)
	got, ok := c.Get("bystander")
	require.True(t, ok)
	assert.True(t, dec("50").Equal(got))
}

func TestCache_SmartInvalidateUnknownTxIsNoOp(t *testing.T) {
	c := balance.NewCache()
	c.Set("a", entry("1"))

	assert.Nil(t, c.SmartInvalidate("never-tracked"))
	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestCache_TrackingIsConsumedBySmartInvalidate(t *testing.T) {
	c := balance.NewCache()
	c.TrackAffectedAccounts("tx-1", []finance.AccountID{"a"})

	require.Equal(t, []finance.AccountID{"a"}, c.AffectedAccounts("tx-1"))
	c.SmartInvalidate("tx-1")
	assert.Nil(t, c.AffectedAccounts("tx-1"), "tracking entry is spent after use")
}

func TestCache_PruneTrackingDropsOldEntries(t *testing.T) {
	current := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	c := balance.NewCache(balance.WithCacheClock(func() time.Time { return current }))

	c.TrackAffectedAccounts("old", []finance.AccountID{"a"})
	current = current.Add(10 * time.Minute)
	c.TrackAffectedAccounts("new", []finance.AccountID{"b"})

	removed := c.PruneTracking(5 * time.Minute)

	assert.Equal(t, 1, removed)
	assert.Nil(t, c.AffectedAccounts("old"))
	assert.NotNil(t, c.AffectedAccounts("new"))
}

// =============================================================================
// INVALIDATION AND STALENESS
// =============================================================================

func TestCache_InvalidateAllEmptiesBothIndexes(t *testing.T) {
	c := balance.NewCache()
	cacheSetN(c, 10)

	c.InvalidateAll()

	stats := c.Statistics()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.MetadataEntries)
	assert.Equal(t, uint64(10), stats.Invalidations)
}

func TestCache_StaleEntriesStayServable(t *testing.T) {
	// GIVEN: An entry written 10 minutes ago with a 5 minute TTL
	// WHEN: Reading it
	// THEN: It is reported stale but still returned

	current := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	c := balance.NewCache(
		balance.WithCacheClock(func() time.Time { return current }),
		balance.WithStaleAfter(5*time.Minute),
	)
	c.Set("a", entry("100"))

	current = current.Add(10 * time.Minute)

	assert.True(t, c.IsStale("a"))
	got, ok := c.Get("a")
	require.True(t, ok, "age alone never evicts")
	assert.True(t, dec("100").Equal(got))
}

// =============================================================================
// STATISTICS AND DEGRADE HEURISTIC
// =============================================================================

func TestCache_StatisticsCountHitsAndMisses(t *testing.T) {
	c := balance.NewCache()
	c.Set("a", entry("1"))

	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Statistics()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestCache_ShouldUseCacheNeedsEnoughSamples(t *testing.T) {
	c := balance.NewCache()

	// 99 straight misses: terrible hit rate but not enough evidence yet.
	for i := 0; i < 99; i++ {
		c.Get(finance.AccountID(fmt.Sprintf("miss-%d", i)))
	}
	assert.True(t, c.ShouldUseCache())

	// The 100th sample tips it.
	c.Get("miss-final")
	assert.False(t, c.ShouldUseCache())
}

func TestCache_ShouldUseCacheStaysTrueAtHealthyHitRate(t *testing.T) {
	c := balance.NewCache()
	c.Set("a", entry("1"))

	for i := 0; i < 80; i++ {
		c.Get("a")
	}
	for i := 0; i < 40; i++ {
		c.Get(finance.AccountID(fmt.Sprintf("miss-%d", i)))
	}

	// 80 hits / 120 samples = 66%.
	assert.True(t, c.ShouldUseCache())
}

func TestCache_EvictionsAreCounted(t *testing.T) {
	c := balance.NewCache(balance.WithCacheCapacity(2), balance.WithMetadataCapacity(2))
	cacheSetN(c, 5)

	stats := c.Statistics()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(6), stats.Evictions, "three balance and three metadata evictions")
}
