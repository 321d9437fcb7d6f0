package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	shortTTL = 100 * time.Millisecond
	poll     = 5 * time.Millisecond
)

func newTestCache(t *testing.T, capacity int, ttl time.Duration) *Cache[string, int] {
	t.Helper()
	return New[string, int](WithCapacity(capacity), WithTTL(ttl))
}

// evictionLog collects eviction callbacks, which run on their own goroutines.
type evictionLog struct {
	mu      sync.Mutex
	keys    []string
	reasons []EvictionReason
}

func (l *evictionLog) record(key string, _ int, reason EvictionReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	l.reasons = append(l.reasons, reason)
}

func (l *evictionLog) snapshot() ([]string, []EvictionReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...), append([]EvictionReason(nil), l.reasons...)
}

func TestCache_SetGet(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	c.Set("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 2, time.Hour)
	var log evictionLog
	unsubscribe := c.OnEvict(log.record)

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a") // a becomes most recently used
	c.Set("c", 3)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, 2, c.Len())

	unsubscribe()
	keys, reasons := log.snapshot()
	assert.Equal(t, []string{"b"}, keys)
	assert.Equal(t, []EvictionReason{EvictedCapacity}, reasons)
}

func TestCache_LenNeverExceedsCapacity(t *testing.T) {
	c := newTestCache(t, 5, time.Hour)
	for i := 0; i < 50; i++ {
		c.Set(string(rune('a'+i%26))+string(rune('A'+i/26)), i)
		require.LessOrEqual(t, c.Len(), 5)
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	c.Set("a", 1)
	assert.True(t, c.Has("a"))

	require.Eventually(t, func() bool { return !c.Has("a") }, time.Second, poll)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetRefreshesAge(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	c.Set("a", 1)

	// keep touching the entry for well past its TTL
	deadline := time.Now().Add(3 * shortTTL)
	for time.Now().Before(deadline) {
		_, ok := c.Get("a")
		require.True(t, ok, "Get should have refreshed the entry")
		time.Sleep(shortTTL / 5)
	}
}

func TestCache_PeekDoesNotRefresh(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	c.Set("a", 1)

	_, ok := c.Peek("a")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := c.Peek("a")
		return !ok
	}, time.Second, poll)
}

func TestCache_SetRefreshesAge(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	c.Set("a", 1)
	time.Sleep(shortTTL / 2)
	c.Set("a", 2)
	time.Sleep(shortTTL / 2)

	v, ok := c.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_ForEachSkipsExpiredAndOrdersByRecency(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	c.Set("old", 1)
	require.Eventually(t, func() bool { return !c.Has("old") }, time.Second, poll)
	c.Set("mid", 2)
	c.Set("new", 3)

	var keys []string
	c.ForEach(func(key string, _ int) bool {
		keys = append(keys, key)
		return true
	})
	assert.Equal(t, []string{"new", "mid"}, keys)
}

func TestCache_ForEachStopsEarlyAndAllowsReentry(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	visited := 0
	c.ForEach(func(key string, _ int) bool {
		visited++
		c.Delete(key)
		return false
	})
	assert.Equal(t, 1, visited)
	assert.Equal(t, 1, c.Len())
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	var log evictionLog
	unsubscribe := c.OnEvict(log.record)
	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("b"))

	unsubscribe()
	keys, _ := log.snapshot()
	assert.Empty(t, keys, "explicit removals are not evictions")
}

func TestCache_DeleteOfExpiredEntryReportsAbsent(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	c.Set("a", 1)
	require.Eventually(t, func() bool { return !c.Has("a") }, time.Second, poll)

	assert.False(t, c.Delete("a"))
	c.Set("a", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_PruneReportsExpired(t *testing.T) {
	c := newTestCache(t, 10, shortTTL)
	var log evictionLog
	unsubscribe := c.OnEvict(log.record)
	c.Set("a", 1)
	c.Set("b", 2)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, poll)
	c.Set("c", 3)

	c.Prune()
	unsubscribe()

	keys, reasons := log.snapshot()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
	assert.Equal(t, []EvictionReason{EvictedExpired, EvictedExpired}, reasons)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Defaults(t *testing.T) {
	c := New[string, string]()
	assert.Equal(t, DefaultCapacity, c.Capacity())
	assert.Equal(t, DefaultTTL, c.TTL())

	c = New[string, string](WithCapacity(-1), WithTTL(0))
	assert.Equal(t, DefaultCapacity, c.Capacity())
	assert.Equal(t, DefaultTTL, c.TTL())
}
