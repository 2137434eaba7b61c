package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/platform/internal/cache"
)

func TestSetAndGetReturnsValue(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	c.Set("spec-1", "resolved")
	val, ok := c.Get("spec-1")

	require.True(t, ok)
	assert.Equal(t, "resolved", val)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	val, ok := c.Get("nonexistent")
	assert.False(t, ok)
	assert.Empty(t, val)
}

func TestSetRefreshesExistingKey(t *testing.T) {
	c := cache.New[string, int](cache.Options{TTL: 5 * time.Second, MaxEntries: 100})

	c.Set("revision", 1)
	c.Set("revision", 2)

	val, ok := c.Get("revision")
	require.True(t, ok)
	assert.Equal(t, 2, val)
	assert.Equal(t, 1, c.Len())
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: 10 * time.Millisecond, MaxEntries: 100})

	c.Set("ephemeral", "gone-soon")
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("ephemeral")
	assert.False(t, ok)
	// The expired entry was reclaimed on read, not just hidden.
	assert.Equal(t, 0, c.Len())
}

func TestZeroOptionsApplyDefaults(t *testing.T) {
	c := cache.New[string, string](cache.Options{})
	c.Set("k", "v")

	val, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", val)
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c := cache.New[string, int](cache.Options{TTL: time.Minute, MaxEntries: 2})

	c.Set("first", 1)
	c.Set("second", 2)
	c.Set("third", 3)

	_, ok := c.Get("first")
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.Get("second")
	assert.True(t, ok)
	_, ok = c.Get("third")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestReclaimsExpiredBeforeEvictingLive(t *testing.T) {
	c := cache.New[string, int](cache.Options{TTL: 10 * time.Millisecond, MaxEntries: 2})

	c.Set("stale-a", 1)
	c.Set("stale-b", 2)
	time.Sleep(25 * time.Millisecond)

	// Both residents are expired; inserting must reclaim them rather than
	// evict by age while dead weight sits in the map.
	c.Set("fresh", 3)

	val, ok := c.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, 3, val)
	assert.Equal(t, 1, c.Len())
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := cache.New[string, string](cache.Options{TTL: time.Minute, MaxEntries: 100})

	c.Set("k", "v")
	c.Delete("k")
	c.Delete("k") // second delete is a no-op

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := cache.New[int, int](cache.Options{TTL: time.Minute, MaxEntries: 64})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := (base*100 + j) % 50
				c.Set(key, j)
				c.Get(key)
				if j%10 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}
