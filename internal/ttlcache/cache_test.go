// ABOUTME: Tests for the TTL cache used by credential issuance.
// ABOUTME: Covers expiry, refresh, eviction, GetOrCreate and concurrent access.

package ttlcache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetMissing(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("never-seen")
	assert.False(t, ok)
}

func TestCache_PutGet(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("role-a", "token-a")

	v, ok := cache.Get("role-a")
	require.True(t, ok)
	assert.Equal(t, "token-a", v)
}

func TestCache_Expired(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("k", 1)
	_, ok := cache.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("k")
	assert.False(t, ok)
}

func TestCache_PutUntilUsesExplicitExpiry(t *testing.T) {
	cache := New[int](time.Hour, 100)
	defer cache.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.PutUntil("k", 7, now.Add(time.Second))
	_, ok := cache.Get("k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = cache.Get("k")
	assert.False(t, ok, "entry expires exactly at its deadline")
}

func TestCache_Eviction(t *testing.T) {
	cache := New[string](5*time.Minute, 3)
	defer cache.Close()

	cache.Put("key-1", "a")
	cache.Put("key-2", "b")
	cache.Put("key-3", "c")
	cache.Put("key-4", "d")

	_, ok := cache.Get("key-1")
	assert.False(t, ok, "oldest key should be evicted")
	for _, k := range []string{"key-2", "key-3", "key-4"} {
		_, ok := cache.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_GetOrCreate(t *testing.T) {
	cache := New[string](time.Hour, 10)
	defer cache.Close()

	calls := 0
	create := func() (string, time.Time, error) {
		calls++
		return fmt.Sprintf("secret-%d", calls), time.Now().Add(time.Hour), nil
	}

	first, err := cache.GetOrCreate("role", create)
	require.NoError(t, err)
	second, err := cache.GetOrCreate("role", create)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrCreateErrorNotCached(t *testing.T) {
	cache := New[string](time.Hour, 10)
	defer cache.Close()

	boom := errors.New("boom")
	_, err := cache.GetOrCreate("role", func() (string, time.Time, error) {
		return "", time.Time{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Delete(t *testing.T) {
	cache := New[string](time.Hour, 10)
	defer cache.Close()

	cache.Put("k", "v")
	cache.Delete("k")
	_, ok := cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New[string](10*time.Millisecond, 10)
	defer cache.Close()

	cache.Put("a", "1")
	cache.Put("b", "2")
	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len())
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n%10)
			cache.Put(key, n)
			cache.Get(key)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 10)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New[int](time.Minute, 10)
	cache.Close()
	cache.Close()
}
