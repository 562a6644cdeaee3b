// ABOUTME: Tests for the update dedupe cache.
// ABOUTME: Validates TTL expiration, size-capped eviction, sweep, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckAndMark_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("7:abc"), "first sighting should not be a duplicate")
	assert.True(t, cache.CheckAndMark("7:abc"), "second sighting should be a duplicate")
}

func TestCache_CheckAndMark_DistinctKeys(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("7:abc"))
	assert.False(t, cache.CheckAndMark("8:abc"), "same payload on another account is not a duplicate")
	assert.False(t, cache.CheckAndMark("7:def"))
}

func TestCache_CheckAndMark_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("expiring-key"))
	assert.True(t, cache.CheckAndMark("expiring-key"), "should be seen before expiry")

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.CheckAndMark("expiring-key"), "should not be seen after expiry")
}

func TestCache_Eviction(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.CheckAndMark("key-1")
	time.Sleep(1 * time.Millisecond)
	cache.CheckAndMark("key-2")
	time.Sleep(1 * time.Millisecond)
	cache.CheckAndMark("key-3")

	// Fourth key evicts the oldest
	time.Sleep(1 * time.Millisecond)
	cache.CheckAndMark("key-4")

	assert.False(t, cache.CheckAndMark("key-1"), "oldest key should have been evicted")
	assert.True(t, cache.CheckAndMark("key-2"))
	assert.True(t, cache.CheckAndMark("key-3"))
	assert.True(t, cache.CheckAndMark("key-4"))
}

func TestCache_RemarkRefreshesEvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.CheckAndMark("first")
	time.Sleep(1 * time.Millisecond)
	cache.CheckAndMark("second")
	time.Sleep(1 * time.Millisecond)
	cache.CheckAndMark("third")

	// Re-seeing "first" moves it to the back of the eviction order
	cache.CheckAndMark("first")
	time.Sleep(1 * time.Millisecond)
	cache.CheckAndMark("fourth")

	assert.False(t, cache.CheckAndMark("second"), "second is now the oldest and should be evicted")
	assert.True(t, cache.CheckAndMark("first"))
	assert.True(t, cache.CheckAndMark("third"))
	assert.True(t, cache.CheckAndMark("fourth"))
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.CheckAndMark("sweep-1")
	cache.CheckAndMark("sweep-2")
	cache.CheckAndMark("sweep-3")
	assert.Equal(t, 3, cache.Len())

	time.Sleep(20 * time.Millisecond)

	// The background sweeper only runs once a minute, so drive it directly
	cache.sweep()
	assert.Equal(t, 0, cache.Len(), "sweep should drop expired keys")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	const numGoroutines = 100
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				cache.CheckAndMark(fmt.Sprintf("key-%d-%d", id%26, j%10))
			}
		}(i)
	}

	wg.Wait()

	// Still functional after the stampede
	assert.False(t, cache.CheckAndMark("final-key"))
	assert.True(t, cache.CheckAndMark("final-key"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var winners int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners,
		"exactly one goroutine should see the key as new")
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.CheckAndMark("before-close")

	cache.Close()
	// Multiple closes should not panic
	cache.Close()
}
