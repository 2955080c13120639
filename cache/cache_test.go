package cache

import (
	"testing"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_LRUEviction(t *testing.T) {
	// Seed scenario 1: capacity=3, set k1,k2,k3; get k1; set k4 evicts k2.
	c := New[string](Config{Capacity: 3, LRU: true, DefaultTTL: time.Minute})

	c.Set("k1", "v1", 0)
	c.Set("k2", "v2", 0)
	c.Set("k3", "v3", 0)

	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	c.Set("k4", "v4", 0)

	v, ok = c.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	_, ok = c.Get("k2")
	assert.False(t, ok, "k2 should have been evicted as least-recently-used")

	v, ok = c.Get("k3")
	assert.True(t, ok)
	assert.Equal(t, "v3", v)

	v, ok = c.Get("k4")
	assert.True(t, ok)
	assert.Equal(t, "v4", v)
}

func TestCache_TTLExpiry(t *testing.T) {
	fc := clock.NewFake()
	c := New[int](Config{Capacity: 10, Clock: fc, SweepEvery: time.Hour})

	c.Set("k", 42, 5*time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	fc.Advance(6 * time.Second)

	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.False(t, c.Has("k"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Size)
}

func TestCache_HitRateZeroDenominator(t *testing.T) {
	c := New[int](Config{})
	assert.Equal(t, float64(0), c.Stats().HitRate())
}

func TestCache_GenerateKeyWithEnvironment(t *testing.T) {
	c := New[int](Config{Environment: "testnet"})
	assert.Equal(t, "testnet:getBalance:1:0xabc", c.GenerateKey("getBalance", "1", "0xabc"))

	noEnv := New[int](Config{})
	assert.Equal(t, "getBalance:1:0xabc", noEnv.GenerateKey("getBalance", "1", "0xabc"))
}

func TestCache_CapacityNeverExceeded(t *testing.T) {
	c := New[int](Config{Capacity: 5, LRU: true})
	for i := 0; i < 50; i++ {
		c.Set(string(rune('a'+i%26))+string(rune(i)), i, time.Minute)
		assert.LessOrEqual(t, c.Stats().Size, 5)
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New[int](Config{Capacity: 10})
	c.Set("a", 1, time.Minute)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	c.Set("b", 2, time.Minute)
	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
}
