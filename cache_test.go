package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// countingLoader returns a loader that hands out testProjectConfig and counts calls.
func countingLoader(calls *int32) func(string) ProjectConfig {
	return func(projectID string) ProjectConfig {
		atomic.AddInt32(calls, 1)
		cfg := testProjectConfig()
		cfg.TitleModel = "title/" + projectID
		return cfg
	}
}

func TestConfigCacheGet(t *testing.T) {
	var calls int32
	cache := NewConfigCache(time.Minute, countingLoader(&calls))

	cfg := cache.Get("default")
	assert.Equal(t, "title/default", cfg.TitleModel)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Cached
	cache.Get("default")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Size())

	// Separate entry per project
	assert.Equal(t, "title/research", cache.Get("research").TitleModel)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, cache.Size())
}

func TestConfigCacheExpiry(t *testing.T) {
	var calls int32
	cache := NewConfigCache(10*time.Millisecond, countingLoader(&calls))

	cache.Get("default")
	time.Sleep(30 * time.Millisecond)
	cache.Get("default")

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestConfigCacheInvalidate(t *testing.T) {
	var calls int32
	cache := NewConfigCache(time.Minute, countingLoader(&calls))

	cache.Get("default")
	cache.Get("research")
	cache.Invalidate("default")
	assert.Equal(t, 1, cache.Size())

	cache.Get("default")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}

func TestConfigCacheSet(t *testing.T) {
	var calls int32
	cache := NewConfigCache(time.Minute, countingLoader(&calls))

	cfg := testProjectConfig()
	cfg.TitleModel = "explicit/title"
	cache.Set("default", cfg)

	assert.Equal(t, "explicit/title", cache.Get("default").TitleModel)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestConfigCacheReturnsCopies(t *testing.T) {
	var calls int32
	cache := NewConfigCache(time.Minute, countingLoader(&calls))

	first := cache.Get("default")
	first.CouncilMembers[0].Model = "mutated/model"

	second := cache.Get("default")
	assert.Equal(t, "test/alpha", second.CouncilMembers[0].Model)
}

func TestConfigCacheConcurrentAccess(t *testing.T) {
	var calls int32
	cache := NewConfigCache(time.Minute, countingLoader(&calls))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				cache.Invalidate("default")
			}
			assert.Len(t, cache.Get("default").CouncilMembers, 3)
		}(i)
	}
	wg.Wait()
}
