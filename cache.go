package main

import (
	"sync"
	"time"
)

type cachedConfig struct {
	config      ProjectConfig
	lastUpdated time.Time
}

// ConfigCache provides thread-safe caching for project configurations.
// Entries expire after the TTL or when the watcher invalidates them.
type ConfigCache struct {
	mu      sync.RWMutex
	entries map[string]cachedConfig
	ttl     time.Duration
	load    func(projectID string) ProjectConfig
}

// NewConfigCache creates a new config cache with the specified TTL.
// load is called on a miss.
func NewConfigCache(ttl time.Duration, load func(projectID string) ProjectConfig) *ConfigCache {
	return &ConfigCache{
		entries: make(map[string]cachedConfig),
		ttl:     ttl,
		load:    load,
	}
}

// Get returns the cached config for a project, loading it on a miss.
// The returned value is a copy the caller may keep for a whole run.
func (c *ConfigCache) Get(projectID string) ProjectConfig {
	if cfg, ok := c.lookup(projectID); ok {
		return cfg
	}

	cfg := c.load(projectID)
	c.Set(projectID, cfg)
	return cfg.Clone()
}

func (c *ConfigCache) lookup(projectID string) (ProjectConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[projectID]
	if !ok {
		return ProjectConfig{}, false
	}

	// Check if cache has expired
	if time.Since(entry.lastUpdated) > c.ttl {
		return ProjectConfig{}, false
	}

	return entry.config.Clone(), true
}

// Set updates the cache for one project.
func (c *ConfigCache) Set(projectID string, cfg ProjectConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[projectID] = cachedConfig{config: cfg.Clone(), lastUpdated: time.Now()}
}

// Invalidate drops one project from the cache.
func (c *ConfigCache) Invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, projectID)
}

// Clear removes all projects from the cache
func (c *ConfigCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cachedConfig)
}

// Size returns the number of cached projects
func (c *ConfigCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
