package restore

import (
	"sync"
	"time"

	"github.com/agentworkforce/tenantsync/internal/clock"
)

const validationCacheLimit = 128

type validationEntry struct {
	value     Validation
	expiresAt time.Time
}

// validationCache remembers accepted selections for a short window.
type validationCache struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]validationEntry
}

func newValidationCache(clk clock.Clock, ttl time.Duration) *validationCache {
	return &validationCache{
		clock:   clk,
		ttl:     ttl,
		entries: map[string]validationEntry{},
	}
}

func (c *validationCache) get(key string) (Validation, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Validation{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return Validation{}, false
	}
	return cloneValidation(entry.value), true
}

func (c *validationCache) set(key string, value Validation) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= validationCacheLimit {
		for k, entry := range c.entries {
			if !now.Before(entry.expiresAt) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= validationCacheLimit {
			c.entries = map[string]validationEntry{}
		}
	}
	c.entries[key] = validationEntry{value: cloneValidation(value), expiresAt: now.Add(c.ttl)}
}

func cloneValidation(v Validation) Validation {
	out := v
	if v.Permissions != nil {
		out.Permissions = append([]string(nil), v.Permissions...)
	}
	return out
}
