package cache

import (
	"sync"
	"time"
)

type entry struct {
	value    interface{}
	deadline time.Time
}

// TTL is a process-local cache with per-entry expiry. Entries are
// re-derivable from their source of truth, so staleness is tolerated and
// no cross-process coherency is attempted.
type TTL struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	entries    map[string]entry
	now        func() time.Time
}

// NewTTL returns a cache whose entries expire after defaultTTL unless
// overridden per entry
func NewTTL(defaultTTL time.Duration) *TTL {
	return &TTL{
		defaultTTL: defaultTTL,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
}

func (c *TTL) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.deadline) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *TTL) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *TTL) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:    value,
		deadline: c.now().Add(ttl),
	}
}

func (c *TTL) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *TTL) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}
