package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/singleflight"

	"github.com/flowplug/runtime/internal/rtlog"
)

// DefaultCapacity and DefaultTTL are the bounds from spec section 3:
// "Capacity is bounded (1024 entries); TTL is 60 minutes".
const (
	DefaultCapacity = 1024
	DefaultTTL      = 60 * time.Minute
)

// Value is the cached payload. The cache is generic over it (an
// *loader.Initialized in production, a plain struct in tests) so this
// package has no import-time dependency on the loader package.
type Value any

// Evictor is invoked by the cache's TTL reaper and by explicit Evict calls
// to release a value's resources before it is dropped. Matches
// shutdownPlugin's responsibility in spec section 4.7, supplied by the
// caller (the runtime façade) so this package stays loader-agnostic.
type Evictor func(ctx context.Context, key string, value Value)

type entry struct {
	value     Value
	expiresAt time.Time
}

// InstanceCache is the bounded, TTL'd, single-flight cache entry map from
// spec section 3 and section 4.1. Grounded on app/cache/manager.go in the
// teacher, which pairs a capacity-bounded map with background expiry;
// golang.org/x/sync/singleflight supplies the coalesced-miss guarantee
// ("concurrent callers with the same key share exactly one in-flight
// initialization").
type InstanceCache struct {
	capacity int
	ttl      time.Duration
	evict    Evictor
	log      *log.Helper

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // insertion order, for capacity-bound eviction

	group singleflight.Group

	closeOnce sync.Once
	stopReap  chan struct{}
}

// New builds an InstanceCache with the given capacity/TTL (use
// DefaultCapacity/DefaultTTL for spec defaults) and starts its background
// TTL reaper. evict is called, with the decided "conservative: yes" answer
// to the open question in spec section 9, for every entry the reaper
// expires, exactly as it would be for an explicit Evict.
func New(capacity int, ttl time.Duration, evict Evictor, logger *log.Helper) *InstanceCache {
	if logger == nil {
		logger = rtlog.New("cache")
	}
	c := &InstanceCache{
		capacity: capacity,
		ttl:      ttl,
		evict:    evict,
		log:      logger,
		entries:  make(map[string]*entry),
		stopReap: make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// GetOrLoad returns the cached value for key, or calls load to produce one
// on a miss. Concurrent GetOrLoad calls for the same key observe exactly
// one load invocation (singleflight), satisfying "at most one concurrent
// initialization per cache key" from spec section 4.1. A failed load is
// never cached: the entry is simply absent afterward, so the next caller
// retries (spec section 4.1: "the failed entry is discarded").
func (c *InstanceCache) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (Value, error)) (Value, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the singleflight call: another goroutine may have
		// populated the entry between our unlock above and entering Do.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()

		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Value), nil
}

// Peek returns the cached value for key without triggering a load.
func (c *InstanceCache) Peek(key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !time.Now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *InstanceCache) put(key string, value Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.evictOverCapacityLocked()
}

// evictOverCapacityLocked drops the oldest entries (insertion order) once
// the cache exceeds its capacity bound. Caller must hold c.mu.
func (c *InstanceCache) evictOverCapacityLocked() {
	for len(c.entries) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if e, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			if c.evict != nil {
				value := e.value
				go c.evict(context.Background(), oldest, value)
			}
		}
	}
}

// Evict removes key unconditionally. Eviction is idempotent: removing an
// absent key is a no-op (spec section 4.1). If present, evict is invoked on
// the removed value before returning true.
func (c *InstanceCache) Evict(ctx context.Context, key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.removeFromOrderLocked(key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if c.evict != nil {
		c.evict(ctx, key, e.value)
	}
	return true
}

func (c *InstanceCache) removeFromOrderLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Clear drops every entry and stops the TTL reaper, WITHOUT invoking
// evict on any of them. Used by the runtime façade's shutdown() (spec
// section 4.1) after its lifecycle registry has already run shutdown on
// every tracked plugin exactly once; calling evict here too would shut
// each one down a second time.
func (c *InstanceCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.order = nil
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.stopReap) })
	_ = ctx
}

func (c *InstanceCache) reapLoop() {
	ticker := time.NewTicker(c.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopReap:
			return
		case <-ticker.C:
			c.reapExpired()
		}
	}
}

func (c *InstanceCache) reapExpired() {
	now := time.Now()
	c.mu.Lock()
	var expired []string
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, k)
		}
	}
	values := make(map[string]Value, len(expired))
	for _, k := range expired {
		values[k] = c.entries[k].value
		delete(c.entries, k)
		c.removeFromOrderLocked(k)
	}
	c.mu.Unlock()

	for k, v := range values {
		c.log.Debugw("msg", "evicting expired cache entry", "key", k)
		if c.evict != nil {
			c.evict(context.Background(), k, v)
		}
	}
}
