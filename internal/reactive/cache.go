package reactive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oMaiaCity/covalue/internal/coid"
)

// DefaultCleanupGrace is the grace period ScheduleCleanup waits before
// actually evicting an entry, chosen so a quick unsubscribe/resubscribe
// (e.g. a React-style remount) does not churn the cache (SPEC_FULL.md
// §5.6; open question resolved in DESIGN.md).
const DefaultCleanupGrace = 3 * time.Second

// Cache is the SubscriptionCache: a node-local, Peer-scoped registry of
// stores, resolution flags, and memoized resolved data. Safe for
// concurrent use (SPEC_FULL.md §6).
type Cache struct {
	mu sync.Mutex

	entries map[string]any
	timers  map[string]*time.Timer

	resolutionDone map[string]bool
	sfResolution   singleflight.Group

	resolved map[coid.ID]bool

	resolvedData map[string]any
	sfData       singleflight.Group

	grace time.Duration
}

// NewCache returns an empty Cache. grace <= 0 uses DefaultCleanupGrace.
func NewCache(grace time.Duration) *Cache {
	if grace <= 0 {
		grace = DefaultCleanupGrace
	}
	return &Cache{
		entries:        make(map[string]any),
		timers:         make(map[string]*time.Timer),
		resolutionDone: make(map[string]bool),
		resolved:       make(map[coid.ID]bool),
		resolvedData:   make(map[string]any),
		grace:          grace,
	}
}

// SubscriptionKey builds the "subscription:<coId>" cache key shape.
func SubscriptionKey(id coid.ID) string { return fmt.Sprintf("subscription:%s", id) }

// SubscriptionRefKey builds the "subscription:ref:<coId>:<parentId>" key
// shape used for reference-role subscriptions (distinct role from a
// plain subscription on the same coId).
func SubscriptionRefKey(id, parentID coid.ID) string {
	return fmt.Sprintf("subscription:ref:%s:%s", id, parentID)
}

// StoreKey builds the "store:<schema>:<filter>:<opts>" key shape for
// unified-store caching.
func StoreKey(schema, filter, opts string) string {
	return fmt.Sprintf("store:%s:%s:%s", schema, filter, opts)
}

// ResolutionKey builds the "resolution:<coId>" key shape.
func ResolutionKey(id coid.ID) string { return fmt.Sprintf("resolution:%s", id) }

// ResolvedKey builds the "resolved:<coId>:<opts>" key shape.
func ResolvedKey(id coid.ID, opts string) string {
	return fmt.Sprintf("resolved:%s:%s", id, opts)
}

// GetOrCreate returns the existing entry at key or creates it via
// factory. Cancels any pending cleanup timer on key, since a fresh
// request means the entry is wanted again.
func (c *Cache) GetOrCreate(key string, factory func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked(key)
	if v, ok := c.entries[key]; ok {
		return v
	}
	v := factory()
	c.entries[key] = v
	return v
}

// GetOrCreateStore is the typed variant of GetOrCreate for ReactiveStore
// entries. It is a package-level generic function (Go disallows generic
// methods) rather than a Cache method.
func GetOrCreateStore[T any](c *Cache, key string, factory func() *Store[T]) *Store[T] {
	v := c.GetOrCreate(key, func() any { return factory() })
	return v.(*Store[T])
}

// Remove deletes the entry at key unconditionally, canceling any
// pending cleanup timer.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked(key)
	delete(c.entries, key)
}

func (c *Cache) cancelTimerLocked(key string) {
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

// ScheduleCleanup evicts the entry at key after the cache's grace
// period, unless canceled first by a fresh GetOrCreate/ScheduleCleanup
// call on the same key. shouldEvict is consulted right before eviction
// so a store that gained a new subscriber during the grace window
// survives (SPEC_FULL.md §5.6: "quick unsubscribe/resubscribe patterns
// do not churn").
func (c *Cache) ScheduleCleanup(key string, shouldEvict func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked(key)
	c.timers[key] = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.timers, key)
		if shouldEvict == nil || shouldEvict() {
			delete(c.entries, key)
		}
	})
}

// GetOrCreateResolution runs factory at most once per key: concurrent
// callers share the in-flight computation via singleflight, and once
// factory has succeeded once, subsequent calls return (true, nil)
// immediately without re-running it (SPEC_FULL.md §5.6, testable
// property P3).
func (c *Cache) GetOrCreateResolution(ctx context.Context, key string, factory func(ctx context.Context) error) (bool, error) {
	c.mu.Lock()
	done := c.resolutionDone[key]
	c.mu.Unlock()
	if done {
		return true, nil
	}

	v, err, _ := c.sfResolution.Do(key, func() (any, error) {
		if ferr := factory(ctx); ferr != nil {
			return false, ferr
		}
		c.mu.Lock()
		c.resolutionDone[key] = true
		c.mu.Unlock()
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// MarkResolved sets the persistent resolved flag for id.
func (c *Cache) MarkResolved(id coid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved[id] = true
}

// IsResolved reports whether id's persistent resolved flag is set.
func (c *Cache) IsResolved(id coid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved[id]
}

// GetResolvedData returns a previously memoized resolved record for
// (id, opts), if any.
func (c *Cache) GetResolvedData(id coid.ID, opts string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.resolvedData[ResolvedKey(id, opts)]
	return v, ok
}

// SetResolvedData memoizes data for (id, opts).
func (c *Cache) SetResolvedData(id coid.ID, opts string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvedData[ResolvedKey(id, opts)] = data
}

// GetOrCreateResolvedData memoizes the projected+resolved record under
// a structural options key; concurrent calls for the same (id, opts)
// share one computation (SPEC_FULL.md §5.6, P3).
func (c *Cache) GetOrCreateResolvedData(ctx context.Context, id coid.ID, opts string, factory func(ctx context.Context) (any, error)) (any, error) {
	key := ResolvedKey(id, opts)

	c.mu.Lock()
	if v, ok := c.resolvedData[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sfData.Do(key, func() (any, error) {
		data, ferr := factory(ctx)
		if ferr != nil {
			return nil, ferr
		}
		c.mu.Lock()
		c.resolvedData[key] = data
		c.mu.Unlock()
		return data, nil
	})
	return v, err
}

// InvalidateResolvedData drops every memoized resolved-data entry
// involving id (any opts suffix), called when a referenced co-value
// mutates (SPEC_FULL.md §5.6).
func (c *Cache) InvalidateResolvedData(id coid.ID) {
	prefix := fmt.Sprintf("resolved:%s:", id)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.resolvedData {
		if strings.HasPrefix(k, prefix) {
			delete(c.resolvedData, k)
		}
	}
}
