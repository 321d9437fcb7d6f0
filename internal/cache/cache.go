// Package cache provides a bounded, time-expiring map used by the deduplicator, the content
// extractor and the delivery queue.
//
// Entries are kept in least-recently-used order. Writing an entry or reading it with Get
// extends its lifetime; an entry that has not been touched for longer than the TTL reads as
// absent and is dropped by Prune or when capacity is needed. When the map is full, the least
// recently used entry is evicted to make room.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Default limits shared by the process-wide caches.
const (
	DefaultCapacity = 10000
	DefaultTTL      = 24 * time.Hour
)

// EvictionReason says why an entry left the cache without an explicit Delete.
type EvictionReason string

const (
	EvictedCapacity EvictionReason = "capacity"
	EvictedExpired  EvictionReason = "expired"
)

// Map is the capability set call sites depend on.
type Map[K comparable, V any] interface {
	Get(key K) (V, bool)
	Peek(key K) (V, bool)
	Set(key K, value V)
	Has(key K) bool
	Delete(key K) bool
	ForEach(fn func(key K, value V) bool)
	Len() int
	Clear()
}

// Opts holds configuration options for a Cache.
type Opts struct {
	Capacity int
	TTL      time.Duration
}

// Option defines a configuration option for a Cache.
type Option func(*Opts)

// WithCapacity bounds the number of entries.
func WithCapacity(n int) Option {
	return func(o *Opts) {
		o.Capacity = n
	}
}

// WithTTL sets the idle lifetime of an entry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.TTL = ttl
	}
}

// Cache is an LRU map with per-entry TTL built on ttlcache. It implements Map and is safe
// for concurrent use.
type Cache[K comparable, V any] struct {
	inner    *ttlcache.Cache[K, V]
	capacity int
	ttl      time.Duration
}

var _ Map[string, int] = (*Cache[string, int])(nil)

// New creates a Cache, applying any provided options for customization.
func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	cfg := Opts{Capacity: DefaultCapacity, TTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache[K, V]{
		inner: ttlcache.New[K, V](
			ttlcache.WithCapacity[K, V](uint64(cfg.Capacity)),
			ttlcache.WithTTL[K, V](cfg.TTL),
		),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
	}
}

// OnEvict registers a callback for every capacity or TTL eviction. Callbacks run on their own
// goroutine, after the entry has left the cache. The returned function unsubscribes and waits
// for running callbacks to finish.
func (c *Cache[K, V]) OnEvict(fn func(key K, value V, reason EvictionReason)) func() {
	return c.inner.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[K, V]) {
		switch reason {
		case ttlcache.EvictionReasonCapacityReached:
			fn(item.Key(), item.Value(), EvictedCapacity)
		case ttlcache.EvictionReasonExpired:
			fn(item.Key(), item.Value(), EvictedExpired)
		}
	})
}

// Capacity returns the configured entry limit.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// TTL returns the configured idle lifetime.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key and extends its lifetime.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	item := c.inner.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Peek returns the value for key without extending its lifetime.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	item := c.inner.Get(key, ttlcache.WithDisableTouchOnHit[K, V]())
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Has reports whether a live entry exists for key. It does not extend the entry.
func (c *Cache[K, V]) Has(key K) bool {
	return c.inner.Has(key)
}

// Set stores value under key with a fresh lifetime, evicting the least recently used entry
// when the cache is full.
func (c *Cache[K, V]) Set(key K, value V) {
	c.inner.Set(key, value, ttlcache.DefaultTTL)
}

// Delete removes key and reports whether a live entry was present.
func (c *Cache[K, V]) Delete(key K) bool {
	if _, ok := c.inner.GetAndDelete(key, ttlcache.WithDisableTouchOnHit[K, V]()); ok {
		return true
	}
	// an expired entry still occupies its slot until it is removed
	c.inner.Delete(key)
	return false
}

// ForEach calls fn for every live entry, most recently used first, until fn returns false.
// fn may call back into the cache.
func (c *Cache[K, V]) ForEach(fn func(key K, value V) bool) {
	c.inner.Range(func(item *ttlcache.Item[K, V]) bool {
		return fn(item.Key(), item.Value())
	})
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	return c.inner.Len()
}

// Prune removes every expired entry, reporting each to the eviction callbacks.
func (c *Cache[K, V]) Prune() {
	c.inner.DeleteExpired()
}

// Clear removes every entry without invoking the eviction callbacks.
func (c *Cache[K, V]) Clear() {
	c.inner.DeleteAll()
}
