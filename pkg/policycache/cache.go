// Package policycache holds compiled policies behind an LRU + TTL cache
// with tenant/repo/branch scoped invalidation.
//
// The cache exclusively owns its entries; callers receive read-only
// references to the compiled policies inside them.
package policycache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/gwi-platform/governance/pkg/policy"
)

// perEntryBytes is the fixed per-entry size heuristic used for the
// memory estimate in Stats. Compiled policies vary, an exact accounting
// is not worth the bookkeeping.
const perEntryBytes = 4096

// EventType labels cache lifecycle events for listeners.
type EventType string

const (
	EventHit        EventType = "hit"
	EventMiss       EventType = "miss"
	EventSet        EventType = "set"
	EventEvict      EventType = "evict"
	EventExpire     EventType = "expire"
	EventInvalidate EventType = "invalidate"
)

// Event is delivered to registered listeners on every cache transition.
type Event struct {
	Type EventType
	Key  string
	At   time.Time
}

// Listener observes cache events. Panics inside a listener are contained
// and never affect cache correctness.
type Listener func(Event)

// Entry is a cached compiled policy with its bookkeeping. Owned by the
// cache; the Policy field is safe to read concurrently, never to mutate.
type Entry struct {
	Policy         *policy.CompiledPolicy
	CachedAt       time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	ExpiresAt      time.Time // zero means no expiry
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"maxSize"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	Evictions      int64   `json:"evictions"`
	Invalidations  int64   `json:"invalidations"`
	AvgAccessCount float64 `json:"avgAccessCount"`
	EstimatedBytes int64   `json:"estimatedBytes"`
}

// Options tune the cache.
type Options struct {
	MaxSize    int
	DefaultTTL time.Duration // zero disables default expiry
}

// Cache is a policy cache with LRU eviction and per-entry TTL.
// Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxSize    int
	defaultTTL time.Duration
	clock      func() time.Time

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64

	listeners []Listener
}

type node struct {
	key   string
	entry *Entry
}

// New creates a cache. MaxSize <= 0 defaults to 1000.
func New(opts Options) *Cache {
	size := opts.MaxSize
	if size <= 0 {
		size = 1000
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    size,
		defaultTTL: opts.DefaultTTL,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// AddListener registers an event listener.
func (c *Cache) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Key combines scope components into the canonical cache key
// tenant[:repo[:branch]]:policyID. Empty repo/branch components collapse.
func Key(tenantID, repo, branch, policyID string) string {
	parts := make([]string, 0, 4)
	parts = append(parts, tenantID)
	if repo != "" {
		parts = append(parts, repo)
		if branch != "" {
			parts = append(parts, branch)
		}
	}
	parts = append(parts, policyID)
	return strings.Join(parts, ":")
}

// Get returns the compiled policy for key, refreshing its recency.
// An expired entry is dropped and reported as a miss.
func (c *Cache) Get(key string) (*policy.CompiledPolicy, bool) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.emit(Event{Type: EventMiss, Key: key, At: c.clock()})
		return nil, false
	}
	n := elem.Value.(*node)
	now := c.clock()
	if c.expired(n.entry, now) {
		c.removeLocked(key, elem)
		c.misses++
		c.mu.Unlock()
		c.emit(Event{Type: EventExpire, Key: key, At: now})
		c.emit(Event{Type: EventMiss, Key: key, At: now})
		return nil, false
	}
	n.entry.LastAccessedAt = now
	n.entry.AccessCount++
	c.order.MoveToFront(elem)
	c.hits++
	p := n.entry.Policy
	c.mu.Unlock()
	c.emit(Event{Type: EventHit, Key: key, At: now})
	return p, true
}

// Has reports whether key is cached and unexpired, without refreshing
// recency. An expired entry is dropped.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	now := c.clock()
	if c.expired(elem.Value.(*node).entry, now) {
		c.removeLocked(key, elem)
		c.mu.Unlock()
		c.emit(Event{Type: EventExpire, Key: key, At: now})
		return false
	}
	c.mu.Unlock()
	return true
}

// Set stores a compiled policy under key. TTL zero applies the default;
// a negative TTL pins the entry (no expiry). When the cache is full the
// least-recently-used entry is evicted first.
func (c *Cache) Set(key string, p *policy.CompiledPolicy, ttl time.Duration) {
	now := c.clock()
	entry := &Entry{
		Policy:         p,
		CachedAt:       now,
		LastAccessedAt: now,
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	var evicted string
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*node).entry = entry
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		c.emit(Event{Type: EventSet, Key: key, At: now})
		return
	}
	if c.order.Len() >= c.maxSize {
		if back := c.order.Back(); back != nil {
			evicted = back.Value.(*node).key
			c.removeLocked(evicted, back)
			c.evictions++
		}
	}
	c.entries[key] = c.order.PushFront(&node{key: key, entry: entry})
	c.mu.Unlock()

	if evicted != "" {
		c.emit(Event{Type: EventEvict, Key: evicted, At: now})
	}
	c.emit(Event{Type: EventSet, Key: key, At: now})
}

// Delete removes key without counting it as an invalidation.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if ok {
		c.removeLocked(key, elem)
	}
	c.mu.Unlock()
	return ok
}

// Invalidate removes key, counting it as an invalidation.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(key, elem)
	c.invalidations++
	c.mu.Unlock()
	c.emit(Event{Type: EventInvalidate, Key: key, At: c.clock()})
	return true
}

// InvalidateByTenant removes every entry whose key is scoped to tenantID.
// Other tenants are untouched. Returns the number removed.
func (c *Cache) InvalidateByTenant(tenantID string) int {
	return c.invalidatePrefix(tenantID + ":")
}

// InvalidateByRepo removes every entry scoped to tenantID and repo,
// including branch-scoped keys beneath the repo.
func (c *Cache) InvalidateByRepo(tenantID, repo string) int {
	return c.invalidatePrefix(tenantID + ":" + repo + ":")
}

func (c *Cache) invalidatePrefix(prefix string) int {
	now := c.clock()
	var removed []string
	c.mu.Lock()
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key, elem)
			c.invalidations++
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()
	for _, key := range removed {
		c.emit(Event{Type: EventInvalidate, Key: key, At: now})
	}
	return len(removed)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Prune proactively sweeps all expired entries and returns the count.
func (c *Cache) Prune() int {
	now := c.clock()
	var expired []string
	c.mu.Lock()
	for key, elem := range c.entries {
		if c.expired(elem.Value.(*node).entry, now) {
			c.removeLocked(key, elem)
			expired = append(expired, key)
		}
	}
	c.mu.Unlock()
	for _, key := range expired {
		c.emit(Event{Type: EventExpire, Key: key, At: now})
	}
	return len(expired)
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:           len(c.entries),
		MaxSize:        c.maxSize,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Invalidations:  c.invalidations,
		EstimatedBytes: int64(len(c.entries)) * perEntryBytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if len(c.entries) > 0 {
		var accesses int64
		for _, elem := range c.entries {
			accesses += elem.Value.(*node).entry.AccessCount
		}
		s.AvgAccessCount = float64(accesses) / float64(len(c.entries))
	}
	return s
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// removeLocked unlinks an entry from both the map and the order list so
// the two structures never disagree. Caller holds the lock.
func (c *Cache) removeLocked(key string, elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, key)
}

// emit fans an event out to listeners with per-listener panic isolation.
func (c *Cache) emit(ev Event) {
	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(ev)
		}()
	}
}
