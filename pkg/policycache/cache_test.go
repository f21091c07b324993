package policycache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwi-platform/governance/pkg/policy"
)

func compiled(name string) *policy.CompiledPolicy {
	cp, err := policy.Compile(&policy.Document{
		Version:       "1.0.0",
		Name:          name,
		Scope:         policy.ScopeGlobal,
		DefaultAction: policy.Action{Effect: policy.EffectAllow},
	})
	if err != nil {
		panic(err)
	}
	return cp
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "acme:p1", Key("acme", "", "", "p1"))
	assert.Equal(t, "acme:repo:p1", Key("acme", "repo", "", "p1"))
	assert.Equal(t, "acme:repo:main:p1", Key("acme", "repo", "main", "p1"))
	// Branch without repo collapses to the tenant form.
	assert.Equal(t, "acme:p1", Key("acme", "", "main", "p1"))
}

func TestCache_GetSet(t *testing.T) {
	c := New(Options{MaxSize: 10})

	_, ok := c.Get("acme:p1")
	assert.False(t, ok)

	c.Set("acme:p1", compiled("p1"), 0)
	got, ok := c.Get("acme:p1")
	require.True(t, ok)
	assert.Equal(t, "p1", got.Doc.Name)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(Options{MaxSize: 3})

	c.Set("t:a", compiled("a"), 0)
	c.Set("t:b", compiled("b"), 0)
	c.Set("t:c", compiled("c"), 0)

	// Touch a so b becomes least recently used.
	_, ok := c.Get("t:a")
	require.True(t, ok)

	c.Set("t:d", compiled("d"), 0)

	assert.False(t, c.Has("t:b"), "least recently used entry must be evicted")
	assert.True(t, c.Has("t:a"))
	assert.True(t, c.Has("t:c"))
	assert.True(t, c.Has("t:d"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_HasDoesNotRefreshRecency(t *testing.T) {
	c := New(Options{MaxSize: 2})

	c.Set("t:a", compiled("a"), 0)
	c.Set("t:b", compiled("b"), 0)

	// Has must not promote a; the next insert still evicts it.
	require.True(t, c.Has("t:a"))
	c.Set("t:c", compiled("c"), 0)

	assert.False(t, c.Has("t:a"))
	assert.True(t, c.Has("t:b"))
}

func TestCache_TTLExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{MaxSize: 10}).WithClock(clk.Now)

	var events []Event
	var mu sync.Mutex
	c.AddListener(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	c.Set("t:a", compiled("a"), 50*time.Millisecond)
	_, ok := c.Get("t:a")
	require.True(t, ok)

	clk.Advance(60 * time.Millisecond)
	_, ok = c.Get("t:a")
	assert.False(t, ok, "entry past its TTL must not be served")

	mu.Lock()
	defer mu.Unlock()
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []EventType{EventSet, EventHit, EventExpire, EventMiss}, types)
}

func TestCache_DefaultTTLApplied(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute}).WithClock(clk.Now)

	c.Set("t:a", compiled("a"), 0)
	clk.Advance(2 * time.Minute)
	assert.False(t, c.Has("t:a"))
}

func TestCache_NegativeTTLPinsEntry(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute}).WithClock(clk.Now)

	c.Set("t:a", compiled("a"), -1)
	clk.Advance(24 * time.Hour)
	assert.True(t, c.Has("t:a"))
}

func TestCache_Prune(t *testing.T) {
	clk := newFakeClock()
	c := New(Options{MaxSize: 10}).WithClock(clk.Now)

	c.Set("t:a", compiled("a"), 10*time.Millisecond)
	c.Set("t:b", compiled("b"), time.Hour)
	clk.Advance(time.Minute)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())
}

func TestCache_InvalidationScoping(t *testing.T) {
	c := New(Options{MaxSize: 100})

	c.Set(Key("acme", "", "", "base"), compiled("base"), 0)
	c.Set(Key("acme", "platform", "", "repo-policy"), compiled("rp"), 0)
	c.Set(Key("acme", "platform", "main", "branch-policy"), compiled("bp"), 0)
	c.Set(Key("acme", "billing", "", "repo-policy"), compiled("rp2"), 0)
	c.Set(Key("globex", "", "", "base"), compiled("gbase"), 0)

	// Repo invalidation takes the repo and its branch keys, nothing else.
	n := c.InvalidateByRepo("acme", "platform")
	assert.Equal(t, 2, n)
	assert.True(t, c.Has(Key("acme", "", "", "base")))
	assert.True(t, c.Has(Key("acme", "billing", "", "repo-policy")))
	assert.True(t, c.Has(Key("globex", "", "", "base")))

	// Tenant invalidation leaves other tenants untouched.
	n = c.InvalidateByTenant("acme")
	assert.Equal(t, 2, n)
	assert.True(t, c.Has(Key("globex", "", "", "base")))

	assert.Equal(t, int64(4), c.Stats().Invalidations)
}

func TestCache_ListenerPanicIsolated(t *testing.T) {
	c := New(Options{MaxSize: 10})
	c.AddListener(func(Event) { panic("bad listener") })

	var seen int
	c.AddListener(func(Event) { seen++ })

	c.Set("t:a", compiled("a"), 0)
	_, ok := c.Get("t:a")
	require.True(t, ok)
	assert.Equal(t, 2, seen, "panicking listener must not starve others")
}

func TestCache_StatsEstimates(t *testing.T) {
	c := New(Options{MaxSize: 10})
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("t:p%d", i), compiled("p"), 0)
	}
	_, _ = c.Get("t:p0")
	_, _ = c.Get("t:p0")
	_, _ = c.Get("t:p1")

	s := c.Stats()
	assert.Equal(t, 3, s.Size)
	assert.Equal(t, int64(3*4096), s.EstimatedBytes)
	assert.InDelta(t, 1.0, s.AvgAccessCount, 1e-9)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(Options{MaxSize: 50})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("t:p%d", j%60)
				if j%3 == 0 {
					c.Set(key, compiled("p"), 0)
				} else {
					c.Get(key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
