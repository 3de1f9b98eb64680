package calltip

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capacity int) (*ResultCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewResultCache(capacity, 30*time.Minute, time.Hour, testLogger(t))
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestResultCache_GetPut(t *testing.T) {
	c, _ := newTestCache(t, 4)

	_, ok := c.Get("sig")
	require.False(t, ok)

	c.Put("sig", TipContent{Text: "Do X"})
	got, ok := c.Get("sig")
	require.True(t, ok)
	assert.Equal(t, "Do X", got.Text)

	// Replacement keeps a single entry.
	c.Put("sig", TipContent{Text: "Do Y"})
	got, ok = c.Get("sig")
	require.True(t, ok)
	assert.Equal(t, "Do Y", got.Text)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, clock := newTestCache(t, 2)

	c.Put("a", TipContent{Text: "a"})
	clock.Advance(time.Second)
	c.Put("b", TipContent{Text: "b"})
	clock.Advance(time.Second)
	_, _ = c.Get("a") // a is now the most recently used

	clock.Advance(time.Second)
	c.Put("c", TipContent{Text: "c"})

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestResultCache_EvictionTieBreaksOnAccessCount(t *testing.T) {
	c, clock := newTestCache(t, 2)

	// Both entries share the same last-access instant; "popular" has a higher
	// access count and must survive.
	c.Put("popular", TipContent{Text: "p"})
	c.Put("cold", TipContent{Text: "c"})
	_, _ = c.Get("popular")
	_, _ = c.Get("popular")
	_, _ = c.Get("cold")

	clock.Advance(time.Second)
	c.Put("new", TipContent{Text: "n"})

	_, ok := c.Get("cold")
	assert.False(t, ok, "equal recency resolves to the lowest access count")
	_, ok = c.Get("popular")
	assert.True(t, ok)
}

func TestResultCache_EvictionTieBreaksOnCreationTime(t *testing.T) {
	c, clock := newTestCache(t, 2)

	c.Put("older", TipContent{Text: "o"})
	clock.Advance(time.Second)
	c.Put("newer", TipContent{Text: "n"})
	// Give both the same access count and last-access time.
	saved := clock.t
	c.mu.Lock()
	for _, e := range c.entries {
		e.lastAccessedAt = saved
	}
	c.mu.Unlock()

	clock.Advance(time.Second)
	c.Put("third", TipContent{Text: "t"})

	_, ok := c.Get("older")
	assert.False(t, ok, "full tie resolves to the oldest creation time")
	_, ok = c.Get("newer")
	assert.True(t, ok)
}

func TestResultCache_SweepRemovesIdleEntries(t *testing.T) {
	c, clock := newTestCache(t, 8)

	c.Put("idle", TipContent{Text: "i"})
	clock.Advance(20 * time.Minute)
	c.Put("fresh", TipContent{Text: "f"})
	_, _ = c.Get("idle") // touch idle, restarting its TTL

	clock.Advance(25 * time.Minute)
	_, _ = c.Get("fresh") // fresh stays warm, idle is now 25min untouched

	clock.Advance(10 * time.Minute) // idle untouched for 35min > 30min TTL
	removed := c.sweepExpired()
	assert.Equal(t, 1, removed)

	c.mu.Lock()
	_, idleRemains := c.entries["idle"]
	_, freshRemains := c.entries["fresh"]
	c.mu.Unlock()
	assert.False(t, idleRemains)
	assert.True(t, freshRemains)
}

func TestResultCache_Stats(t *testing.T) {
	c, _ := newTestCache(t, 4)

	c.Put("a", TipContent{Text: "a"})
	_, _ = c.Get("a")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestResultCache_ResetStats(t *testing.T) {
	c, _ := newTestCache(t, 4)
	c.Put("a", TipContent{Text: "a"})
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	c.ResetStats()

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Equal(t, 1, stats.Size, "resetting counters must not touch the entries")
}

func TestResultCache_SetCapacityShrink(t *testing.T) {
	c, clock := newTestCache(t, 8)
	for i := 0; i < 8; i++ {
		c.Put(MethodSignature(fmt.Sprintf("sig-%d", i)), TipContent{Text: "x"})
		clock.Advance(time.Second)
	}
	require.Equal(t, 8, c.Stats().Size)

	c.SetCapacity(3)
	assert.Equal(t, 3, c.Stats().Size)

	// The three most recently inserted survive.
	for i := 5; i < 8; i++ {
		_, ok := c.Get(MethodSignature(fmt.Sprintf("sig-%d", i)))
		assert.True(t, ok, "sig-%d should have survived the shrink", i)
	}
}

func TestResultCache_InvalidateAll(t *testing.T) {
	c, _ := newTestCache(t, 4)
	c.Put("a", TipContent{Text: "a"})
	c.Put("b", TipContent{Text: "b"})

	c.InvalidateAll()
	assert.Equal(t, 0, c.Stats().Size)
	_, ok := c.Get("a")
	assert.False(t, ok)
}
