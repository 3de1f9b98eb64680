package calltip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerDeduplicator_DuplicateWindow(t *testing.T) {
	d := NewTriggerDeduplicator(500*time.Millisecond, testLogger(t))
	base := time.Now()

	// Same offset reported twice through different channels within the
	// window: the second report is a duplicate. A third event after the
	// window reopens the gate, even at a neighboring offset.
	assert.True(t, d.ShouldTrigger("file:///a.go", 100, base))
	assert.False(t, d.ShouldTrigger("file:///a.go", 100, base.Add(100*time.Millisecond)))
	assert.True(t, d.ShouldTrigger("file:///a.go", 101, base.Add(600*time.Millisecond)))
}

func TestTriggerDeduplicator_OffsetTolerance(t *testing.T) {
	d := NewTriggerDeduplicator(500*time.Millisecond, testLogger(t))
	base := time.Now()

	require.True(t, d.ShouldTrigger("e", 100, base))
	assert.False(t, d.ShouldTrigger("e", 99, base.Add(50*time.Millisecond)), "offset-1 within window is the same keystroke")
	assert.False(t, d.ShouldTrigger("e", 101, base.Add(50*time.Millisecond)), "offset+1 within window is the same keystroke")
	assert.True(t, d.ShouldTrigger("e", 102, base.Add(50*time.Millisecond)), "offset+2 is a different position")
}

func TestTriggerDeduplicator_RejectedCandidatesDoNotExtendWindow(t *testing.T) {
	d := NewTriggerDeduplicator(500*time.Millisecond, testLogger(t))
	base := time.Now()

	require.True(t, d.ShouldTrigger("e", 100, base))
	// Rejected at 400ms; must not reset the clock. At 600ms the original
	// accepted trigger is outside the window, so the candidate passes even
	// though only 200ms separate it from the rejected one.
	require.False(t, d.ShouldTrigger("e", 100, base.Add(400*time.Millisecond)))
	assert.True(t, d.ShouldTrigger("e", 100, base.Add(600*time.Millisecond)))
}

func TestTriggerDeduplicator_PerEditorIsolation(t *testing.T) {
	d := NewTriggerDeduplicator(500*time.Millisecond, testLogger(t))
	base := time.Now()

	require.True(t, d.ShouldTrigger("a", 100, base))
	assert.True(t, d.ShouldTrigger("b", 100, base), "different editors never suppress each other")
}

func TestTriggerDeduplicator_Forget(t *testing.T) {
	d := NewTriggerDeduplicator(500*time.Millisecond, testLogger(t))
	base := time.Now()

	require.True(t, d.ShouldTrigger("a", 100, base))
	d.Forget("a")
	assert.True(t, d.ShouldTrigger("a", 100, base.Add(10*time.Millisecond)))
}

func TestTriggerDeduplicator_ConcurrentSingleWinner(t *testing.T) {
	d := NewTriggerDeduplicator(500*time.Millisecond, testLogger(t))
	now := time.Now()

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldTrigger("e", 100, now) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted, "exactly one of the simultaneous duplicates may proceed")
}
