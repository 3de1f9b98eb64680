package calltip

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRenderer captures render/dismiss traffic for assertions.
type recordingRenderer struct {
	mu        sync.Mutex
	rendered  []TipContent
	dismissed int
	renderErr error
}

func (r *recordingRenderer) Render(content TipContent, pos DisplayPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderErr != nil {
		return r.renderErr
	}
	r.rendered = append(r.rendered, content)
	return nil
}

func (r *recordingRenderer) Dismiss() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismissed++
	return nil
}

func (r *recordingRenderer) renderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rendered)
}

func TestDisplayCoordinator_SingleActiveSlot(t *testing.T) {
	renderer := &recordingRenderer{}
	dc := NewDisplayCoordinator(renderer, testLogger(t))

	require.NoError(t, dc.Show(TipContent{Text: "first"}, DisplayPosition{EditorID: "a"}))
	require.NoError(t, dc.Show(TipContent{Text: "second"}, DisplayPosition{EditorID: "a"}))

	current, ok := dc.Current()
	require.True(t, ok)
	assert.Equal(t, "second", current.Text, "a later show supersedes the earlier one")
	assert.Equal(t, 2, renderer.renderCount())
}

func TestDisplayCoordinator_CanShowRejectsIdenticalText(t *testing.T) {
	dc := NewDisplayCoordinator(&recordingRenderer{}, testLogger(t))

	assert.True(t, dc.CanShow(TipContent{Text: "tip"}), "empty slot accepts anything")
	require.NoError(t, dc.Show(TipContent{Text: "tip"}, DisplayPosition{}))
	assert.False(t, dc.CanShow(TipContent{Text: "tip"}), "identical text must not re-render")
	assert.True(t, dc.CanShow(TipContent{Text: "other"}))
}

func TestDisplayCoordinator_HideIdempotent(t *testing.T) {
	renderer := &recordingRenderer{}
	dc := NewDisplayCoordinator(renderer, testLogger(t))

	dc.Hide() // nothing active; must be a no-op
	assert.Equal(t, 0, renderer.dismissed)

	require.NoError(t, dc.Show(TipContent{Text: "tip"}, DisplayPosition{}))
	dc.Hide()
	dc.Hide()
	assert.Equal(t, 1, renderer.dismissed, "second hide with empty slot must not dismiss again")

	_, ok := dc.Current()
	assert.False(t, ok)
}

func TestDisplayCoordinator_ShowPropagatesRendererError(t *testing.T) {
	renderer := &recordingRenderer{renderErr: errors.New("widget failure")}
	dc := NewDisplayCoordinator(renderer, testLogger(t))

	err := dc.Show(TipContent{Text: "tip", Format: FormatHTML}, DisplayPosition{})
	assert.Error(t, err)
}

func TestForegroundExecutor_SerializesTasks(t *testing.T) {
	fe := NewForegroundExecutor(testLogger(t))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, fe.Post(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()
	fe.Close()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v, "tasks must run in post order")
	}
}

func TestForegroundExecutor_PostAfterClose(t *testing.T) {
	fe := NewForegroundExecutor(testLogger(t))
	fe.Close()

	err := fe.Post(func() {})
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestForegroundExecutor_RecoversPanickingTask(t *testing.T) {
	fe := NewForegroundExecutor(testLogger(t))

	require.NoError(t, fe.Post(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, fe.Post(func() { close(done) }))
	<-done // loop survived the panic
	fe.Close()
}
