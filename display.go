// calltip/display.go
// DisplayCoordinator enforces "at most one tip visible at a time" and owns
// the single mutable display slot. ForegroundExecutor models the UI thread:
// a single goroutine on which every display mutation runs.
package calltip

import (
	"log/slog"
	"sync"
)

// DisplayPosition locates a tip relative to a document.
type DisplayPosition struct {
	EditorID string
	Offset   int
}

// Renderer is the visual popup collaborator. Implementations draw and remove
// the actual widget; the coordinator only decides what is active.
type Renderer interface {
	Render(content TipContent, pos DisplayPosition) error
	Dismiss() error
}

// nopRenderer is used until a host wires a real renderer.
type nopRenderer struct{}

func (nopRenderer) Render(TipContent, DisplayPosition) error { return nil }
func (nopRenderer) Dismiss() error                           { return nil }

// DisplayCoordinator holds the single active tip slot. Show and Hide must run
// on the foreground executor; CanShow and Current may be called from any
// goroutine as a thread-safe snapshot when deciding whether to proceed, but
// the authoritative decision and mutation happen together on the foreground.
type DisplayCoordinator struct {
	mu       sync.RWMutex
	active   *TipContent
	position DisplayPosition
	renderer Renderer
	logger   *slog.Logger
}

// NewDisplayCoordinator creates a coordinator with no active content.
func NewDisplayCoordinator(renderer Renderer, logger *slog.Logger) *DisplayCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if renderer == nil {
		renderer = nopRenderer{}
	}
	return &DisplayCoordinator{
		renderer: renderer,
		logger:   logger.With("component", "DisplayCoordinator"),
	}
}

// SetRenderer swaps the popup collaborator. The host calls this once during
// wiring, before any display traffic.
func (dc *DisplayCoordinator) SetRenderer(r Renderer) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if r == nil {
		r = nopRenderer{}
	}
	dc.renderer = r
}

// CanShow reports whether candidate content should be rendered: true if
// nothing is active or the candidate's text differs from the active text.
// Identical text is rejected to prevent redundant re-renders from duplicate
// background resolutions racing to completion.
func (dc *DisplayCoordinator) CanShow(content TipContent) bool {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	if dc.active == nil {
		return true
	}
	return dc.active.Text != content.Text
}

// Show replaces any currently active content unconditionally; a later call
// always supersedes an earlier one (last-writer-wins, no queueing). Returns
// the renderer error, if any, so the caller can route it to the recovery
// policy.
func (dc *DisplayCoordinator) Show(content TipContent, pos DisplayPosition) error {
	dc.mu.Lock()
	dc.active = &content
	dc.position = pos
	renderer := dc.renderer
	dc.mu.Unlock()

	if err := renderer.Render(content, pos); err != nil {
		dc.logger.Warn("Renderer failed to show tip", "error", err, "editor", pos.EditorID)
		return err
	}
	dc.logger.Debug("Tip shown", "editor", pos.EditorID, "offset", pos.Offset, "format", content.Format.String())
	return nil
}

// Hide clears the active slot. Idempotent; safe when nothing is active.
func (dc *DisplayCoordinator) Hide() {
	dc.mu.Lock()
	wasActive := dc.active != nil
	dc.active = nil
	renderer := dc.renderer
	dc.mu.Unlock()

	if !wasActive {
		return
	}
	if err := renderer.Dismiss(); err != nil {
		dc.logger.Warn("Renderer failed to dismiss tip", "error", err)
	}
}

// Current returns a copy of the active content, if any.
func (dc *DisplayCoordinator) Current() (TipContent, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	if dc.active == nil {
		return TipContent{}, false
	}
	return *dc.active, true
}

// ============================================================================
// Foreground Executor
// ============================================================================

// ForegroundExecutor serializes display mutations on a single goroutine,
// standing in for the host UI thread. Background work ends with a hop onto
// it, never a blocking wait.
type ForegroundExecutor struct {
	tasks    chan func()
	stopOnce sync.Once
	done     chan struct{}
	logger   *slog.Logger
}

// NewForegroundExecutor starts the executor loop.
func NewForegroundExecutor(logger *slog.Logger) *ForegroundExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	fe := &ForegroundExecutor{
		tasks:  make(chan func(), 128),
		done:   make(chan struct{}),
		logger: logger.With("component", "ForegroundExecutor"),
	}
	go fe.loop()
	return fe
}

func (fe *ForegroundExecutor) loop() {
	for task := range fe.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fe.logger.Error("Panic recovered in foreground task", "panic_value", r)
				}
			}()
			task()
		}()
	}
	close(fe.done)
}

// Post enqueues a task for the foreground goroutine. Returns
// ErrExecutorClosed after Close.
func (fe *ForegroundExecutor) Post(task func()) (err error) {
	defer func() {
		// Sending on the channel races with Close; the recover turns the
		// resulting panic into the closed error path.
		if r := recover(); r != nil {
			err = ErrExecutorClosed
		}
	}()
	select {
	case <-fe.done:
		return ErrExecutorClosed
	case fe.tasks <- task:
		return nil
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (fe *ForegroundExecutor) Close() {
	fe.stopOnce.Do(func() {
		close(fe.tasks)
	})
	<-fe.done
}
