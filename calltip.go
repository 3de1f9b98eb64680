// calltip.go
// Package calltip implements an editor augmentation that shows a short
// documentation tip when the user finishes typing a method invocation. The
// pipeline is: trigger deduplication -> background call resolution ->
// annotation extraction -> cached tip -> foreground display.
package calltip

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Elapsed-time thresholds for the proactive response-time signal.
const (
	slowResolveThreshold     = 1 * time.Second
	criticalResolveThreshold = 5 * time.Second
)

// tipStoreFileName is the bbolt file created next to the config file.
const tipStoreFileName = "tips.db"

// =============================================================================
// Interfaces for Components
// =============================================================================

// Resolver resolves a byte offset in a document to the call site whose
// invocation the user just completed. content is the live buffer (which may
// differ from the file on disk); nil means "use the on-disk content". A nil
// result means "do nothing".
type Resolver interface {
	Detect(ctx context.Context, absFilename string, content []byte, version, offset int) *CallSite
	ClearMemo()
	Close()
}

// Extractor turns a resolved declaration into displayable tip content.
type Extractor interface {
	Extract(decl *Declaration) (TipContent, bool, error)
}

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig loads configuration from standard locations, merges with
// defaults, validates, and attempts to write a default config if needed.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	if primaryPath != "" {
		logger.Debug("Attempting to load config", "path", primaryPath)
		loaded, loadErr := LoadAndMergeConfig(primaryPath, &cfg, logger)
		if loadErr != nil {
			if strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", primaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", primaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", primaryPath)
		}
	}

	primaryNotFoundOrFailed := !loadedFromFile || configParseError != nil
	if primaryNotFoundOrFailed && secondaryPath != "" && secondaryPath != primaryPath {
		logger.Debug("Attempting to load config from secondary path", "path", secondaryPath)
		loaded, loadErr := LoadAndMergeConfig(secondaryPath, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil && strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", secondaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", secondaryPath, "error", loadErr)
		} else if loaded && !loadedFromFile {
			loadedFromFile = true
			logger.Info("Loaded config", "path", secondaryPath)
		}
	}

	loadSucceeded := loadedFromFile && configParseError == nil
	if !loadSucceeded {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		if writePath != "" {
			if configParseError != nil {
				logger.Warn("Existing config file failed to parse. Attempting to write default.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
			}
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		} else {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			logger.Error("FATAL: Default config definition is invalid", "error", valErr)
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// =============================================================================
// CallTip Service
// =============================================================================

// CallTip wires the pipeline components together and owns the worker pool.
// Trigger entry points return quickly; all heavy work runs on bounded
// background workers and display mutations hop onto the foreground executor.
type CallTip struct {
	// configMu guards config plus the components rebuilt on config change
	// (dedup, workers).
	config   Config
	configMu sync.RWMutex

	dedup       *TriggerDeduplicator
	resolver    Resolver
	extractor   Extractor
	extractorMu sync.RWMutex
	cache       *ResultCache
	store       *TipStore
	coordinator *DisplayCoordinator
	executor    *ForegroundExecutor
	policy      *ErrorRecoveryPolicy

	workers *semaphore.Weighted
	flight  singleflight.Group

	// disabled is set by the recovery policy (DisableFeature) independently
	// of the user-facing Enabled config flag.
	disabled atomic.Bool
	closed   atomic.Bool

	// retryBacklog counts triggers parked in a blocking acquire after the
	// pool was found saturated.
	retryBacklog atomic.Int32

	hideMu    sync.Mutex
	hideTimer *time.Timer

	logger *stdslog.Logger
}

// NewCallTip creates a service instance using configuration from standard
// locations. A non-fatal config error (ErrConfig) is returned alongside a
// usable instance.
func NewCallTip(logger *stdslog.Logger) (*CallTip, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "CallTip")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}

	ct, err := NewCallTipWithConfig(cfg, serviceLogger)
	if err != nil {
		return nil, err
	}
	if configErr != nil && errors.Is(configErr, ErrConfig) {
		return ct, configErr
	}
	return ct, nil
}

// NewCallTipWithConfig creates a service instance with a specific config.
func NewCallTipWithConfig(config Config, logger *stdslog.Logger) (*CallTip, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "CallTip")

	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	ct := &CallTip{
		config:      config,
		dedup:       NewTriggerDeduplicator(config.DedupWindow, serviceLogger),
		resolver:    NewCallResolver(defaultResolveMemoTTLSeconds*time.Second, serviceLogger),
		cache:       NewResultCache(config.CacheCapacity, config.CacheTTL, config.SweepInterval, serviceLogger),
		coordinator: NewDisplayCoordinator(nil, serviceLogger),
		executor:    NewForegroundExecutor(serviceLogger),
		policy:      NewErrorRecoveryPolicy(serviceLogger),
		workers:     semaphore.NewWeighted(int64(config.Workers)),
		logger:      serviceLogger,
	}
	ct.extractor = NewAnnotationExtractor(DefaultStrategies(serviceLogger), config.Markers(), config.FullDocumentationMode, serviceLogger)
	ct.disabled.Store(!config.Enabled)

	if storePath := tipStorePath(serviceLogger); storePath != "" {
		store, err := NewTipStore(storePath, serviceLogger)
		if err != nil {
			serviceLogger.Warn("Persistent tip store unavailable, continuing without it", "path", storePath, "error", err)
		} else {
			ct.store = store
		}
	}

	return ct, nil
}

// tipStorePath returns the bbolt path next to the primary config file, or ""
// when no config directory can be determined.
func tipStorePath(logger *stdslog.Logger) string {
	primaryPath, secondaryPath, err := GetConfigPaths(logger)
	if err != nil && primaryPath == "" && secondaryPath == "" {
		return ""
	}
	base := primaryPath
	if base == "" {
		base = secondaryPath
	}
	if base == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(base), tipStoreFileName)
}

// SetRenderer wires the host's popup widget. Must be called during startup,
// before trigger traffic.
func (ct *CallTip) SetRenderer(r Renderer) {
	ct.coordinator.SetRenderer(r)
}

// Coordinator exposes the display coordinator for host queries.
func (ct *CallTip) Coordinator() *DisplayCoordinator {
	return ct.coordinator
}

// GetCurrentConfig returns a thread-safe copy of the current configuration.
func (ct *CallTip) GetCurrentConfig() Config {
	ct.configMu.RLock()
	defer ct.configMu.RUnlock()
	cfgCopy := ct.config
	if cfgCopy.TagAliases != nil {
		aliases := make([]string, len(cfgCopy.TagAliases))
		copy(aliases, cfgCopy.TagAliases)
		cfgCopy.TagAliases = aliases
	}
	return cfgCopy
}

// UpdateConfig atomically updates the service configuration and rebuilds the
// components that sample config at construction. A fresh Enabled=true config
// also clears a policy-imposed feature disablement.
func (ct *CallTip) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(ct.logger); err != nil {
		ct.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	ct.configMu.Lock()
	old := ct.config
	ct.config = newConfig
	if newConfig.DedupWindow != old.DedupWindow {
		ct.dedup = NewTriggerDeduplicator(newConfig.DedupWindow, ct.logger)
	}
	if newConfig.Workers != old.Workers {
		ct.workers = semaphore.NewWeighted(int64(newConfig.Workers))
	}
	ct.configMu.Unlock()

	ct.extractorMu.Lock()
	ct.extractor = NewAnnotationExtractor(DefaultStrategies(ct.logger), newConfig.Markers(), newConfig.FullDocumentationMode, ct.logger)
	ct.extractorMu.Unlock()

	if newConfig.CacheCapacity != old.CacheCapacity {
		ct.cache.SetCapacity(newConfig.CacheCapacity)
	}

	// Aliases or extraction mode changing invalidates every cached tip.
	if newConfig.FullDocumentationMode != old.FullDocumentationMode || !equalStringSlices(newConfig.TagAliases, old.TagAliases) {
		ct.InvalidateAll()
	}

	ct.disabled.Store(!newConfig.Enabled)
	if newConfig.Enabled {
		ct.policy.ResetAll()
	}

	ct.logger.Info("CallTip configuration updated",
		stdslog.Group("new_config",
			stdslog.Bool("enabled", newConfig.Enabled),
			stdslog.Any("tag_aliases", newConfig.TagAliases),
			stdslog.Bool("full_documentation_mode", newConfig.FullDocumentationMode),
			stdslog.Int("display_duration_ms", newConfig.DisplayDurationMs),
			stdslog.String("display_style", string(newConfig.DisplayStyle)),
			stdslog.Int("cache_capacity", newConfig.CacheCapacity),
			stdslog.Int("dedup_window_ms", newConfig.DedupWindowMs),
			stdslog.Int("workers", newConfig.Workers),
			stdslog.String("log_level", newConfig.LogLevel),
		),
	)
	return nil
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Enabled reports whether the feature is currently active: configured on and
// not disabled by the recovery policy.
func (ct *CallTip) Enabled() bool {
	return !ct.disabled.Load() && !ct.closed.Load()
}

// CacheStats returns a snapshot of the result cache.
func (ct *CallTip) CacheStats() CacheStats {
	return ct.cache.Stats()
}

// InvalidateAll clears the result cache, the persistent store and the
// resolver memo together.
func (ct *CallTip) InvalidateAll() {
	ct.cache.InvalidateAll()
	ct.resolver.ClearMemo()
	if ct.store != nil {
		if err := ct.store.DeleteAll(); err != nil && !errors.Is(err, ErrStoreClosed) {
			ct.logger.Warn("Failed to clear persistent tip store", "error", err)
		}
	}
}

// Close shuts down background machinery and releases resources.
func (ct *CallTip) Close() error {
	if !ct.closed.CompareAndSwap(false, true) {
		return nil
	}
	ct.logger.Info("Closing CallTip service")
	ct.executor.Close()
	ct.cache.Close()
	ct.resolver.Close()
	var errs []error
	if ct.store != nil {
		if err := ct.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Trigger Entry Points
// =============================================================================

// HandleTrigger is the hot-path entry called for every trigger candidate
// (keystroke or document change at a position). content is the live buffer
// the offset was computed against; nil falls back to the on-disk content. It
// returns immediately; resolution and extraction run on a bounded background
// worker. The return value reports only whether a background job was started.
func (ct *CallTip) HandleTrigger(ctx context.Context, editorID, absFilename string, content []byte, version, offset int) bool {
	if !ct.Enabled() {
		return false
	}
	if !ct.deduplicator().ShouldTrigger(editorID, offset, time.Now()) {
		return false
	}

	workers := ct.workerPool()
	if !workers.TryAcquire(1) {
		action := ct.policy.ClassifyPerformanceIssue(PerformanceIssue{
			Kind:     PerfWorkerSaturation,
			Severity: ct.saturationSeverity(),
			Detail:   fmt.Sprintf("worker pool saturated, trigger at %s:%d", editorID, offset),
		})
		if action != ActionRetry {
			ct.logger.Debug("Trigger dropped, worker pool saturated", "editor", editorID, "offset", offset)
			return false
		}
		// Retry with a blocking acquire off the hot path.
		ct.retryBacklog.Add(1)
		go func() {
			defer ct.retryBacklog.Add(-1)
			if err := workers.Acquire(ctx, 1); err != nil {
				return
			}
			defer workers.Release(1)
			ct.runJob(ctx, editorID, absFilename, content, version, offset)
		}()
		return true
	}

	go func() {
		defer workers.Release(1)
		ct.runJob(ctx, editorID, absFilename, content, version, offset)
	}()
	return true
}

// saturationSeverity grades pool saturation by the retry backlog: a first
// overflow is worth a blocking retry, but once as many retries as workers are
// already parked, further triggers are dropped instead of stacked.
func (ct *CallTip) saturationSeverity() PerfSeverity {
	ct.configMu.RLock()
	limit := ct.config.Workers
	ct.configMu.RUnlock()
	if int(ct.retryBacklog.Load()) >= limit {
		return SeverityHigh
	}
	return SeverityMedium
}

func (ct *CallTip) deduplicator() *TriggerDeduplicator {
	ct.configMu.RLock()
	defer ct.configMu.RUnlock()
	return ct.dedup
}

func (ct *CallTip) workerPool() *semaphore.Weighted {
	ct.configMu.RLock()
	defer ct.configMu.RUnlock()
	return ct.workers
}

// HandleDocumentClosed drops per-editor state when a document goes away.
func (ct *CallTip) HandleDocumentClosed(editorID string) {
	ct.deduplicator().Forget(editorID)
	if _, ok := ct.coordinator.Current(); ok {
		ct.postHide()
	}
}

// DismissTip hides the active tip, if any. Called on cursor moves and focus
// changes by the host.
func (ct *CallTip) DismissTip() {
	ct.postHide()
}

// =============================================================================
// Background Pipeline
// =============================================================================

// jobResult is the singleflight payload for one signature lookup.
type jobResult struct {
	content TipContent
	ok      bool
}

// runJob executes one trigger end to end on a background worker. Every
// failure inside is graded by the recovery policy; nothing escapes the
// recover boundary.
func (ct *CallTip) runJob(ctx context.Context, editorID, absFilename string, content []byte, version, offset int) {
	jobID := uuid.NewString()
	jobLogger := ct.logger.With("op", "runJob", "job_id", jobID, "editor", editorID, "offset", offset)
	defer func() {
		if r := recover(); r != nil {
			jobLogger.Error("Panic recovered in trigger job", "panic_value", r)
		}
	}()

	started := time.Now()
	site := ct.resolver.Detect(ctx, absFilename, content, version, offset)
	ct.observeElapsed(time.Since(started), jobLogger)
	if site == nil || site.Decl == nil {
		jobLogger.Debug("No completed call at trigger position")
		return
	}
	decl := site.Decl
	jobLogger = jobLogger.With("signature", decl.Signature)

	tip, ok := ct.lookupTip(decl, jobLogger)
	if !ok {
		jobLogger.Debug("Declaration carries no tip")
		return
	}

	ct.maybeSignalMissRate(jobLogger)
	ct.postShow(tip, DisplayPosition{EditorID: editorID, Offset: offset}, jobLogger)
}

// lookupTip resolves tip content for a declaration through the cache layers:
// memory cache, persistent store, then extraction. Concurrent lookups for the
// same signature are collapsed.
func (ct *CallTip) lookupTip(decl *Declaration, jobLogger *stdslog.Logger) (TipContent, bool) {
	if content, ok := ct.cache.Get(decl.Signature); ok {
		return content, true
	}

	v, err, _ := ct.flight.Do(string(decl.Signature), func() (interface{}, error) {
		// Double-check after winning the flight.
		if content, ok := ct.cache.Get(decl.Signature); ok {
			return jobResult{content: content, ok: true}, nil
		}
		if ct.store != nil {
			if content, ok, storeErr := ct.store.Get(decl.Signature); storeErr == nil && ok {
				jobLogger.Debug("Tip served from persistent store")
				ct.cache.Put(decl.Signature, content)
				return jobResult{content: content, ok: true}, nil
			}
		}

		ct.extractorMu.RLock()
		extractor := ct.extractor
		ct.extractorMu.RUnlock()

		content, ok, extractErr := extractor.Extract(decl)
		if extractErr != nil {
			return jobResult{}, extractErr
		}
		if !ok {
			return jobResult{}, nil
		}
		ct.cache.Put(decl.Signature, content)
		if ct.store != nil {
			if putErr := ct.store.Put(decl.Signature, content); putErr != nil && !errors.Is(putErr, ErrStoreClosed) {
				jobLogger.Warn("Failed to persist tip", "error", putErr)
			}
		}
		return jobResult{content: content, ok: true}, nil
	})
	if err != nil {
		action := ct.policy.ClassifyParsingError(err, string(decl.Signature))
		jobLogger.Warn("Tip extraction failed", "error", err, "action", action.String())
		ct.applyAction(action, jobLogger)
		return TipContent{}, false
	}

	result, castOK := v.(jobResult)
	if !castOK {
		return TipContent{}, false
	}
	return result.content, result.ok
}

// =============================================================================
// Foreground Display
// =============================================================================

// postShow hops onto the foreground executor to run the display decision and
// mutation atomically, then schedules the auto-hide.
func (ct *CallTip) postShow(content TipContent, pos DisplayPosition, jobLogger *stdslog.Logger) {
	err := ct.executor.Post(func() {
		if !ct.Enabled() {
			return
		}
		if !ct.coordinator.CanShow(content) {
			jobLogger.Debug("Identical tip already visible, skipping re-render")
			return
		}
		if showErr := ct.coordinator.Show(content, pos); showErr != nil {
			action := ct.policy.ClassifyDisplayError(showErr, content)
			jobLogger.Warn("Tip display failed", "error", showErr, "action", action.String())
			if action == ActionFallback {
				plain := TipContent{Text: content.Text, Format: FormatPlainText}
				if fallbackErr := ct.coordinator.Show(plain, pos); fallbackErr != nil {
					jobLogger.Warn("Plain-text fallback display failed", "error", fallbackErr)
					ct.coordinator.Hide()
				}
			} else {
				ct.applyAction(action, jobLogger)
			}
			return
		}
		ct.scheduleHide()
	})
	if err != nil {
		jobLogger.Debug("Foreground executor rejected display task", "error", err)
	}
}

// postHide hops onto the foreground executor to clear the display slot.
func (ct *CallTip) postHide() {
	_ = ct.executor.Post(func() {
		ct.coordinator.Hide()
	})
	ct.cancelHideTimer()
}

// scheduleHide arms the auto-hide timer with the configured display duration,
// replacing any previous timer so the newest tip gets the full duration.
func (ct *CallTip) scheduleHide() {
	ct.configMu.RLock()
	duration := time.Duration(ct.config.DisplayDurationMs) * time.Millisecond
	ct.configMu.RUnlock()

	ct.hideMu.Lock()
	defer ct.hideMu.Unlock()
	if ct.hideTimer != nil {
		ct.hideTimer.Stop()
	}
	ct.hideTimer = time.AfterFunc(duration, func() {
		_ = ct.executor.Post(func() {
			ct.coordinator.Hide()
		})
	})
}

func (ct *CallTip) cancelHideTimer() {
	ct.hideMu.Lock()
	defer ct.hideMu.Unlock()
	if ct.hideTimer != nil {
		ct.hideTimer.Stop()
		ct.hideTimer = nil
	}
}

// =============================================================================
// Recovery & Performance
// =============================================================================

// ReportPerformanceIssue feeds a proactive performance signal into the
// recovery policy and applies the prescribed action.
func (ct *CallTip) ReportPerformanceIssue(issue PerformanceIssue) RecoveryAction {
	action := ct.policy.ClassifyPerformanceIssue(issue)
	ct.applyAction(action, ct.logger.With("op", "ReportPerformanceIssue"))
	return action
}

// observeElapsed grades resolution latency and feeds the policy when it
// crosses the slow thresholds.
func (ct *CallTip) observeElapsed(elapsed time.Duration, jobLogger *stdslog.Logger) {
	switch {
	case elapsed > criticalResolveThreshold:
		jobLogger.Error("Resolution latency critical", "elapsed", elapsed)
		action := ct.policy.ClassifyPerformanceIssue(PerformanceIssue{
			Kind:     PerfResponseTime,
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("resolution took %s", elapsed),
		})
		ct.applyAction(action, jobLogger)
	case elapsed > slowResolveThreshold:
		jobLogger.Warn("Resolution latency degraded", "elapsed", elapsed)
	}
}

// maybeSignalMissRate raises a cache-miss-rate signal once the cache has seen
// enough traffic to make its hit rate meaningful.
func (ct *CallTip) maybeSignalMissRate(jobLogger *stdslog.Logger) {
	stats := ct.cache.Stats()
	total := stats.Hits + stats.Misses
	if total < 512 || stats.HitRate >= 0.05 {
		return
	}
	action := ct.policy.ClassifyPerformanceIssue(PerformanceIssue{
		Kind:     PerfCacheMissRate,
		Severity: SeverityHigh,
		Detail:   fmt.Sprintf("hit rate %.3f over %d lookups", stats.HitRate, total),
	})
	ct.applyAction(action, jobLogger)
}

// applyAction carries out the service-level consequences of a recovery
// action. Retry/Skip/Fallback are handled at the failure site; only the
// state-changing actions land here.
func (ct *CallTip) applyAction(action RecoveryAction, jobLogger *stdslog.Logger) {
	switch action {
	case ActionDisableFeature:
		jobLogger.Error("Recovery policy disabled the tip feature")
		ct.disabled.Store(true)
		ct.postHide()
	case ActionResetState:
		jobLogger.Warn("Recovery policy requested state reset")
		ct.InvalidateAll()
		// The miss-rate signal must measure the rebuilt cache, not the
		// history that triggered the reset.
		ct.cache.ResetStats()
		ct.deduplicator().Reset()
		ct.policy.ResetAll()
	}
}
