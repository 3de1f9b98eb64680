// calltip/recovery.go
// ErrorRecoveryPolicy classifies failures and performance signals from the
// pipeline into a bounded set of recovery actions, with per-error-class
// counters that escalate from local skip to feature-wide disablement.
package calltip

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

// ErrorRecoveryPolicy owns the per-class failure counters. Classification
// methods never panic; their only side effect is the counter map, mutated
// under a narrow critical section.
type ErrorRecoveryPolicy struct {
	mu        sync.Mutex
	counters  map[string]int
	threshold int
	logger    *slog.Logger
}

// NewErrorRecoveryPolicy creates a policy with the standard escalation
// threshold.
func NewErrorRecoveryPolicy(logger *slog.Logger) *ErrorRecoveryPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorRecoveryPolicy{
		counters:  make(map[string]int),
		threshold: recoveryEscalationThreshold,
		logger:    logger.With("component", "ErrorRecoveryPolicy"),
	}
}

// bump increments the class counter and returns the new count.
func (p *ErrorRecoveryPolicy) bump(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[key]++
	return p.counters[key]
}

// ClassifyParsingError maps an extraction/comment-parsing failure to an
// action. contextKey must be a stable identifier for the failing declaration
// class (typically its method signature). Nil-reference-style failures
// default to Skip, structural failures to Fallback; at or above the
// threshold the class is disabled.
func (p *ErrorRecoveryPolicy) ClassifyParsingError(err error, contextKey string) (action RecoveryAction) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic recovered classifying parsing error", "panic_value", r)
			action = ActionSkip
		}
	}()
	if err == nil {
		return ActionSkip
	}
	key := "parse:" + contextKey
	count := p.bump(key)
	if count >= p.threshold {
		p.logger.Error("Repeated parsing failures, disabling declaration class", "key", key, "count", count, "error", err)
		return ActionDisableFeature
	}
	if isNilReferenceError(err) {
		p.logger.Debug("Parsing failure classified as skip", "key", key, "count", count, "error", err)
		return ActionSkip
	}
	p.logger.Debug("Parsing failure classified as fallback", "key", key, "count", count, "error", err)
	return ActionFallback
}

// ClassifyDisplayError maps a rendering failure to an action. UI failures
// prefer Fallback to a minimal text rendering before giving up.
func (p *ErrorRecoveryPolicy) ClassifyDisplayError(err error, content TipContent) (action RecoveryAction) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic recovered classifying display error", "panic_value", r)
			action = ActionSkip
		}
	}()
	if err == nil {
		return ActionSkip
	}
	key := "display:" + content.Format.String()
	count := p.bump(key)
	if count >= p.threshold {
		p.logger.Error("Repeated display failures, disabling display path", "key", key, "count", count, "error", err)
		return ActionDisableFeature
	}
	if content.Format != FormatPlainText {
		// A markup tip may still render as plain text.
		return ActionFallback
	}
	return ActionSkip
}

// ClassifyPerformanceIssue maps a proactive performance signal to a
// severity-graded action.
func (p *ErrorRecoveryPolicy) ClassifyPerformanceIssue(issue PerformanceIssue) (action RecoveryAction) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic recovered classifying performance issue", "panic_value", r)
			action = ActionSkip
		}
	}()
	switch issue.Kind {
	case PerfMemoryPressure:
		switch issue.Severity {
		case SeverityHigh, SeverityCritical:
			p.logger.Warn("Memory pressure, resetting caches", "severity", issue.Severity, "detail", issue.Detail)
			return ActionResetState
		case SeverityMedium:
			return ActionFallback
		default:
			return ActionSkip
		}
	case PerfResponseTime:
		if issue.Severity == SeverityCritical {
			p.logger.Error("Critical response-time degradation, disabling feature", "detail", issue.Detail)
			return ActionDisableFeature
		}
		return ActionFallback
	case PerfWorkerSaturation:
		if issue.Severity >= SeverityHigh {
			return ActionSkip
		}
		return ActionRetry
	case PerfCacheMissRate:
		return ActionResetState
	default:
		return ActionSkip
	}
}

// Count returns the current counter for an error class key.
func (p *ErrorRecoveryPolicy) Count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters[key]
}

// ResetCounter clears the counter for one class, re-enabling it.
func (p *ErrorRecoveryPolicy) ResetCounter(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, key)
}

// ResetAll clears every counter.
func (p *ErrorRecoveryPolicy) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = make(map[string]int)
}

// isNilReferenceError reports whether err looks like a nil-dereference-style
// failure: a recovered runtime error or a missing-node sentinel.
func isNilReferenceError(err error) bool {
	if errors.Is(err, ErrMissingNode) || errors.Is(err, ErrNoDocComment) {
		return true
	}
	var rt runtime.Error
	return errors.As(err, &rt)
}
