// calltip/calltip_types.go
// Contains core type definitions used throughout the calltip package.
package calltip

import (
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	stdslog "log/slog"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultTagMarker     = "tips"
	defaultLogLevel      = "info" // Default log level.
	defaultConfigFile    = "config.json"
	configDirName        = "calltip" // Subdirectory name for config/data.
	storeSchemaVersion   = 1         // Used to invalidate the tip store if formats change.
	defaultCacheCapacity = 512

	// Debounce window for trigger deduplication. Two trigger candidates at
	// (almost) the same offset within this window are one logical keystroke.
	defaultDedupWindowMs = 500

	// Offsets this close together are treated as the same physical keystroke
	// observed by different listeners.
	dedupOffsetTolerance = 1

	defaultCacheTTLSeconds       = 30 * 60 // Idle entries are dropped after this.
	defaultSweepIntervalSeconds  = 5 * 60  // Background expiry scan period.
	defaultDisplayDurationMs     = 4000
	defaultWorkerCount           = 4
	defaultResolveMemoTTLSeconds = 300

	// Consecutive failures of one error class before the recovery policy
	// disables the feature for that class.
	recoveryEscalationThreshold = 10
)

// DisplayStyle selects the visual chrome the host should use for a tip.
type DisplayStyle string

const (
	StyleBalloon      DisplayStyle = "balloon"
	StyleTooltip      DisplayStyle = "tooltip"
	StyleNotification DisplayStyle = "notification"
)

// Config holds the active configuration for the tip service.
type Config struct {
	Enabled               bool         `json:"enabled"`
	TagAliases            []string     `json:"tag_aliases"`             // Extra tag markers besides "tips".
	FullDocumentationMode bool         `json:"full_documentation_mode"` // Extract the whole doc comment, not only tags.
	DisplayDurationMs     int          `json:"display_duration_ms"`
	DisplayStyle          DisplayStyle `json:"display_style"`
	CacheCapacity         int          `json:"cache_capacity"`
	CacheTTLSeconds       int          `json:"cache_ttl_seconds"`
	SweepIntervalSeconds  int          `json:"sweep_interval_seconds"`
	DedupWindowMs         int          `json:"dedup_window_ms"`
	Workers               int          `json:"workers"`
	LogLevel              string       `json:"log_level"`

	// Derived durations, not read from the config file.
	CacheTTL      time.Duration `json:"-"`
	SweepInterval time.Duration `json:"-"`
	DedupWindow   time.Duration `json:"-"`
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	Enabled               *bool     `json:"enabled"`
	TagAliases            *[]string `json:"tag_aliases"`
	FullDocumentationMode *bool     `json:"full_documentation_mode"`
	DisplayDurationMs     *int      `json:"display_duration_ms"`
	DisplayStyle          *string   `json:"display_style"`
	CacheCapacity         *int      `json:"cache_capacity"`
	CacheTTLSeconds       *int      `json:"cache_ttl_seconds"`
	SweepIntervalSeconds  *int      `json:"sweep_interval_seconds"`
	DedupWindowMs         *int      `json:"dedup_window_ms"`
	Workers               *int      `json:"workers"`
	LogLevel              *string   `json:"log_level"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	cfg := Config{
		Enabled:               true,
		TagAliases:            []string{},
		FullDocumentationMode: false,
		DisplayDurationMs:     defaultDisplayDurationMs,
		DisplayStyle:          StyleBalloon,
		CacheCapacity:         defaultCacheCapacity,
		CacheTTLSeconds:       defaultCacheTTLSeconds,
		SweepIntervalSeconds:  defaultSweepIntervalSeconds,
		DedupWindowMs:         defaultDedupWindowMs,
		Workers:               defaultWorkerCount,
		LogLevel:              defaultLogLevel,
	}
	cfg.deriveDurations()
	return cfg
}

func (c *Config) deriveDurations() {
	c.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	c.SweepInterval = time.Duration(c.SweepIntervalSeconds) * time.Second
	c.DedupWindow = time.Duration(c.DedupWindowMs) * time.Millisecond
}

// Markers returns the full recognized tag set: the default marker plus the
// configured aliases, each normalized by stripping a leading sigil character
// and surrounding whitespace. Blank aliases are dropped.
func (c *Config) Markers() []string {
	markers := []string{defaultTagMarker}
	for _, alias := range c.TagAliases {
		norm := normalizeTagAlias(alias)
		if norm == "" || norm == defaultTagMarker {
			continue
		}
		markers = append(markers, norm)
	}
	return markers
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if c.DisplayDurationMs <= 0 {
		logger.Warn("Config validation: display_duration_ms is not positive, applying default.", "configured_value", c.DisplayDurationMs, "default", tempDefault.DisplayDurationMs)
		c.DisplayDurationMs = tempDefault.DisplayDurationMs
	}
	switch c.DisplayStyle {
	case StyleBalloon, StyleTooltip, StyleNotification:
	case "":
		c.DisplayStyle = tempDefault.DisplayStyle
	default:
		logger.Warn("Config validation: unknown display_style, applying default.", "configured_value", c.DisplayStyle, "default", tempDefault.DisplayStyle)
		validationErrors = append(validationErrors, fmt.Errorf("unknown display_style %q", c.DisplayStyle))
		c.DisplayStyle = tempDefault.DisplayStyle
	}
	if c.CacheCapacity <= 0 {
		logger.Warn("Config validation: cache_capacity is not positive, applying default.", "configured_value", c.CacheCapacity, "default", tempDefault.CacheCapacity)
		c.CacheCapacity = tempDefault.CacheCapacity
	}
	if c.CacheTTLSeconds <= 0 {
		logger.Warn("Config validation: cache_ttl_seconds is not positive, applying default.", "configured_value", c.CacheTTLSeconds, "default", tempDefault.CacheTTLSeconds)
		c.CacheTTLSeconds = tempDefault.CacheTTLSeconds
	}
	if c.SweepIntervalSeconds <= 0 {
		logger.Warn("Config validation: sweep_interval_seconds is not positive, applying default.", "configured_value", c.SweepIntervalSeconds, "default", tempDefault.SweepIntervalSeconds)
		c.SweepIntervalSeconds = tempDefault.SweepIntervalSeconds
	}
	if c.DedupWindowMs <= 0 {
		logger.Warn("Config validation: dedup_window_ms is not positive, applying default.", "configured_value", c.DedupWindowMs, "default", tempDefault.DedupWindowMs)
		c.DedupWindowMs = tempDefault.DedupWindowMs
	}
	if c.Workers <= 0 {
		logger.Warn("Config validation: workers is not positive, applying default.", "configured_value", c.Workers, "default", tempDefault.Workers)
		c.Workers = tempDefault.Workers
	}
	if c.TagAliases == nil {
		c.TagAliases = []string{}
	}
	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
			validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
			c.LogLevel = defaultLogLevel
		}
	}
	c.deriveDurations()

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// normalizeTagAlias strips a single leading sigil character (@, \, :) and
// surrounding whitespace from a configured alias.
func normalizeTagAlias(alias string) string {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return ""
	}
	switch alias[0] {
	case '@', '\\', ':':
		alias = alias[1:]
	}
	return strings.TrimSpace(alias)
}

// =============================================================================
// Tip & Annotation Types
// =============================================================================

// TipFormat classifies the markup of a merged tip text.
type TipFormat int

const (
	FormatPlainText TipFormat = iota
	FormatHTML
	FormatMarkdown
)

func (f TipFormat) String() string {
	switch f {
	case FormatHTML:
		return "html"
	case FormatMarkdown:
		return "markdown"
	default:
		return "plaintext"
	}
}

// TipContent is the unit stored in the result cache and shown to the user.
type TipContent struct {
	Text   string    `json:"text"`
	Format TipFormat `json:"format"`
}

// TagAnnotation is one recognized tag occurrence inside a documentation
// comment. Ordinal strictly increases in source order and is preserved
// through merging.
type TagAnnotation struct {
	Marker  string
	Text    string
	Ordinal int
}

// =============================================================================
// Resolution Types
// =============================================================================

// MethodSignature is the stable cache key identifying a declaration
// independent of call site. It must be deterministic for the same declaration
// across repeated resolutions.
type MethodSignature string

// Declaration describes a resolved method declaration handed to the
// annotation extractor. Produced by a resolver, consumed immediately; the
// extractor does not retain it.
type Declaration struct {
	Signature     MethodSignature
	Name          string
	DeclaringType string // Fully qualified declaring type or package path.
	Language      string // Source language tag: "go", "python", "javascript", ...
	Doc           string // Raw documentation comment text, including comment markers.
	FilePath      string
	Source        []byte // Declaration source, used by tree-sitter strategies.
	Offset        int    // Byte offset of the declaration within Source.
}

// CallSite is a resolved reference from a call expression to the method
// declaration it invokes. Chain, when non-nil, lists the calls of a fluent
// expression in call order, ending at this call site.
type CallSite struct {
	Decl    *Declaration
	Expr    *ast.CallExpr
	CallPos token.Pos
	Chain   []*CallSite
}

// TriggerKey identifies one trigger candidate. Transient: created and
// discarded per event, no persistent identity.
type TriggerKey struct {
	EditorID string
	Offset   int
	At       time.Time
}

// =============================================================================
// Cache Types
// =============================================================================

// CacheStats is a point-in-time snapshot of result cache performance.
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// =============================================================================
// Recovery Types
// =============================================================================

// RecoveryAction is the bounded set of responses the recovery policy can
// prescribe for a failure or performance signal.
type RecoveryAction int

const (
	ActionRetry RecoveryAction = iota
	ActionSkip
	ActionFallback
	ActionDisableFeature
	ActionResetState
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionFallback:
		return "fallback"
	case ActionDisableFeature:
		return "disable-feature"
	case ActionResetState:
		return "reset-state"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// PerfIssueKind names the class of a performance signal.
type PerfIssueKind int

const (
	PerfMemoryPressure PerfIssueKind = iota
	PerfResponseTime
	PerfWorkerSaturation
	PerfCacheMissRate
)

// PerfSeverity grades a performance signal.
type PerfSeverity int

const (
	SeverityLow PerfSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// PerformanceIssue is a proactive signal handed to the recovery policy,
// independent of any single user action.
type PerformanceIssue struct {
	Kind     PerfIssueKind
	Severity PerfSeverity
	Detail   string
}
