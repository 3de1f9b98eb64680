// calltip_utils.go
// Shared helpers: logging setup, config file handling, URI and offset checks.
package calltip

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a config log level string to a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level '%s'", levelStr)
	}
}

// ============================================================================
// Config File Helpers
// ============================================================================

// GetConfigPaths returns the primary (user config dir) and secondary (home
// dotfile) candidate paths for the config file.
func GetConfigPaths(logger *slog.Logger) (primary string, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	userConfigDir, ucdErr := os.UserConfigDir()
	if ucdErr == nil {
		primary = filepath.Join(userConfigDir, configDirName, defaultConfigFile)
	} else {
		logger.Warn("Could not determine user config directory", "error", ucdErr)
		err = ucdErr
	}
	homeDir, homeErr := os.UserHomeDir()
	if homeErr == nil {
		base := ".config"
		if runtime.GOOS == "windows" {
			base = "AppData"
		}
		secondary = filepath.Join(homeDir, base, configDirName, defaultConfigFile)
	} else {
		logger.Warn("Could not determine user home directory", "error", homeErr)
		if err == nil {
			err = homeErr
		}
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("cannot determine any config path: %w", err)
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig reads a JSON config file at path and merges any fields
// it sets into cfg. Returns whether a file was found and loaded.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading config file: %w", err)
	}

	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return true, fmt.Errorf("parsing config file JSON: %w", err)
	}

	if fileCfg.Enabled != nil {
		cfg.Enabled = *fileCfg.Enabled
	}
	if fileCfg.TagAliases != nil {
		cfg.TagAliases = append([]string(nil), (*fileCfg.TagAliases)...)
	}
	if fileCfg.FullDocumentationMode != nil {
		cfg.FullDocumentationMode = *fileCfg.FullDocumentationMode
	}
	if fileCfg.DisplayDurationMs != nil {
		cfg.DisplayDurationMs = *fileCfg.DisplayDurationMs
	}
	if fileCfg.DisplayStyle != nil {
		cfg.DisplayStyle = DisplayStyle(*fileCfg.DisplayStyle)
	}
	if fileCfg.CacheCapacity != nil {
		cfg.CacheCapacity = *fileCfg.CacheCapacity
	}
	if fileCfg.CacheTTLSeconds != nil {
		cfg.CacheTTLSeconds = *fileCfg.CacheTTLSeconds
	}
	if fileCfg.SweepIntervalSeconds != nil {
		cfg.SweepIntervalSeconds = *fileCfg.SweepIntervalSeconds
	}
	if fileCfg.DedupWindowMs != nil {
		cfg.DedupWindowMs = *fileCfg.DedupWindowMs
	}
	if fileCfg.Workers != nil {
		cfg.Workers = *fileCfg.Workers
	}
	if fileCfg.LogLevel != nil {
		cfg.LogLevel = *fileCfg.LogLevel
	}
	cfg.deriveDurations()
	logger.Debug("Merged config file", "path", path)
	return true, nil
}

// WriteDefaultConfig writes the default configuration as JSON to path,
// creating parent directories as needed.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	logger.Info("Wrote default config file", "path", path)
	return nil
}

// ============================================================================
// URI & Offset Helpers
// ============================================================================

// ValidateAndGetFilePath converts a file:// document URI into a clean
// absolute filesystem path.
func ValidateAndGetFilePath(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported scheme '%s'", ErrInvalidURI, parsed.Scheme)
	}
	path := parsed.Path
	if runtime.GOOS == "windows" && strings.HasPrefix(path, "/") && len(path) > 2 && path[2] == ':' {
		path = path[1:]
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidURI)
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	return abs, nil
}

// validOffset reports whether a candidate offset can address the character
// just completed inside content of the given length.
func validOffset(offset, length int) error {
	if offset <= 0 || offset > length {
		return fmt.Errorf("%w: offset %d not in (0, %d]", ErrPositionOutOfRange, offset, length)
	}
	return nil
}
