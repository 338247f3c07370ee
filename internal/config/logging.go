package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug]. It carries raw apcaccess
// output and full inbound payloads.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps a log_level value to an [slog.Level]. Matching is
// case-insensitive and an empty string means info. "warning" is
// accepted as an alias for "warn".
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames prints [LevelTrace] as TRACE rather than
// DEBUG-4. Use it as [slog.HandlerOptions.ReplaceAttr].
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// NewLogger builds the daemon logger. format is "json" or "text"
// (anything else is text). At trace level records carry their source
// location.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= LevelTrace,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger this configuration asks for. verbose raises
// the level to at least debug.
func (c *Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	// Validate has already accepted LogLevel.
	level, _ := ParseLogLevel(c.LogLevel)
	if verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	return NewLogger(w, level, c.LogFormat)
}
