package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelEmergency sits above slog.LevelError and marks the notices emitted right
// before the host is restarted.
const LevelEmergency = slog.Level(12)

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
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
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// levelName renders LevelEmergency as EMERG and leaves the built-in levels alone.
func levelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelEmergency {
		a.Value = slog.StringValue("EMERG")
	}
	return a
}
