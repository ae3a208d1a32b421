// level.go maps textual log levels from flags and configuration onto
// slog levels.
package log

import (
	"log/slog"
	"strings"
)

// ParseLevel parses a log level from its string representation. The
// match is case-insensitive. Unrecognised strings return LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
