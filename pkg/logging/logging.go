// Package logging sets up the process logger of the command line reader. Library
// packages never log through it directly: they receive a *slog.Logger in their
// configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

func init() {
	InitLogger("info")
}

// ParseLevel maps debug, info, warn (or warning) and error, in any case, to a level.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger installs a text logger on stderr as the default logger.
func InitLogger(level string) *slog.Logger {
	return Init(os.Stderr, level)
}

// Init installs a text logger writing to w as the default logger. APDU traces are
// only emitted at debug level.
func Init(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	logger = slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// GetLogger returns the logger installed last.
func GetLogger() *slog.Logger {
	return logger
}
