// Package logging sets up the process-wide structured logger: a JSON
// handler over a rotating file writer, optionally tee'd to stderr. The
// shape is grounded on amanmcp's internal/logging package: a Config struct
// with sane defaults and a Setup(cfg) (*slog.Logger, func(), error)
// constructor rather than a package-global logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config controls where and how verbosely the process logs.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the log file path. Empty disables file logging.
	FilePath string
	// WriteToStderr additionally tees every record to stderr.
	WriteToStderr bool
}

// DefaultConfig logs at info level to logsDir/focusedsearch.log and stderr.
func DefaultConfig(logsDir string) Config {
	return Config{
		Level:         "info",
		FilePath:      filepath.Join(logsDir, "focusedsearch.log"),
		WriteToStderr: true,
	}
}

// Setup builds the process logger per cfg and returns a cleanup function
// that closes the underlying file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var writers []io.Writer
	var closer func() error = func() error { return nil }

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		closer = f.Close
	}
	if cfg.WriteToStderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler)

	cleanup := func() {
		_ = closer()
	}
	return logger, cleanup, nil
}

func parseLevel(level string) slog.Level {
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
