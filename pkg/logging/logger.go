// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name from configuration.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForRun returns a component logger tagged with the run identifiers.
func ForRun(component string, runID int64, session string) zerolog.Logger {
	return NewLogger(component).With().
		Int64("run_id", runID).
		Str("run_session", session).
		Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Detail cache operations (hit/miss, list entry)
//   - Parsed detail pages, truncated source pages
//   - Governor waits
//
// Info: Normal operation events
//   - Run start and finish
//   - Page commits with counts
//   - Requests that succeeded after retry
//
// Warn: Warning conditions that don't prevent operation
//   - Page fetch retries and governor pauses
//   - Detail fetch degradation to structured-only
//   - Records rejected by the store
//   - Cache errors (fallback to direct fetch)
//   - Run cancelled by signal
//
// Error: Error conditions requiring attention
//   - Fatal run stops (retry ceiling, permanent source error, ledger failure)
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - run_id, run_session: ingest run identifiers
//   - offset, next_offset: source position of a page
//   - list_entry: natural key of a record
//   - error_class: network, rate_limit, server, client, malformed
//   - attempt, backoff: retry state
//   - stage, class, resume_offset: fatal run stop details
