// Package logging configures zerolog for the export service and the task
// dispatcher and builds the scoped loggers the components log through.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a level name as read from LOG_LEVEL.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to colored console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service is stamped on every line as "service" when set.
	Service string
}

// DefaultConfig returns JSON logging at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup builds the process logger and installs it as the zerolog global.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to a zerolog level. "warning" is accepted for
// warn; empty or unknown names fall back to info.
func ParseLevel(level LogLevel) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component returns logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// ForPage returns logger tagged with the entity and 1-based page index.
func ForPage(logger zerolog.Logger, entity string, page int) zerolog.Logger {
	return logger.With().Str("entity", entity).Int("page", page).Logger()
}

// Field conventions:
//
//   - component: source, storage, fanout, pipeline, dispatcher, server
//   - entity, page: the page being exported or scheduled
//   - bucket, key, md5: object location and checksum
//   - total_pages: page count reported by the shop
//   - task_id, attempt: deferred task delivery
//   - error_kind: source_unavailable, schema_mismatch, write_failed, ...
//   - error_class: client, server, rate_limit, network, decode
//
// Page-level success is Info, a rescheduled delivery or a failed ledger
// record is Warn, anything that fails a page or buries a task is Error.
