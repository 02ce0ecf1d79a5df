package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// with returns a child logger tagging a single string field, the shape
// every domain-scoped logger in this package needs.
func with(field, value string) *zerolog.Logger {
	l := Logger.With().Str(field, value).Logger()
	return &l
}

// WithComponent creates a child logger with a component field, used by
// every long-running worker (janitor, resources, api) to tag its own logs.
func WithComponent(component string) *zerolog.Logger {
	return with("component", component)
}

// WithContainerID creates a child logger with a container_id field, used
// by the per-container monitor and reclaim path.
func WithContainerID(containerID string) *zerolog.Logger {
	return with("container_id", containerID)
}

// WithUserUUID creates a child logger with a user_uuid field, used by
// Deploy/Restart error paths that don't yet have a container id.
func WithUserUUID(userUUID string) *zerolog.Logger {
	return with("user_uuid", userUUID)
}
