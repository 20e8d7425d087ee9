package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components do not log through it
// directly; they derive a child with WithComponent at construction and keep
// it for their lifetime.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. Unknown or empty level names fall back
// to info rather than failing startup.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent derives the child logger a component keeps for its lifetime.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithEntity tags a component logger with the entity an operation touches.
func WithEntity(logger zerolog.Logger, entity string) zerolog.Logger {
	return logger.With().Str("entity", entity).Logger()
}

// WithLSN tags a component logger with a change-log position.
func WithLSN(logger zerolog.Logger, lsn uint64) zerolog.Logger {
	return logger.With().Uint64("lsn", lsn).Logger()
}
