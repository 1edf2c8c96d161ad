package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

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
	Level      Level     `yaml:"level"`
	JSONOutput bool      `yaml:"json"`
	Output     io.Writer `yaml:"-"`
}

// ParseLevel maps a configured level onto zerolog, defaulting to info
func ParseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

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

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithEntityID creates a child of parent with entity_id field
func WithEntityID(parent zerolog.Logger, entityID string) zerolog.Logger {
	return parent.With().Str("entity_id", entityID).Logger()
}

// WithCommandID creates a child of parent with command_id field
func WithCommandID(parent zerolog.Logger, commandID string) zerolog.Logger {
	return parent.With().Str("command_id", commandID).Logger()
}

// WithPartition creates a child of parent with partition field
func WithPartition(parent zerolog.Logger, partition int) zerolog.Logger {
	return parent.With().Int("partition", partition).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
