package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global logger instance
	Logger zerolog.Logger = zerolog.Nop()
)

// Options tunes where the logger writes. The zero value logs human-readable lines to stdout.
type Options struct {
	// JSON switches the console writer off so log collectors receive raw JSON lines.
	JSON bool
	// FilePath, when set, additionally appends every event to this file.
	FilePath string
}

// Initialize sets up the global logger with console output.
func Initialize(logLevel string) {
	InitializeWithOptions(logLevel, Options{})
}

// InitializeWithOptions sets up the global logger and replaces zerolog's global logger with it.
func InitializeWithOptions(logLevel string, opts Options) {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    false,
	}
	if opts.JSON {
		output = os.Stdout
	}

	if opts.FilePath != "" {
		file, err := FileWriter(opts.FilePath)
		if err != nil {
			log.Error().Err(err).Str("path", opts.FilePath).Msg("Failed to open log file, logging to stdout only")
		} else {
			output = zerolog.MultiLevelWriter(output, file)
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	zerolog.SetGlobalLevel(ParseLevel(logLevel))

	// Replace standard log with zerolog
	log.Logger = Logger
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(logLevel string) zerolog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetForComponent returns a logger with a component field for better filtering
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// FileWriter returns a writer to a log file for optional use alongside console logging
func FileWriter(path string) (io.Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	return file, nil
}
