// Package logging sets up the global zerolog logger for the binary.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Level is the minimum level, e.g. "debug" or "trace".
	Level string
	// JSON disables the human-readable console output.
	JSON bool
	// File is an optional log file, written in addition to Output.
	File string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// Setup configures the global logger and returns it, together with a function
// closing the log file. The closer is never nil.
func Setup(cfg Config) (zerolog.Logger, func() error, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out}
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{out}
	closer := func() error { return nil }
	if cfg.File != "" {
		logFile, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return log.Logger, closer, err
		}
		logOutputs = append(logOutputs, logFile)
		closer = logFile.Close
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(logOutputs...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	log.Logger = logger
	return logger, closer, nil
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean debug.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.DebugLevel
	}
}
