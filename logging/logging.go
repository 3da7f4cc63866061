// Package logging builds the process-wide zerolog logger: a console
// writer on stderr plus an optional size-rotated file sink.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string

	// File, when non-empty, enables a rotating file sink at the given path.
	File string

	// MaxSizeMB is the rotation threshold for the file sink. Zero means 10.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Zero means 3.
	MaxBackups int
}

// New constructs the root logger. Components derive their own with
// logger.With().Str("component", ...).Logger().
func New(opts Options) zerolog.Logger {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}}

	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(opts.Level)).
		With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
