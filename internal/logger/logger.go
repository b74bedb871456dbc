// Package logger builds the single *zerolog.Logger instance used across
// the supervisor. It is constructed once in main and threaded explicitly
// through every component constructor.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
)

const (
	LogLevelFlag = "loglevel"
	LogFileFlag  = "logfile"

	dirPermMode  = 0744
	filePermMode = 0644

	consoleTimeFormat = time.RFC3339
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// Config describes how to build the process-wide logger.
type Config struct {
	// Level is one of zerolog's textual levels (debug, info, warn, error).
	Level string
	// LogFile, if non-empty, writes JSON lines to this path instead of
	// the console writer (unless Stderr is set).
	LogFile string
	// Stderr forces console (human readable) output to stderr even when
	// LogFile is set; backs the --log-stderr flag.
	Stderr bool
}

// Create builds a *zerolog.Logger per Config. Never returns an error for
// the console writer; a LogFile that can't be opened falls back to
// stderr-only and the returned error reports that degradation so the
// caller can log it with whatever logger it already has.
func Create(cfg Config) (*zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	var fallbackErr error

	if cfg.LogFile != "" && !cfg.Stderr {
		if f, ferr := openLogFile(cfg.LogFile); ferr == nil {
			writers = append(writers, f)
		} else {
			fallbackErr = ferr
			writers = append(writers, consoleWriter())
		}
	} else {
		writers = append(writers, consoleWriter())
	}

	multi := zerolog.MultiLevelWriter(writers...)
	l := zerolog.New(multi).Level(level).With().Timestamp().Logger()
	return &l, fallbackErr
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		TimeFormat: consoleTimeFormat,
	}
}

func openLogFile(path string) (io.Writer, error) {
	if err := os.MkdirAll(dirOf(path), dirPermMode); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePermMode)
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
