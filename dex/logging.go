// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dex holds small, dependency-light types shared by every package in
// the fulfillment agent: logging and the error-kind taxonomy.
package dex

import (
	"fmt"
	"io"
	"os"

	"github.com/decred/slog"
)

// Logger is the logging interface used throughout the agent. The internal
// packages that log receive a Logger through their constructors rather than
// holding a package-level global; only cmd/xcpfolioagent keeps package-level
// loggers.
type Logger = slog.Logger

// Disabled is a Logger that discards everything, the zero-value placeholder
// every cmd/xcpfolioagent subsystem logger starts as before
// parseAndSetDebugLevels runs.
var Disabled = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels,
// all backed by a single slog.Backend.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker constructs a LoggerMaker writing to w. w defaults to
// os.Stdout when nil.
func NewLoggerMaker(w io.Writer, defaultLevel slog.Level, levels map[string]slog.Level) *LoggerMaker {
	if w == nil {
		w = os.Stdout
	}
	return &LoggerMaker{
		Backend:      slog.NewBackend(w),
		DefaultLevel: defaultLevel,
		Levels:       levels,
	}
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the
// DefaultLevel is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// ParseLevel parses a case-insensitive level name, defaulting to LevelInfo
// for an empty string.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	lvl, ok := slog.LevelFromString(s)
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// StdOutLogger is a convenience constructor for a single Logger writing to
// stdout, handy in tests and one-shot CLI subcommands.
func StdOutLogger(name string, lvl slog.Level) Logger {
	return NewLoggerMaker(os.Stdout, lvl, nil).NewLogger(name)
}
