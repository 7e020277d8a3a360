// Package logging builds the human-oriented console logger used by every
// nest command.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

const successLevel = "success"

// Logger is a zerolog.Logger with an extra success pseudo-level.
type Logger struct {
	zerolog.Logger
}

// New writes colourised console lines to w, dropping events below level.
func New(w io.Writer, level zerolog.Level) *Logger {
	cw := zerolog.ConsoleWriter{
		Out:          w,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
		FormatLevel:  formatLevel,
	}
	return &Logger{Logger: zerolog.New(cw).Level(level)}
}

// Default logs to stderr at level.
func Default(level zerolog.Level) *Logger {
	return New(os.Stderr, level)
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Level picks the log level for the global --debug and --quiet flags.
// An explicit name (e.g. from NEST_LOG_LEVEL) is used when neither is set.
func Level(debug, quiet bool, name string) zerolog.Level {
	switch {
	case debug:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.ErrorLevel
	}
	if name != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil && l != zerolog.NoLevel {
			return l
		}
	}
	return zerolog.InfoLevel
}

// Success starts an event reporting a completed operation. It is emitted
// at info verbosity and suppressed when the logger is quieter than that.
func (l *Logger) Success() *zerolog.Event {
	if l.GetLevel() > zerolog.InfoLevel {
		return nil
	}
	return l.Log().Str(zerolog.LevelFieldName, successLevel)
}

func formatLevel(i any) string {
	s, _ := i.(string)
	switch s {
	case zerolog.LevelTraceValue, zerolog.LevelDebugValue:
		return color.HiBlackString("debug")
	case zerolog.LevelInfoValue:
		return color.CyanString(" info")
	case zerolog.LevelWarnValue:
		return color.YellowString(" warn")
	case zerolog.LevelErrorValue:
		return color.RedString("error")
	case zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		return color.New(color.FgRed, color.Bold).Sprint("fatal")
	case successLevel:
		return color.GreenString("   ok")
	default:
		return s
	}
}
