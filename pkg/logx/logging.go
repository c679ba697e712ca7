package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

// Logger is a value-type structured logger. Loggers derived from a Service
// follow its runtime reconfiguration. The zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

func Nop() Logger { return Logger{base: zerolog.Nop(), hasBase: true} }

// NewConsole is a standalone human-readable logger for use before the config
// is loaded.
func NewConsole(level string) Logger {
	return newStatic(newConsoleWriter(os.Stdout), ParseLevel(level, LevelInfo))
}

// NewWriter writes JSON lines to w. Tests capture output with it.
func NewWriter(w io.Writer, level string) Logger {
	return newStatic(w, ParseLevel(level, LevelDebug))
}

func newStatic(w io.Writer, lvl Level) Logger {
	return Logger{base: zerolog.New(w).Level(lvl).With().Timestamp().Logger(), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.root().GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l Logger) log(level Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// file:line of the Trace/Debug/... caller
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// ParseLevel accepts zerolog level names ("warning" too). Unknown or empty
// input yields def.
func ParseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
